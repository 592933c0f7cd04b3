package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const ServiceName = "settlement"

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthReporter publishes ledger reachability through the standard gRPC
// health service.
type HealthReporter struct {
	server *health.Server
	pinger Pinger
	log    *logrus.Entry
}

func NewHealthReporter(pinger Pinger, logger *logrus.Logger) *HealthReporter {
	h := &HealthReporter{
		server: health.NewServer(),
		pinger: pinger,
		log:    logger.WithField("component", "grpc"),
	}
	h.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return h
}

func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// Check pings the ledger and updates both the named and overall status.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.pinger != nil {
		if err := h.pinger.PingContext(ctx); err != nil {
			h.log.WithError(err).Warn("ledger unreachable")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.server.SetServingStatus(ServiceName, status)
	h.server.SetServingStatus("", status)
	return status
}

// Watch re-checks every interval until ctx is done.
func (h *HealthReporter) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval/2)
			h.Check(checkCtx)
			cancel()
		}
	}
}

func NewServer(reporter *HealthReporter) *grpc.Server {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, reporter.Server())
	reflection.Register(s)
	return s
}

// StartGRPCServer blocks serving the health service on port.
func StartGRPCServer(port string, reporter *HealthReporter, logger *logrus.Logger) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", port, err)
	}
	logger.WithField("port", port).Info("gRPC server listening")
	return NewServer(reporter).Serve(lis)
}
