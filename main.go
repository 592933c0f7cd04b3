package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/app"
	"settlement-service/internal/config"
	"settlement-service/internal/database"
	grpcServer "settlement-service/internal/grpc"
	"settlement-service/internal/handlers"
)

func main() {
	config.LoadEnvFiles()
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	logger := config.NewLogger(cfg)

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialise services")
	}
	defer a.Close()

	if a.DB != nil && cfg.IsDevelopment() {
		if err := database.Migrate(a.DB); err != nil {
			logger.WithError(err).Fatal("failed to migrate database")
		}
	}

	var verifier handlers.SignatureVerifier
	if a.Paystack != nil {
		verifier = a.Paystack
	}
	h := handlers.NewHandler(a.Settlement, a.Reporting, verifier, logger)

	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID(), handlers.Logger(logger))
	h.RegisterRoutes(r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pinger grpcServer.Pinger
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			pinger = sqlDB
		}
	}
	reporter := grpcServer.NewHealthReporter(pinger, logger)
	go reporter.Watch(ctx, 30*time.Second)
	go func() {
		if err := grpcServer.StartGRPCServer(cfg.GRPCPort, reporter, logger); err != nil {
			logger.WithError(err).Error("gRPC server stopped")
		}
	}()

	scheduler := a.Settlement.StartScheduler()
	defer scheduler.Stop()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		logger.WithField("port", cfg.Port).Info("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP shutdown")
	}
}
