package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/consumers"
)

// LegRetryProcessor is satisfied by *consumers.SettlementProcessor.
type LegRetryProcessor interface {
	ProcessLegRetry(ctx context.Context, dto consumers.LegRetryDTO) error
}

type Worker struct {
	Processor LegRetryProcessor
}

func NewWorker(processor LegRetryProcessor) *Worker {
	return &Worker{
		Processor: processor,
	}
}

func (w *Worker) HandleLegRetry(ctx context.Context, t *asynq.Task) error {
	var p consumers.LegRetryDTO
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.LegID == 0 {
		return fmt.Errorf("leg retry without leg id: %w", asynq.SkipRetry)
	}
	return w.Processor.ProcessLegRetry(ctx, p)
}

// NewServeMux routes every settlement task type to w.
func NewServeMux(w *Worker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeLegRetry, w.HandleLegRetry)
	return mux
}

func StartWorker(redisOpt asynq.RedisClientOpt, processor LegRetryProcessor, logger *logrus.Logger) error {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				QueueCritical: 6,
				"default":     3,
				"low":         1,
			},
			Logger:   logger,
			LogLevel: asynq.InfoLevel,
		},
	)

	if err := srv.Run(NewServeMux(NewWorker(processor))); err != nil {
		return fmt.Errorf("could not run worker: %w", err)
	}
	return nil
}
