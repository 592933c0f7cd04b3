package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"settlement-service/internal/consumers"
)

// Task Types
const (
	TypeLegRetry = "settlement:leg-retry"
)

const QueueCritical = "critical"

func NewLegRetryTask(payload consumers.LegRetryDTO) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeLegRetry, data), nil
}

// Backoff returns the delay before retry attempt (1-based): base doubled per
// attempt, capped at ceiling.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqRetryScheduler defers leg retries to the asynq worker.
type AsynqRetryScheduler struct {
	client   Enqueuer
	base     time.Duration
	maxDelay time.Duration
}

func NewAsynqRetryScheduler(client Enqueuer, base, maxDelay time.Duration) *AsynqRetryScheduler {
	return &AsynqRetryScheduler{client: client, base: base, maxDelay: maxDelay}
}

// ScheduleLegRetry enqueues one task per leg and attempt. Scheduling the same
// attempt twice is not an error.
func (s *AsynqRetryScheduler) ScheduleLegRetry(ctx context.Context, legID uint, attempt int) error {
	task, err := NewLegRetryTask(consumers.LegRetryDTO{LegID: legID, Attempt: attempt})
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(Backoff(s.base, s.maxDelay, attempt)),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(3),
		asynq.TaskID(fmt.Sprintf("leg-%d-%d", legID, attempt)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue retry for leg %d: %w", legID, err)
	}
	return nil
}
