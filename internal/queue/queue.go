// Package queue runs background maintenance for the PostgreSQL credential store on
// asynq: a periodic task deletes credential rows whose expiry has passed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TypeSweepCredentials is the asynq task type for expired credential cleanup.
const TypeSweepCredentials = "credentials:sweep"

const maxSweepRounds = 100

// Sweeper removes up to batch expired credentials per call.
type Sweeper interface {
	Sweep(ctx context.Context, batch int) (int64, error)
}

// SweepPayload is the task payload.
type SweepPayload struct {
	Batch int `json:"batch"`
}

// NewSweepTask builds a sweep task. Unique keeps overlapping schedules from
// stacking while a previous sweep is still queued.
func NewSweepTask(batch int, unique time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{Batch: batch})
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.MaxRetry(3)}
	if unique > 0 {
		opts = append(opts, asynq.Unique(unique), asynq.Timeout(unique))
	}
	return asynq.NewTask(TypeSweepCredentials, payload, opts...), nil
}

// SweepHandler processes sweep tasks.
type SweepHandler struct {
	Store  Sweeper
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler. It keeps deleting batches until a short
// batch shows the backlog is drained.
func (h SweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h.Store == nil {
		return fmt.Errorf("queue: sweep store not configured: %w", asynq.SkipRetry)
	}
	var p SweepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		QueueProcessedTotal.WithLabelValues(t.Type(), "invalid").Inc()
		return fmt.Errorf("queue: decode sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Batch <= 0 {
		p.Batch = 1000
	}

	var total int64
	for round := 0; round < maxSweepRounds; round++ {
		n, err := h.Store.Sweep(ctx, p.Batch)
		total += n
		SweptRecordsTotal.Add(float64(n))
		if err != nil {
			QueueProcessedTotal.WithLabelValues(t.Type(), "error").Inc()
			h.Logger.Error().Err(err).Int64("deleted", total).Msg("credential sweep failed")
			return err
		}
		if n < int64(p.Batch) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	QueueProcessedTotal.WithLabelValues(t.Type(), "success").Inc()
	h.Logger.Info().Int64("deleted", total).Msg("credential sweep complete")
	return nil
}

// NewServeMux routes task types to their handlers.
func NewServeMux(sweep SweepHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSweepCredentials, sweep)
	return mux
}

// CronSpec renders an interval as an asynq scheduler spec.
func CronSpec(interval time.Duration) (string, error) {
	if interval < time.Second {
		return "", errors.New("queue: sweep interval must be at least 1s")
	}
	return "@every " + interval.String(), nil
}

// RegisterSweep schedules the sweep task every interval.
func RegisterSweep(s *asynq.Scheduler, interval time.Duration, batch int) (string, error) {
	spec, err := CronSpec(interval)
	if err != nil {
		return "", err
	}
	task, err := NewSweepTask(batch, interval)
	if err != nil {
		return "", err
	}
	return s.Register(spec, task)
}

// LogErrorHandler reports failed tasks through zerolog.
func LogErrorHandler(logger zerolog.Logger) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
		logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
	})
}
