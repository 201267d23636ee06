// Package task is the retryable task engine: it leases work from the shared
// queue, enforces a per-attempt wall-clock ceiling, and turns task outcomes
// into backoff retries, permanent failures, or dead letters.
package task

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcriber/internal/config"
	"meeting-transcriber/internal/models"
	"meeting-transcriber/internal/queue"
	"meeting-transcriber/internal/telemetry"
)

// Handler executes one attempt of a task and reports the outcome.
type Handler func(ctx context.Context, t models.Task) Outcome

// TaskStore is the persistence surface the engine needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	SetTaskStatus(ctx context.Context, id, status string) error
	UpdateTaskAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkTaskSucceeded(ctx context.Context, id string) error
	MarkTaskFailed(ctx context.Context, id, lastErr string) error
	MarkTaskDeadLetter(ctx context.Context, id, lastErr string) error
	AppendTaskEvent(ctx context.Context, taskID, event, detail string) error
}

// Engine drives the worker execution loop.
type Engine struct {
	cfg      config.Config
	queue    *queue.TaskQueue
	store    TaskStore
	handlers map[string]Handler
	log      zerolog.Logger
}

// NewEngine creates an engine with no handlers registered.
func NewEngine(cfg config.Config, q *queue.TaskQueue, st TaskStore, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a task type.
func (e *Engine) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	e.handlers[taskType] = handler
}

// Run pulls and executes tasks until context cancellation. Cancellation is
// the shutdown signal: it propagates into every in-flight attempt so provider
// calls and persistence writes can abort cleanly.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = e.queue.PromoteScheduled(ctx, time.Now(), int64(e.cfg.ScheduledBatchSize))
		if reclaimed, _ := e.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, id := range reclaimed {
				_ = e.store.SetTaskStatus(ctx, id, models.TaskStatusQueued)
			}
		}
		if depth, err := e.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		taskID, err := e.queue.DequeueWithLease(ctx)
		if err != nil || taskID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.WorkerPollInterval):
			}
			continue
		}

		t, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			_ = e.queue.Ack(ctx, taskID)
			continue
		}
		if t.Status == models.TaskStatusSucceeded || t.Status == models.TaskStatusFailed || t.Status == models.TaskStatusDeadLetter {
			_ = e.queue.Ack(ctx, taskID)
			continue
		}

		_ = e.store.SetTaskStatus(ctx, t.ID, models.TaskStatusInProgress)
		telemetry.InFlightGauge.Inc()
		stopHeartbeat := e.keepLeaseAlive(ctx, t.ID)
		outcome := e.Execute(ctx, t)
		stopHeartbeat()
		telemetry.InFlightGauge.Dec()

		if ctx.Err() != nil && !outcome.IsSuccess() {
			// Shutdown-triggered abort: an incomplete attempt, not a failure.
			// The lease expires and the task is reclaimed by another worker.
			_ = e.store.SetTaskStatus(context.WithoutCancel(ctx), t.ID, models.TaskStatusQueued)
			return ctx.Err()
		}

		e.settle(ctx, t, outcome)
	}
}

// Execute runs a single supervised attempt: per-attempt deadline, panic
// containment, cancellation passthrough. Also used directly for the pod's own
// bot-run task, which never goes through the shared queue.
func (e *Engine) Execute(ctx context.Context, t models.Task) Outcome {
	handler, ok := e.handlers[t.Type]
	if !ok {
		return Terminal("unknown_task_type", fmt.Errorf("no handler registered for type %q", t.Type))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	outcome := e.invoke(attemptCtx, handler, t)
	if outcome.IsSuccess() {
		return outcome
	}
	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The attempt hit the wall-clock ceiling; classify as a timeout so
		// the retry policy applies regardless of what the body reported.
		return Retryable(models.FailureTimedOut, attemptCtx.Err())
	}
	return outcome
}

// keepLeaseAlive extends the visibility lease while an attempt runs. Attempts
// may legitimately outlast the visibility timeout (a long provider call stays
// under the attempt ceiling), and without the heartbeat another worker would
// reclaim the lease and run the same attempt concurrently.
func (e *Engine) keepLeaseAlive(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.queue.ExtendLease(ctx, taskID, e.cfg.VisibilityTimeout); err != nil {
					e.log.Warn().Err(err).Str("task_id", taskID).Msg("lease extension failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// invoke contains panics so a crashing task body becomes a retryable failure
// instead of taking down the worker loop.
func (e *Engine) invoke(ctx context.Context, handler Handler, t models.Task) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("task_id", t.ID).Interface("panic", r).Msg("task handler panicked")
			outcome = Retryable(models.FailureInternalError, fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(ctx, t)
}

// settle applies the outcome: ack plus status bookkeeping, a scheduled retry,
// or dead-lettering once retries are exhausted.
func (e *Engine) settle(ctx context.Context, t models.Task, outcome Outcome) {
	switch {
	case outcome.IsSuccess():
		_ = e.queue.Ack(ctx, t.ID)
		_ = e.store.MarkTaskSucceeded(ctx, t.ID)
		_ = e.store.AppendTaskEvent(ctx, t.ID, "succeeded", "")

	case outcome.IsTerminal():
		_ = e.queue.Ack(ctx, t.ID)
		_ = e.store.MarkTaskFailed(ctx, t.ID, outcome.Detail())
		_ = e.store.AppendTaskEvent(ctx, t.ID, "failed", outcome.Detail())
		e.log.Error().Str("task_id", t.ID).Str("type", t.Type).Str("reason", outcome.Reason).Msg("task failed permanently")

	default:
		attempts := t.Attempts + 1
		maxRetries := t.MaxAttempts
		if maxRetries == 0 || maxRetries > e.cfg.MaxTaskRetries {
			maxRetries = e.cfg.MaxTaskRetries
		}
		if attempts >= maxRetries {
			_ = e.queue.Ack(ctx, t.ID)
			_ = e.store.MarkTaskDeadLetter(ctx, t.ID, outcome.Detail())
			_ = e.queue.DLQPush(ctx, t.ID)
			_ = e.store.AppendTaskEvent(ctx, t.ID, "dead_letter", outcome.Detail())
			telemetry.TasksDeadLettered.Inc()
			e.log.Error().Str("task_id", t.ID).Int("attempts", attempts).Msg("task exhausted retries")
			return
		}

		backoff := backoffWithJitter(e.cfg.BackoffInitial, e.cfg.BackoffMax, attempts)
		nextRun := time.Now().Add(backoff)
		_ = e.store.UpdateTaskAttempts(ctx, t.ID, attempts, nextRun, outcome.Detail())
		_ = e.queue.Ack(ctx, t.ID)
		_ = e.queue.Schedule(ctx, t.ID, nextRun)
		_ = e.store.AppendTaskEvent(ctx, t.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
		telemetry.RetriesScheduled.Inc()
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
