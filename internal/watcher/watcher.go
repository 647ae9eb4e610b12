// Package watcher implements the cancellation watcher that races the
// executor for one claimed task: it polls the task's external status and,
// on a cancellation signal, calls the executor's Cancel and cancels the
// executor's context. The task's event queue is not closed: events the
// executor enqueues after that point are still routed to the store.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/uengine-oss/agent-dispatcher/internal/events"
	"github.com/uengine-oss/agent-dispatcher/internal/executor"
	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// Canceled statuses. fb_requested means "feedback requested" — a human
// pulled the task back for revision, which this worker also treats as a
// stop signal.
const (
	StatusCancelled   = "cancelled"
	StatusFBRequested = "fb_requested"
)

// Watcher polls a task's external status and cancels its execution.
type Watcher struct {
	store        store.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// New builds a Watcher with the given poll interval (default 500ms).
func New(client store.Client, pollInterval time.Duration, logger *slog.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: client, pollInterval: pollInterval, logger: logger}
}

// Watch polls taskID's status every pollInterval until ctx is canceled
// (the executor finished first) or a cancellation status is observed. On
// cancellation it invokes exec.Cancel (best-effort) and calls cancelExec to
// stop the execute goroutine's context, then closes the returned channel.
//
// Watch never returns an error: a poll failure is logged and retried on
// the next tick, matching the source's cooperative-cancellation semantics
// where a flaky status read must not itself abort the task.
func (w *Watcher) Watch(ctx context.Context, task *store.Task, rc *executor.ExecutionContext, exec executor.Executor, q *events.Queue, cancelExec context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := w.store.FetchStatus(ctx, task.ID)
				if err != nil {
					w.logger.Warn("watcher_fetch_status_failed",
						slog.String("task_id", task.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
				if status == StatusCancelled || status == StatusFBRequested {
					w.handleCancellation(ctx, task, rc, exec, q, cancelExec, status)
					return
				}
			}
		}
	}()

	return done
}

func (w *Watcher) handleCancellation(ctx context.Context, task *store.Task, rc *executor.ExecutionContext, exec executor.Executor, q *events.Queue, cancelExec context.CancelFunc, status string) {
	w.logger.Info("task_cancellation_observed",
		slog.String("task_id", task.ID),
		slog.String("status", status),
	)

	if err := exec.Cancel(ctx, rc, q); err != nil {
		w.logger.Warn("executor_cancel_failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	cancelExec()
}
