// Package worker implements the polling–claim–execute loop: the main
// process loop that claims tasks, prepares their context, races the
// executor against the cancellation watcher, and finalizes each task's
// lifecycle.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/uengine-oss/agent-dispatcher/internal/bus"
	ctxprep "github.com/uengine-oss/agent-dispatcher/internal/context"
	"github.com/uengine-oss/agent-dispatcher/internal/events"
	"github.com/uengine-oss/agent-dispatcher/internal/executor"
	"github.com/uengine-oss/agent-dispatcher/internal/retry"
	"github.com/uengine-oss/agent-dispatcher/internal/store"
	"github.com/uengine-oss/agent-dispatcher/internal/watcher"
)

// friendlyFallback is the fixed fallback message used when the
// ErrorSummarizer itself fails or is unset, preserved verbatim from the
// source this behavior was distilled from.
const friendlyFallback = "처리 중 오류가 발생했습니다. 로그를 확인해 주세요."

// ErrorSummarizer maps a task-boundary failure to a short, human-readable
// explanation. A nil Summarizer always falls back to friendlyFallback.
type ErrorSummarizer interface {
	Summarize(err error, task *store.Task) (string, error)
}

// Metrics is the subset of telemetry.Metrics the worker touches. Declared
// locally so this package does not depend on internal/telemetry.
type Metrics interface {
	RecordClaim()
	RecordCompleted(durationSeconds float64)
	RecordFailed(durationSeconds float64)
	RecordCanceled(durationSeconds float64)
	RecordPollError()
}

// Config configures a Server.
type Config struct {
	Store              store.Client
	Preparer           *ctxprep.Preparer
	ExecutorFactory    func(task *store.Task) executor.Executor
	Coalescer          *events.Coalescer
	Bus                *bus.Bus
	Summarizer         ErrorSummarizer
	Metrics            Metrics
	Logger             *slog.Logger
	ConsumerID         string
	AgentOrch          string
	Env                string
	IdlePollInterval   time.Duration
	CancelPollInterval time.Duration
}

// Server is the worker's main loop.
type Server struct {
	cfg Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Server. ConsumerID defaults to hostname:pid if unset.
func New(cfg Config) *Server {
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = defaultConsumerID()
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 10 * time.Second
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	return &Server{cfg: cfg, stopCh: make(chan struct{})}
}

func defaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Stop requests graceful shutdown. Idempotent: safe to call more than once
// or concurrently with Run.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Run blocks until Stop is called or ctx is canceled, polling for claimable
// work and processing it one task at a time.
func (s *Server) Run(ctx context.Context) error {
	logger := s.cfg.Logger
	logger.Info("worker_started", slog.String("consumer_id", s.cfg.ConsumerID))

	for {
		select {
		case <-ctx.Done():
			s.shutdown(logger)
			return nil
		case <-s.stopCh:
			s.shutdown(logger)
			return nil
		default:
		}

		task, err := retry.Do(ctx, "claim", retry.Options[*store.Task]{}, func(ctx context.Context) (*store.Task, error) {
			return s.cfg.Store.Claim(ctx, store.ClaimRequest{
				AgentOrch: s.cfg.AgentOrch,
				Consumer:  s.cfg.ConsumerID,
				Limit:     1,
				Env:       s.cfg.Env,
			})
		})
		if err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordPollError()
			}
			s.cfg.Bus.Publish(bus.TopicWorkerPollError, err.Error())
			logger.Warn("claim_poll_failed", slog.String("error", err.Error()))
			if s.sleepOrShutdown(ctx, s.cfg.IdlePollInterval) {
				s.shutdown(logger)
				return nil
			}
			continue
		}

		if task == nil {
			s.cfg.Bus.Publish(bus.TopicWorkerIdle, nil)
			if s.sleepOrShutdown(ctx, s.cfg.IdlePollInterval) {
				s.shutdown(logger)
				return nil
			}
			continue
		}

		// The claimed task runs to completion even if ctx is canceled
		// meanwhile; shutdown is observed at the top of the next iteration.
		s.processTask(context.WithoutCancel(ctx), task)
		// A hit skips the idle sleep: go straight to the next claim.
	}
}

// sleepOrShutdown sleeps for d, interruptible by ctx or Stop. It returns
// true if shutdown was requested during the sleep.
func (s *Server) sleepOrShutdown(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Server) shutdown(logger *slog.Logger) {
	if s.cfg.Coalescer != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.cfg.Coalescer.Flush(flushCtx)
	}
	logger.Info("worker_stopped")
}

// processTask implements the single try/except boundary for one claimed
// task: prepare, construct the queue, run the executor and watcher
// concurrently, await whichever finishes first, and finalize. Any error
// here is contained — the outer poll loop always continues.
func (s *Server) processTask(ctx context.Context, task *store.Task) {
	logger := s.cfg.Logger
	start := time.Now()

	s.cfg.Bus.Publish(bus.TopicTaskClaimed, task.ID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordClaim()
	}

	prepared, err := s.cfg.Preparer.Prepare(ctx, task)
	if err != nil {
		s.failTask(ctx, task, err, start)
		return
	}

	rc := executor.NewExecutionContext(task, prepared)
	q := events.NewQueue(s.cfg.Store, s.cfg.Coalescer, task.TodoID, task.AgentOrch, task.ProcInstID, logger)
	exec := s.cfg.ExecutorFactory(task)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	// watcherCanceled distinguishes "the watcher observed a cancellation
	// signal" from "we canceled execCtx ourselves to stop the watcher after
	// a natural finish" — execCtx.Err() alone can't tell those apart, since
	// both paths cancel the same context. Only the wrapped CancelFunc
	// handed to the watcher sets this flag.
	var watcherCanceled atomic.Bool
	cancelFromWatcher := func() {
		watcherCanceled.Store(true)
		cancelExec()
	}

	execDone := make(chan error, 1)
	go func() {
		execDone <- exec.Execute(execCtx, rc, q)
	}()

	w := watcher.New(s.cfg.Store, s.cfg.CancelPollInterval, logger)
	watchDone := w.Watch(execCtx, task, rc, exec, q, cancelFromWatcher)

	select {
	case err := <-execDone:
		cancelExec() // stop the watcher; it has nothing left to race
		<-watchDone
		if watcherCanceled.Load() {
			// The watcher canceled us concurrently with a natural finish;
			// treat as cancellation, not as an executor error.
			s.cancelTask(task, start)
			return
		}
		if err != nil {
			s.failTask(ctx, task, err, start)
			return
		}
		q.TaskDone()
		s.completeTask(task, start)

	case <-watchDone:
		// The watcher detected cancellation first. execCtx is already
		// canceled; drain the executor's goroutine without waiting on its
		// result — P2 forbids any further store writes for this task.
		go func() { <-execDone }()
		s.cancelTask(task, start)
	}
}

func (s *Server) completeTask(task *store.Task, start time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordCompleted(time.Since(start).Seconds())
	}
	s.cfg.Bus.Publish(bus.TopicTaskCompleted, task.ID)
}

func (s *Server) cancelTask(task *store.Task, start time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordCanceled(time.Since(start).Seconds())
	}
	s.cfg.Bus.Publish(bus.TopicTaskCanceled, task.ID)
}

// failTask is the single failure path: summarize, record one error event,
// mark the task FAILED. Failures here are logged but never mask the
// original cause, and never propagate to the caller.
func (s *Server) failTask(ctx context.Context, task *store.Task, cause error, start time.Time) {
	logger := s.cfg.Logger

	friendly := s.summarize(cause, task)
	rawError := fmt.Sprintf("%T: %s", cause, cause)

	rec := store.PersistedEventRecord{
		ID:         uuid.NewString(),
		JobID:      "TASK_ERROR",
		TodoID:     task.TodoID,
		ProcInstID: task.ProcInstID,
		CrewType:   "agent",
		EventType:  "error",
		Data: map[string]any{
			"friendly":  friendly,
			"raw_error": rawError,
		},
	}
	if err := s.cfg.Store.RecordEvent(ctx, rec); err != nil {
		logger.Error("error_event_record_failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.cfg.Store.MarkFailed(ctx, task.ID); err != nil {
		logger.Error("mark_failed_failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordFailed(time.Since(start).Seconds())
	}
	s.cfg.Bus.Publish(bus.TopicTaskFailed, task.ID)
	logger.Error("task_failed",
		slog.String("task_id", task.ID),
		slog.String("error", rawError),
	)
}

func (s *Server) summarize(cause error, task *store.Task) string {
	if s.cfg.Summarizer == nil {
		return friendlyFallback
	}
	friendly, err := s.cfg.Summarizer.Summarize(cause, task)
	if err != nil || friendly == "" {
		return friendlyFallback
	}
	return friendly
}
