// Package schedule runs the periodic lease-sweep that reclaims tasks
// whose consumer died or stalled mid-lease, returning them to the
// claimable pool. It is optional: a dispatcher with a single long-lived
// worker and LeaseSweepInterval <= 0 can run without it.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// Config holds the dependencies for the lease-sweep scheduler.
type Config struct {
	Store    store.Client
	Logger   *slog.Logger
	Interval time.Duration // sweep cadence; defaults to 1 minute if zero
}

// Scheduler periodically calls RequeueExpiredLeases on the store.
type Scheduler struct {
	store    store.Client
	logger   *slog.Logger
	interval time.Duration

	cron   *cronlib.Cron
	entry  cronlib.EntryID
	mu     sync.Mutex
	active bool
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the periodic sweep. robfig/cron runs its own scheduling
// goroutine; Start wires one entry into it per Scheduler rather than
// hand-rolling a ticker loop, since the interval can be re-expressed as
// "@every <interval>".
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}

	s.cron = cronlib.New(cronlib.WithLogger(cronlib.DiscardLogger))
	spec := "@every " + s.interval.String()

	id, err := s.cron.AddFunc(spec, func() { s.sweep(ctx) })
	if err != nil {
		s.logger.Error("schedule: failed to register lease sweep", slog.String("error", err.Error()))
		return
	}
	s.entry = id
	s.cron.Start()
	s.active = true

	s.logger.Info("lease_sweep_started", slog.Duration("interval", s.interval))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the sweep and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.active = false
	s.logger.Info("lease_sweep_stopped")
}

func (s *Scheduler) sweep(ctx context.Context) {
	reclaimed, err := s.store.RequeueExpiredLeases(ctx)
	if err != nil {
		s.logger.Error("lease_sweep_failed", slog.String("error", err.Error()))
		return
	}
	if reclaimed > 0 {
		s.logger.Info("lease_sweep_reclaimed", slog.Int("count", reclaimed))
	}
}
