package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uengine-oss/agent-dispatcher/internal/store"
)

// Coalescer buffers status-event records and flushes them as a single bulk
// store write, either when the buffer reaches batch or after delay elapses
// since the first unflushed entry, whichever comes first. One Coalescer is
// typically shared by a whole worker process, though nothing requires a
// singleton — tests construct their own.
type Coalescer struct {
	mu     sync.Mutex
	buf    []store.PersistedEventRecord
	timer  *time.Timer
	batch  int
	delay  time.Duration
	store  store.Client
	logger *slog.Logger

	flushMu sync.Mutex // serialises flushes so bulk writes never interleave
}

// NewCoalescer builds a Coalescer with the given batch threshold and delay
// window.
func NewCoalescer(client store.Client, batch int, delay time.Duration, logger *slog.Logger) *Coalescer {
	if batch <= 0 {
		batch = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		store:  client,
		batch:  batch,
		delay:  delay,
		logger: logger,
	}
}

// Enqueue appends rec to the buffer. At >= batch entries it flushes
// immediately (on the caller's goroutine); otherwise it arms a single-shot
// delay timer if none is currently armed.
func (c *Coalescer) Enqueue(rec store.PersistedEventRecord) {
	c.mu.Lock()
	c.buf = append(c.buf, rec)
	flushNow := len(c.buf) >= c.batch
	if flushNow {
		c.cancelTimerLocked()
	} else {
		c.armTimerLocked()
	}
	c.mu.Unlock()

	if flushNow {
		c.Flush(context.Background())
	}
}

func (c *Coalescer) armTimerLocked() {
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.delay, func() {
		c.Flush(context.Background())
	})
}

func (c *Coalescer) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Flush snapshots and clears the buffer under lock, then writes it as one
// RecordEventsBulk call outside the buffer lock. Flushes are serialised by
// flushMu, so one flush's bulk write completes before the next begins.
// Failures are logged and dropped, never retried or propagated: losing a
// batch of UI progress events must never take down the worker.
func (c *Coalescer) Flush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	buf := c.buf
	c.buf = nil
	c.cancelTimerLocked()
	c.mu.Unlock()

	if len(buf) == 0 {
		return
	}

	if err := c.store.RecordEventsBulk(ctx, buf); err != nil {
		c.logger.Warn("event_buffer_flush_failed",
			slog.Int("count", len(buf)),
			slog.String("error", err.Error()),
		)
	}
}
