package stepup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// purgeBatch bounds how many rows one tick removes.
const purgeBatch = 500

// Timer periodically purges expired pending actions.
type Timer struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a purge timer running every interval (default one minute).
func NewTimer(controller *Controller, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		controller: controller,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the purge loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safePurge(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safePurge(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in step-up purge timer", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.controller.PurgeExpired(ctx, purgeBatch)
	if err != nil {
		t.logger.Warn("failed to purge expired pending actions", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("purged expired pending actions", "count", n)
	}
}
