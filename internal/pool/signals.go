package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// Counter is a monotonic wake-up signal. Producers bump it when a class
// of event occurs; waiters compare a snapshot against the live value in
// a bounded poll loop. The counter deliberately replaces in-process
// condition variables so that signaling stays valid across restarts and
// never requires a database round-trip per check.
type Counter struct {
	v atomic.Uint64
}

// Value returns the current counter snapshot.
func (c *Counter) Value() uint64 {
	return c.v.Load()
}

// Bump increments the counter, waking any pollers.
func (c *Counter) Bump() {
	c.v.Add(1)
}

// Changed reports whether the counter moved past the snapshot.
func (c *Counter) Changed(since uint64) bool {
	return c.v.Load() != since
}

// Wait polls the counter at interval until it moves past since, the
// timeout elapses, or ctx is cancelled. It returns true when the
// counter changed. No lock is held while waiting.
func (c *Counter) Wait(ctx context.Context, since uint64, interval, timeout time.Duration) bool {
	if c.Changed(since) {
		return true
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Changed(since)
		case <-ticker.C:
			if c.Changed(since) {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// Signals groups the gateway's wake-up counters.
type Signals struct {
	// GenerationRequest moves when a generation first enters the pool.
	GenerationRequest Counter
	// GenerationUpdates moves when any generation changes state.
	GenerationUpdates Counter
	// AiTaskRequest moves when an auxiliary task is queued.
	AiTaskRequest Counter
	// ClassificationRequest moves when a captioning task is queued and
	// when any auxiliary task reports its response. Clients long-polling
	// for a task result wait on it.
	ClassificationRequest Counter
}
