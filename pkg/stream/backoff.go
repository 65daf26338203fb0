package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
)

// controller is what the backoff manager needs from the scheduler side:
// stop a stream when it trips, start it again after the cool-down.
type controller interface {
	suspend(name string)
	resume(name string)
}

// BackoffManager converts a string of failures into automatic suspension
// and suspension into automatic, delayed retry: a rudimentary circuit
// breaker. A source is never permanently dead and never busy-loops against
// a failing upstream.
type BackoffManager struct {
	mu        sync.Mutex
	ctrl      controller
	counts    map[string]int
	suspended map[string]bool
	timers    map[string]*time.Timer
}

func newBackoffManager(ctrl controller) *BackoffManager {
	return &BackoffManager{
		ctrl:      ctrl,
		counts:    make(map[string]int),
		suspended: make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
}

// RecordSuccess resets the consecutive error count, regardless of history.
func (b *BackoffManager) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[name] = 0
}

// RecordFailure increments the count and, at the source's threshold, stops
// the stream and arms a one-shot cool-down timer that restarts it. Returns
// the new count.
func (b *BackoffManager) RecordFailure(name string, threshold int, cooldown time.Duration) int {
	b.mu.Lock()
	b.counts[name]++
	count := b.counts[name]
	trip := count >= threshold && !b.suspended[name]
	if trip {
		b.suspended[name] = true
		b.timers[name] = time.AfterFunc(cooldown, func() { b.cooldownElapsed(name) })
	}
	b.mu.Unlock()

	if trip {
		metrics.StreamSuspensions.WithLabelValues(name).Inc()
		logger.Log.Warn("suspending source after repeated failures",
			zap.String("source", name),
			zap.Int("consecutive_errors", count),
			zap.Duration("cooldown", cooldown))
		b.ctrl.suspend(name)
	}
	return count
}

// cooldownElapsed re-arms the source: count back to zero, one retry fetch
// via the controller. If that retry fails to the threshold again, the cycle
// repeats.
func (b *BackoffManager) cooldownElapsed(name string) {
	b.mu.Lock()
	delete(b.timers, name)
	if !b.suspended[name] {
		// Cleared manually while the timer was pending
		b.mu.Unlock()
		return
	}
	b.suspended[name] = false
	b.counts[name] = 0
	b.mu.Unlock()

	logger.Log.Info("cooldown elapsed, retrying source", zap.String("source", name))
	b.ctrl.resume(name)
}

// ErrorCount returns the current consecutive error count for a source.
func (b *BackoffManager) ErrorCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[name]
}

// IsSuspended reports whether the source sits in its cool-down window.
func (b *BackoffManager) IsSuspended(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended[name]
}

// Clear drops all backoff state for a source, cancelling a pending
// cool-down timer. Used on manual enable/disable.
func (b *BackoffManager) Clear(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[name]; ok {
		t.Stop()
		delete(b.timers, name)
	}
	delete(b.counts, name)
	delete(b.suspended, name)
}

// Shutdown cancels every pending cool-down timer.
func (b *BackoffManager) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range b.timers {
		t.Stop()
		delete(b.timers, name)
	}
}
