package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
)

// cycleFunc runs one fetch-publish-record cycle for a source. force bypasses
// the duplicate-work cache check.
type cycleFunc func(ctx context.Context, source string, force bool)

// Scheduler owns one repeating timer per running source. It is the sole
// owner of per-source stream state; concurrent Start/Stop/tick for the same
// name are serialized on its mutex.
type Scheduler struct {
	root context.Context
	run  cycleFunc

	mu      sync.Mutex
	streams map[string]*streamState
}

// streamState is the per-source runtime state while a stream is Running.
// Created on Start, destroyed on Stop.
type streamState struct {
	cancel   context.CancelFunc
	interval time.Duration
	nextFire time.Time
}

// NewScheduler creates a scheduler whose fetch cycles ride on root, not on
// the per-stream context: stopping a stream cancels its pending timer but
// lets an in-flight fetch finish and record its result.
func NewScheduler(root context.Context, run cycleFunc) *Scheduler {
	return &Scheduler{
		root:    root,
		run:     run,
		streams: make(map[string]*streamState),
	}
}

// Start begins polling a source: one immediate cycle, then a repeating
// timer. Starting an already-running source logs and returns false
// (idempotent, not an error).
func (s *Scheduler) Start(name string, interval time.Duration) bool {
	s.mu.Lock()
	if _, ok := s.streams[name]; ok {
		s.mu.Unlock()
		logger.Log.Info("stream already running, start ignored", zap.String("source", name))
		return false
	}
	ctx, cancel := context.WithCancel(s.root)
	s.streams[name] = &streamState{
		cancel:   cancel,
		interval: interval,
		nextFire: time.Now().Add(interval),
	}
	s.mu.Unlock()

	metrics.ActiveStreams.Inc()
	logger.Log.Info("stream started",
		zap.String("source", name), zap.Duration("interval", interval))
	go s.loop(ctx, name, interval)
	return true
}

// Stop cancels the source's timer and removes its stream state. Safe on an
// already-stopped source.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	st, ok := s.streams[name]
	if ok {
		delete(s.streams, name)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	st.cancel()
	metrics.ActiveStreams.Dec()
	logger.Log.Info("stream stopped", zap.String("source", name))
	return true
}

// Running reports whether the source currently has a timer armed.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[name]
	return ok
}

// NextFire returns the next scheduled tick for a running source.
func (s *Scheduler) NextFire(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return time.Time{}, false
	}
	return st.nextFire, true
}

// ActiveCount returns the number of running streams.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// StopAll tears down every running stream.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		s.Stop(name)
	}
}

// loop is the per-source timer goroutine. The cycle runs on the scheduler's
// root context; the per-stream ctx only governs the timer, so a stop during
// a fetch lets the fetch finish without re-arming the timer afterwards.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration) {
	s.run(s.root, name, false)
	// The ticker below starts counting from here, so the first period is
	// anchored to the end of the initial cycle, not to Start.
	s.setNextFire(name, time.Now().Add(interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A stop may have landed while the previous cycle ran; the
			// select picks channels at random when both are ready.
			if ctx.Err() != nil {
				return
			}
			s.setNextFire(name, time.Now().Add(interval))
			s.run(s.root, name, false)
		}
	}
}

func (s *Scheduler) setNextFire(name string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		st.nextFire = t
	}
}
