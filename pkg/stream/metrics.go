package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/orbitdx/skystream/pkg/fetch"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/models"
)

// Metrics aggregates process-wide fetch counters. The average response time
// is an unbounded incremental running mean: very old samples keep their
// weight. That is an accepted simplification, not a bug.
type Metrics struct {
	mu                 sync.Mutex
	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	dataUpdates        uint64
	lastUpdate         time.Time
	averageMs          float64
}

// NewMetrics returns zeroed counters. They are never reset afterwards; only
// a process restart starts over.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordFetch accounts one completed fetch attempt, success or failure, and
// folds its duration into the running mean.
func (m *Metrics) RecordFetch(source string, d time.Duration, err error) {
	sample := float64(d) / float64(time.Millisecond)

	m.mu.Lock()
	m.totalRequests++
	if err != nil {
		m.failedRequests++
	} else {
		m.successfulRequests++
	}
	n := float64(m.totalRequests)
	m.averageMs = (m.averageMs*(n-1) + sample) / n
	m.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		metrics.FetchErrors.WithLabelValues(source, failureReason(err)).Inc()
	}
	metrics.FetchTotal.WithLabelValues(source, status).Inc()
	metrics.FetchLatency.WithLabelValues(source).Observe(d.Seconds())
}

// RecordUpdate accounts one successful fetch-and-publish cycle.
func (m *Metrics) RecordUpdate(source string) {
	m.mu.Lock()
	m.dataUpdates++
	m.lastUpdate = time.Now().UTC()
	m.mu.Unlock()

	metrics.StreamUpdates.WithLabelValues(source).Inc()
}

// Snapshot returns a read-only observation; it never resets anything.
func (m *Metrics) Snapshot() models.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.MetricsSnapshot{
		TotalRequests:         m.totalRequests,
		SuccessfulRequests:    m.successfulRequests,
		FailedRequests:        m.failedRequests,
		DataUpdates:           m.dataUpdates,
		LastUpdate:            m.lastUpdate,
		AverageResponseTimeMs: m.averageMs,
		CollectedAt:           time.Now().UTC(),
	}
}

// failureReason buckets a fetch error for metrics and logs.
func failureReason(err error) string {
	switch {
	case errors.Is(err, fetch.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, fetch.ErrMalformed):
		return "malformed"
	case errors.Is(err, fetch.ErrUpstream):
		return "upstream"
	case errors.Is(err, fetch.ErrTransient):
		return "transient"
	default:
		return "other"
	}
}
