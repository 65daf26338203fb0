package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/fetch"
	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/models"
)

// Options wires a Service together.
type Options struct {
	Sources []models.SourceConfig
	Cache   Cache
	Bus     Bus
	Fetcher Fetcher

	History HistoryOptions

	// MetricsInterval is the snapshot emission cadence, default one minute.
	MetricsInterval time.Duration

	// InstanceID distinguishes this instance's own broadcasts on the bus.
	// Defaults to hostname-pid.
	InstanceID string
}

// Service is the facade over the streaming core: registry, scheduler,
// backoff manager, fan-out, control listener, historical queries and
// metrics collection behind one API.
type Service struct {
	registry *Registry
	sched    *Scheduler
	backoff  *BackoffManager
	fanout   *FanOut
	history  *History
	fetcher  Fetcher
	cache    Cache
	bus      Bus
	metrics  *Metrics

	instanceID      string
	metricsInterval time.Duration

	root   context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	lastSuccess map[string]time.Time
}

// New builds a stopped Service; Start brings the streams up.
func New(opts Options) *Service {
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = time.Minute
	}
	if opts.InstanceID == "" {
		host, _ := os.Hostname()
		opts.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	root, cancel := context.WithCancel(context.Background())
	s := &Service{
		registry:        NewRegistry(opts.Sources),
		fetcher:         opts.Fetcher,
		cache:           opts.Cache,
		bus:             opts.Bus,
		metrics:         NewMetrics(),
		instanceID:      opts.InstanceID,
		metricsInterval: opts.MetricsInterval,
		root:            root,
		cancel:          cancel,
		lastSuccess:     make(map[string]time.Time),
	}
	s.sched = NewScheduler(root, s.runCycle)
	s.backoff = newBackoffManager(s)
	s.fanout = NewFanOut(opts.Cache, opts.Bus)
	s.history = NewHistory(s.registry, opts.Fetcher, opts.Cache, s.metrics, opts.History)
	return s
}

// Start launches the control listener, the metrics collector and one stream
// per enabled source.
func (s *Service) Start() error {
	listener := &controlListener{svc: s, bus: s.bus}
	go func() {
		if err := listener.run(s.root); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Error("control listener failed", zap.Error(err))
		}
	}()

	go s.collectMetrics()

	for _, cfg := range s.registry.All() {
		if cfg.Enabled {
			s.sched.Start(cfg.Name, cfg.PollInterval)
		}
	}
	logger.Log.Info("stream service started",
		zap.String("instance", s.instanceID),
		zap.Int("sources", len(s.registry.All())),
		zap.Int("active", s.sched.ActiveCount()))
	return nil
}

// Shutdown stops every timer and pending cool-down. In-flight fetches are
// abandoned with the root context.
func (s *Service) Shutdown() {
	s.cancel()
	s.sched.StopAll()
	s.backoff.Shutdown()
	logger.Log.Info("stream service stopped")
}

// Subscribe registers a local consumer of typed events (data updates,
// stream errors, metrics snapshots).
func (s *Service) Subscribe() (<-chan models.Event, func()) {
	return s.fanout.Subscribe()
}

// runCycle is one fetch-publish-record cycle. Scheduled ticks first consult
// the cache: a hit means a sibling instance refreshed this source inside the
// TTL window and the fetch can be skipped. Forced refreshes bypass that
// check but never touch the scheduled timer.
func (s *Service) runCycle(ctx context.Context, source string, force bool) {
	cfg, ok := s.registry.Get(source)
	if !ok {
		logger.Log.Warn("cycle for unknown source skipped", zap.String("source", source))
		return
	}

	if !force {
		if _, hit, err := s.cache.Get(ctx, LatestKey(source)); err == nil && hit {
			metrics.CacheHits.WithLabelValues("scheduled").Inc()
			return
		}
		metrics.CacheMisses.WithLabelValues("scheduled").Inc()
	}

	began := time.Now()
	payload, err := s.fetcher.Fetch(ctx, cfg, nil)
	elapsed := time.Since(began)
	s.metrics.RecordFetch(source, elapsed, err)

	if err != nil {
		count := s.backoff.RecordFailure(source, cfg.FailureThreshold, cfg.Cooldown)
		s.logFetchFailure(source, err, count)
		s.fanout.Emit(models.StreamError{
			Source:     source,
			Message:    err.Error(),
			ErrorCount: count,
			Timestamp:  time.Now().UTC(),
		})
		return
	}

	s.backoff.RecordSuccess(source)
	ev := models.DataUpdate{
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := s.fanout.Publish(ctx, cfg, ev); err != nil {
		logger.Log.Warn("fan-out incomplete", zap.String("source", source), zap.Error(err))
	}
	s.metrics.RecordUpdate(source)

	s.mu.Lock()
	s.lastSuccess[source] = ev.Timestamp
	s.mu.Unlock()
}

// logFetchFailure keeps the failure classes apart in the logs: a malformed
// payload is an upstream contract change, a 429 is rate limiting, anything
// else is an outage.
func (s *Service) logFetchFailure(source string, err error, count int) {
	fields := []zap.Field{
		zap.String("source", source),
		zap.Int("consecutive_errors", count),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, fetch.ErrMalformed):
		logger.Log.Error("upstream payload unparseable (contract change?)", fields...)
	case errors.Is(err, fetch.ErrRateLimited):
		logger.Log.Warn("upstream rate limit hit", fields...)
	default:
		logger.Log.Warn("fetch failed", fields...)
	}
}

// LatestResult is the answer to a latest-query.
type LatestResult struct {
	Data       json.RawMessage `json:"data"`
	Source     string          `json:"source"`
	Stale      bool            `json:"stale,omitempty"`
	LastUpdate time.Time       `json:"last_update"`
	NextUpdate *time.Time      `json:"next_update,omitempty"`
}

// GetLatest returns the cached current payload for a source, fetching
// inline on miss or forced refresh. When upstream is failing it degrades to
// the last known value rather than failing the caller.
func (s *Service) GetLatest(ctx context.Context, source string, forceRefresh bool) (*LatestResult, error) {
	if _, ok := s.registry.Get(source); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	if !forceRefresh {
		if res := s.latestFromKey(ctx, LatestKey(source), false); res != nil {
			metrics.CacheHits.WithLabelValues("latest").Inc()
			return res, nil
		}
		metrics.CacheMisses.WithLabelValues("latest").Inc()
	}

	// Inline fetch-and-publish cycle; on success the latest key is fresh.
	s.runCycle(ctx, source, true)

	if res := s.latestFromKey(ctx, LatestKey(source), false); res != nil {
		return res, nil
	}
	// Stale-but-available: upstream is failing, serve the last known value.
	if res := s.latestFromKey(ctx, LastKnownKey(source), true); res != nil {
		logger.Log.Warn("serving stale data", zap.String("source", source))
		return res, nil
	}
	return nil, fmt.Errorf("%w for source %q", ErrNoData, source)
}

// latestFromKey loads and decodes a cached update envelope.
func (s *Service) latestFromKey(ctx context.Context, key string, stale bool) *LatestResult {
	raw, hit, err := s.cache.Get(ctx, key)
	if err != nil || !hit {
		return nil
	}
	ev, err := models.DecodeUpdate(raw)
	if err != nil {
		logger.Log.Warn("corrupt cache envelope", zap.String("key", key), zap.Error(err))
		return nil
	}
	res := &LatestResult{
		Data:       ev.Payload,
		Source:     "stream",
		Stale:      stale,
		LastUpdate: ev.Timestamp,
	}
	if next, ok := s.sched.NextFire(ev.Source); ok {
		res.NextUpdate = &next
	}
	return res
}

// GetHistorical serves a bounded historical range, cached by exact params.
func (s *Service) GetHistorical(ctx context.Context, source string, params map[string]string) ([]byte, error) {
	return s.history.Get(ctx, source, params)
}

// EnableStream starts a source's stream and broadcasts the change so
// sibling instances follow.
func (s *Service) EnableStream(ctx context.Context, source string) error {
	cfg, ok := s.registry.Get(source)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	enabled := true
	upd := models.SourceUpdate{Enabled: &enabled}
	cfg, _ = s.registry.Update(source, upd)
	s.backoff.Clear(source)
	s.sched.Start(source, cfg.PollInterval)
	s.broadcastConfig(ctx, source, upd)
	return nil
}

// DisableStream stops a source's stream, clears its backoff state and
// broadcasts the change.
func (s *Service) DisableStream(ctx context.Context, source string) error {
	if _, ok := s.registry.Get(source); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	enabled := false
	upd := models.SourceUpdate{Enabled: &enabled}
	s.registry.Update(source, upd)
	s.sched.Stop(source)
	s.backoff.Clear(source)
	s.broadcastConfig(ctx, source, upd)
	return nil
}

// UpdateStreamConfig merges a partial config, restarts the stream if
// running so the new cadence applies immediately, and broadcasts.
func (s *Service) UpdateStreamConfig(ctx context.Context, source string, upd models.SourceUpdate) error {
	if _, ok := s.registry.Get(source); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if upd.IsZero() {
		return fmt.Errorf("update for %q carries no changes", source)
	}
	if err := upd.Validate(); err != nil {
		return fmt.Errorf("update for %q: %w", source, err)
	}
	s.applyUpdate(source, upd)
	s.broadcastConfig(ctx, source, upd)
	return nil
}

// Refresh forces one immediate fetch-and-publish cycle, leaving the
// scheduled timer untouched.
func (s *Service) Refresh(ctx context.Context, source string) error {
	if _, ok := s.registry.Get(source); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	s.runCycle(ctx, source, true)
	return nil
}

// applyUpdate is the shared local-apply path for admin calls and bus
// config messages. Unknown sources are a logged no-op here (the registry
// warns); administrative callers check existence before calling.
func (s *Service) applyUpdate(source string, upd models.SourceUpdate) {
	cfg, ok := s.registry.Update(source, upd)
	if !ok {
		return
	}

	running := s.sched.Running(source)
	switch {
	case running && !cfg.Enabled:
		s.sched.Stop(source)
		s.backoff.Clear(source)
	case running:
		// Restart so interval/TTL changes take effect immediately
		s.sched.Stop(source)
		s.sched.Start(source, cfg.PollInterval)
	case cfg.Enabled && !s.backoff.IsSuspended(source):
		s.sched.Start(source, cfg.PollInterval)
	}
}

// broadcastConfig tells sibling instances about a config change. The origin
// tag keeps this instance from re-applying its own message.
func (s *Service) broadcastConfig(ctx context.Context, source string, upd models.SourceUpdate) {
	msg := models.ConfigUpdateMessage{
		Origin: s.instanceID,
		Source: source,
		Config: upd,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Log.Error("encode config broadcast", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, ConfigChannel, string(payload)); err != nil {
		logger.Log.Warn("config broadcast failed",
			zap.String("source", source), zap.Error(err))
	}
}

// MetricsSnapshot exposes the current counters for health/observability
// callers.
func (s *Service) MetricsSnapshot() models.MetricsSnapshot {
	return s.metrics.Snapshot()
}

// StreamStatus is one source's runtime state for introspection.
type StreamStatus struct {
	Source            string     `json:"source"`
	State             string     `json:"state"` // stopped | active | suspended
	Enabled           bool       `json:"enabled"`
	PollInterval      string     `json:"poll_interval"`
	CacheTTL          string     `json:"cache_ttl"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastUpdate        *time.Time `json:"last_update,omitempty"`
	NextUpdate        *time.Time `json:"next_update,omitempty"`
}

// Status reports every source's state, sorted by name.
func (s *Service) Status() []StreamStatus {
	var out []StreamStatus
	for _, cfg := range s.registry.All() {
		st := StreamStatus{
			Source:            cfg.Name,
			State:             "stopped",
			Enabled:           cfg.Enabled,
			PollInterval:      cfg.PollInterval.String(),
			CacheTTL:          cfg.CacheTTL.String(),
			ConsecutiveErrors: s.backoff.ErrorCount(cfg.Name),
		}
		if s.backoff.IsSuspended(cfg.Name) {
			st.State = "suspended"
		} else if s.sched.Running(cfg.Name) {
			st.State = "active"
		}
		if next, ok := s.sched.NextFire(cfg.Name); ok {
			st.NextUpdate = &next
		}
		s.mu.Lock()
		if last, ok := s.lastSuccess[cfg.Name]; ok {
			last := last
			st.LastUpdate = &last
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// suspend and resume implement the backoff manager's controller: stop the
// tripped stream, start it again after the cool-down (one immediate retry
// fetch comes with Start).
func (s *Service) suspend(name string) {
	s.sched.Stop(name)
}

func (s *Service) resume(name string) {
	cfg, ok := s.registry.Get(name)
	if !ok || !cfg.Enabled {
		return
	}
	s.sched.Start(name, cfg.PollInterval)
}

// collectMetrics emits a full snapshot to local subscribers once per
// interval.
func (s *Service) collectMetrics() {
	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.root.Done():
			return
		case <-ticker.C:
			s.fanout.Emit(s.metrics.Snapshot())
		}
	}
}
