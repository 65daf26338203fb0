package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/models"
	"github.com/orbitdx/skystream/pkg/validation"
)

// ErrHistoricalRange means at least one sub-fetch of a synthesized range
// failed. The whole request fails; partial silent data is a correctness
// hazard for historical analytics.
var ErrHistoricalRange = errors.New("historical range fetch failed")

const (
	dateLayout = "2006-01-02"

	// maxRangeDays bounds a synthesized range; each day is one upstream
	// call against a rate-limited API.
	maxRangeDays = 31
)

// History serves on-demand bounded-range queries, cached long-lived since
// historical data does not change. For sources whose upstream only answers
// one date at a time, it synthesizes the range from per-day sub-fetches and
// returns a single aggregated payload; callers never see the internal
// fan-out.
type History struct {
	registry *Registry
	fetcher  Fetcher
	cache    Cache
	metrics  *Metrics

	ttl      time.Duration
	limiter  *rate.Limiter
	parallel int
}

// HistoryOptions tunes the historical query service. Sub-fetches default to
// strictly sequential with rate-limited spacing: the safe choice against a
// rate-limited upstream. Parallelism is opt-in.
type HistoryOptions struct {
	TTL        time.Duration
	RatePerSec float64
	Parallel   int
}

func NewHistory(registry *Registry, fetcher Fetcher, cache Cache, m *Metrics, opts HistoryOptions) *History {
	if opts.TTL <= 0 {
		opts.TTL = 6 * time.Hour
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	return &History{
		registry: registry,
		fetcher:  fetcher,
		cache:    cache,
		metrics:  m,
		ttl:      opts.TTL,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		parallel: opts.Parallel,
	}
}

// Get returns one aggregated payload for the requested range, serving from
// cache when the exact same params were asked before.
func (h *History) Get(ctx context.Context, source string, params map[string]string) ([]byte, error) {
	cfg, ok := h.registry.Get(source)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if err := validateDateParams(params); err != nil {
		return nil, err
	}

	key := HistoricalKey(source, params)
	if cached, hit, err := h.cache.Get(ctx, key); err == nil && hit {
		metrics.CacheHits.WithLabelValues("historical").Inc()
		return []byte(cached), nil
	}
	metrics.CacheMisses.WithLabelValues("historical").Inc()

	payload, err := h.resolve(ctx, cfg, params)
	if err != nil {
		metrics.HistoricalRequests.WithLabelValues(source, "error").Inc()
		return nil, err
	}
	metrics.HistoricalRequests.WithLabelValues(source, "success").Inc()

	if err := h.cache.Set(ctx, key, string(payload), h.ttl); err != nil {
		logger.Log.Warn("historical cache write failed",
			zap.String("source", source), zap.Error(err))
	}
	return payload, nil
}

// resolve picks between a single native range call and per-day synthesis.
func (h *History) resolve(ctx context.Context, cfg models.SourceConfig, params map[string]string) ([]byte, error) {
	start, end, ranged := params["start_date"], params["end_date"], false
	if start != "" && end != "" {
		ranged = true
	}

	if cfg.RangeCapable || !ranged {
		return h.fetchOne(ctx, cfg, params)
	}

	days, err := enumerateDays(start, end)
	if err != nil {
		return nil, err
	}
	return h.synthesize(ctx, cfg, days)
}

// fetchOne is a single metered upstream call.
func (h *History) fetchOne(ctx context.Context, cfg models.SourceConfig, params map[string]string) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	began := time.Now()
	body, err := h.fetcher.Fetch(ctx, cfg, params)
	h.metrics.RecordFetch(cfg.Name, time.Since(began), err)
	metrics.HistoricalSubFetches.WithLabelValues(cfg.Name).Inc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoricalRange, err)
	}
	return body, nil
}

// synthesize issues one sub-fetch per day and assembles the results in range
// order. Any failed sub-fetch fails the whole request; no partial data.
func (h *History) synthesize(ctx context.Context, cfg models.SourceConfig, days []string) ([]byte, error) {
	results := make([]json.RawMessage, len(days))

	if h.parallel <= 1 {
		for i, day := range days {
			body, err := h.fetchOne(ctx, cfg, map[string]string{"date": day})
			if err != nil {
				return nil, fmt.Errorf("day %s: %w", day, err)
			}
			results[i] = body
		}
		return json.Marshal(results)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, h.parallel)
	for i, day := range days {
		wg.Add(1)
		go func(i int, day string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed {
				return
			}

			body, err := h.fetchOne(ctx, cfg, map[string]string{"date": day})
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("day %s: %w", day, err)
				return
			}
			results[i] = body
		}(i, day)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return json.Marshal(results)
}

// validateDateParams rejects malformed date params before anything reaches
// upstream or the cache, range-capable sources included.
func validateDateParams(params map[string]string) error {
	probe := struct {
		Date  string `validate:"omitempty,isodate"`
		Start string `validate:"omitempty,isodate"`
		End   string `validate:"omitempty,isodate"`
	}{params["date"], params["start_date"], params["end_date"]}
	if errs := validation.ValidateStruct(probe); len(errs) > 0 {
		return errs
	}
	return nil
}

// enumerateDays expands an inclusive YYYY-MM-DD range into ordered days.
func enumerateDays(start, end string) ([]string, error) {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("invalid start_date %q: %w", start, err)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("invalid end_date %q: %w", end, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("end_date %s before start_date %s", end, start)
	}
	if to.Sub(from) > maxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("range exceeds %d days", maxRangeDays)
	}

	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dateLayout))
	}
	return days, nil
}
