// Package stream is the multi-source streaming and cache-coordination core:
// it decides when each upstream source is polled, caches the results, reacts
// to failures with suspend-and-retry, and fans successful updates out to
// local subscribers and sibling instances over the shared message bus.
package stream

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/orbitdx/skystream/pkg/models"
)

// Cache is the shared TTL key-value store. It must be shared across
// instances (Redis in production) so one instance's fetch spares the others.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// Bus is the cross-instance pub/sub fabric.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan models.BusMessage, func() error, error)
}

// Fetcher performs one bounded-time upstream GET. Implementations must not
// retry internally; retry policy belongs to the scheduler and backoff
// manager so failure counting stays single-sourced.
type Fetcher interface {
	Fetch(ctx context.Context, src models.SourceConfig, params map[string]string) ([]byte, error)
}

var (
	// ErrUnknownSource is the synchronous configuration error for
	// administrative calls naming a source this instance does not know.
	ErrUnknownSource = errors.New("unknown source")

	// ErrNoData means neither a fresh fetch nor a stale cached value could
	// satisfy a latest-query.
	ErrNoData = errors.New("no data available")
)

const (
	keyPrefix = "skystream"

	// InvalidateChannel carries cache-invalidation / force-refresh requests.
	InvalidateChannel = "skystream:control:invalidate"
	// ConfigChannel carries stream-configuration updates.
	ConfigChannel = "skystream:control:config"

	// lastKnownTTL bounds how stale a stale-but-available answer can get.
	lastKnownTTL = 24 * time.Hour
)

// LatestKey is where the freshest payload for a source lives; it expires at
// the source's cache TTL.
func LatestKey(source string) string {
	return keyPrefix + ":latest:" + source
}

// LastKnownKey shadows LatestKey with a long TTL so latest-queries can fall
// back to a stale value while upstream is failing.
func LastKnownKey(source string) string {
	return keyPrefix + ":last:" + source
}

// HistoricalKey derives a cache key from the source and the exact query
// params, canonically ordered so equal ranges collide and different ranges
// never do.
func HistoricalKey(source string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return keyPrefix + ":hist:" + source + ":" + strings.Join(parts, "&")
}

// UpdateChannel is the bus channel carrying DataUpdate envelopes for one
// source.
func UpdateChannel(source string) string {
	return keyPrefix + ":updates:" + source
}
