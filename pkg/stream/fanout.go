package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/models"
)

// subscriberBuffer is how many events a local subscriber may fall behind
// before frames are dropped for it.
const subscriberBuffer = 64

// FanOut distributes one fetched payload to every interested consumer: the
// shared cache, local in-process subscribers, and sibling instances via the
// bus. Bus publication happens for every successful fetch even with zero
// local subscribers; siblings rely on it to avoid re-polling upstream.
type FanOut struct {
	cache Cache
	bus   Bus

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan models.Event
}

func NewFanOut(cache Cache, bus Bus) *FanOut {
	return &FanOut{
		cache: cache,
		bus:   bus,
		subs:  make(map[int]chan models.Event),
	}
}

// Subscribe registers a local subscriber. The returned cancel func must be
// called to release it; the event channel closes on cancel.
func (f *FanOut) Subscribe() (<-chan models.Event, func()) {
	ch := make(chan models.Event, subscriberBuffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit delivers an event to local subscribers only. A subscriber that has
// fallen subscriberBuffer events behind has the event dropped; the emitter
// never blocks on a slow consumer.
func (f *FanOut) Emit(ev models.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("subscriber buffer full, dropping event",
				zap.String("kind", ev.Kind()))
		}
	}
}

// Publish handles a successful fetch end to end: cache write (fresh key at
// the source's TTL plus the long-lived stale fallback), local emission, bus
// publication. Local emission and bus publication both happen even if the
// cache write fails; the first error is returned for accounting.
func (f *FanOut) Publish(ctx context.Context, cfg models.SourceConfig, ev models.DataUpdate) error {
	envelope, err := models.EncodeUpdate(ev)
	if err != nil {
		return err
	}

	var firstErr error
	if err := f.cache.Set(ctx, LatestKey(cfg.Name), envelope, cfg.CacheTTL); err != nil {
		logger.Log.Warn("cache write failed", zap.String("source", cfg.Name), zap.Error(err))
		firstErr = err
	}
	if err := f.cache.Set(ctx, LastKnownKey(cfg.Name), envelope, lastKnownTTL); err != nil {
		logger.Log.Warn("stale-fallback write failed", zap.String("source", cfg.Name), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	f.Emit(ev)

	if err := f.bus.Publish(ctx, UpdateChannel(cfg.Name), envelope); err != nil {
		logger.Log.Warn("bus publish failed", zap.String("source", cfg.Name), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
