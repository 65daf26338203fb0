package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orbitdx/skystream/pkg/models"
)

// memCache is an in-process Cache with real TTL expiry.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]memEntry)}
}

func (c *memCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *memCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *memCache) Invalidate(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Glob support limited to a trailing *, all the core ever uses
	prefix := pattern
	exact := true
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix, exact = pattern[:n-1], false
	}
	for k := range c.entries {
		if (exact && k == prefix) || (!exact && len(k) >= len(prefix) && k[:len(prefix)] == prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

func (c *memCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// memBus is an in-process Bus delivering to every subscriber of a channel,
// including the publisher's own subscriptions, like Redis pub/sub does.
type memBus struct {
	mu   sync.Mutex
	subs []*memSub
}

type memSub struct {
	channels map[string]bool
	ch       chan models.BusMessage
	closed   bool
}

func newMemBus() *memBus { return &memBus{} }

func (b *memBus) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed || !s.channels[channel] {
			continue
		}
		select {
		case s.ch <- models.BusMessage{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channels ...string) (<-chan models.BusMessage, func() error, error) {
	sub := &memSub{channels: make(map[string]bool), ch: make(chan models.BusMessage, 64)}
	for _, c := range channels {
		sub.channels[c] = true
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	closer := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		return nil
	}
	return sub.ch, closer, nil
}

// fakeFetcher counts calls and serves scripted payloads or failures.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	failErr error
	payload string
	// params of every call, in order
	seen []map[string]string
	// optional per-call hook: return error to fail that call
	hook func(call int, params map[string]string) error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{payload: `{"ok":true}`, failErr: errors.New("boom")}
}

func (f *fakeFetcher) Fetch(_ context.Context, src models.SourceConfig, params map[string]string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	f.seen = append(f.seen, copied)
	fail, failErr, hook := f.fail, f.failErr, f.hook
	payload := f.payload
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call, copied); err != nil {
			return nil, err
		}
	}
	if fail {
		return nil, fmt.Errorf("fetch %s: %w", src.Name, failErr)
	}
	return []byte(payload), nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// testSource builds a source config with short, test-friendly timings.
func testSource(name string, poll, ttl time.Duration) models.SourceConfig {
	return models.SourceConfig{
		Name:             name,
		EndpointTemplate: "https://example.test/" + name + "?date={date}",
		PollInterval:     poll,
		CacheTTL:         ttl,
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         100 * time.Millisecond,
		FetchTimeout:     5 * time.Second,
	}
}
