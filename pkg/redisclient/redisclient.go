package redisclient

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/models"
)

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTimeout            = errors.New("operation timeout")
)

// Client wraps a Redis connection pool and serves as both the shared TTL
// cache and the cross-instance message bus.
type Client struct {
	rdb *redis.Client
	// Circuit breaker state
	failureCount int64
	lastFailure  int64
	state        int32 // 0: closed, 1: open, 2: half-open
}

// New constructs a Client with sensible defaults & retry logic
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.New("invalid REDIS_URL: " + err.Error())
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.IdleTimeout = 5 * time.Minute
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// withMetrics wraps operations with metrics collection
func (c *Client) withMetrics(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start).Seconds()

	metrics.RedisOperationDuration.WithLabelValues(operation, getStatus(err)).Observe(duration)
	if err != nil {
		metrics.RedisErrors.WithLabelValues(operation).Inc()
	}

	return err
}

// getStatus returns "success" or "error" for metrics
func getStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// checkCircuitBreaker checks if circuit breaker should be opened/closed
func (c *Client) checkCircuitBreaker(err error) {
	if err != nil && err != redis.Nil {
		atomic.AddInt64(&c.failureCount, 1)
		atomic.StoreInt64(&c.lastFailure, time.Now().Unix())

		// Open circuit breaker after 5 consecutive failures
		if atomic.LoadInt64(&c.failureCount) >= 5 {
			atomic.CompareAndSwapInt32(&c.state, 0, 1) // closed -> open
			logger.Log.Warn("circuit breaker opened", zap.String("operation", "redis"))
		}
	} else {
		// Reset failure count on success
		atomic.StoreInt64(&c.failureCount, 0)
		atomic.CompareAndSwapInt32(&c.state, 1, 2) // open -> half-open
	}
}

// Get retrieves a cached value. The second return reports whether the key
// existed; expired keys are plain misses.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := c.withMetrics("get", func() error {
		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		v, err := c.rdb.Get(ctx, key).Result()
		c.checkCircuitBreaker(err)
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// Set writes a value with a TTL, retrying transient failures with
// exponential backoff.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.withMetrics("set", func() error {
		if atomic.LoadInt32(&c.state) == 1 {
			return ErrCircuitBreakerOpen
		}

		op := func() error {
			ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
			err := c.rdb.Set(ctx, key, value, ttl).Err()
			c.checkCircuitBreaker(err)
			return err
		}
		return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	})
}

// Invalidate deletes all keys matching a glob pattern. KEYS is acceptable
// here: the keyspace is small (one latest/last pair per source plus
// historical entries).
func (c *Client) Invalidate(ctx context.Context, pattern string) error {
	return c.withMetrics("invalidate", func() error {
		if atomic.LoadInt32(&c.state) == 1 {
			return ErrCircuitBreakerOpen
		}

		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		keys, err := c.rdb.Keys(ctx, pattern).Result()
		c.checkCircuitBreaker(err)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		err = c.rdb.Del(ctx, keys...).Err()
		c.checkCircuitBreaker(err)
		return err
	})
}

// Publish wraps rdb.Publish with a short timeout
func (c *Client) Publish(ctx context.Context, channel string, payload string) error {
	return c.withMetrics("publish", func() error {
		if atomic.LoadInt32(&c.state) == 1 {
			return ErrCircuitBreakerOpen
		}

		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		err := c.rdb.Publish(ctx, channel, payload).Err()
		c.checkCircuitBreaker(err)
		return err
	})
}

// Subscribe opens a pub/sub subscription on the given channels and adapts
// it to a message channel. The returned closer tears the subscription down;
// the channel closes once the subscription ends.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan models.BusMessage, func() error, error) {
	ps := c.rdb.Subscribe(ctx, channels...)
	// Force the subscription handshake so failures surface here, not on
	// first receive.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan models.BusMessage, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- models.BusMessage{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, ps.Close, nil
}

// Ping checks connectivity for health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Client returns the underlying Redis client for direct access
func (c *Client) Client() *redis.Client {
	return c.rdb
}
