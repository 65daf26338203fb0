package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/metrics"
	"github.com/orbitdx/skystream/pkg/models"
)

// controlListener subscribes to the two control channels and applies what it
// hears to the scheduler, backoff manager and cache. Every message is
// handled in its own goroutine so one slow handler never delays reading the
// next message.
type controlListener struct {
	svc *Service
	bus Bus
}

func (l *controlListener) run(ctx context.Context) error {
	msgs, closeSub, err := l.bus.Subscribe(ctx, InvalidateChannel, ConfigChannel)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		closeSub()
	}()

	logger.Log.Info("control channel listener started",
		zap.String("invalidate", InvalidateChannel),
		zap.String("config", ConfigChannel))

	for msg := range msgs {
		msg := msg
		go l.handle(ctx, msg)
	}
	return nil
}

func (l *controlListener) handle(ctx context.Context, msg models.BusMessage) {
	switch msg.Channel {
	case InvalidateChannel:
		l.handleInvalidate(ctx, msg.Payload)
	case ConfigChannel:
		l.handleConfigUpdate(msg.Payload)
	default:
		logger.Log.Warn("message on unexpected channel", zap.String("channel", msg.Channel))
	}
}

// handleInvalidate either force-refreshes one known stream (bypassing its
// timer without resetting it) or drops matching cache keys without
// fetching.
func (l *controlListener) handleInvalidate(ctx context.Context, payload string) {
	m, err := models.DecodeInvalidate(payload)
	if err != nil {
		metrics.ControlMessages.WithLabelValues("invalidate", "invalid").Inc()
		logger.Log.Warn("bad invalidate message", zap.Error(err))
		return
	}

	if m.Pattern != "" {
		if err := l.svc.cache.Invalidate(ctx, m.Pattern); err != nil {
			metrics.ControlMessages.WithLabelValues("invalidate", "error").Inc()
			logger.Log.Warn("cache invalidation failed",
				zap.String("pattern", m.Pattern), zap.Error(err))
			return
		}
		metrics.ControlMessages.WithLabelValues("invalidate", "pattern").Inc()
		logger.Log.Info("cache invalidated", zap.String("pattern", m.Pattern))
		return
	}

	if _, ok := l.svc.registry.Get(m.Source); !ok {
		metrics.ControlMessages.WithLabelValues("invalidate", "unknown_source").Inc()
		logger.Log.Warn("invalidate for unknown source ignored", zap.String("source", m.Source))
		return
	}
	metrics.ControlMessages.WithLabelValues("invalidate", "refresh").Inc()
	logger.Log.Info("forced refresh requested", zap.String("source", m.Source))
	l.svc.runCycle(ctx, m.Source, true)
}

// handleConfigUpdate merges a partial config into the registry; if the
// stream is running it restarts so the new cadence takes effect
// immediately. Updates this instance originated are skipped: they were
// applied before broadcast.
func (l *controlListener) handleConfigUpdate(payload string) {
	m, err := models.DecodeConfigUpdate(payload)
	if err != nil {
		metrics.ControlMessages.WithLabelValues("config", "invalid").Inc()
		logger.Log.Warn("bad config update message", zap.Error(err))
		return
	}
	if m.Origin != "" && m.Origin == l.svc.instanceID {
		metrics.ControlMessages.WithLabelValues("config", "self").Inc()
		return
	}

	metrics.ControlMessages.WithLabelValues("config", "applied").Inc()
	l.svc.applyUpdate(m.Source, m.Config)
}
