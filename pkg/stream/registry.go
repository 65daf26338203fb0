package stream

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/models"
)

// Registry is the static-at-runtime table of per-source configuration. All
// mutation funnels through Update so a reader never observes a config with
// some fields old and some new.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]models.SourceConfig
}

// NewRegistry seeds the registry from the startup source table.
func NewRegistry(sources []models.SourceConfig) *Registry {
	r := &Registry{sources: make(map[string]models.SourceConfig, len(sources))}
	for _, s := range sources {
		r.sources[s.Name] = s.WithDefaults()
	}
	return r
}

// Get returns a copy of one source's config.
func (r *Registry) Get(name string) (models.SourceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.sources[name]
	return cfg, ok
}

// Update merges a partial config into one entry and returns the merged
// result. An unknown name is a logged no-op, not an error: during rolling
// upgrades the control channel may reference sources this instance does not
// carry yet.
func (r *Registry) Update(name string, upd models.SourceUpdate) (models.SourceConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.sources[name]
	if !ok {
		logger.Log.Warn("config update for unknown source ignored", zap.String("source", name))
		return models.SourceConfig{}, false
	}
	cfg = cfg.Apply(upd)
	r.sources[name] = cfg
	return cfg, true
}

// All returns a name-sorted copy of every source config.
func (r *Registry) All() []models.SourceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SourceConfig, 0, len(r.sources))
	for _, cfg := range r.sources {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
