package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/orbitdx/skystream/pkg/validation"
)

// Default backoff policy: three strikes, five minutes in the penalty box.
// Overridable per source; these are the documented baseline values.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 5 * time.Minute
	DefaultFetchTimeout     = 10 * time.Second
)

// SourceConfig identifies one upstream data feed and its cadence/cache
// policy. Owned by the stream registry; mutated only through its update path.
type SourceConfig struct {
	Name             string        `json:"name" validate:"required,sourcename"`
	EndpointTemplate string        `json:"endpoint_template" validate:"required"`
	PollInterval     time.Duration `json:"poll_interval" validate:"required,interval"`
	CacheTTL         time.Duration `json:"cache_ttl" validate:"required,interval"`
	FetchTimeout     time.Duration `json:"fetch_timeout"`
	Enabled          bool          `json:"enabled"`
	RangeCapable     bool          `json:"range_capable"`
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
	APIKeyParam      string        `json:"api_key_param,omitempty"`
}

// Validate validates the SourceConfig struct
func (c SourceConfig) Validate() error {
	if errs := validation.ValidateStruct(c); len(errs) > 0 {
		return errs
	}
	return nil
}

// WithDefaults fills unset policy fields and clamps the fetch timeout into
// the 5–15s band the upstream contract expects.
func (c SourceConfig) WithDefaults() SourceConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.FetchTimeout < 5*time.Second {
		c.FetchTimeout = 5 * time.Second
	}
	if c.FetchTimeout > 15*time.Second {
		c.FetchTimeout = 15 * time.Second
	}
	return c
}

// SourceUpdate is a partial SourceConfig; nil fields are left untouched when
// merged. All runtime reconfiguration flows through this type so readers
// never observe a half-written config.
type SourceUpdate struct {
	PollInterval     *time.Duration `json:"poll_interval,omitempty"`
	CacheTTL         *time.Duration `json:"cache_ttl,omitempty"`
	FetchTimeout     *time.Duration `json:"fetch_timeout,omitempty"`
	Enabled          *bool          `json:"enabled,omitempty"`
	FailureThreshold *int           `json:"failure_threshold,omitempty"`
	Cooldown         *time.Duration `json:"cooldown,omitempty"`
}

// IsZero reports whether the update carries no changes.
func (u SourceUpdate) IsZero() bool {
	return u.PollInterval == nil && u.CacheTTL == nil && u.FetchTimeout == nil &&
		u.Enabled == nil && u.FailureThreshold == nil && u.Cooldown == nil
}

// Validate holds every duration the update carries to the same interval rule
// the loader enforces. A partial update must not smuggle in a cadence the
// startup config would have rejected.
func (u SourceUpdate) Validate() error {
	probe := struct {
		PollInterval *time.Duration `validate:"omitempty,interval"`
		CacheTTL     *time.Duration `validate:"omitempty,interval"`
		Cooldown     *time.Duration `validate:"omitempty,interval"`
	}{u.PollInterval, u.CacheTTL, u.Cooldown}
	if errs := validation.ValidateStruct(probe); len(errs) > 0 {
		return errs
	}
	return nil
}

// Apply merges the update into a copy of the config and returns it.
func (c SourceConfig) Apply(u SourceUpdate) SourceConfig {
	if u.PollInterval != nil {
		c.PollInterval = *u.PollInterval
	}
	if u.CacheTTL != nil {
		c.CacheTTL = *u.CacheTTL
	}
	if u.FetchTimeout != nil {
		c.FetchTimeout = *u.FetchTimeout
	}
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.FailureThreshold != nil {
		c.FailureThreshold = *u.FailureThreshold
	}
	if u.Cooldown != nil {
		c.Cooldown = *u.Cooldown
	}
	return c.WithDefaults()
}

// sourceUpdateWire is the JSON form of SourceUpdate used on the control
// channel, with durations as strings ("30s", "5m") so operators can write
// them by hand.
type sourceUpdateWire struct {
	PollInterval     string `json:"poll_interval,omitempty"`
	CacheTTL         string `json:"cache_ttl,omitempty"`
	FetchTimeout     string `json:"fetch_timeout,omitempty"`
	Enabled          *bool  `json:"enabled,omitempty"`
	FailureThreshold *int   `json:"failure_threshold,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

// UnmarshalJSON accepts durations as Go duration strings.
func (u *SourceUpdate) UnmarshalJSON(data []byte) error {
	var w sourceUpdateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parse := func(field, s string) (*time.Duration, error) {
		if s == "" {
			return nil, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", field, s, err)
		}
		return &d, nil
	}
	var err error
	if u.PollInterval, err = parse("poll_interval", w.PollInterval); err != nil {
		return err
	}
	if u.CacheTTL, err = parse("cache_ttl", w.CacheTTL); err != nil {
		return err
	}
	if u.FetchTimeout, err = parse("fetch_timeout", w.FetchTimeout); err != nil {
		return err
	}
	if u.Cooldown, err = parse("cooldown", w.Cooldown); err != nil {
		return err
	}
	u.Enabled = w.Enabled
	u.FailureThreshold = w.FailureThreshold
	return nil
}

// MarshalJSON emits durations as strings, mirroring UnmarshalJSON.
func (u SourceUpdate) MarshalJSON() ([]byte, error) {
	w := sourceUpdateWire{
		Enabled:          u.Enabled,
		FailureThreshold: u.FailureThreshold,
	}
	if u.PollInterval != nil {
		w.PollInterval = u.PollInterval.String()
	}
	if u.CacheTTL != nil {
		w.CacheTTL = u.CacheTTL.String()
	}
	if u.FetchTimeout != nil {
		w.FetchTimeout = u.FetchTimeout.String()
	}
	if u.Cooldown != nil {
		w.Cooldown = u.Cooldown.String()
	}
	return json.Marshal(w)
}
