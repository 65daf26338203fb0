package models

import (
	"encoding/json"
	"fmt"

	"github.com/orbitdx/skystream/pkg/validation"
)

// InvalidateMessage asks instances to either force-refresh one source
// (Source set, Pattern empty) or drop matching cache keys without fetching
// (Pattern set).
type InvalidateMessage struct {
	Origin  string `json:"origin,omitempty"`
	Source  string `json:"source,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// Validate checks that exactly one of Source/Pattern is meaningful.
func (m InvalidateMessage) Validate() error {
	if m.Source == "" && m.Pattern == "" {
		return fmt.Errorf("invalidate message needs a source or a pattern")
	}
	if m.Source != "" {
		probe := struct {
			Source string `validate:"sourcename"`
		}{Source: m.Source}
		if errs := validation.ValidateStruct(probe); len(errs) > 0 {
			return errs
		}
	}
	return nil
}

// ConfigUpdateMessage merges a partial config into one source's registry
// entry on every instance that hears it.
type ConfigUpdateMessage struct {
	Origin string       `json:"origin,omitempty"`
	Source string       `json:"source"`
	Config SourceUpdate `json:"config"`
}

// Validate validates the ConfigUpdateMessage fields
func (m ConfigUpdateMessage) Validate() error {
	probe := struct {
		Source string `validate:"required,sourcename"`
	}{Source: m.Source}
	if errs := validation.ValidateStruct(probe); len(errs) > 0 {
		return errs
	}
	if m.Config.IsZero() {
		return fmt.Errorf("config update for %q carries no changes", m.Source)
	}
	if err := m.Config.Validate(); err != nil {
		return fmt.Errorf("config update for %q: %w", m.Source, err)
	}
	return nil
}

// DecodeInvalidate parses an invalidation control message.
func DecodeInvalidate(payload string) (InvalidateMessage, error) {
	var m InvalidateMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return m, fmt.Errorf("decode invalidate message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// DecodeConfigUpdate parses a stream-configuration control message.
func DecodeConfigUpdate(payload string) (ConfigUpdateMessage, error) {
	var m ConfigUpdateMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return m, fmt.Errorf("decode config update: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
