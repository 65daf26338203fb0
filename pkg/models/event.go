package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the typed fan-out message delivered to local subscribers. The
// marker method seals the set of kinds so handlers can type-switch
// exhaustively instead of matching on strings.
type Event interface {
	Kind() string
	isEvent()
}

// DataUpdate carries one fresh payload for one source. It is also the wire
// envelope cached under the latest-key and published on the bus, so every
// consumer sees the same shape.
type DataUpdate struct {
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (DataUpdate) Kind() string { return "dataUpdate" }
func (DataUpdate) isEvent()     {}

// StreamError reports a failed fetch cycle and the current consecutive
// error count for the source.
type StreamError struct {
	Source     string    `json:"source"`
	Message    string    `json:"error"`
	ErrorCount int       `json:"error_count"`
	Timestamp  time.Time `json:"timestamp"`
}

func (StreamError) Kind() string { return "streamError" }
func (StreamError) isEvent()     {}

// MetricsSnapshot is the periodic read-only observation of the process-wide
// fetch counters. Emitting it never resets anything.
type MetricsSnapshot struct {
	TotalRequests         uint64    `json:"total_requests"`
	SuccessfulRequests    uint64    `json:"successful_requests"`
	FailedRequests        uint64    `json:"failed_requests"`
	DataUpdates           uint64    `json:"data_updates"`
	LastUpdate            time.Time `json:"last_update"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	CollectedAt           time.Time `json:"collected_at"`
}

func (MetricsSnapshot) Kind() string { return "metrics" }
func (MetricsSnapshot) isEvent()     {}

// BusMessage is one raw message received from the shared message bus.
type BusMessage struct {
	Channel string
	Payload string
}

// EncodeUpdate serializes a DataUpdate for the cache and the bus.
func EncodeUpdate(ev DataUpdate) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode update: %w", err)
	}
	return string(data), nil
}

// DecodeUpdate parses a cached or bus-delivered DataUpdate envelope.
func DecodeUpdate(data string) (DataUpdate, error) {
	var ev DataUpdate
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return ev, fmt.Errorf("decode update: %w", err)
	}
	if ev.Source == "" {
		return ev, fmt.Errorf("decode update: missing source")
	}
	return ev, nil
}
