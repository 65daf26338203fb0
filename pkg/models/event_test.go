package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUpdateEnvelopeRoundTrip(t *testing.T) {
	ev := DataUpdate{
		Source:    "apod",
		Payload:   json.RawMessage(`{"title":"m31","url":"https://img.test/m31.jpg"}`),
		Timestamp: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	encoded, err := EncodeUpdate(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeUpdate(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Source != ev.Source || !got.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("got %+v; want %+v", got, ev)
	}
	if string(got.Payload) != string(ev.Payload) {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestDecodeUpdate_Rejects(t *testing.T) {
	if _, err := DecodeUpdate(`{"payload":{},"timestamp":"2026-08-25T12:00:00Z"}`); err == nil {
		t.Error("missing source accepted")
	}
	if _, err := DecodeUpdate(`not json`); err == nil {
		t.Error("garbage accepted")
	}
}

// The sealed event interface dispatches on Kind, one stable string per type.
func TestEventKinds(t *testing.T) {
	kinds := map[string]Event{
		"dataUpdate":  DataUpdate{},
		"streamError": StreamError{},
		"metrics":     MetricsSnapshot{},
	}
	for want, ev := range kinds {
		if got := ev.Kind(); got != want {
			t.Errorf("%T.Kind() = %q; want %q", ev, got, want)
		}
	}
}
