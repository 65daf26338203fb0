package models

import (
	"testing"
	"time"
)

func TestDecodeInvalidate(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"source refresh", `{"source":"apod"}`, false},
		{"pattern drop", `{"pattern":"skystream:hist:apod:*"}`, false},
		{"both set is allowed, pattern wins downstream", `{"source":"apod","pattern":"skystream:*"}`, false},
		{"neither set", `{}`, true},
		{"invalid source name", `{"source":"Not A Source"}`, true},
		{"broken json", `{"source":`, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := DecodeInvalidate(c.payload)
			if c.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDecodeConfigUpdate(t *testing.T) {
	m, err := DecodeConfigUpdate(`{"origin":"host-1","source":"apod","config":{"poll_interval":"30m"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Origin != "host-1" || m.Source != "apod" {
		t.Errorf("message = %+v", m)
	}
	if m.Config.PollInterval == nil || *m.Config.PollInterval != 30*time.Minute {
		t.Errorf("PollInterval = %v", m.Config.PollInterval)
	}

	cases := []struct {
		name    string
		payload string
	}{
		{"missing source", `{"config":{"poll_interval":"30m"}}`},
		{"empty config", `{"source":"apod","config":{}}`},
		{"bad duration", `{"source":"apod","config":{"poll_interval":"whenever"}}`},
		{"busy-loop interval", `{"source":"apod","config":{"poll_interval":"1ms"}}`},
		{"interval over a day", `{"source":"apod","config":{"cache_ttl":"48h"}}`},
		{"broken json", `{"source"`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := DecodeConfigUpdate(c.payload); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
