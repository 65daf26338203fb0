package validation

import (
	"testing"
	"time"
)

func TestCustomValidators(t *testing.T) {
	type probe struct {
		Name     string        `validate:"omitempty,sourcename"`
		Date     string        `validate:"omitempty,isodate"`
		Interval time.Duration `validate:"omitempty,interval"`
	}

	cases := []struct {
		name    string
		in      probe
		wantErr bool
	}{
		{"valid source name", probe{Name: "neo_feed_v2"}, false},
		{"uppercase source name", probe{Name: "Apod"}, true},
		{"source name with space", probe{Name: "neo feed"}, true},
		{"valid date", probe{Date: "2026-08-25"}, false},
		{"us-style date", probe{Date: "08/25/2026"}, true},
		{"impossible date", probe{Date: "2026-13-40"}, true},
		{"valid interval", probe{Interval: 30 * time.Minute}, false},
		{"sub-second interval", probe{Interval: 50 * time.Millisecond}, true},
		{"interval over a day", probe{Interval: 25 * time.Hour}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			errs := ValidateStruct(c.in)
			if c.wantErr && len(errs) == 0 {
				t.Error("expected validation errors, got none")
			}
			if !c.wantErr && len(errs) > 0 {
				t.Errorf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  apod  ", "apod"},
		{"neo\x00_feed", "neo_feed"},
		{"iss\tposition\n", "issposition"},
		{"clean", "clean"},
	}
	for _, c := range cases {
		if got := SanitizeString(c.in); got != c.want {
			t.Errorf("SanitizeString(%q) = %q; want %q", c.in, got, c.want)
		}
	}
}
