package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsWithBuiltInSources(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.HTTPPort != 8080 || cfg.MetricsPort != 8082 {
		t.Errorf("ports = %d/%d; want 8080/8082", cfg.HTTPPort, cfg.MetricsPort)
	}
	if cfg.UpstreamAPIKey != "DEMO_KEY" {
		t.Errorf("UpstreamAPIKey = %q; want DEMO_KEY", cfg.UpstreamAPIKey)
	}
	if cfg.HistoricalTTL != 6*time.Hour {
		t.Errorf("HistoricalTTL = %v; want 6h", cfg.HistoricalTTL)
	}
	if cfg.MetricsInterval != time.Minute {
		t.Errorf("MetricsInterval = %v; want 1m", cfg.MetricsInterval)
	}

	if len(cfg.Sources) != 5 {
		t.Fatalf("built-in sources = %d; want 5", len(cfg.Sources))
	}
	byName := make(map[string]int)
	for i, s := range cfg.Sources {
		byName[s.Name] = i
	}
	for _, want := range []string{"apod", "neo_feed", "donki_events", "iss_position", "epic_imagery"} {
		if _, ok := byName[want]; !ok {
			t.Errorf("built-in source %q missing", want)
		}
	}

	neo := cfg.Sources[byName["neo_feed"]]
	if !neo.RangeCapable {
		t.Error("neo_feed should be range capable")
	}
	iss := cfg.Sources[byName["iss_position"]]
	if iss.PollInterval != 10*time.Second || iss.APIKeyParam != "" {
		t.Errorf("iss_position = %+v", iss)
	}
}

func TestLoad_MissingRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("err = %v; want mention of REDIS_URL", err)
	}
}

func TestLoad_PortEnvOverride(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d; want 9090", cfg.HTTPPort)
	}
}

func TestLoad_InvalidPortEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestLoad_NumberedSourceScheme(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("SOURCE_0_NAME", "mars_weather")
	t.Setenv("SOURCE_0_URL", "https://api.nasa.gov/insight_weather/?ver=1.0")
	t.Setenv("SOURCE_0_POLL_INTERVAL", "2h")
	t.Setenv("SOURCE_0_CACHE_TTL", "90m")
	t.Setenv("SOURCE_0_API_KEY_PARAM", "api_key")
	t.Setenv("SOURCE_1_NAME", "solar_flares")
	t.Setenv("SOURCE_1_URL", "https://api.nasa.gov/DONKI/FLR?startDate={start_date}&endDate={end_date}")
	t.Setenv("SOURCE_1_RANGE_CAPABLE", "true")
	t.Setenv("SOURCE_1_ENABLED", "false")
	t.Setenv("SOURCE_1_FAILURE_THRESHOLD", "5")
	t.Setenv("SOURCE_1_COOLDOWN", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %d; want 2 (built-ins must not mix in)", len(cfg.Sources))
	}

	mars := cfg.Sources[0]
	if mars.Name != "mars_weather" || mars.PollInterval != 2*time.Hour || mars.CacheTTL != 90*time.Minute {
		t.Errorf("source 0 = %+v", mars)
	}
	if !mars.Enabled {
		t.Error("enabled should default true")
	}
	if mars.APIKeyParam != "api_key" {
		t.Errorf("APIKeyParam = %q", mars.APIKeyParam)
	}

	flares := cfg.Sources[1]
	if !flares.RangeCapable || flares.Enabled {
		t.Errorf("source 1 = %+v", flares)
	}
	if flares.FailureThreshold != 5 || flares.Cooldown != 10*time.Minute {
		t.Errorf("backoff config = %d/%v; want 5/10m", flares.FailureThreshold, flares.Cooldown)
	}
	if flares.PollInterval != 30*time.Minute {
		t.Errorf("PollInterval = %v; want 30m default", flares.PollInterval)
	}
}

func TestLoad_SourceURLRequired(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("SOURCE_0_NAME", "mars_weather")
	t.Setenv("SOURCE_0_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing SOURCE_0_URL")
	}
}

func TestLoad_RejectsInvalidSourceName(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("SOURCE_0_NAME", "Bad Name!")
	t.Setenv("SOURCE_0_URL", "https://api.test/x")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for invalid source name")
	}
}

func TestLoad_FetchTimeoutClamped(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("SOURCE_0_NAME", "quick")
	t.Setenv("SOURCE_0_URL", "https://api.test/x")
	t.Setenv("SOURCE_0_FETCH_TIMEOUT", "1s")
	t.Setenv("SOURCE_1_NAME", "slow")
	t.Setenv("SOURCE_1_URL", "https://api.test/y")
	t.Setenv("SOURCE_1_FETCH_TIMEOUT", "2m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Sources[0].FetchTimeout; got != 5*time.Second {
		t.Errorf("quick FetchTimeout = %v; want clamped to 5s", got)
	}
	if got := cfg.Sources[1].FetchTimeout; got != 15*time.Second {
		t.Errorf("slow FetchTimeout = %v; want clamped to 15s", got)
	}
}
