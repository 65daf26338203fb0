package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orbitdx/skystream/pkg/models"
)

// Config is the full service configuration, loaded once at startup.
type Config struct {
	RedisURL    string
	HTTPPort    int
	MetricsPort int

	// Upstream API key appended to requests for sources that declare an
	// APIKeyParam (the NASA-style demo key works out of the box).
	UpstreamAPIKey string

	Sources []models.SourceConfig

	// Historical query tuning
	HistoricalTTL        time.Duration
	HistoricalRatePerSec float64
	HistoricalParallel   int

	MetricsInterval time.Duration
}

// Load reads environment variables and application flags (via a local
// FlagSet), strips out any -test.* flags, and validates required fields.
func Load() (*Config, error) {
	// 1. Build a fresh FlagSet so we don't collide with `go test` flags
	fs := flag.NewFlagSet("config", flag.ContinueOnError)

	var redisURL string
	var httpPort int
	var metricsPort int
	fs.StringVar(&redisURL, "redis", os.Getenv("REDIS_URL"), "Redis connection URL")
	fs.IntVar(&httpPort, "port", 8080, "HTTP listen port")
	fs.IntVar(&metricsPort, "metrics-port", 8082, "Metrics server port")

	// 2. Filter out any -test.* args before parsing
	var appArgs []string
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			continue
		}
		appArgs = append(appArgs, arg)
	}
	if err := fs.Parse(appArgs); err != nil {
		return nil, err
	}

	cfg := &Config{
		RedisURL:             redisURL,
		HTTPPort:             httpPort,
		MetricsPort:          metricsPort,
		UpstreamAPIKey:       getEnvOrDefault("UPSTREAM_API_KEY", "DEMO_KEY"),
		HistoricalTTL:        getDurationEnvOrDefault("HIST_CACHE_TTL", 6*time.Hour),
		HistoricalRatePerSec: 2,
		HistoricalParallel:   1,
		MetricsInterval:      getDurationEnvOrDefault("METRICS_INTERVAL", time.Minute),
	}

	if portEnv := os.Getenv("PORT"); portEnv != "" {
		if portVal, err := strconv.Atoi(portEnv); err == nil {
			cfg.HTTPPort = portVal
		} else {
			return nil, fmt.Errorf("invalid PORT env var: %v", err)
		}
	}

	if rps := os.Getenv("HIST_RATE_PER_SEC"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil && v > 0 {
			cfg.HistoricalRatePerSec = v
		}
	}
	if par := os.Getenv("HIST_MAX_CONCURRENT"); par != "" {
		if v, err := strconv.Atoi(par); err == nil && v > 0 {
			cfg.HistoricalParallel = v
		}
	}

	// 3. Load source definitions
	if err := cfg.loadSources(); err != nil {
		return nil, err
	}

	// 4. Validate required fields
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("missing required config: REDIS_URL or -redis")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	for _, s := range cfg.Sources {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("source %q: %w", s.Name, err)
		}
	}

	return cfg, nil
}

// loadSources reads the SOURCE_N_* env scheme; with nothing configured it
// falls back to the built-in source table.
func (c *Config) loadSources() error {
	count := 0
	for {
		prefix := fmt.Sprintf("SOURCE_%d", count)
		name := os.Getenv(prefix + "_NAME")
		if name == "" {
			break
		}
		url := os.Getenv(prefix + "_URL")
		if url == "" {
			return fmt.Errorf("%s_URL is required", prefix)
		}

		src := models.SourceConfig{
			Name:             name,
			EndpointTemplate: url,
			PollInterval:     getDurationEnvOrDefault(prefix+"_POLL_INTERVAL", 30*time.Minute),
			CacheTTL:         getDurationEnvOrDefault(prefix+"_CACHE_TTL", 30*time.Minute),
			FetchTimeout:     getDurationEnvOrDefault(prefix+"_FETCH_TIMEOUT", models.DefaultFetchTimeout),
			Enabled:          getBoolEnvOrDefault(prefix+"_ENABLED", true),
			RangeCapable:     getBoolEnvOrDefault(prefix+"_RANGE_CAPABLE", false),
			FailureThreshold: getIntEnvOrDefault(prefix+"_FAILURE_THRESHOLD", models.DefaultFailureThreshold),
			Cooldown:         getDurationEnvOrDefault(prefix+"_COOLDOWN", models.DefaultCooldown),
			APIKeyParam:      os.Getenv(prefix + "_API_KEY_PARAM"),
		}
		c.Sources = append(c.Sources, src.WithDefaults())
		count++
	}

	if count == 0 {
		c.Sources = DefaultSources()
	}
	return nil
}

// DefaultSources is the built-in source table: the astronomical feeds the
// service was built around. Each entry can still be reconfigured at runtime
// over the control channel.
func DefaultSources() []models.SourceConfig {
	mk := func(s models.SourceConfig) models.SourceConfig { return s.WithDefaults() }
	return []models.SourceConfig{
		mk(models.SourceConfig{
			Name:             "apod",
			EndpointTemplate: "https://api.nasa.gov/planetary/apod?date={date}",
			PollInterval:     time.Hour,
			CacheTTL:         time.Hour,
			Enabled:          true,
			APIKeyParam:      "api_key",
		}),
		mk(models.SourceConfig{
			Name:             "neo_feed",
			EndpointTemplate: "https://api.nasa.gov/neo/rest/v1/feed?start_date={start_date}&end_date={end_date}",
			PollInterval:     30 * time.Minute,
			CacheTTL:         30 * time.Minute,
			Enabled:          true,
			RangeCapable:     true,
			APIKeyParam:      "api_key",
		}),
		mk(models.SourceConfig{
			Name:             "donki_events",
			EndpointTemplate: "https://api.nasa.gov/DONKI/notifications?startDate={start_date}&endDate={end_date}",
			PollInterval:     15 * time.Minute,
			CacheTTL:         15 * time.Minute,
			Enabled:          true,
			RangeCapable:     true,
			APIKeyParam:      "api_key",
		}),
		mk(models.SourceConfig{
			Name:             "iss_position",
			EndpointTemplate: "http://api.open-notify.org/iss-now.json",
			PollInterval:     10 * time.Second,
			CacheTTL:         10 * time.Second,
			Enabled:          true,
		}),
		mk(models.SourceConfig{
			Name:             "epic_imagery",
			EndpointTemplate: "https://api.nasa.gov/EPIC/api/natural/date/{date}",
			PollInterval:     time.Hour,
			CacheTTL:         time.Hour,
			Enabled:          true,
			APIKeyParam:      "api_key",
		}),
	}
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnvOrDefault returns environment variable as duration or default
func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnvOrDefault returns environment variable as int or default
func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnvOrDefault returns environment variable as bool or default
func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
