package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Twitter   TwitterConfig
	Retry     RetryConfig
	Scraper   ScraperConfig
	Sweep     SweepConfig
	Broadcast BroadcastConfig
	Storage   StorageConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigin is sent as Access-Control-Allow-Origin.
	AllowedOrigin string
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// TwitterConfig configures the quota-metered primary fetch path.
type TwitterConfig struct {
	BearerToken        string
	BaseURL            string
	MaxResults         int
	MinRequestInterval time.Duration
	Timeout            time.Duration
	// FirstFetchWindow limits an account's first fetch, when it has no
	// cursor yet, to posts this recent. Zero fetches whatever the API returns.
	FirstFetchWindow time.Duration
}

// RetryConfig bounds retries of transient primary-path failures.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// ScraperConfig configures the browser-rendered fallback path. An empty
// RenderURL means no fallback is configured.
type ScraperConfig struct {
	RenderURL      string
	ProfileBaseURL string
	Timeout        time.Duration
	Concurrency    int
}

// SweepConfig controls the periodic ingestion sweep.
type SweepConfig struct {
	Interval        time.Duration
	RosterPath      string
	BreakingMarkers []string
}

// BroadcastConfig controls fan-out to stream subscribers.
type BroadcastConfig struct {
	HeartbeatInterval time.Duration
	HistoryCapacity   int
	ReplayOnJoin      int
	SubscriberBuffer  int
}

// StorageConfig selects where account cursors are persisted. Postgres is
// used when a database URL can be built; otherwise CursorDBPath (bbolt).
type StorageConfig struct {
	MigrationsDir string
	CursorDBPath  string
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 0
	defaultShutdownTimeout = 5 * time.Second
	defaultAllowedOrigin   = "*"

	defaultLogFormat = "json"

	defaultTwitterBaseURL     = "https://api.twitter.com"
	defaultMaxResults         = 100
	defaultMinRequestInterval = time.Second
	defaultTwitterTimeout     = 30 * time.Second

	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second

	defaultProfileBaseURL     = "https://x.com"
	defaultScraperTimeout     = 60 * time.Second
	defaultScraperConcurrency = 2

	defaultSweepInterval = 5 * time.Minute
	defaultRosterPath    = "config/accounts.yaml"

	defaultHeartbeatInterval = 30 * time.Second
	defaultHistoryCapacity   = 50
	defaultReplayOnJoin      = 10
	defaultSubscriberBuffer  = 64

	defaultMigrationsDir = "./migrations"
	defaultCursorDBPath  = "data/cursors.db"
)

// DefaultBreakingMarkers are phrases that promote a post to breaking news.
var DefaultBreakingMarkers = []string{"here we go", "breaking", "official", "confirmed", "done deal"}

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
			AllowedOrigin:   getEnv("CORS_ALLOWED_ORIGIN", defaultAllowedOrigin),
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Twitter: TwitterConfig{
			BearerToken:        os.Getenv("TWITTER_BEARER_TOKEN"),
			BaseURL:            strings.TrimRight(getEnv("TWITTER_API_BASE_URL", defaultTwitterBaseURL), "/"),
			MaxResults:         defaultMaxResults,
			MinRequestInterval: defaultMinRequestInterval,
			Timeout:            defaultTwitterTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts: defaultMaxAttempts,
			BackoffBase: defaultBackoffBase,
			BackoffMax:  defaultBackoffMax,
		},
		Scraper: ScraperConfig{
			RenderURL:      os.Getenv("SCRAPER_RENDER_URL"),
			ProfileBaseURL: strings.TrimRight(getEnv("SCRAPER_PROFILE_BASE_URL", defaultProfileBaseURL), "/"),
			Timeout:        defaultScraperTimeout,
			Concurrency:    defaultScraperConcurrency,
		},
		Sweep: SweepConfig{
			Interval:        defaultSweepInterval,
			RosterPath:      getEnv("ROSTER_PATH", defaultRosterPath),
			BreakingMarkers: append([]string(nil), DefaultBreakingMarkers...),
		},
		Broadcast: BroadcastConfig{
			HeartbeatInterval: defaultHeartbeatInterval,
			HistoryCapacity:   defaultHistoryCapacity,
			ReplayOnJoin:      defaultReplayOnJoin,
			SubscriberBuffer:  defaultSubscriberBuffer,
		},
		Storage: StorageConfig{
			MigrationsDir: getEnv("MIGRATIONS_DIR", defaultMigrationsDir),
			CursorDBPath:  getEnv("CURSOR_DB_PATH", defaultCursorDBPath),
		},
	}

	durations := []struct {
		key    string
		unit   time.Duration
		target *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", time.Second, &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", time.Second, &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", time.Second, &cfg.Server.ShutdownTimeout},
		{"TWITTER_MIN_REQUEST_INTERVAL_MS", time.Millisecond, &cfg.Twitter.MinRequestInterval},
		{"TWITTER_TIMEOUT_SECONDS", time.Second, &cfg.Twitter.Timeout},
		{"TWITTER_FIRST_FETCH_WINDOW_HOURS", time.Hour, &cfg.Twitter.FirstFetchWindow},
		{"FETCH_BACKOFF_BASE_MS", time.Millisecond, &cfg.Retry.BackoffBase},
		{"FETCH_BACKOFF_MAX_SECONDS", time.Second, &cfg.Retry.BackoffMax},
		{"SCRAPER_TIMEOUT_SECONDS", time.Second, &cfg.Scraper.Timeout},
		{"SWEEP_INTERVAL_SECONDS", time.Second, &cfg.Sweep.Interval},
		{"HEARTBEAT_INTERVAL_SECONDS", time.Second, &cfg.Broadcast.HeartbeatInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = time.Duration(n) * d.unit
	}

	counts := []struct {
		key    string
		min    int
		target *int
	}{
		{"TWITTER_MAX_RESULTS", 5, &cfg.Twitter.MaxResults},
		{"FETCH_MAX_ATTEMPTS", 1, &cfg.Retry.MaxAttempts},
		{"SCRAPER_CONCURRENCY", 1, &cfg.Scraper.Concurrency},
		{"HISTORY_CAPACITY", 1, &cfg.Broadcast.HistoryCapacity},
		{"REPLAY_ON_JOIN", 0, &cfg.Broadcast.ReplayOnJoin},
		{"SUBSCRIBER_BUFFER", 1, &cfg.Broadcast.SubscriberBuffer},
	}
	for _, c := range counts {
		v := os.Getenv(c.key)
		if v == "" {
			continue
		}
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", c.key, err)
		}
		if n < c.min {
			return Config{}, fmt.Errorf("invalid %s: must be at least %d", c.key, c.min)
		}
		*c.target = n
	}

	// Upstream caps timeline pages at 100.
	if cfg.Twitter.MaxResults > 100 {
		return Config{}, fmt.Errorf("invalid TWITTER_MAX_RESULTS: must be at most 100")
	}
	if cfg.Sweep.Interval <= 0 {
		return Config{}, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS: must be positive")
	}
	if cfg.Broadcast.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("invalid HEARTBEAT_INTERVAL_SECONDS: must be positive")
	}

	if v := os.Getenv("BREAKING_MARKERS"); v != "" {
		cfg.Sweep.BreakingMarkers = splitList(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	return cfg, nil
}

// FallbackEnabled reports whether a secondary fetch path is configured.
func (c ScraperConfig) FallbackEnabled() bool {
	return c.RenderURL != ""
}

func parseNonNegative(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
