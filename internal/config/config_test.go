package config

import (
	"os"
	"reflect"
	"testing"
	"time"

	"log/slog"
)

func TestLoadDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Errorf("expected default port %q, got %q", defaultPort, cfg.Server.Port)
	}
	if cfg.Server.AllowedOrigin != "*" {
		t.Errorf("expected wildcard origin, got %q", cfg.Server.AllowedOrigin)
	}
	if cfg.Server.WriteTimeout != 0 {
		t.Errorf("expected streams to have no write timeout, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Logging.Level != slog.LevelInfo {
		t.Errorf("expected default log level %v, got %v", slog.LevelInfo, cfg.Logging.Level)
	}
	if cfg.Logging.Format != defaultLogFormat {
		t.Errorf("expected default log format %q, got %q", defaultLogFormat, cfg.Logging.Format)
	}
	if cfg.Twitter.BaseURL != defaultTwitterBaseURL {
		t.Errorf("expected default API base %q, got %q", defaultTwitterBaseURL, cfg.Twitter.BaseURL)
	}
	if cfg.Twitter.MaxResults != 100 {
		t.Errorf("expected max results 100, got %d", cfg.Twitter.MaxResults)
	}
	if cfg.Twitter.FirstFetchWindow != 0 {
		t.Errorf("expected no first fetch window by default, got %v", cfg.Twitter.FirstFetchWindow)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BackoffBase != time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Scraper.FallbackEnabled() {
		t.Error("expected fallback to be disabled without SCRAPER_RENDER_URL")
	}
	if cfg.Broadcast.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected heartbeat 30s, got %v", cfg.Broadcast.HeartbeatInterval)
	}
	if cfg.Broadcast.HistoryCapacity != 50 {
		t.Errorf("expected history capacity 50, got %d", cfg.Broadcast.HistoryCapacity)
	}
	if cfg.Broadcast.ReplayOnJoin != 10 {
		t.Errorf("expected replay count 10, got %d", cfg.Broadcast.ReplayOnJoin)
	}
	if !reflect.DeepEqual(cfg.Sweep.BreakingMarkers, DefaultBreakingMarkers) {
		t.Errorf("expected default breaking markers, got %v", cfg.Sweep.BreakingMarkers)
	}
	if cfg.Storage.CursorDBPath != defaultCursorDBPath {
		t.Errorf("expected cursor db %q, got %q", defaultCursorDBPath, cfg.Storage.CursorDBPath)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	clearConfigEnv(t)

	overrides := map[string]string{
		"SERVER_PORT":                      "9090",
		"SERVER_READ_TIMEOUT_SECONDS":      "30",
		"SERVER_SHUTDOWN_TIMEOUT_SECONDS":  "15",
		"LOG_LEVEL":                        "debug",
		"LOG_FORMAT":                       "text",
		"TWITTER_API_BASE_URL":             "http://localhost:9999/",
		"TWITTER_MAX_RESULTS":              "20",
		"TWITTER_MIN_REQUEST_INTERVAL_MS":  "250",
		"TWITTER_FIRST_FETCH_WINDOW_HOURS": "6",
		"FETCH_MAX_ATTEMPTS":               "5",
		"FETCH_BACKOFF_BASE_MS":            "200",
		"SCRAPER_RENDER_URL":               "http://render:3000/content",
		"SCRAPER_CONCURRENCY":              "4",
		"SWEEP_INTERVAL_SECONDS":           "60",
		"HEARTBEAT_INTERVAL_SECONDS":       "10",
		"HISTORY_CAPACITY":                 "20",
		"REPLAY_ON_JOIN":                   "5",
		"BREAKING_MARKERS":                 "here we go, medical ,",
	}
	for key, value := range overrides {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected overridden port, got %q", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout %v, got %v", 30*time.Second, cfg.Server.ReadTimeout)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("expected shutdown timeout %v, got %v", 15*time.Second, cfg.Server.ShutdownTimeout)
	}
	if cfg.Logging.Level != slog.LevelDebug {
		t.Errorf("expected log level %v, got %v", slog.LevelDebug, cfg.Logging.Level)
	}
	if cfg.Twitter.BaseURL != "http://localhost:9999" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.Twitter.BaseURL)
	}
	if cfg.Twitter.MaxResults != 20 {
		t.Errorf("expected max results 20, got %d", cfg.Twitter.MaxResults)
	}
	if cfg.Twitter.MinRequestInterval != 250*time.Millisecond {
		t.Errorf("expected pacing 250ms, got %v", cfg.Twitter.MinRequestInterval)
	}
	if cfg.Twitter.FirstFetchWindow != 6*time.Hour {
		t.Errorf("expected first fetch window 6h, got %v", cfg.Twitter.FirstFetchWindow)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BackoffBase != 200*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.Retry)
	}
	if !cfg.Scraper.FallbackEnabled() || cfg.Scraper.Concurrency != 4 {
		t.Errorf("unexpected scraper config: %+v", cfg.Scraper)
	}
	if cfg.Sweep.Interval != time.Minute {
		t.Errorf("expected sweep interval 1m, got %v", cfg.Sweep.Interval)
	}
	if cfg.Broadcast.HeartbeatInterval != 10*time.Second || cfg.Broadcast.HistoryCapacity != 20 || cfg.Broadcast.ReplayOnJoin != 5 {
		t.Errorf("unexpected broadcast config: %+v", cfg.Broadcast)
	}
	if want := []string{"here we go", "medical"}; !reflect.DeepEqual(cfg.Sweep.BreakingMarkers, want) {
		t.Errorf("expected markers %v, got %v", want, cfg.Sweep.BreakingMarkers)
	}
}

func TestLoadPrefersPlatformPort(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != "7000" {
		t.Errorf("expected PORT to win, got %q", cfg.Server.Port)
	}
}

func TestLoadWithInvalidValues(t *testing.T) {
	tests := map[string]string{
		"SERVER_READ_TIMEOUT_SECONDS":     "-1",
		"SERVER_WRITE_TIMEOUT_SECONDS":    "abc",
		"SERVER_SHUTDOWN_TIMEOUT_SECONDS": "3.5",
		"LOG_LEVEL":                       "verbose",
		"LOG_FORMAT":                      "xml",
		"TWITTER_MAX_RESULTS":             "500",
		"FETCH_MAX_ATTEMPTS":              "0",
		"SWEEP_INTERVAL_SECONDS":          "0",
		"HEARTBEAT_INTERVAL_SECONDS":      "0",
		"HISTORY_CAPACITY":                "none",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(key, value)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error when %s=%q", key, value)
			}
		})
	}
}

func TestParseLogLevelAliases(t *testing.T) {
	tests := map[string]slog.Level{
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
	}

	for input, expected := range tests {
		level, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}

		if level != expected {
			t.Errorf("parseLogLevel(%q) = %v, want %v", input, level, expected)
		}
	}
}

func TestParseNonNegativeRejectsInvalidInput(t *testing.T) {
	cases := []string{"-1", "abc", ""}

	for _, input := range cases {
		if _, err := parseNonNegative(input); err == nil {
			t.Fatalf("expected error for input %q", input)
		}
	}
}

func TestLoadDoesNotPersistEnvBetweenRuns(t *testing.T) {
	clearConfigEnv(t)

	t.Setenv("SERVER_READ_TIMEOUT_SECONDS", "5")
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.Unsetenv("SERVER_READ_TIMEOUT_SECONDS"); err != nil {
		t.Fatalf("failed to unset env: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Errorf("expected default read timeout after reset, got %v", cfg.Server.ReadTimeout)
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT",
		"SERVER_PORT",
		"SERVER_READ_TIMEOUT_SECONDS",
		"SERVER_WRITE_TIMEOUT_SECONDS",
		"SERVER_SHUTDOWN_TIMEOUT_SECONDS",
		"CORS_ALLOWED_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"TWITTER_BEARER_TOKEN",
		"TWITTER_API_BASE_URL",
		"TWITTER_MAX_RESULTS",
		"TWITTER_MIN_REQUEST_INTERVAL_MS",
		"TWITTER_TIMEOUT_SECONDS",
		"TWITTER_FIRST_FETCH_WINDOW_HOURS",
		"FETCH_MAX_ATTEMPTS",
		"FETCH_BACKOFF_BASE_MS",
		"FETCH_BACKOFF_MAX_SECONDS",
		"SCRAPER_RENDER_URL",
		"SCRAPER_PROFILE_BASE_URL",
		"SCRAPER_TIMEOUT_SECONDS",
		"SCRAPER_CONCURRENCY",
		"SWEEP_INTERVAL_SECONDS",
		"ROSTER_PATH",
		"BREAKING_MARKERS",
		"HEARTBEAT_INTERVAL_SECONDS",
		"HISTORY_CAPACITY",
		"REPLAY_ON_JOIN",
		"SUBSCRIBER_BUFFER",
		"MIGRATIONS_DIR",
		"CURSOR_DB_PATH",
	}

	for _, key := range keys {
		t.Setenv(key, "")
	}
}
