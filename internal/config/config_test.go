package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_UserAgent(t *testing.T) {
	t.Run("required", func(t *testing.T) {
		t.Setenv("MOONCLOCK_USER_AGENT", "")
		cfg, err := loadWith(t, "server:\n  port: \"9090\"\n")
		if err == nil {
			t.Fatal("Load() succeeded without a user agent")
		}
		if cfg != nil {
			t.Fatalf("Load() returned a config alongside the error: %+v", cfg)
		}
		if !strings.Contains(err.Error(), "MOONCLOCK_USER_AGENT") {
			t.Errorf("error = %v, want mention of MOONCLOCK_USER_AGENT", err)
		}
	})

	t.Run("from config file", func(t *testing.T) {
		t.Setenv("MOONCLOCK_USER_AGENT", "")
		cfg := mustLoad(t, minimalEnvYAML)
		if cfg.UserAgent != "moonclock/test test@example.com" {
			t.Errorf("UserAgent = %q, want the upstream.user_agent value", cfg.UserAgent)
		}
	})

	t.Run("env wins over file", func(t *testing.T) {
		t.Setenv("MOONCLOCK_USER_AGENT", "moonclock/env probe@example.com")
		cfg := mustLoad(t, minimalEnvYAML)
		if cfg.UserAgent != "moonclock/env probe@example.com" {
			t.Errorf("UserAgent = %q, want the env value", cfg.UserAgent)
		}
	})
}

func TestLoad_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		secrets string
		want    string
	}{
		{
			name: "zero ephemeris timeout",
			yaml: "upstream:\n  user_agent: \"moonclock/test test@example.com\"\n  ephemeris:\n    timeout: \"0s\"\n",
			want: "ephemeris.timeout",
		},
		{
			name: "rotation not a right angle",
			yaml: minimalEnvYAML + "\nclock:\n  rotation: 45\n",
			want: "rotation",
		},
		{
			name: "unknown cache backend",
			yaml: minimalEnvYAML + "\ncache:\n  backend: \"redis\"\n",
			want: "cache.backend",
		},
		{
			name: "malformed yaml",
			yaml: "not: valid: yaml: [[[",
			want: "parse",
		},
		{
			name:    "latitude out of range",
			yaml:    minimalEnvYAML,
			secrets: "latitude: 99.9\nlongitude: 0\n",
			want:    "latitude",
		},
		{
			name:    "latitude without longitude",
			yaml:    minimalEnvYAML,
			secrets: "latitude: 10\n",
			want:    "together",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadWithSecrets(t, tt.yaml, tt.secrets)
			if err == nil {
				t.Fatal("Load() accepted the bad input")
			}
			if cfg != nil {
				t.Fatalf("Load() returned a config alongside the error: %+v", cfg)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingEnvFile(t *testing.T) {
	t.Setenv("ENV_NAME", "nonexistent")
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	t.Chdir(dir)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() succeeded with no config/nonexistent.yaml")
	}
	if cfg != nil {
		t.Fatalf("Load() returned a config alongside the error: %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want a not-found message", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML)
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.EphemerisAPIURL != defaultEphemerisURL {
		t.Errorf("EphemerisAPIURL = %q, want the met.no default", cfg.EphemerisAPIURL)
	}
	if cfg.EphemerisTimeout != 5*time.Second {
		t.Errorf("EphemerisTimeout = %v, want 5s", cfg.EphemerisTimeout)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.CacheBackend != "memory" {
		t.Errorf("CacheBackend = %q, want memory", cfg.CacheBackend)
	}
	if cfg.CacheTTL != 6*time.Hour || cfg.StaleCacheTTL != 48*time.Hour {
		t.Errorf("cache TTLs = %v/%v, want 6h/48h", cfg.CacheTTL, cfg.StaleCacheTTL)
	}
	if cfg.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", cfg.RetryAttempts)
	}
	if cfg.RateLimitRPS != 100 || cfg.RateLimitBurst != 250 {
		t.Errorf("rate limit = %d/%d, want 100/250", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if !cfg.WarmCache {
		t.Error("WarmCache = false, want true by default")
	}
	if cfg.DegradedRetryInitial != time.Minute || cfg.DegradedRetryMax != 20*time.Minute {
		t.Errorf("degraded retry = %v/%v, want 1m/20m", cfg.DegradedRetryInitial, cfg.DegradedRetryMax)
	}
	if cfg.TestingMode {
		t.Error("TestingMode = true, want false when omitted")
	}
}

func TestLoad_ClockDefaults(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML)
	if cfg.RefreshDelay != 10*time.Second {
		t.Errorf("RefreshDelay = %v, want 10s", cfg.RefreshDelay)
	}
	if cfg.SyncInterval != time.Hour {
		t.Errorf("SyncInterval = %v, want 1h", cfg.SyncInterval)
	}
	if cfg.SyncPushback != 30*time.Minute {
		t.Errorf("SyncPushback = %v, want 30m", cfg.SyncPushback)
	}
	if !cfg.TwelveHour {
		t.Error("TwelveHour = false, want true by default")
	}
	if cfg.Countdown {
		t.Error("Countdown = true, want false by default")
	}
	if cfg.WakeStart != 8 || cfg.WakeEnd != 23 {
		t.Errorf("Wake window = %d..%d, want 8..23", cfg.WakeStart, cfg.WakeEnd)
	}
	if cfg.Brightness != 0.5 {
		t.Errorf("Brightness = %v, want 0.5", cfg.Brightness)
	}
	if cfg.Rotation != 0 {
		t.Errorf("Rotation = %d, want 0", cfg.Rotation)
	}
	if cfg.AssetDir != "assets" {
		t.Errorf("AssetDir = %q, want assets", cfg.AssetDir)
	}
	if cfg.ColorMoonEvent != 0x333388 {
		t.Errorf("ColorMoonEvent = %#x, want 0x333388", cfg.ColorMoonEvent)
	}
	if cfg.ColorMoonPercent != 0xFFFF00 {
		t.Errorf("ColorMoonPercent = %#x, want 0xffff00", cfg.ColorMoonPercent)
	}
}

func TestLoad_ClockOverrides(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML+`
clock:
  refresh_delay: "30s"
  twelve_hour: false
  countdown: true
  wake_start: 6
  wake_end: 22
  brightness: 0.8
  rotation: 180
  asset_dir: "sprites"
  snapshot_path: "/tmp/face.png"
  colors:
    moon_event: "0x112233"
    time: "#445566"
`)
	if cfg.RefreshDelay != 30*time.Second {
		t.Errorf("RefreshDelay = %v, want 30s", cfg.RefreshDelay)
	}
	if cfg.TwelveHour {
		t.Error("TwelveHour = true, want false")
	}
	if !cfg.Countdown {
		t.Error("Countdown = false, want true")
	}
	if cfg.WakeStart != 6 || cfg.WakeEnd != 22 {
		t.Errorf("Wake window = %d..%d, want 6..22", cfg.WakeStart, cfg.WakeEnd)
	}
	if cfg.Brightness != 0.8 {
		t.Errorf("Brightness = %v, want 0.8", cfg.Brightness)
	}
	if cfg.Rotation != 180 {
		t.Errorf("Rotation = %d, want 180", cfg.Rotation)
	}
	if cfg.AssetDir != "sprites" {
		t.Errorf("AssetDir = %q, want sprites", cfg.AssetDir)
	}
	if cfg.SnapshotPath != "/tmp/face.png" {
		t.Errorf("SnapshotPath = %q, want /tmp/face.png", cfg.SnapshotPath)
	}
	if cfg.ColorMoonEvent != 0x112233 {
		t.Errorf("ColorMoonEvent = %#x, want 0x112233", cfg.ColorMoonEvent)
	}
	if cfg.ColorTime != 0x445566 {
		t.Errorf("ColorTime = %#x, want 0x445566", cfg.ColorTime)
	}
	// Unset colors keep their defaults.
	if cfg.ColorSunEvent != 0xC04000 {
		t.Errorf("ColorSunEvent = %#x, want default 0xc04000", cfg.ColorSunEvent)
	}
}

func TestLoad_RefreshDelayClamped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"below minimum", "2s", 5 * time.Second},
		{"above maximum", "5m", 60 * time.Second},
		{"within range", "15s", 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustLoad(t, minimalEnvYAML+"\nclock:\n  refresh_delay: \""+tt.value+"\"\n")
			if cfg.RefreshDelay != tt.want {
				t.Errorf("RefreshDelay = %v, want %v", cfg.RefreshDelay, tt.want)
			}
		})
	}
}

func TestLoad_BrightnessClamped(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML+"\nclock:\n  brightness: 1.5\n")
	if cfg.Brightness != 1.0 {
		t.Errorf("Brightness = %v, want clamped to 1.0", cfg.Brightness)
	}
}

func TestLoad_DurationFallbacks(t *testing.T) {
	t.Run("empty ephemeris timeout", func(t *testing.T) {
		cfg := mustLoad(t, "upstream:\n  user_agent: \"moonclock/test test@example.com\"\n  ephemeris:\n    timeout: \"\"\n")
		if cfg.EphemerisTimeout != 5*time.Second {
			t.Errorf("EphemerisTimeout = %v, want default 5s", cfg.EphemerisTimeout)
		}
	})

	t.Run("malformed cache ttl", func(t *testing.T) {
		cfg := mustLoad(t, minimalEnvYAML+"\ncache:\n  ttl: \"a fortnight\"\n")
		if cfg.CacheTTL != 6*time.Hour {
			t.Errorf("CacheTTL = %v, want default 6h", cfg.CacheTTL)
		}
	})
}

func TestLoad_CacheBackendNormalized(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML+"\ncache:\n  backend: \"in_memory\"\n")
	if cfg.CacheBackend != "memory" {
		t.Errorf("CacheBackend = %q, want in_memory normalized to memory", cfg.CacheBackend)
	}
}

func TestLoad_SecretsApplied(t *testing.T) {
	cfg, err := loadWithSecrets(t, minimalEnvYAML,
		"latitude: 43.62\nlongitude: -116.2\noffset: \"-7\"\ntimezone: \"America/Boise\"\n")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Secrets.ObserverSet {
		t.Fatal("Secrets.ObserverSet = false, want true")
	}
	if cfg.Secrets.Observer.Latitude != 43.62 || cfg.Secrets.Observer.Longitude != -116.2 {
		t.Errorf("Observer = %+v, want 43.62/-116.2", cfg.Secrets.Observer)
	}
	if cfg.Secrets.UTCOffset != "-07:00" {
		t.Errorf("UTCOffset = %q, want -07:00 (normalized)", cfg.Secrets.UTCOffset)
	}
	if cfg.Secrets.Timezone != "America/Boise" {
		t.Errorf("Timezone = %q, want America/Boise", cfg.Secrets.Timezone)
	}
}

func TestLoad_SecretsPathEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	alt := filepath.Join(dir, "elsewhere.yml")
	if err := os.WriteFile(alt, []byte("latitude: 10\nlongitude: 20\n"), 0644); err != nil {
		t.Fatalf("write %s: %v", alt, err)
	}

	t.Setenv("ENV_NAME", "")
	t.Setenv("CACHE_BACKEND", "")
	t.Setenv("SECRETS_FILE", alt)
	t.Chdir(dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SecretsPath != alt {
		t.Errorf("SecretsPath = %q, want %q", cfg.SecretsPath, alt)
	}
	if !cfg.Secrets.ObserverSet || cfg.Secrets.Observer.Latitude != 10 {
		t.Errorf("Secrets = %+v, want the observer from SECRETS_FILE", cfg.Secrets)
	}
}

func TestLoad_LifecycleTuning(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML+`
lifecycle:
  ready_delay: "5s"
  overload_window: "45s"
  overload_threshold_pct: 85
  idle_threshold_req_per_min: 4
  idle_window: "3m"
  minimum_lifespan: "90s"
  degraded_window: "2m"
  degraded_error_pct: 12
  degraded_retry_initial: "3m"
  degraded_retry_max: "18m"
`)
	type tuning struct {
		ready, overloadWin, idleWin, lifespan time.Duration
		degradedWin, retryInit, retryMax      time.Duration
		overloadPct, idlePerMin, degradedPct  int
	}
	got := tuning{
		cfg.ReadyDelay, cfg.OverloadWindow, cfg.IdleWindow, cfg.MinimumLifespan,
		cfg.DegradedWindow, cfg.DegradedRetryInitial, cfg.DegradedRetryMax,
		cfg.OverloadThresholdPct, cfg.IdleThresholdReqPerMin, cfg.DegradedErrorPct,
	}
	want := tuning{
		5 * time.Second, 45 * time.Second, 3 * time.Minute, 90 * time.Second,
		2 * time.Minute, 3 * time.Minute, 18 * time.Minute,
		85, 4, 12,
	}
	if got != want {
		t.Errorf("lifecycle tuning = %+v, want %+v", got, want)
	}
}

func TestLoad_CircuitBreakerTuning(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML+`
reliability:
  circuit_breaker:
    enabled: true
    failure_threshold: 9
    success_threshold: 4
    timeout: "50s"
`)
	if !cfg.CircuitBreakerEnabled {
		t.Error("CircuitBreakerEnabled = false, want true")
	}
	type breaker struct {
		fail, succ int
		timeout    time.Duration
	}
	got := breaker{cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerSuccessThreshold, cfg.CircuitBreakerTimeout}
	want := breaker{9, 4, 50 * time.Second}
	if got != want {
		t.Errorf("circuit breaker tuning = %+v, want %+v", got, want)
	}
}

func TestLoad_TestingMode(t *testing.T) {
	cfg := mustLoad(t, minimalEnvYAML+"\ntesting_mode: true\n")
	if !cfg.TestingMode {
		t.Error("TestingMode = false, want true")
	}
}

func TestLoad_RepoDevConfigParses(t *testing.T) {
	t.Setenv("MOONCLOCK_USER_AGENT", "moonclock/test env@example.com")
	t.Setenv("ENV_NAME", "")
	t.Setenv("CACHE_BACKEND", "")
	t.Setenv("SECRETS_FILE", "")
	t.Chdir(repoRoot(t))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EphemerisAPIURL == "" || cfg.ServerPort == "" {
		t.Error("Load() did not populate config from config/dev.yaml")
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		input string
		want  uint32
	}{
		{"0x333388", 0x333388},
		{"0X333388", 0x333388},
		{"#ffff00", 0xFFFF00},
		{"c04000", 0xC04000},
		{"", 0xABCDEF},
		{"not-a-color", 0xABCDEF},
		{"0xGGGGGG", 0xABCDEF},
	}
	for _, tt := range tests {
		if got := parseColor(tt.input, 0xABCDEF); got != tt.want {
			t.Errorf("parseColor(%q) = %#x, want %#x", tt.input, got, tt.want)
		}
	}
}

// TestCoverageGaps_IntentionallyUntested records paths reviewed and left
// untested on purpose. Run with -v for the reasons.
func TestCoverageGaps_IntentionallyUntested(t *testing.T) {
	t.Run("read_errors_beyond_not_exist", func(t *testing.T) {
		t.Skip("permission-style ReadFile failures need fault injection; not worth the portability cost")
	})
	t.Run("request_timeout_auto_adjust", func(t *testing.T) {
		t.Skip("the widen-past-upstream branch is exercised implicitly by the defaults")
	})
}

// minimalEnvYAML is the smallest config Load accepts; everything else has a
// default. Tests append new top-level blocks to it (yaml.v3 rejects
// duplicate keys, so blocks present here must not be appended).
const minimalEnvYAML = `
upstream:
  user_agent: "moonclock/test test@example.com"
`

// loadWith writes body as config/dev.yaml in a fresh directory, moves there
// and runs Load. Env vars that redirect the loader are pinned so the host
// environment cannot leak in.
func loadWith(t *testing.T, body string) (*Config, error) {
	return loadWithSecrets(t, body, "")
}

func loadWithSecrets(t *testing.T, body, secrets string) (*Config, error) {
	t.Helper()
	t.Setenv("ENV_NAME", "")
	t.Setenv("SECRETS_FILE", "")
	t.Setenv("CACHE_BACKEND", "")
	t.Setenv("MEMCACHED_ADDRS", "")
	dir := t.TempDir()
	writeEnvFile(t, dir, body)
	if secrets != "" {
		writeSecretsFile(t, dir, secrets)
	}
	t.Chdir(dir)
	return Load()
}

func mustLoad(t *testing.T, body string) *Config {
	t.Helper()
	cfg, err := loadWith(t, body)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, "config", "dev.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, "secrets.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// repoRoot walks up from the test binary's working directory to the first
// directory holding config/dev.yaml.
func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Skip("no config/dev.yaml in any parent; not running from a checkout")
		}
		dir = parent
	}
}
