package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultEphemerisURL = "https://api.met.no/weatherapi/sunrise/2.0/.json"
	defaultTimeURL      = "http://worldtimeapi.org/api"
	defaultGeolocateURL = "http://www.geoplugin.net/json.gp"
)

// Config holds service configuration loaded from YAML, the secrets file
// and env.
type Config struct {
	TestingMode bool

	ServerPort string

	// Observer identity from the secrets file. ObserverSet is false when
	// the secrets omit coordinates; the caller falls back to IP
	// geolocation.
	Secrets     Secrets
	SecretsPath string

	// UserAgent identifies this installation to api.met.no and
	// worldtimeapi. MET rejects anonymous clients, so it is required.
	UserAgent string

	EphemerisAPIURL  string
	EphemerisTimeout time.Duration

	TimeAPIURL  string
	TimeTimeout time.Duration

	GeolocateAPIURL  string
	GeolocateTimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend    string // "memory" or "memcached"
	CacheTTL        time.Duration
	StaleCacheTTL   time.Duration
	CacheMaxEntries int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	WarmCache    bool
	WarmInterval time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	ReadyDelay             time.Duration
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration

	// Clock face behavior.
	RefreshDelay time.Duration
	SyncInterval time.Duration
	SyncPushback time.Duration
	TwelveHour   bool
	Countdown    bool
	WakeStart    int
	WakeEnd      int
	Brightness   float64
	Rotation     int
	AssetDir     string
	SnapshotPath string

	ColorMoonEvent   uint32
	ColorMoonPercent uint32
	ColorSunEvent    uint32
	ColorTime        uint32
	ColorDate        uint32
}

// fileConfig mirrors the YAML schema. Pointer fields distinguish "omitted"
// from an explicit zero or false.
type fileConfig struct {
	TestingMode *bool            `yaml:"testing_mode"`
	SecretsFile string           `yaml:"secrets_file"`
	Server      serverBlock      `yaml:"server"`
	Upstream    upstreamBlock    `yaml:"upstream"`
	Request     requestBlock     `yaml:"request"`
	Clock       clockBlock       `yaml:"clock"`
	Cache       cacheBlock       `yaml:"cache"`
	Reliability reliabilityBlock `yaml:"reliability"`
	Shutdown    shutdownBlock    `yaml:"shutdown"`
	Lifecycle   lifecycleBlock   `yaml:"lifecycle"`
}

type serverBlock struct {
	Port string `yaml:"port"`
}

type endpointBlock struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

type upstreamBlock struct {
	UserAgent string        `yaml:"user_agent"`
	Ephemeris endpointBlock `yaml:"ephemeris"`
	Time      endpointBlock `yaml:"time"`
	Geolocate endpointBlock `yaml:"geolocate"`
}

type requestBlock struct {
	Timeout string `yaml:"timeout"`
}

type clockBlock struct {
	RefreshDelay string      `yaml:"refresh_delay"`
	SyncInterval string      `yaml:"sync_interval"`
	SyncPushback string      `yaml:"sync_pushback"`
	TwelveHour   *bool       `yaml:"twelve_hour"`
	Countdown    *bool       `yaml:"countdown"`
	WakeStart    *int        `yaml:"wake_start"`
	WakeEnd      *int        `yaml:"wake_end"`
	Brightness   *float64    `yaml:"brightness"`
	Rotation     *int        `yaml:"rotation"`
	AssetDir     string      `yaml:"asset_dir"`
	SnapshotPath string      `yaml:"snapshot_path"`
	Colors       colorsBlock `yaml:"colors"`
}

type colorsBlock struct {
	MoonEvent   string `yaml:"moon_event"`
	MoonPercent string `yaml:"moon_percent"`
	SunEvent    string `yaml:"sun_event"`
	Time        string `yaml:"time"`
	Date        string `yaml:"date"`
}

type cacheBlock struct {
	Backend         string         `yaml:"backend"`
	TTL             string         `yaml:"ttl"`
	StaleTTL        string         `yaml:"stale_ttl"`
	MaxEntries      int            `yaml:"max_entries"`
	Warm            *bool          `yaml:"warm"`
	WarmInterval    string         `yaml:"warm_interval"`
	Coalesce        *bool          `yaml:"coalesce"`
	CoalesceTimeout string         `yaml:"coalesce_timeout"`
	Memcached       memcachedBlock `yaml:"memcached"`
}

type memcachedBlock struct {
	Addrs        string `yaml:"addrs"`
	Timeout      string `yaml:"timeout"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type reliabilityBlock struct {
	RetryMaxAttempts int          `yaml:"retry_max_attempts"`
	RetryBaseDelay   string       `yaml:"retry_base_delay"`
	RetryMaxDelay    string       `yaml:"retry_max_delay"`
	RateLimitRPS     int          `yaml:"rate_limit_rps"`
	RateLimitBurst   int          `yaml:"rate_limit_burst"`
	CircuitBreaker   breakerBlock `yaml:"circuit_breaker"`
}

type breakerBlock struct {
	Enabled          *bool  `yaml:"enabled"`
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	Timeout          string `yaml:"timeout"`
}

type shutdownBlock struct {
	Timeout               string `yaml:"timeout"`
	InFlightTimeout       string `yaml:"in_flight_timeout"`
	InFlightCheckInterval string `yaml:"in_flight_check_interval"`
}

type lifecycleBlock struct {
	ReadyDelay             string `yaml:"ready_delay"`
	OverloadWindow         string `yaml:"overload_window"`
	OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
	IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
	IdleWindow             string `yaml:"idle_window"`
	MinimumLifespan        string `yaml:"minimum_lifespan"`
	DegradedWindow         string `yaml:"degraded_window"`
	DegradedErrorPct       int    `yaml:"degraded_error_pct"`
	DegradedRetryInitial   string `yaml:"degraded_retry_initial"`
	DegradedRetryMax       string `yaml:"degraded_retry_max"`
}

// Load reads config/{ENV_NAME}.yaml (default dev) relative to the working
// directory, then the secrets file it points at. The User-Agent comes from
// MOONCLOCK_USER_AGENT env or the upstream.user_agent key.
func Load() (*Config, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: resolve working directory: %w", err)
	}

	name := os.Getenv("ENV_NAME")
	if name == "" {
		name = "dev"
	}
	path := filepath.Join(root, "config", name+".yaml")

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("config file not found: %s", path)
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: boolOr(fc.TestingMode, false),
		ServerPort:  strOr(fc.Server.Port, "8080"),
	}

	cfg.SecretsPath = strOr(envOr("SECRETS_FILE", fc.SecretsFile), "secrets.yml")
	if !filepath.IsAbs(cfg.SecretsPath) {
		cfg.SecretsPath = filepath.Join(root, cfg.SecretsPath)
	}
	if cfg.Secrets, err = LoadSecrets(cfg.SecretsPath); err != nil {
		return nil, err
	}

	cfg.UserAgent = envOr("MOONCLOCK_USER_AGENT", fc.Upstream.UserAgent)
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("MOONCLOCK_USER_AGENT required (set env or config upstream.user_agent; api.met.no rejects anonymous clients)")
	}

	cfg.EphemerisAPIURL = strOr(fc.Upstream.Ephemeris.URL, defaultEphemerisURL)
	// An explicit zero or negative timeout reaches validate and fails the
	// load; only omitted and malformed values take the default.
	cfg.EphemerisTimeout = 5 * time.Second
	if s := strings.TrimSpace(fc.Upstream.Ephemeris.Timeout); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.EphemerisTimeout = d
		}
	}

	cfg.TimeAPIURL = strOr(fc.Upstream.Time.URL, defaultTimeURL)
	cfg.TimeTimeout = durOr(fc.Upstream.Time.Timeout, 5*time.Second)
	cfg.GeolocateAPIURL = strOr(fc.Upstream.Geolocate.URL, defaultGeolocateURL)
	cfg.GeolocateTimeout = durOr(fc.Upstream.Geolocate.Timeout, 5*time.Second)

	cfg.RequestTimeout = durOr(fc.Request.Timeout, 10*time.Second)

	cfg.RefreshDelay = durOr(fc.Clock.RefreshDelay, 10*time.Second)
	cfg.SyncInterval = durOr(fc.Clock.SyncInterval, time.Hour)
	cfg.SyncPushback = durOr(fc.Clock.SyncPushback, 30*time.Minute)
	cfg.TwelveHour = boolOr(fc.Clock.TwelveHour, true)
	cfg.Countdown = boolOr(fc.Clock.Countdown, false)
	cfg.WakeStart = intOr(fc.Clock.WakeStart, 8)
	cfg.WakeEnd = intOr(fc.Clock.WakeEnd, 23)
	cfg.Brightness = floatOr(fc.Clock.Brightness, 0.5)
	cfg.Rotation = intOr(fc.Clock.Rotation, 0)
	cfg.AssetDir = strOr(fc.Clock.AssetDir, "assets")
	cfg.SnapshotPath = fc.Clock.SnapshotPath

	cfg.ColorMoonEvent = parseColor(fc.Clock.Colors.MoonEvent, 0x333388)
	cfg.ColorMoonPercent = parseColor(fc.Clock.Colors.MoonPercent, 0xFFFF00)
	cfg.ColorSunEvent = parseColor(fc.Clock.Colors.SunEvent, 0xC04000)
	cfg.ColorTime = parseColor(fc.Clock.Colors.Time, 0x808080)
	cfg.ColorDate = parseColor(fc.Clock.Colors.Date, 0x808080)

	backend := strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if backend == "" || backend == "in_memory" {
		backend = "memory"
	}
	cfg.CacheBackend = backend
	cfg.CacheTTL = durOr(fc.Cache.TTL, 6*time.Hour)
	cfg.StaleCacheTTL = durOr(fc.Cache.StaleTTL, 48*time.Hour)
	cfg.CacheMaxEntries = posIntOr(fc.Cache.MaxEntries, 64)
	cfg.WarmCache = boolOr(fc.Cache.Warm, true)
	cfg.WarmInterval = durOr(fc.Cache.WarmInterval, 6*time.Hour)
	cfg.CoalesceEnabled = boolOr(fc.Cache.Coalesce, false)
	cfg.CoalesceTimeout = durOr(fc.Cache.CoalesceTimeout, 2*time.Second)

	cfg.MemcachedAddrs = strOr(envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = durOr(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = posIntOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RetryAttempts = posIntOr(fc.Reliability.RetryMaxAttempts, 5)
	cfg.RetryBaseDelay = durOr(fc.Reliability.RetryBaseDelay, time.Second)
	cfg.RetryMaxDelay = durOr(fc.Reliability.RetryMaxDelay, 15*time.Second)
	cfg.RateLimitRPS = posIntOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = posIntOr(fc.Reliability.RateLimitBurst, 250)

	cfg.CircuitBreakerEnabled = boolOr(fc.Reliability.CircuitBreaker.Enabled, false)
	cfg.CircuitBreakerFailureThreshold = posIntOr(fc.Reliability.CircuitBreaker.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = posIntOr(fc.Reliability.CircuitBreaker.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = durOr(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = durOr(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = durOr(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = durOr(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.ReadyDelay = durOr(fc.Lifecycle.ReadyDelay, 3*time.Second)
	cfg.OverloadWindow = durOr(fc.Lifecycle.OverloadWindow, time.Minute)
	cfg.OverloadThresholdPct = posIntOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.IdleThresholdReqPerMin = posIntOr(fc.Lifecycle.IdleThresholdReqPerMin, 5)
	cfg.IdleWindow = durOr(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = durOr(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = durOr(fc.Lifecycle.DegradedWindow, time.Minute)
	cfg.DegradedErrorPct = posIntOr(fc.Lifecycle.DegradedErrorPct, 5)
	cfg.DegradedRetryInitial = durOr(fc.Lifecycle.DegradedRetryInitial, time.Minute)
	cfg.DegradedRetryMax = durOr(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects hard mistakes (bad backend, bad rotation, zero upstream
// timeout) and clamps tuning values outside their working range, matching
// how the device firmware treated them.
func validate(cfg *Config) error {
	if cfg.EphemerisTimeout <= 0 {
		return fmt.Errorf("upstream.ephemeris.timeout must be positive")
	}
	if cfg.CacheBackend != "memory" && cfg.CacheBackend != "memcached" {
		return fmt.Errorf("cache.backend must be memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("clock.rotation must be 0, 90, 180 or 270, got %d", cfg.Rotation)
	}

	// The request budget must outlast the upstream call so a slow fetch
	// fails inside the handler, not at the server edge.
	if cfg.RequestTimeout <= cfg.EphemerisTimeout {
		cfg.RequestTimeout = cfg.EphemerisTimeout + time.Second
	}

	cfg.RefreshDelay = min(max(cfg.RefreshDelay, 5*time.Second), 60*time.Second)
	cfg.Brightness = min(max(cfg.Brightness, 0), 1)
	if cfg.WakeStart < 0 || cfg.WakeStart > 24 {
		cfg.WakeStart = 8
	}
	if cfg.WakeEnd < 0 || cfg.WakeEnd > 24 {
		cfg.WakeEnd = 23
	}
	return nil
}

// envOr returns the trimmed env value for key, or the trimmed fallback.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

func strOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// posIntOr treats zero and negative as unset.
func posIntOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// durOr parses a YAML duration field, falling back to def when the field is
// empty, malformed or not positive.
func durOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// parseColor parses an RGB hex string ("0x333388", "#333388", "333388"),
// returning def on empty string or parse error.
func parseColor(s string, def uint32) uint32 {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "#")
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}
