// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"math"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Second cache tier backends.
const (
	TierNone  = "none"
	TierFile  = "file"
	TierRedis = "redis"
)

// DefaultConfigFile is read when no explicit path is given.
const DefaultConfigFile = "config.yaml"

// Config holds the application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Cache          CacheConfig          `yaml:"cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ErrorTracking  ErrorTrackingConfig  `yaml:"error_tracking"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// ProxyToken is the shared secret expected in X-Proxy-Token.
	// Empty disables authentication.
	ProxyToken string `yaml:"proxy_token"`
	// TrustProxyHeaders makes X-Forwarded-For / X-Real-IP the client identity
	// for rate limiting. Only enable behind a reverse proxy you control.
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxActiveRequests marks the proxy degraded when more requests are in
	// progress at once. Zero disables the check.
	MaxActiveRequests int `yaml:"max_active_requests"`
}

// UpstreamConfig holds weather provider configuration
type UpstreamConfig struct {
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	Units               string        `yaml:"units"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	CoordinatePrecision int           `yaml:"coordinate_precision"`
}

// CacheConfig holds memory and second tier cache configuration
type CacheConfig struct {
	TTL        time.Duration    `yaml:"ttl"`
	MaxEntries int              `yaml:"max_entries"`
	SecondTier SecondTierConfig `yaml:"second_tier"`
}

// SecondTierConfig selects the optional persistent tier behind the memory cache.
type SecondTierConfig struct {
	Type           string        `yaml:"type"`
	Dir            string        `yaml:"dir"`
	RedisURL       string        `yaml:"redis_url"`
	RedisPrefix    string        `yaml:"redis_prefix"`
	StaleRetention time.Duration `yaml:"stale_retention"`
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// RateLimitConfig holds per-client token bucket settings
type RateLimitConfig struct {
	Capacity   int           `yaml:"capacity"`
	RefillRate float64       `yaml:"refill_rate"`
	IdleTTL    time.Duration `yaml:"idle_ttl"`
	MaxClients int           `yaml:"max_clients"`
}

// ErrorTrackingConfig holds error window settings
type ErrorTrackingConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxSamples   int           `yaml:"max_samples"`
	MaxErrorRate float64       `yaml:"max_error_rate"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig holds process log output settings
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8000",
			ShutdownTimeout:   30 * time.Second,
			MaxActiveRequests: 50,
		},
		Upstream: UpstreamConfig{
			BaseURL:             "https://api.openweathermap.org/data/2.5",
			Units:               "metric",
			Timeout:             15 * time.Second,
			MaxRetries:          3,
			InitialBackoff:      500 * time.Millisecond,
			MaxBackoff:          10 * time.Second,
			BackoffFactor:       2.0,
			CoordinatePrecision: 2,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 100,
			SecondTier: SecondTierConfig{
				Type:           TierNone,
				Dir:            "/tmp/weatherpi_cache",
				RedisPrefix:    "weatherpi:",
				StaleRetention: 24 * time.Hour,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		RateLimit: RateLimitConfig{
			Capacity:   10,
			RefillRate: 1,
			IdleTTL:    10 * time.Minute,
			MaxClients: 10000,
		},
		ErrorTracking: ErrorTrackingConfig{
			Window:       5 * time.Minute,
			MaxSamples:   100,
			MaxErrorRate: 0.5,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Logging: LoggingConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// Load reads configuration from DefaultConfigFile (if present), .env and the environment.
func Load() (*Config, error) {
	return LoadFile(DefaultConfigFile)
}

// LoadFile reads configuration from the given YAML file, .env and the environment.
// A missing file is not an error; the defaults apply.
func LoadFile(path string) (*Config, error) {
	// .env never overrides variables already present in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeYAML([]byte(expandString(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port == "" {
		add("server.port is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}
	if c.Server.MaxActiveRequests < 0 {
		add("server.max_active_requests must not be negative")
	}

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("upstream.base_url must be an absolute URL, got %q", c.Upstream.BaseURL)
	}
	switch c.Upstream.Units {
	case "metric", "imperial", "standard":
	default:
		add("upstream.units must be metric, imperial or standard, got %q", c.Upstream.Units)
	}
	if c.Upstream.Timeout <= 0 {
		add("upstream.timeout must be positive")
	}
	if c.Upstream.MaxRetries < 0 {
		add("upstream.max_retries must not be negative")
	}
	if c.Upstream.InitialBackoff < 0 || c.Upstream.MaxBackoff < 0 {
		add("upstream backoff durations must not be negative")
	}
	if math.IsNaN(c.Upstream.BackoffFactor) || math.IsInf(c.Upstream.BackoffFactor, 0) || c.Upstream.BackoffFactor < 1 {
		add("upstream.backoff_factor must be at least 1")
	}
	if c.Upstream.CoordinatePrecision < 0 || c.Upstream.CoordinatePrecision > 6 {
		add("upstream.coordinate_precision must be between 0 and 6")
	}

	if c.Cache.TTL <= 0 {
		add("cache.ttl must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		add("cache.max_entries must be positive")
	}
	switch c.Cache.SecondTier.Type {
	case TierNone, "":
	case TierFile:
		if c.Cache.SecondTier.Dir == "" {
			add("cache.second_tier.dir is required for the file tier")
		}
	case TierRedis:
		if c.Cache.SecondTier.RedisURL == "" {
			add("cache.second_tier.redis_url is required for the redis tier")
		}
	default:
		add("cache.second_tier.type must be none, file or redis, got %q", c.Cache.SecondTier.Type)
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		add("circuit_breaker.failure_threshold must be positive")
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		add("circuit_breaker.recovery_timeout must be positive")
	}
	if c.CircuitBreaker.HalfOpenMaxCalls <= 0 {
		add("circuit_breaker.half_open_max_calls must be positive")
	}

	if c.RateLimit.Capacity <= 0 {
		add("rate_limit.capacity must be positive")
	}
	if math.IsNaN(c.RateLimit.RefillRate) || math.IsInf(c.RateLimit.RefillRate, 0) || c.RateLimit.RefillRate <= 0 {
		add("rate_limit.refill_rate must be positive")
	}
	if c.RateLimit.IdleTTL <= 0 {
		add("rate_limit.idle_ttl must be positive")
	}
	if c.RateLimit.MaxClients <= 0 {
		add("rate_limit.max_clients must be positive")
	}

	if c.ErrorTracking.Window <= 0 {
		add("error_tracking.window must be positive")
	}
	if c.ErrorTracking.MaxSamples <= 0 {
		add("error_tracking.max_samples must be positive")
	}
	if math.IsNaN(c.ErrorTracking.MaxErrorRate) || c.ErrorTracking.MaxErrorRate < 0 || c.ErrorTracking.MaxErrorRate > 1 {
		add("error_tracking.max_error_rate must be between 0 and 1")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Endpoint, "/") {
		add("metrics.endpoint must start with /")
	}

	switch c.Logging.Format {
	case "auto", "json", "text":
	default:
		add("logging.format must be auto, json or text, got %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// decodeYAML decodes data over cfg. Duration fields accept integer seconds
// as well as Go duration strings, matching the environment overrides.
func decodeYAML(data []byte, cfg *Config) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Kind == 0 {
		return nil
	}
	if err := normalizeDurations(&doc, reflect.TypeOf(*cfg)); err != nil {
		return err
	}
	return doc.Decode(cfg)
}

var durationType = reflect.TypeOf(time.Duration(0))

// normalizeDurations walks node alongside t and rewrites every scalar bound
// to a time.Duration field into a duration string yaml.v3 can decode.
func normalizeDurations(node *yaml.Node, t reflect.Type) error {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := normalizeDurations(child, t); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		if t.Kind() != reflect.Struct {
			return nil
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			field, ok := fieldByYAMLName(t, key.Value)
			if !ok {
				continue
			}
			if field.Type != durationType {
				if err := normalizeDurations(val, field.Type); err != nil {
					return err
				}
				continue
			}
			if val.Kind != yaml.ScalarNode || val.Tag == "!!null" {
				continue
			}
			d, err := parseDuration(strings.TrimSpace(val.Value))
			if err != nil {
				return fmt.Errorf("line %d: %s: %w", val.Line, key.Value, err)
			}
			val.Value = d.String()
			val.Tag = "!!str"
			val.Style = 0
		}
	}
	return nil
}

func fieldByYAMLName(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if tag == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default} placeholders.
// Placeholders without a value or default are left untouched.
func expandString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// applyEnvOverrides copies recognised environment variables over cfg.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("PORT", &cfg.Server.Port)
	setString("PROXY_TOKEN", &cfg.Server.ProxyToken)
	setBool("TRUST_PROXY_HEADERS", &cfg.Server.TrustProxyHeaders)
	setDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	setInt("MAX_ACTIVE_REQUESTS", &cfg.Server.MaxActiveRequests)

	setString("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	setString("OPENWEATHER_API_KEY", &cfg.Upstream.APIKey)
	setString("UPSTREAM_UNITS", &cfg.Upstream.Units)
	setDuration("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	setInt("MAX_RETRIES", &cfg.Upstream.MaxRetries)
	setDuration("RETRY_INITIAL_BACKOFF", &cfg.Upstream.InitialBackoff)
	setFloat("RETRY_BACKOFF_FACTOR", &cfg.Upstream.BackoffFactor)
	setInt("COORDINATE_PRECISION", &cfg.Upstream.CoordinatePrecision)

	setDuration("CACHE_TTL", &cfg.Cache.TTL)
	setInt("MEMORY_CACHE_SIZE", &cfg.Cache.MaxEntries)
	setString("CACHE_TIER", &cfg.Cache.SecondTier.Type)
	setString("CACHE_DIR", &cfg.Cache.SecondTier.Dir)
	setString("REDIS_URL", &cfg.Cache.SecondTier.RedisURL)

	setInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.CircuitBreaker.FailureThreshold)
	setDuration("CIRCUIT_RECOVERY_TIMEOUT", &cfg.CircuitBreaker.RecoveryTimeout)
	setInt("CIRCUIT_HALF_OPEN_MAX_CALLS", &cfg.CircuitBreaker.HalfOpenMaxCalls)

	setInt("RATE_LIMIT_BURST", &cfg.RateLimit.Capacity)
	setFloat("RATE_LIMIT_REFILL_RATE", &cfg.RateLimit.RefillRate)

	setInt("ERROR_WINDOW_SIZE", &cfg.ErrorTracking.MaxSamples)
	setDuration("ERROR_WINDOW", &cfg.ErrorTracking.Window)
	setFloat("MAX_ERROR_RATE", &cfg.ErrorTracking.MaxErrorRate)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// parseDuration accepts either plain integers (seconds) or Go duration strings.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
