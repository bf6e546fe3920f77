// Package config loads gateway settings from the environment, an optional
// .env file and an optional YAML file. Environment variables always win.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade-gateway/internal/provider"
	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

// Config holds every setting the server needs.
type Config struct {
	HTTPPort string
	LogLevel string

	// Provider calls
	ProviderTimeout time.Duration
	StreamTimeout   time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Providers       []ProviderConfig
	MockProvider    bool
	Pricing         map[string]tracing.Rate

	// Security pipeline
	DetectorTimeout   time.Duration
	ToxicityThreshold float64
	StreamCheckMode   proxy.StreamMode
	TrustedDomains    []string
	CatalogOverlay    string
	MLScorerEndpoint  string
	PolicyFile        string
	PolicyRefresh     time.Duration

	// Rate limiting
	RateLimits    ratelimit.Limits
	RateOverrides map[string]ratelimit.Limits

	// Auth
	StaticKeys   string
	AuthCacheTTL time.Duration

	// Storage and telemetry
	PostgresDSN      string
	ClickHouseDSN    string
	KafkaBrokers     string
	KafkaTopic       string
	RecorderCapacity int
	OTLPEndpoint     string
	OTLPInsecure     bool
}

// ProviderConfig describes one OpenAI-compatible upstream.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// fileConfig is the YAML layout of GATEWAY_CONFIG. Scalars left out keep the
// defaults; env vars are applied afterwards.
type fileConfig struct {
	Server struct {
		Port     string `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Providers    []ProviderConfig        `yaml:"providers"`
	MockProvider *bool                   `yaml:"mock_provider"`
	Pricing      map[string]tracing.Rate `yaml:"pricing"`
	RateLimits   struct {
		PerMinute *int                        `yaml:"per_minute"`
		PerHour   *int                        `yaml:"per_hour"`
		Overrides map[string]ratelimit.Limits `yaml:"overrides"`
	} `yaml:"rate_limits"`
	Security struct {
		ToxicityThreshold *float64 `yaml:"toxicity_threshold"`
		StreamCheckMode   string   `yaml:"stream_check_mode"`
		TrustedDomains    []string `yaml:"trusted_domains"`
		CatalogOverlay    string   `yaml:"catalog_overlay"`
		PolicyFile        string   `yaml:"policy_file"`
	} `yaml:"security"`
	StaticKeys string `yaml:"static_keys"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTPPort:          "8080",
		LogLevel:          "info",
		ProviderTimeout:   30 * time.Second,
		StreamTimeout:     5 * time.Minute,
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		Providers:         []ProviderConfig{{Name: "openai", APIKeyEnv: "OPENAI_API_KEY"}},
		DetectorTimeout:   500 * time.Millisecond,
		ToxicityThreshold: 0.7,
		StreamCheckMode:   proxy.StreamBuffered,
		PolicyRefresh:     30 * time.Second,
		RateLimits:        ratelimit.DefaultLimits,
		AuthCacheTTL:      30 * time.Second,
		KafkaTopic:        "gateway-traces",
		RecorderCapacity:  10_000,
	}
}

// Load reads .env (if present), then GATEWAY_CONFIG (if set), then the
// process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse(os.Getenv)
}

// Parse builds a Config from getenv, reading the YAML file it names.
func Parse(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path := getenv("GATEWAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.applyFile(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	var f fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	setString(&c.HTTPPort, f.Server.Port)
	setString(&c.LogLevel, f.Server.LogLevel)
	if len(f.Providers) > 0 {
		c.Providers = f.Providers
	}
	if f.MockProvider != nil {
		c.MockProvider = *f.MockProvider
	}
	c.Pricing = f.Pricing
	if v := f.RateLimits.PerMinute; v != nil {
		c.RateLimits.PerMinute = *v
	}
	if v := f.RateLimits.PerHour; v != nil {
		c.RateLimits.PerHour = *v
	}
	c.RateOverrides = f.RateLimits.Overrides
	if v := f.Security.ToxicityThreshold; v != nil {
		c.ToxicityThreshold = *v
	}
	if f.Security.StreamCheckMode != "" {
		mode, err := proxy.ParseStreamMode(f.Security.StreamCheckMode)
		if err != nil {
			return err
		}
		c.StreamCheckMode = mode
	}
	if len(f.Security.TrustedDomains) > 0 {
		c.TrustedDomains = f.Security.TrustedDomains
	}
	setString(&c.CatalogOverlay, f.Security.CatalogOverlay)
	setString(&c.PolicyFile, f.Security.PolicyFile)
	setString(&c.StaticKeys, f.StaticKeys)
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	e := env{getenv: getenv}
	setString(&c.HTTPPort, getenv("GATEWAY_HTTP_PORT"))
	setString(&c.LogLevel, getenv("GATEWAY_LOG_LEVEL"))

	e.millis(&c.ProviderTimeout, "GATEWAY_PROVIDER_TIMEOUT_MS")
	e.seconds(&c.StreamTimeout, "GATEWAY_STREAM_TIMEOUT_S")
	e.setInt(&c.MaxAttempts, "GATEWAY_PROVIDER_MAX_ATTEMPTS")
	e.millis(&c.InitialBackoff, "GATEWAY_PROVIDER_BACKOFF_MS")
	e.millis(&c.MaxBackoff, "GATEWAY_PROVIDER_MAX_BACKOFF_MS")
	e.setBool(&c.MockProvider, "GATEWAY_MOCK_PROVIDER")
	if url := getenv("OPENAI_BASE_URL"); url != "" {
		for i := range c.Providers {
			if c.Providers[i].Name == "openai" {
				c.Providers[i].BaseURL = url
			}
		}
	}

	e.millis(&c.DetectorTimeout, "GATEWAY_DETECTOR_TIMEOUT_MS")
	e.setFloat(&c.ToxicityThreshold, "GATEWAY_TOXICITY_THRESHOLD")
	if v := getenv("GATEWAY_STREAM_CHECK_MODE"); v != "" {
		mode, err := proxy.ParseStreamMode(v)
		if err != nil {
			e.fail("GATEWAY_STREAM_CHECK_MODE", err)
		} else {
			c.StreamCheckMode = mode
		}
	}
	if v := getenv("GATEWAY_TRUSTED_DOMAINS"); v != "" {
		c.TrustedDomains = splitList(v)
	}
	setString(&c.CatalogOverlay, getenv("GATEWAY_CATALOG_OVERLAY"))
	setString(&c.MLScorerEndpoint, getenv("ML_SCORER_ENDPOINT"))
	setString(&c.PolicyFile, getenv("GATEWAY_POLICY_FILE"))
	e.seconds(&c.PolicyRefresh, "GATEWAY_POLICY_REFRESH_S")

	e.setInt(&c.RateLimits.PerMinute, "GATEWAY_RATE_PER_MINUTE")
	e.setInt(&c.RateLimits.PerHour, "GATEWAY_RATE_PER_HOUR")

	setString(&c.StaticKeys, getenv("GATEWAY_STATIC_KEYS"))
	e.seconds(&c.AuthCacheTTL, "GATEWAY_AUTH_CACHE_TTL_S")

	setString(&c.PostgresDSN, getenv("POSTGRES_DSN"))
	setString(&c.ClickHouseDSN, getenv("CLICKHOUSE_DSN"))
	setString(&c.KafkaBrokers, getenv("KAFKA_BROKERS"))
	setString(&c.KafkaTopic, getenv("KAFKA_TOPIC"))
	e.setInt(&c.RecorderCapacity, "GATEWAY_RECORDER_CAPACITY")
	setString(&c.OTLPEndpoint, getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	e.setBool(&c.OTLPInsecure, "OTEL_EXPORTER_OTLP_INSECURE")
	return errors.Join(e.errs...)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http port is required"))
	}
	if c.ProviderTimeout <= 0 || c.StreamTimeout <= 0 || c.DetectorTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts %d must be at least 1", c.MaxAttempts))
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, fmt.Errorf("backoff range %s..%s is invalid", c.InitialBackoff, c.MaxBackoff))
	}
	if c.ToxicityThreshold <= 0 || c.ToxicityThreshold > 1 {
		errs = append(errs, fmt.Errorf("toxicity threshold %v must be in (0, 1]", c.ToxicityThreshold))
	}
	if c.RateLimits.PerMinute < 0 || c.RateLimits.PerHour < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.RecorderCapacity <= 0 {
		errs = append(errs, fmt.Errorf("recorder capacity %d must be positive", c.RecorderCapacity))
	}
	if c.PolicyRefresh <= 0 {
		errs = append(errs, errors.New("policy refresh interval must be positive"))
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		switch {
		case p.Name == "":
			errs = append(errs, errors.New("provider name is required"))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("provider %q is configured twice", p.Name))
		}
		seen[p.Name] = true
	}
	for model, r := range c.Pricing {
		if r.InputPer1K < 0 || r.OutputPer1K < 0 {
			errs = append(errs, fmt.Errorf("pricing for %q must not be negative", model))
		}
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the provider retry settings.
func (c *Config) RetryPolicy() provider.RetryPolicy {
	p := provider.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.InitialBackoff = c.InitialBackoff
	p.MaxBackoff = c.MaxBackoff
	return p
}

// ProxyConfig returns the orchestrator settings.
func (c *Config) ProxyConfig() proxy.Config {
	return proxy.Config{
		ProviderTimeout: c.ProviderTimeout,
		StreamTimeout:   c.StreamTimeout,
		Retry:           c.RetryPolicy(),
		StreamMode:      c.StreamCheckMode,
	}
}

// env collects parse failures so one run reports every bad variable.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
}

func (e *env) setInt(dst *int, key string) {
	if v := e.getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = i
	}
}

func (e *env) setFloat(dst *float64, key string) {
	if v := e.getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *env) setBool(dst *bool, key string) {
	if v := e.getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *env) millis(dst *time.Duration, key string) {
	e.duration(dst, key, time.Millisecond)
}

func (e *env) seconds(dst *time.Duration, key string) {
	e.duration(dst, key, time.Second)
}

func (e *env) duration(dst *time.Duration, key string, unit time.Duration) {
	if v := e.getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = time.Duration(i) * unit
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
