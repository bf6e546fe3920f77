package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triage-ai/palisade-gateway/internal/proxy"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(mapEnv(nil))
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, 30*time.Second, cfg.ProviderTimeout)
	require.Equal(t, 5*time.Minute, cfg.StreamTimeout)
	require.Equal(t, ratelimit.Limits{PerMinute: 60, PerHour: 1000}, cfg.RateLimits)
	require.Equal(t, proxy.StreamBuffered, cfg.StreamCheckMode)
	require.Equal(t, 0.7, cfg.ToxicityThreshold)
	require.Equal(t, 10_000, cfg.RecorderCapacity)
	require.Equal(t, "gateway-traces", cfg.KafkaTopic)

	pc := cfg.ProxyConfig()
	require.Equal(t, 3, pc.Retry.MaxAttempts)
	require.Equal(t, 200*time.Millisecond, pc.Retry.InitialBackoff)
}

func TestParse_Env(t *testing.T) {
	cfg, err := Parse(mapEnv(map[string]string{
		"GATEWAY_HTTP_PORT":             "9090",
		"GATEWAY_PROVIDER_TIMEOUT_MS":   "1500",
		"GATEWAY_STREAM_TIMEOUT_S":      "60",
		"GATEWAY_PROVIDER_MAX_ATTEMPTS": "5",
		"GATEWAY_RATE_PER_MINUTE":       "10",
		"GATEWAY_RATE_PER_HOUR":         "0",
		"GATEWAY_TOXICITY_THRESHOLD":    "0.5",
		"GATEWAY_STREAM_CHECK_MODE":     "Incremental",
		"GATEWAY_TRUSTED_DOMAINS":       "example.com, , internal.example ",
		"GATEWAY_MOCK_PROVIDER":         "true",
		"OPENAI_BASE_URL":               "http://localhost:1234/v1",
		"KAFKA_BROKERS":                 "k1:9092,k2:9092",
	}))
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.HTTPPort)
	require.Equal(t, 1500*time.Millisecond, cfg.ProviderTimeout)
	require.Equal(t, time.Minute, cfg.StreamTimeout)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, ratelimit.Limits{PerMinute: 10, PerHour: 0}, cfg.RateLimits)
	require.Equal(t, 0.5, cfg.ToxicityThreshold)
	require.Equal(t, proxy.StreamIncremental, cfg.StreamCheckMode)
	require.Equal(t, []string{"example.com", "internal.example"}, cfg.TrustedDomains)
	require.True(t, cfg.MockProvider)
	require.Equal(t, "http://localhost:1234/v1", cfg.Providers[0].BaseURL)
}

func TestParse_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7000"
providers:
  - name: openai
    base_url: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
  - name: local
    base_url: http://localhost:11434/v1
pricing:
  gpt-4o:
    input_per_1k: 0.005
    output_per_1k: 0.015
rate_limits:
  per_minute: 30
  overrides:
    caller-vip:
      per_minute: 600
      per_hour: 0
security:
  stream_check_mode: incremental
  trusted_domains: [example.com]
`), 0o600))

	cfg, err := Parse(mapEnv(map[string]string{
		"GATEWAY_CONFIG":          path,
		"GATEWAY_RATE_PER_MINUTE": "45",
	}))
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.HTTPPort)
	require.Len(t, cfg.Providers, 2)
	require.Equal(t, "local", cfg.Providers[1].Name)
	require.Equal(t, tracing.Rate{InputPer1K: 0.005, OutputPer1K: 0.015}, cfg.Pricing["gpt-4o"])
	// Env wins over the file; the file wins over defaults.
	require.Equal(t, 45, cfg.RateLimits.PerMinute)
	require.Equal(t, 1000, cfg.RateLimits.PerHour)
	require.Equal(t, ratelimit.Limits{PerMinute: 600}, cfg.RateOverrides["caller-vip"])
	require.Equal(t, proxy.StreamIncremental, cfg.StreamCheckMode)
	require.Equal(t, []string{"example.com"}, cfg.TrustedDomains)
}

func TestParse_FileErrors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("serverr:\n  port: 1\n"), 0o600))
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	_, err := Parse(mapEnv(map[string]string{"GATEWAY_CONFIG": unknown}))
	require.Error(t, err)

	_, err = Parse(mapEnv(map[string]string{"GATEWAY_CONFIG": filepath.Join(dir, "missing.yaml")}))
	require.Error(t, err)

	_, err = Parse(mapEnv(map[string]string{"GATEWAY_CONFIG": empty}))
	require.NoError(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"not a number", map[string]string{"GATEWAY_RATE_PER_MINUTE": "lots"}},
		{"zero timeout", map[string]string{"GATEWAY_PROVIDER_TIMEOUT_MS": "0"}},
		{"zero attempts", map[string]string{"GATEWAY_PROVIDER_MAX_ATTEMPTS": "0"}},
		{"toxicity above one", map[string]string{"GATEWAY_TOXICITY_THRESHOLD": "1.5"}},
		{"toxicity zero", map[string]string{"GATEWAY_TOXICITY_THRESHOLD": "0"}},
		{"stream mode", map[string]string{"GATEWAY_STREAM_CHECK_MODE": "sometimes"}},
		{"negative rate", map[string]string{"GATEWAY_RATE_PER_HOUR": "-1"}},
		{"recorder capacity", map[string]string{"GATEWAY_RECORDER_CAPACITY": "0"}},
		{"bad bool", map[string]string{"GATEWAY_MOCK_PROVIDER": "maybe"}},
		{"backoff range", map[string]string{"GATEWAY_PROVIDER_BACKOFF_MS": "9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(mapEnv(tt.env))
			require.Error(t, err)
		})
	}
}

func TestValidate_Providers(t *testing.T) {
	cfg := Default()
	cfg.Providers = append(cfg.Providers, ProviderConfig{Name: "openai"})
	require.ErrorContains(t, cfg.Validate(), "configured twice")

	cfg = Default()
	cfg.Pricing = map[string]tracing.Rate{"m": {InputPer1K: -1}}
	require.ErrorContains(t, cfg.Validate(), "must not be negative")
}
