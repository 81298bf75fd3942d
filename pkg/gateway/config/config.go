package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment keys read by the gateway.
const (
	KeyAgentID             = "ELEVENLABS_AGENT_ID"
	KeyAPIKey              = "ELEVENLABS_API_KEY"
	KeyAddr                = "CLONE_GATEWAY_ADDR"
	KeyCORSOrigins         = "CLONE_CORS_ORIGINS"
	KeyTrustProxyHeaders   = "CLONE_TRUST_PROXY_HEADERS"
	KeyMetricsEnabled      = "CLONE_METRICS_ENABLED"
	KeyRateLimitRPS        = "CLONE_RATE_LIMIT_RPS"
	KeyRateLimitBurst      = "CLONE_RATE_LIMIT_BURST"
	KeyReadHeaderTimeout   = "CLONE_READ_HEADER_TIMEOUT"
	KeyReadTimeout         = "CLONE_READ_TIMEOUT"
	KeyShutdownGracePeriod = "CLONE_SHUTDOWN_GRACE_PERIOD"
	KeyLogLevel            = "CLONE_LOG_LEVEL"
)

type Config struct {
	Addr string

	// ElevenLabs credentials served by the config endpoint. An empty AgentID
	// is reported per request, not at startup.
	AgentID string
	APIKey  string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MetricsEnabled bool

	// In-memory limits (per client IP). LimitRPS == 0 disables limiting.
	LimitRPS   float64
	LimitBurst int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel slog.Level
}

// SetDefaults registers the gateway defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":3000")
	v.SetDefault(KeyTrustProxyHeaders, false)
	v.SetDefault(KeyMetricsEnabled, true)
	v.SetDefault(KeyRateLimitRPS, 5.0)
	v.SetDefault(KeyRateLimitBurst, 10)
	v.SetDefault(KeyReadHeaderTimeout, 10*time.Second)
	v.SetDefault(KeyReadTimeout, 30*time.Second)
	v.SetDefault(KeyShutdownGracePeriod, 30*time.Second)
	v.SetDefault(KeyLogLevel, "info")
}

func LoadFromEnv() (Config, error) {
	return Load(viper.New())
}

// Load reads the gateway configuration from v, which may carry bound flags.
// Environment variables are consulted automatically.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		Addr:                strings.TrimSpace(v.GetString(KeyAddr)),
		AgentID:             strings.TrimSpace(v.GetString(KeyAgentID)),
		APIKey:              strings.TrimSpace(v.GetString(KeyAPIKey)),
		TrustProxyHeaders:   v.GetBool(KeyTrustProxyHeaders),
		CORSAllowedOrigins:  make(map[string]struct{}),
		MetricsEnabled:      v.GetBool(KeyMetricsEnabled),
		LimitRPS:            v.GetFloat64(KeyRateLimitRPS),
		LimitBurst:          v.GetInt(KeyRateLimitBurst),
		ReadHeaderTimeout:   v.GetDuration(KeyReadHeaderTimeout),
		ReadTimeout:         v.GetDuration(KeyReadTimeout),
		ShutdownGracePeriod: v.GetDuration(KeyShutdownGracePeriod),
	}

	for _, origin := range splitCSV(v.GetString(KeyCORSOrigins)) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.Addr == "" {
		return Config{}, fmt.Errorf("%s must not be empty", KeyAddr)
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", KeyRateLimitRPS)
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", KeyRateLimitBurst)
	}
	if cfg.LimitRPS > 0 && cfg.LimitBurst < 1 {
		return Config{}, fmt.Errorf("%s must be >= 1 when %s is set", KeyRateLimitBurst, KeyRateLimitRPS)
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", KeyReadHeaderTimeout)
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", KeyReadTimeout)
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", KeyShutdownGracePeriod)
	}

	level, err := ParseLogLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	cfg.LogLevel = level

	return cfg, nil
}

// ParseLogLevel accepts debug, info, warn, warning and error.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
