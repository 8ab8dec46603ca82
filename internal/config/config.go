// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, catalog sync, checkout,
// messaging channel credentials, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-shop-chat-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SyncConfig defines catalog sync behavior.
type SyncConfig struct {
	PageSize       int           // SYNC_PAGE_SIZE: items per bulk-sync page
	HealthDriftPct float64       // SYNC_HEALTH_DRIFT_PCT: tolerated count drift percent
	EventTTL       time.Duration // EVENT_DEDUP_TTL: provider event id dedup window
}

// CheckoutConfig defines checkout-link pipeline behavior.
type CheckoutConfig struct {
	PermalinkEnabled bool          // CHECKOUT_PERMALINK_ENABLED: try cart permalinks first
	DraftTimeout     time.Duration // CHECKOUT_DRAFT_TIMEOUT: per draft-order call budget
}

// ChannelConfig defines messaging-provider settings shared by all tenants.
// Per-tenant credentials (phone id, token) live in the store table.
type ChannelConfig struct {
	GraphBaseURL    string // CHANNEL_GRAPH_BASE_URL (e.g. "https://graph.facebook.com")
	GraphAPIVersion string // CHANNEL_GRAPH_API_VERSION (e.g. "v18.0")
	AppSecret       string // CHANNEL_APP_SECRET: HMAC key for webhook signatures
}

// DispatchConfig defines the per-customer work queue settings.
type DispatchConfig struct {
	QueueCap int           // DISPATCH_QUEUE_CAP: buffered tasks per key
	IdleTTL  time.Duration // DISPATCH_IDLE_TTL: worker eviction after idleness
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// Domain
	Sync     SyncConfig
	Checkout CheckoutConfig
	Channel  ChannelConfig
	Dispatch DispatchConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "app.db"),

		// Catalog sync
		Sync: SyncConfig{
			PageSize:       getint("SYNC_PAGE_SIZE", 50),
			HealthDriftPct: getfloat("SYNC_HEALTH_DRIFT_PCT", 5.0),
			EventTTL:       getdur("EVENT_DEDUP_TTL", 24*time.Hour),
		},

		// Checkout
		Checkout: CheckoutConfig{
			PermalinkEnabled: getbool("CHECKOUT_PERMALINK_ENABLED", true),
			DraftTimeout:     getdur("CHECKOUT_DRAFT_TIMEOUT", 20*time.Second),
		},

		// Messaging channel
		Channel: ChannelConfig{
			GraphBaseURL:    getenv("CHANNEL_GRAPH_BASE_URL", "https://graph.facebook.com"),
			GraphAPIVersion: getenv("CHANNEL_GRAPH_API_VERSION", "v18.0"),
			AppSecret:       getenv("CHANNEL_APP_SECRET", ""),
		},

		// Work queues
		Dispatch: DispatchConfig{
			QueueCap: getint("DISPATCH_QUEUE_CAP", 16),
			IdleTTL:  getdur("DISPATCH_IDLE_TTL", time.Minute),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-shop-chat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Sync.PageSize < 1 || cfg.Sync.PageSize > 250 {
		return cfg, errors.New("SYNC_PAGE_SIZE must be in [1,250]")
	}
	if cfg.Sync.HealthDriftPct < 0 {
		return cfg, errors.New("SYNC_HEALTH_DRIFT_PCT must be >= 0")
	}
	if cfg.Sync.EventTTL <= 0 {
		return cfg, errors.New("EVENT_DEDUP_TTL must be > 0")
	}
	if cfg.Checkout.DraftTimeout <= 0 {
		return cfg, errors.New("CHECKOUT_DRAFT_TIMEOUT must be > 0")
	}
	if cfg.Dispatch.QueueCap < 1 {
		return cfg, errors.New("DISPATCH_QUEUE_CAP must be >= 1")
	}
	if cfg.Dispatch.IdleTTL <= 0 {
		return cfg, errors.New("DISPATCH_IDLE_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
