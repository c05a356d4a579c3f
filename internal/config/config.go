// Package config builds the service configuration from environment variables
// and CLI overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database connection.
	DatabaseURL  string
	QueryTimeout time.Duration

	// Result-size bounds.
	DefaultRowLimit int
	MaxRowLimit     int

	// Rate limiting.
	RateLimitPerMinute int

	// Safety lists. The policy file, when set, extends both.
	WhitelistedTables []string
	BlockedKeywords   []string
	EnforceColumns    bool

	// Template library.
	TemplateDir string
	PolicyFile  string

	// Logging.
	LogLevel slog.Level

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Connection pool.
	PoolMaxConns        int32
	PoolMinConns        int32
	PoolMaxConnLifetime time.Duration

	// Observability.
	OTelEnabled bool

	// CLI-only fields (not settable via env vars).
	AuditLog string // path to NDJSON audit log file
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	DatabaseURL        *string
	LogLevel           *string
	QueryTimeout       *time.Duration
	DefaultRowLimit    *int
	MaxRowLimit        *int
	RateLimitPerMinute *int
	TemplateDir        *string
	PolicyFile         *string
	Transport          *string
	HTTPAddr           *string
	HTTPBearerToken    *string
	EnforceColumns     bool
	OTelEnabled        bool
	AuditLog           string

	// Connection pool overrides.
	PoolMaxConns        *int32
	PoolMinConns        *int32
	PoolMaxConnLifetime *time.Duration
}

// Load builds a Config from environment variables, then applies CLI
// overrides, then validates the result.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	return &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		QueryTimeout:        30 * time.Second,
		DefaultRowLimit:     100,
		MaxRowLimit:         1000,
		RateLimitPerMinute:  10,
		WhitelistedTables:   []string{"sales_transactions", "website_visits"},
		TemplateDir:         "templates",
		Transport:           "stdio",
		HTTPAddr:            ":8080",
		PoolMaxConns:        10,
		PoolMinConns:        1,
		PoolMaxConnLifetime: 30 * time.Minute,
	}
}

// loadEnvVars reads all supported environment variables into cfg.
func loadEnvVars(cfg *Config) error {
	if v := os.Getenv("QUERY_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid QUERY_TIMEOUT_SECONDS value %q: must be a positive integer", v)
		}
		cfg.QueryTimeout = time.Duration(n) * time.Second
	}

	if v := os.Getenv("DEFAULT_ROW_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid DEFAULT_ROW_LIMIT value %q: must be a positive integer", v)
		}
		cfg.DefaultRowLimit = n
	}

	if v := os.Getenv("MAX_ROW_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_ROW_LIMIT value %q: must be a positive integer", v)
		}
		cfg.MaxRowLimit = n
	}

	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE value %q: must be a positive integer", v)
		}
		cfg.RateLimitPerMinute = n
	}

	if v := os.Getenv("WHITELISTED_TABLES"); v != "" {
		cfg.WhitelistedTables = splitList(v)
	}
	if v := os.Getenv("BLOCKED_KEYWORDS"); v != "" {
		cfg.BlockedKeywords = splitList(v)
	}

	if v := os.Getenv("ENFORCE_COLUMNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ENFORCE_COLUMNS value %q: %w", v, err)
		}
		cfg.EnforceColumns = b
	}

	if v := os.Getenv("TEMPLATE_DIR"); v != "" {
		cfg.TemplateDir = v
	}
	cfg.PolicyFile = os.Getenv("POLICY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	if v := os.Getenv("TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.HTTPBearerToken = os.Getenv("HTTP_BEARER_TOKEN")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_ENABLED value %q: %w", v, err)
		}
		cfg.OTelEnabled = b
	}

	if v := os.Getenv("AUDIT_LOG"); v != "" {
		cfg.AuditLog = v
	}

	return loadPoolEnvVars(cfg)
}

// loadPoolEnvVars reads connection pool environment variables.
func loadPoolEnvVars(cfg *Config) error {
	if v := os.Getenv("DATABASE_POOL_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid DATABASE_POOL_SIZE value %q: must be a positive integer", v)
		}
		cfg.PoolMaxConns = int32(n)
	}
	if v := os.Getenv("POOL_MIN_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid POOL_MIN_CONNS value %q: must be a non-negative integer", v)
		}
		cfg.PoolMinConns = int32(n)
	}
	if v := os.Getenv("POOL_MAX_CONN_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POOL_MAX_CONN_LIFETIME value %q: %w", v, err)
		}
		cfg.PoolMaxConnLifetime = d
	}
	return nil
}

// applyOverrides applies CLI flag values on top of the env-loaded config.
func applyOverrides(cfg *Config, o Overrides) error {
	if o.DatabaseURL != nil {
		cfg.DatabaseURL = *o.DatabaseURL
	}
	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if o.QueryTimeout != nil {
		cfg.QueryTimeout = *o.QueryTimeout
	}
	if o.DefaultRowLimit != nil {
		if *o.DefaultRowLimit <= 0 {
			return fmt.Errorf("invalid --default-row-limit value: must be a positive integer")
		}
		cfg.DefaultRowLimit = *o.DefaultRowLimit
	}
	if o.MaxRowLimit != nil {
		if *o.MaxRowLimit <= 0 {
			return fmt.Errorf("invalid --max-row-limit value: must be a positive integer")
		}
		cfg.MaxRowLimit = *o.MaxRowLimit
	}
	if o.RateLimitPerMinute != nil {
		if *o.RateLimitPerMinute <= 0 {
			return fmt.Errorf("invalid --rate-limit value: must be a positive integer")
		}
		cfg.RateLimitPerMinute = *o.RateLimitPerMinute
	}
	if o.TemplateDir != nil {
		cfg.TemplateDir = *o.TemplateDir
	}
	if o.PolicyFile != nil {
		cfg.PolicyFile = *o.PolicyFile
	}
	if o.Transport != nil {
		cfg.Transport = *o.Transport
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.HTTPBearerToken != nil {
		cfg.HTTPBearerToken = *o.HTTPBearerToken
	}

	if err := applyPoolOverrides(cfg, o); err != nil {
		return err
	}

	if o.AuditLog != "" {
		cfg.AuditLog = o.AuditLog
	}
	cfg.EnforceColumns = cfg.EnforceColumns || o.EnforceColumns
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled

	return nil
}

// applyPoolOverrides applies connection pool CLI flag overrides.
func applyPoolOverrides(cfg *Config, o Overrides) error {
	if o.PoolMaxConns != nil {
		if *o.PoolMaxConns <= 0 {
			return fmt.Errorf("invalid --pool-max-conns value: must be a positive integer")
		}
		cfg.PoolMaxConns = *o.PoolMaxConns
	}
	if o.PoolMinConns != nil {
		if *o.PoolMinConns < 0 {
			return fmt.Errorf("invalid --pool-min-conns value: must be a non-negative integer")
		}
		cfg.PoolMinConns = *o.PoolMinConns
	}
	if o.PoolMaxConnLifetime != nil {
		cfg.PoolMaxConnLifetime = *o.PoolMaxConnLifetime
	}
	return nil
}

// validate checks cross-field constraints on the final config.
func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (set via env var or --database-url flag)")
	}

	if cfg.DefaultRowLimit > cfg.MaxRowLimit {
		return fmt.Errorf("DEFAULT_ROW_LIMIT (%d) must not exceed MAX_ROW_LIMIT (%d)", cfg.DefaultRowLimit, cfg.MaxRowLimit)
	}

	if len(cfg.WhitelistedTables) == 0 {
		return fmt.Errorf("WHITELISTED_TABLES must not be empty")
	}

	switch cfg.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport)
	}

	if cfg.Transport == "http" && cfg.HTTPBearerToken == "" {
		return fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)")
	}

	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return fmt.Errorf("POOL_MIN_CONNS (%d) must not exceed DATABASE_POOL_SIZE (%d)", cfg.PoolMinConns, cfg.PoolMaxConns)
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}
