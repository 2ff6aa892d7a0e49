// Package config loads service settings from environment variables, applying
// defaults and validating everything at startup.
package config

import (
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Audit    AuditConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout stays 0 so event streams are not cut off.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout applies to JSON endpoints, not to event streams.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL accepts DATABASE_URL or DB_URL.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies the embedded schema on startup.
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// ImportConfig holds pipeline settings. It maps onto core.Options.
type ImportConfig struct {
	BatchSize        int           `env:"IMPORT_BATCH_SIZE" default:"1000"`
	MaxRows          int           `env:"IMPORT_MAX_ROWS" default:"500000"`
	MaxFileSize      int64         `env:"IMPORT_MAX_FILE_SIZE" default:"209715200"`
	BatchTimeout     time.Duration `env:"IMPORT_BATCH_TIMEOUT" default:"30s"`
	ProgressInterval time.Duration `env:"IMPORT_PROGRESS_INTERVAL" default:"1s"`
	AuditEvery       int           `env:"IMPORT_AUDIT_EVERY" default:"10"`
	Dedupe           bool          `env:"IMPORT_DEDUPE" default:"true"`
	DeleteOnFinish   bool          `env:"IMPORT_DELETE_ON_FINISH" default:"false"`

	// Encoding is utf-8, windows-1252 or iso-8859-1.
	Encoding string `env:"IMPORT_ENCODING" default:"utf-8"`

	// Delimiter is a single character; empty auto-detects.
	Delimiter string `env:"IMPORT_DELIMITER"`

	MaxConcurrentBatches int `env:"IMPORT_MAX_CONCURRENT_BATCHES" default:"1"`

	// MaxConcurrent bounds imports running at once across the service.
	MaxConcurrent int           `env:"IMPORT_MAX_CONCURRENT" default:"2"`
	MaxWaitTime   time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`
	Timeout       time.Duration `env:"IMPORT_TIMEOUT" default:"2h"`
	Retention     time.Duration `env:"IMPORT_RETENTION" default:"5m"`

	// Dir confines the file paths the HTTP API accepts. Empty allows any path.
	Dir string `env:"IMPORT_DIR"`
}

// AuditConfig controls pruning of old batch audit rows.
type AuditConfig struct {
	// Retention is how long audit rows are kept. 0 keeps them forever.
	Retention     time.Duration `env:"AUDIT_RETENTION" default:"2160h"`
	PruneInterval time.Duration `env:"AUDIT_PRUNE_INTERVAL" default:"24h"`
	PruneBatch    int           `env:"AUDIT_PRUNE_BATCH" default:"5000"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP and X-Forwarded-For headers are honoured.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	RequireAPIKey bool     `env:"REQUIRE_API_KEY" default:"false"`
	APIKeys       []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json.
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// DelimiterRune returns the configured delimiter, or 0 for auto-detection.
func (c *ImportConfig) DelimiterRune() rune {
	if c.Delimiter == "" {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r
}

// Options converts the import settings to pipeline options.
func (c *ImportConfig) Options() core.Options {
	return core.Options{
		BatchSize:            c.BatchSize,
		MaxRows:              c.MaxRows,
		MaxFileSize:          c.MaxFileSize,
		BatchTimeout:         c.BatchTimeout,
		ProgressInterval:     c.ProgressInterval,
		AuditEvery:           c.AuditEvery,
		Dedupe:               c.Dedupe,
		DeleteOnFinish:       c.DeleteOnFinish,
		Encoding:             c.Encoding,
		Delimiter:            c.DelimiterRune(),
		MaxConcurrentBatches: c.MaxConcurrentBatches,
	}
}

// ServiceConfig converts the import settings to a core.ServiceConfig with its
// own limiter.
func (c *ImportConfig) ServiceConfig() core.ServiceConfig {
	return core.ServiceConfig{
		Options:       c.Options(),
		Limiter:       core.NewImportLimiter(c.MaxConcurrent, c.MaxWaitTime),
		ImportTimeout: c.Timeout,
		Retention:     c.Retention,
	}
}
