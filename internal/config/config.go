// Package config loads process settings from the environment and the audit
// policy from a YAML or TOML file.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"duck-audit/internal/archive"
)

// Config holds the process settings of the audit gateway.
type Config struct {
	PGWireAddr  string // PG-wire listen address (default ":5433")
	AdminAddr   string // admin HTTP listen address (default ":8080"); "off" disables it
	AuditConfig string // audit policy file (default "audit.yaml")
	WatchConfig bool   // reload the policy file when it changes (default true)
	AuditDBPath string // SQLite audit store (default "audit.sqlite")
	DuckDBPath  string // DuckDB database file; empty means in-memory
	Extensions  []string
	LogLevel    string // debug, info, warn, error (default "info")
	Env         string // "development" (default) or "production"

	// Connection rate limit on the PG-wire listener. Zero disables it.
	ConnRateLimit float64
	ConnRateBurst int

	// Admin API
	AdminJWTSecret     string
	AdminRateLimitRPS  float64
	AdminRateBurst     int
	CORSAllowedOrigins []string

	Archive          archive.Settings
	ArchiveSchedule  string // cron spec; empty disables scheduled archiving
	ArchiveBatchSize int
	RetentionDays    int    // zero keeps archived records forever
	RetentionSched   string // cron spec for the retention purge

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AdminEnabled reports whether the admin API should listen.
func (c *Config) AdminEnabled() bool {
	return c.AdminAddr != "" && !strings.EqualFold(c.AdminAddr, "off")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		PGWireAddr:      os.Getenv("PGWIRE_ADDR"),
		AdminAddr:       os.Getenv("ADMIN_ADDR"),
		AuditConfig:     os.Getenv("AUDIT_CONFIG"),
		WatchConfig:     parseBoolEnvDefault("WATCH_CONFIG", true),
		AuditDBPath:     os.Getenv("AUDIT_DB_PATH"),
		DuckDBPath:      os.Getenv("DUCKDB_PATH"),
		Extensions:      splitList(os.Getenv("DUCKDB_EXTENSIONS")),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		Env:             os.Getenv("ENV"),
		AdminJWTSecret:  os.Getenv("ADMIN_JWT_SECRET"),
		ArchiveSchedule: os.Getenv("ARCHIVE_SCHEDULE"),
		RetentionSched:  os.Getenv("RETENTION_SCHEDULE"),
		Archive: archive.Settings{
			Providers:        splitList(os.Getenv("ARCHIVE_PROVIDER")),
			Bucket:           os.Getenv("ARCHIVE_BUCKET"),
			Prefix:           os.Getenv("ARCHIVE_PREFIX"),
			S3Endpoint:       os.Getenv("ARCHIVE_S3_ENDPOINT"),
			S3Region:         os.Getenv("ARCHIVE_S3_REGION"),
			S3KeyID:          os.Getenv("ARCHIVE_S3_KEY_ID"),
			S3Secret:         os.Getenv("ARCHIVE_S3_SECRET"),
			S3URLStyle:       os.Getenv("ARCHIVE_S3_URL_STYLE"),
			GCSKeyFile:       os.Getenv("ARCHIVE_GCS_KEY_FILE"),
			AzureAccountName: os.Getenv("ARCHIVE_AZURE_ACCOUNT"),
			AzureAccountKey:  os.Getenv("ARCHIVE_AZURE_KEY"),
			EncryptionKey:    os.Getenv("ARCHIVE_ENCRYPTION_KEY"),
		},
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.ConnRateLimit, err = parseFloatEnv("CONN_RATE_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.ConnRateBurst, err = parseIntEnv("CONN_RATE_BURST"); err != nil {
		return nil, err
	}
	if cfg.AdminRateLimitRPS, err = parseFloatEnv("ADMIN_RATE_LIMIT_RPS"); err != nil {
		return nil, err
	}
	if cfg.AdminRateBurst, err = parseIntEnv("ADMIN_RATE_LIMIT_BURST"); err != nil {
		return nil, err
	}
	if cfg.ArchiveBatchSize, err = parseIntEnv("ARCHIVE_BATCH_SIZE"); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = parseIntEnv("RETENTION_DAYS"); err != nil {
		return nil, err
	}

	// Defaults
	if cfg.PGWireAddr == "" {
		cfg.PGWireAddr = ":5433"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":8080"
	}
	if cfg.AuditConfig == "" {
		cfg.AuditConfig = "audit.yaml"
	}
	if cfg.AuditDBPath == "" {
		cfg.AuditDBPath = "audit.sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ConnRateLimit > 0 && cfg.ConnRateBurst == 0 {
		cfg.ConnRateBurst = int(cfg.ConnRateLimit) + 1
	}
	if cfg.AdminRateLimitRPS == 0 {
		cfg.AdminRateLimitRPS = 20
	}
	if cfg.AdminRateBurst == 0 {
		cfg.AdminRateBurst = 40
	}
	if cfg.Archive.Enabled() && cfg.ArchiveSchedule == "" {
		cfg.ArchiveSchedule = "@every 15m"
	}
	if cfg.RetentionDays > 0 && cfg.RetentionSched == "" {
		cfg.RetentionSched = "@daily"
	}

	if cfg.Archive.EncryptionKey != "" {
		if _, err := archive.NewSealer(cfg.Archive.EncryptionKey); err != nil {
			return nil, fmt.Errorf("ARCHIVE_ENCRYPTION_KEY: %w", err)
		}
	}
	if cfg.RetentionDays < 0 {
		return nil, fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	if cfg.RetentionDays > 0 && !cfg.Archive.Enabled() {
		cfg.Warnings = append(cfg.Warnings, "RETENTION_DAYS is set but no ARCHIVE_PROVIDER is configured; records are only purged after they are archived")
	}
	if cfg.AdminEnabled() && cfg.AdminJWTSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "ADMIN_JWT_SECRET not set; /v1 admin endpoints will reject every request")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.AdminEnabled() && cfg.AdminJWTSecret == "" {
			return nil, fmt.Errorf("ADMIN_JWT_SECRET must be set in production (ENV=production)")
		}
		for _, o := range cfg.CORSAllowedOrigins {
			if o == "*" {
				return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
			}
		}
	}

	return cfg, nil
}

func parseFloatEnv(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("%s must be a non-negative number, got %q", key, v)
	}
	return f, nil
}

func parseIntEnv(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "0", "false", "no", "off":
		return false
	case "1", "true", "yes", "on":
		return true
	}
	return defaultVal
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Environment wins over the file.
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
