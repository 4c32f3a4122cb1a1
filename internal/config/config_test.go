package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PGWIRE_ADDR", "ADMIN_ADDR", "AUDIT_CONFIG", "WATCH_CONFIG", "AUDIT_DB_PATH",
	"DUCKDB_PATH", "DUCKDB_EXTENSIONS", "LOG_LEVEL", "ENV", "ADMIN_JWT_SECRET",
	"CONN_RATE_LIMIT", "CONN_RATE_BURST", "ADMIN_RATE_LIMIT_RPS", "ADMIN_RATE_LIMIT_BURST",
	"CORS_ALLOWED_ORIGINS", "ARCHIVE_PROVIDER", "ARCHIVE_BUCKET", "ARCHIVE_PREFIX",
	"ARCHIVE_SCHEDULE", "ARCHIVE_BATCH_SIZE", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_REGION",
	"ARCHIVE_S3_KEY_ID", "ARCHIVE_S3_SECRET", "ARCHIVE_S3_URL_STYLE", "ARCHIVE_GCS_KEY_FILE",
	"ARCHIVE_AZURE_ACCOUNT", "ARCHIVE_AZURE_KEY", "RETENTION_DAYS", "RETENTION_SCHEDULE",
	"ARCHIVE_ENCRYPTION_KEY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":5433", cfg.PGWireAddr)
	assert.Equal(t, ":8080", cfg.AdminAddr)
	assert.Equal(t, "audit.yaml", cfg.AuditConfig)
	assert.Equal(t, "audit.sqlite", cfg.AuditDBPath)
	assert.Empty(t, cfg.DuckDBPath)
	assert.True(t, cfg.WatchConfig)
	assert.True(t, cfg.AdminEnabled())
	assert.Zero(t, cfg.ConnRateLimit)
	assert.InDelta(t, 20, cfg.AdminRateLimitRPS, 0)
	assert.Equal(t, 40, cfg.AdminRateBurst)
	assert.False(t, cfg.Archive.Enabled())
	assert.Empty(t, cfg.ArchiveSchedule)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Contains(t, cfg.Warnings[0], "ADMIN_JWT_SECRET")
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGWIRE_ADDR", "127.0.0.1:6432")
	t.Setenv("ADMIN_ADDR", "off")
	t.Setenv("AUDIT_CONFIG", "/etc/duck-audit/audit.toml")
	t.Setenv("WATCH_CONFIG", "no")
	t.Setenv("DUCKDB_PATH", "/data/warehouse.duckdb")
	t.Setenv("DUCKDB_EXTENSIONS", "httpfs, json")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONN_RATE_LIMIT", "2.5")
	t.Setenv("ARCHIVE_PROVIDER", "s3,gcs")
	t.Setenv("ARCHIVE_BUCKET", "audit")
	t.Setenv("ARCHIVE_S3_REGION", "eu-west-1")
	t.Setenv("RETENTION_DAYS", "90")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6432", cfg.PGWireAddr)
	assert.False(t, cfg.AdminEnabled())
	assert.Equal(t, "/etc/duck-audit/audit.toml", cfg.AuditConfig)
	assert.False(t, cfg.WatchConfig)
	assert.Equal(t, []string{"httpfs", "json"}, cfg.Extensions)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.InDelta(t, 2.5, cfg.ConnRateLimit, 0)
	assert.Equal(t, 3, cfg.ConnRateBurst)
	assert.Equal(t, []string{"s3", "gcs"}, cfg.Archive.Providers)
	assert.Equal(t, "eu-west-1", cfg.Archive.S3Region)
	assert.Equal(t, "@every 15m", cfg.ArchiveSchedule)
	assert.Equal(t, 90, cfg.RetentionDays)
	assert.Equal(t, "@daily", cfg.RetentionSched)
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_InvalidNumbers(t *testing.T) {
	tests := []struct {
		key, value, errMsg string
	}{
		{"CONN_RATE_LIMIT", "fast", "CONN_RATE_LIMIT"},
		{"CONN_RATE_LIMIT", "-1", "non-negative"},
		{"ARCHIVE_BATCH_SIZE", "1k", "ARCHIVE_BATCH_SIZE"},
		{"RETENTION_DAYS", "-3", "RETENTION_DAYS"},
		{"ARCHIVE_ENCRYPTION_KEY", "abcd", "ARCHIVE_ENCRYPTION_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := LoadFromEnv()
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoadFromEnv_RetentionWithoutArchiveWarns(t *testing.T) {
	clearEnv(t)
	t.Setenv("RETENTION_DAYS", "30")
	t.Setenv("ADMIN_JWT_SECRET", "s")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "RETENTION_DAYS")
}

func TestLoadFromEnv_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "ADMIN_JWT_SECRET must be set in production")

	t.Setenv("ADMIN_JWT_SECRET", "prod-secret")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, *")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "CORS wildcard")

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())

	// Without the admin API there is nothing to protect.
	t.Setenv("ADMIN_JWT_SECRET", "")
	t.Setenv("ADMIN_ADDR", "off")
	_, err = LoadFromEnv()
	require.NoError(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, (&Config{LogLevel: tt.in}).SlogLevel(), tt.in)
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("DOTENV_PRECEDENCE", "from_env")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"# comment\n"+
			"DOTENV_PLAIN=value\n"+
			"export DOTENV_EXPORTED='quoted value'\n"+
			"DOTENV_PRECEDENCE=from_file\n"+
			"not a pair\n"), 0o600))

	t.Cleanup(func() {
		_ = os.Unsetenv("DOTENV_PLAIN")
		_ = os.Unsetenv("DOTENV_EXPORTED")
	})
	require.NoError(t, LoadDotEnv(envFile))

	assert.Equal(t, "value", os.Getenv("DOTENV_PLAIN"))
	assert.Equal(t, "quoted value", os.Getenv("DOTENV_EXPORTED"))
	assert.Equal(t, "from_env", os.Getenv("DOTENV_PRECEDENCE"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
