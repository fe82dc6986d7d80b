package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "127.0.0.1"
  cors_origins: ["https://app.example.com"]

database:
  driver: "postgres"
  dsn: "postgres://mailhub:pw@localhost/mailhub?sslmode=disable"

redis:
  addr: "localhost:6379"

auth:
  jwt_secret: "test-secret"
  token_ttl_days: 30

graph:
  webhook_url: "https://hub.example.com/api/graph/webhook"
  timeout_seconds: 45

checker:
  workers: 10
  timeout_minutes: 3
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)

	// Test database config
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://mailhub:pw@localhost/mailhub?sslmode=disable", cfg.Database.DSN)

	// Test redis config
	assert.True(t, cfg.Redis.Enabled())

	// Test auth config
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.TokenTTL())

	// Test graph config
	assert.Equal(t, "https://hub.example.com/api/graph/webhook", cfg.Graph.WebhookURL)
	assert.Equal(t, 45*time.Second, cfg.Graph.Timeout())

	// Test checker config
	assert.Equal(t, 10, cfg.Checker.Workers)
	assert.Equal(t, 3*time.Minute, cfg.Checker.Timeout())
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
auth:
  jwt_secret: "test-key"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "data/mailhub.db", cfg.Database.Path)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 365, cfg.Auth.TokenTTLDays)
	assert.Equal(t, 5, cfg.Checker.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Checker.Timeout())
	assert.Equal(t, time.Hour, cfg.Subscription.RenewInterval())
	assert.Equal(t, 12, cfg.Subscription.RenewBeforeHours)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
auth:
  jwt_secret: "file-secret"
graph:
  webhook_url: "https://file.example.com/webhook"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set environment variables
	os.Setenv("JWT_SECRET_KEY", "env-secret")
	os.Setenv("GRAPH_WEBHOOK_URL", "https://env.example.com/webhook")
	os.Setenv("PORT", "7070")
	defer func() {
		os.Unsetenv("JWT_SECRET_KEY")
		os.Unsetenv("GRAPH_WEBHOOK_URL")
		os.Unsetenv("PORT")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "https://env.example.com/webhook", cfg.Graph.WebhookURL)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadFromEnvMissingFile(t *testing.T) {
	cfg, err := LoadFromEnv("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
}

func TestDatabaseURLSwitchesDriver(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://u:p@db/mailhub")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@db/mailhub", cfg.Database.DSN)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
