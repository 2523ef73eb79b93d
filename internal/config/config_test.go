package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDBURL(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_URL", "")
	t.Setenv("JWT_SECRET", "s3cret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_URL")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_URL", "sqlite://oli.db")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("PIPELINE_VERSION", "3")
	t.Setenv("TOPIC_RAW_EVENTS", "raw.v2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite://oli.db", cfg.DBURL)
	assert.Equal(t, 5, cfg.RateLimit.Max)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Versions.Pipeline)
	assert.Equal(t, 1, cfg.Versions.Logic)
	assert.Equal(t, "raw.v2", cfg.Queue.RawEventsTopic)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oli.yml")
	yml := `
db_url: postgres://localhost/oli
idempotency_ttl: 2h
auth:
  jwt_secret: from-file
  issuer: https://id.example.com
rate_limit:
  max: 10
  window: 1m
versions:
  schema: 1
  canonical: 2
  logic: 4
  pipeline: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DB_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("LOGIC_VERSION", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/oli", cfg.DBURL)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "https://id.example.com", cfg.Auth.Issuer)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, Versions{Schema: 1, Canonical: 2, Logic: 5, Pipeline: 2}, cfg.Versions)
}

func TestLoad_BadInteger(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_URL", "sqlite://oli.db")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RATE_LIMIT_MAX", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_MAX")
}

func TestValidate_SameTopics(t *testing.T) {
	cfg := Defaults()
	cfg.DBURL = "sqlite://x.db"
	cfg.Auth.JWTSecret = "s"
	cfg.Queue.CanonicalEventsTopic = cfg.Queue.RawEventsTopic

	assert.Error(t, cfg.Validate())
}

func TestLoadVersions_WithoutServiceSettings(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("LOGIC_VERSION", "2")

	v, err := LoadVersions()
	require.NoError(t, err)
	assert.Equal(t, Versions{Schema: 1, Canonical: 1, Logic: 2, Pipeline: 1}, v)

	t.Setenv("PIPELINE_VERSION", "0")
	_, err = LoadVersions()
	assert.Error(t, err)
}
