package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, int64(25), cfg.Sync.PageSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.BootstrapWindow)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Overlap)
	assert.Equal(t, 3, cfg.Extraction.MaxAttempts)
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.Model)
	assert.Equal(t, 2*time.Second, cfg.NATS.OutboxInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INBOXLEDGER_DATABASE_DRIVER", "postgres")
	t.Setenv("INBOXLEDGER_DATABASE_DSN", "postgres://localhost/ledger?sslmode=disable")
	t.Setenv("INBOXLEDGER_SYNC_LOCK_LEASE", "10m")
	t.Setenv("INBOXLEDGER_EXTRACTION_MAX_ATTEMPTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/ledger?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 10*time.Minute, cfg.Sync.LockLease)
	assert.Equal(t, 5, cfg.Extraction.MaxAttempts)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := "sync:\n  page_size: 50\nnats:\n  url: nats://queue:4222\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(50), cfg.Sync.PageSize)
	assert.Equal(t, "nats://queue:4222", cfg.NATS.URL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	t.Run("unsupported driver", func(t *testing.T) {
		cfg := *base
		cfg.Database.Driver = "mysql"
		assert.Error(t, cfg.Validate())
	})

	t.Run("jwks without audience", func(t *testing.T) {
		cfg := *base
		cfg.Auth.JWKSURL = "https://issuer.example/jwks"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero attempts", func(t *testing.T) {
		cfg := *base
		cfg.Extraction.MaxAttempts = 0
		assert.Error(t, cfg.Validate())
	})
}
