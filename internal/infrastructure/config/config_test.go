package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 5, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, "CMP", cfg.Ledger.SheetName)
	assert.Equal(t, 60, cfg.Ledger.RequestsPerMinute)
	assert.Equal(t, 3*time.Minute, cfg.Extraction.Timeout)
	assert.Equal(t, "8080", cfg.HTTP.Port)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Worker.PollInterval = 2 * time.Second
	cfg.Ledger.SheetName = "Costs"
	applyDefaults(cfg)

	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, "Costs", cfg.Ledger.SheetName)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, base().validate())
	})

	t.Run("idle conns cannot exceed open conns", func(t *testing.T) {
		cfg := base()
		cfg.Database.MaxIdleConns = cfg.Database.MaxOpenConns + 1
		assert.Error(t, cfg.validate())
	})

	t.Run("poll interval floor", func(t *testing.T) {
		cfg := base()
		cfg.Worker.PollInterval = 100 * time.Millisecond
		assert.Error(t, cfg.validate())
	})

	t.Run("production requires credentials", func(t *testing.T) {
		cfg := base()
		cfg.App.Env = "production"
		assert.Error(t, cfg.validate())

		cfg.Database.Password = "secret"
		cfg.Database.SSLMode = "require"
		cfg.Ledger.BaseURL = "https://ledger.example.com"
		cfg.Ledger.DocumentID = "doc-1"
		assert.NoError(t, cfg.validate())
	})
}

func TestDSNEscapesCredentials(t *testing.T) {
	d := &DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "app",
		Password: "p@ss/w:rd",
		DBName:   "supplysync",
		SSLMode:  "require",
	}

	dsn := d.DSN()
	assert.Contains(t, dsn, "postgres://")
	assert.Contains(t, dsn, "db.internal:5432")
	assert.Contains(t, dsn, "sslmode=require")
	// Reserved characters in the password survive the round trip encoded.
	assert.NotContains(t, dsn, "p@ss/w:rd")
	assert.Contains(t, dsn, "p%40ss%2Fw:rd")
}
