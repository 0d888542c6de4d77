package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
database:
  host: db
  username: app
  dbname: orderflow
security:
  jwt:
    secret: s3cret
saga:
  services: [order, payment]
  payment:
    max_retries: 5
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("FileAndDefaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", minimalYAML)

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, "db", cfg.Database.Host)
		assert.Equal(t, 3306, cfg.Database.Port)
		assert.True(t, cfg.Database.ParseTime)
		assert.Equal(t, "memory", cfg.Queue.Driver)
		assert.Equal(t, 5, cfg.Saga.Payment.MaxRetries)
		assert.Equal(t, 3, cfg.Saga.Refund.MaxAttempts)
		assert.Equal(t, 15*time.Minute, cfg.Saga.Reservation.TTL)
		assert.Equal(t, 7*24*time.Hour, cfg.Saga.Idempotency.ProcessedTTL)
		assert.Equal(t, 5*time.Minute, cfg.Saga.Idempotency.LockTTL)
		assert.True(t, cfg.Saga.Outbox.Enabled)
		assert.False(t, cfg.Saga.Payment.KeepOrderOnFailure)
		assert.Same(t, cfg, GetConfig())

		assert.True(t, cfg.Saga.Runs("order"))
		assert.True(t, cfg.Saga.Runs("PAYMENT"))
		assert.False(t, cfg.Saga.Runs("inventory"))
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", minimalYAML)
		t.Setenv("ORDERFLOW_SAGA_PAYMENT_KEEP_ORDER_ON_FAILURE", "true")
		t.Setenv("ORDERFLOW_SECURITY_JWT_SECRET", "from-env")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.True(t, cfg.Saga.Payment.KeepOrderOnFailure)
		assert.Equal(t, "from-env", cfg.Security.JWT.Secret)
	})

	t.Run("EnvOverlay", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, dir, "config.yaml", minimalYAML)
		writeConfig(t, dir, "config.test.yaml", "saga:\n  refund:\n    max_attempts: 9\n")
		t.Setenv("ORDERFLOW_ENV", "test")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Saga.Refund.MaxAttempts)
		assert.Equal(t, 5, cfg.Saga.Payment.MaxRetries)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", minimalYAML+"queue:\n  driver: kafka\n")

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kafka driver requires at least one broker")
	})

	t.Run("MalformedFile", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", "database: [unclosed")

		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Database.Host = "db"
		c.Database.Username = "app"
		c.Database.DBName = "orderflow"
		c.Security.JWT.Secret = "x"
		c.SetDefaults()
		return c
	}

	require.NoError(t, valid().Validate())

	// async writes are fine when services publish straight to the broker
	direct := valid()
	direct.Queue.Driver = "kafka"
	direct.Queue.Brokers = []string{"kafka:9092"}
	direct.Queue.Async = true
	direct.Saga.Outbox.Enabled = false
	require.NoError(t, direct.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"jwt", func(c *Config) { c.Security.JWT.Secret = "" }, "JWT secret is required"},
		{"driver", func(c *Config) { c.Queue.Driver = "nats" }, "unknown queue driver"},
		{"service", func(c *Config) { c.Saga.Services = []string{"shipping"} }, "unknown saga service"},
		{"ratio", func(c *Config) { c.CircuitBreak.FailureRatio = 1.5 }, "failure_ratio"},
		{"async relay", func(c *Config) {
			c.Queue.Driver = "kafka"
			c.Queue.Brokers = []string{"kafka:9092"}
			c.Queue.Async = true
			c.Saga.Outbox.Enabled = true
		}, "queue.async cannot be combined with saga.outbox.enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDSN(t *testing.T) {
	c := &Config{}
	c.Database.Username = "app"
	c.Database.Password = "pw"
	c.Database.Host = "db"
	c.Database.DBName = "orderflow"
	c.Database.ParseTime = true
	c.SetDefaults()

	assert.Equal(t, "app:pw@tcp(db:3306)/orderflow?charset=utf8mb4&parseTime=true&loc=UTC", c.Database.GetDSN())
	assert.Equal(t, "localhost:6379", c.Redis.GetAddr())
	assert.Equal(t, "0.0.0.0:8080", c.Server.GetAddr())
}
