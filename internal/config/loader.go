package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"orderflow/pkg/log"
)

const envPrefix = "ORDERFLOW"

var (
	// GlobalConfig holds the global configuration instance
	GlobalConfig *Config

	mu         sync.RWMutex
	loadedFrom *viper.Viper
)

// LoadConfig loads configuration from file and environment variables. Keys map to
// environment variables as ORDERFLOW_SAGA_RETRY_MAX_ATTEMPTS.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath("/etc/orderflow")
		v.AddConfigPath("$HOME/.orderflow")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info("Config file not found, using defaults and environment variables")
	} else {
		log.WithField("file", v.ConfigFileUsed()).Info("Using config file")
		if err := mergeEnvOverlay(v); err != nil {
			return nil, err
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = config
	loadedFrom = v
	mu.Unlock()

	return config, nil
}

// bindDefaults registers keys whose zero value is meaningful, and every key that should be
// reachable from the environment without appearing in the file.
func bindDefaults(v *viper.Viper) {
	v.SetDefault("saga.outbox.enabled", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("circuit_break.enabled", true)
	v.SetDefault("database.parse_time", true)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("security.cors.enabled", true)
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("saga.payment.keep_order_on_failure", false)
	v.SetDefault("saga.inventory.check_url", "")
	v.SetDefault("security.jwt.secret", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("server.port", 8080)
}

// mergeEnvOverlay merges config.{env}.yaml next to the main file, where env comes from
// ORDERFLOW_ENV (default dev).
func mergeEnvOverlay(v *viper.Viper) error {
	env := GetEnv(envPrefix+"_ENV", "dev")
	overlay := filepath.Join(filepath.Dir(v.ConfigFileUsed()), fmt.Sprintf("config.%s.yaml", env))
	if _, err := os.Stat(overlay); err != nil {
		return nil
	}

	f, err := os.Open(overlay)
	if err != nil {
		return fmt.Errorf("failed to open env config: %w", err)
	}
	defer f.Close()

	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("failed to merge env config: %w", err)
	}
	log.WithField("file", overlay).Info("Loaded environment config")
	return nil
}

// MustLoadConfig loads configuration and panics on error
func MustLoadConfig(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	return config
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("Config not loaded. Call LoadConfig first.")
	}
	return GlobalConfig
}

// ReloadConfig reloads the configuration from the file it was first loaded from
func ReloadConfig() error {
	mu.RLock()
	v := loadedFrom
	mu.RUnlock()
	if v == nil {
		return fmt.Errorf("config not initialized")
	}

	if _, err := LoadConfig(v.ConfigFileUsed()); err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	return nil
}

// WatchConfig reloads on file changes and calls callback with the new configuration.
// Only settings read per use (log level, rate limits) take effect without a restart.
func WatchConfig(callback func(*Config)) {
	mu.RLock()
	v := loadedFrom
	mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Info("Config file changed")
		if err := ReloadConfig(); err != nil {
			log.WithError(err).Error("Failed to reload config")
			return
		}
		if callback != nil {
			callback(GetConfig())
		}
	})
	v.WatchConfig()
}

// GetEnv returns environment variable value with fallback
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// GetEnvBool returns environment variable as boolean with fallback
func GetEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// IsProduction returns true if running in production mode
func IsProduction() bool {
	env := GetEnv(envPrefix+"_ENV", "dev")
	return env == "prod" || env == "production"
}
