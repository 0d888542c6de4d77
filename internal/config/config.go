package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the global configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	CircuitBreak CircuitBreakConfig `mapstructure:"circuit_break"`
	Security     SecurityConfig     `mapstructure:"security"`
	Saga         SagaConfig         `mapstructure:"saga"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxHeaderMB    int           `mapstructure:"max_header_mb"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	ParseTime       bool          `mapstructure:"parse_time"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// QueueConfig represents message broker configuration
type QueueConfig struct {
	Driver         string        `mapstructure:"driver"` // kafka, memory
	Brokers        []string      `mapstructure:"brokers"`
	Async          bool          `mapstructure:"async"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// RateLimitConfig represents rate limiting configuration. Global is a per-process token
// bucket; PerCustomer and PerIP are Redis sliding windows shared across instances.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Global  struct {
		RPS   int `mapstructure:"rps"`
		Burst int `mapstructure:"burst"`
	} `mapstructure:"global"`
	PerCustomer WindowLimit `mapstructure:"per_customer"`
	PerIP       WindowLimit `mapstructure:"per_ip"`
}

// WindowLimit is a sliding-window request budget
type WindowLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// CircuitBreakConfig represents circuit breaker configuration for the payment gateway
type CircuitBreakConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxRequests     uint32        `mapstructure:"max_requests"`
	Interval        time.Duration `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
	MinRequestCount uint32        `mapstructure:"min_request_count"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	JWT struct {
		Secret string        `mapstructure:"secret"`
		Expire time.Duration `mapstructure:"expire"`
		Issuer string        `mapstructure:"issuer"`
	} `mapstructure:"jwt"`
	CORS struct {
		Enabled          bool     `mapstructure:"enabled"`
		AllowOrigins     []string `mapstructure:"allow_origins"`
		AllowMethods     []string `mapstructure:"allow_methods"`
		AllowHeaders     []string `mapstructure:"allow_headers"`
		ExposeHeaders    []string `mapstructure:"expose_headers"`
		AllowCredentials bool     `mapstructure:"allow_credentials"`
		MaxAge           int      `mapstructure:"max_age"`
	} `mapstructure:"cors"`
}

// SagaConfig holds the choreography settings shared by the four services.
type SagaConfig struct {
	// Services lists which of order, inventory, payment, notification this process runs.
	Services []string `mapstructure:"services"`
	NodeID   int64    `mapstructure:"node_id"`

	Idempotency struct {
		ProcessedTTL time.Duration `mapstructure:"processed_ttl"`
		LockTTL      time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"idempotency"`

	Retry struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"retry"`

	Reservation struct {
		TTL            time.Duration `mapstructure:"ttl"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
		SweepBatchSize int           `mapstructure:"sweep_batch_size"`
	} `mapstructure:"reservation"`

	Payment struct {
		MaxRetries         int     `mapstructure:"max_retries"`
		KeepOrderOnFailure bool    `mapstructure:"keep_order_on_failure"`
		GatewayRPS         float64 `mapstructure:"gateway_rps"`
		GatewayBurst       int     `mapstructure:"gateway_burst"`
	} `mapstructure:"payment"`

	Refund struct {
		MaxAttempts int `mapstructure:"max_attempts"`
	} `mapstructure:"refund"`

	Outbox struct {
		Enabled     bool          `mapstructure:"enabled"`
		BatchSize   int           `mapstructure:"batch_size"`
		Interval    time.Duration `mapstructure:"interval"`
		MaxAttempts int           `mapstructure:"max_attempts"`
	} `mapstructure:"outbox"`

	Inventory struct {
		CheckURL     string        `mapstructure:"check_url"`
		CheckTimeout time.Duration `mapstructure:"check_timeout"`
		CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"inventory"`
}

// Known service names
const (
	ServiceOrder        = "order"
	ServiceInventory    = "inventory"
	ServicePayment      = "payment"
	ServiceNotification = "notification"
)

// Runs reports whether service is enabled in this process.
func (s *SagaConfig) Runs(service string) bool {
	for _, name := range s.Services {
		if strings.EqualFold(name, service) {
			return true
		}
	}
	return false
}

// GetAddr returns the server address
func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDSN returns the database DSN
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.ParseTime, d.Loc)
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Security.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	switch c.Queue.Driver {
	case "memory":
	case "kafka":
		if len(c.Queue.Brokers) == 0 {
			return fmt.Errorf("kafka driver requires at least one broker")
		}
		// the relay marks rows published when the write returns
		if c.Queue.Async && c.Saga.Outbox.Enabled {
			return fmt.Errorf("queue.async cannot be combined with saga.outbox.enabled")
		}
	default:
		return fmt.Errorf("unknown queue driver: %q", c.Queue.Driver)
	}

	if len(c.Saga.Services) == 0 {
		return fmt.Errorf("saga.services must name at least one service")
	}
	for _, name := range c.Saga.Services {
		switch strings.ToLower(name) {
		case ServiceOrder, ServiceInventory, ServicePayment, ServiceNotification:
		default:
			return fmt.Errorf("unknown saga service: %q", name)
		}
	}
	if c.Saga.Retry.MaxAttempts < 1 {
		return fmt.Errorf("saga.retry.max_attempts must be at least 1")
	}
	if c.Saga.Payment.MaxRetries < 1 {
		return fmt.Errorf("saga.payment.max_retries must be at least 1")
	}
	if c.CircuitBreak.FailureRatio < 0 || c.CircuitBreak.FailureRatio > 1 {
		return fmt.Errorf("circuit_break.failure_ratio must be within [0,1]")
	}
	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "debug"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.MaxHeaderMB == 0 {
		c.Server.MaxHeaderMB = 1
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "UTC"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.PoolTimeout == 0 {
		c.Redis.PoolTimeout = 4 * time.Second
	}
	if c.Redis.IdleTimeout == 0 {
		c.Redis.IdleTimeout = 5 * time.Minute
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.BatchTimeout == 0 {
		c.Queue.BatchTimeout = 10 * time.Millisecond
	}
	if c.Queue.BufferSize == 0 {
		c.Queue.BufferSize = 1000
	}
	if c.Queue.PublishTimeout == 0 {
		c.Queue.PublishTimeout = 5 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "orderflow"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "orderflow"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}

	if c.RateLimit.Global.RPS == 0 {
		c.RateLimit.Global.RPS = 1000
	}
	if c.RateLimit.Global.Burst == 0 {
		c.RateLimit.Global.Burst = 2000
	}
	if c.RateLimit.PerCustomer.Limit == 0 {
		c.RateLimit.PerCustomer.Limit = 30
	}
	if c.RateLimit.PerCustomer.Window == 0 {
		c.RateLimit.PerCustomer.Window = time.Minute
	}
	if c.RateLimit.PerIP.Limit == 0 {
		c.RateLimit.PerIP.Limit = 300
	}
	if c.RateLimit.PerIP.Window == 0 {
		c.RateLimit.PerIP.Window = time.Minute
	}

	if c.CircuitBreak.MaxRequests == 0 {
		c.CircuitBreak.MaxRequests = 3
	}
	if c.CircuitBreak.Interval == 0 {
		c.CircuitBreak.Interval = time.Minute
	}
	if c.CircuitBreak.Timeout == 0 {
		c.CircuitBreak.Timeout = 30 * time.Second
	}
	if c.CircuitBreak.FailureRatio == 0 {
		c.CircuitBreak.FailureRatio = 0.5
	}
	if c.CircuitBreak.MinRequestCount == 0 {
		c.CircuitBreak.MinRequestCount = 10
	}

	if c.Security.JWT.Expire == 0 {
		c.Security.JWT.Expire = 2 * time.Hour
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "orderflow"
	}

	c.Saga.setDefaults()
}

func (s *SagaConfig) setDefaults() {
	if len(s.Services) == 0 {
		s.Services = []string{ServiceOrder, ServiceInventory, ServicePayment, ServiceNotification}
	}
	if s.Idempotency.ProcessedTTL == 0 {
		s.Idempotency.ProcessedTTL = 7 * 24 * time.Hour
	}
	if s.Idempotency.LockTTL == 0 {
		s.Idempotency.LockTTL = 5 * time.Minute
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 3
	}
	if s.Retry.InitialBackoff == 0 {
		s.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if s.Retry.MaxBackoff == 0 {
		s.Retry.MaxBackoff = 5 * time.Second
	}
	if s.Reservation.TTL == 0 {
		s.Reservation.TTL = 15 * time.Minute
	}
	if s.Reservation.SweepInterval == 0 {
		s.Reservation.SweepInterval = time.Minute
	}
	if s.Reservation.SweepBatchSize == 0 {
		s.Reservation.SweepBatchSize = 100
	}
	if s.Payment.MaxRetries == 0 {
		s.Payment.MaxRetries = 3
	}
	if s.Payment.GatewayRPS == 0 {
		s.Payment.GatewayRPS = 50
	}
	if s.Payment.GatewayBurst == 0 {
		s.Payment.GatewayBurst = 100
	}
	if s.Refund.MaxAttempts == 0 {
		s.Refund.MaxAttempts = 3
	}
	if s.Outbox.BatchSize == 0 {
		s.Outbox.BatchSize = 50
	}
	if s.Outbox.Interval == 0 {
		s.Outbox.Interval = 500 * time.Millisecond
	}
	if s.Outbox.MaxAttempts == 0 {
		s.Outbox.MaxAttempts = 10
	}
	if s.Inventory.CheckTimeout == 0 {
		s.Inventory.CheckTimeout = 3 * time.Second
	}
	if s.Inventory.CacheTTL == 0 {
		s.Inventory.CacheTTL = 2 * time.Second
	}
}
