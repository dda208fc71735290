package config

import (
	"errors"
	"time"
)

// Config represents the tenantplane service configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	TenantDefaults TenantDefaultsConfig `mapstructure:"tenant_defaults"`
	Pool           PoolConfig           `mapstructure:"pool"`
	Provisioning   ProvisioningConfig   `mapstructure:"provisioning"`
	Transfer       TransferConfig       `mapstructure:"transfer"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Redis          RedisConfig          `mapstructure:"redis"`
	RateLimiter    RateLimiterConfig    `mapstructure:"rate_limiter"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	InstanceID      string        `mapstructure:"instance_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HealthPort      int           `mapstructure:"health_port"`
}

// DatabaseConfig represents the central PostgreSQL database. The configured
// user must be allowed to create databases and roles.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// TenantDefaultsConfig holds fallbacks for directory rows that leave
// connection fields blank. The database name never falls back.
type TenantDefaultsConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// PoolConfig bounds every per-hospital connection pool
type PoolConfig struct {
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`

	// LoadTimeout caps a cold load shared by every caller waiting on it
	LoadTimeout time.Duration `mapstructure:"load_timeout"`

	// RevalidateInterval is how long a cached pool is trusted before the
	// directory is read again. Zero disables revalidation.
	RevalidateInterval time.Duration `mapstructure:"revalidate_interval"`
}

// ProvisioningConfig controls new hospital creation
type ProvisioningConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
	DatabasePrefix      string        `mapstructure:"database_prefix"`
	PasswordBytes       int           `mapstructure:"password_bytes"`
	BcryptCost          int           `mapstructure:"bcrypt_cost"`
	DepartmentsFile     string        `mapstructure:"departments_file"`
}

// TransferConfig controls the transfer outbox processor
type TransferConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	TenantConcurrency int           `mapstructure:"tenant_concurrency"`
	MaxErrorLength    int           `mapstructure:"max_error_length"`
	DetachedColumns   []string      `mapstructure:"detached_columns"`
	LeaderLock        bool          `mapstructure:"leader_lock"`
}

// CacheConfig controls the in-memory directory cache. Zero TTL disables it.
type CacheConfig struct {
	TenantTTL time.Duration `mapstructure:"tenant_ttl"`
	MaxSize   int           `mapstructure:"max_size"`
}

// RedisConfig represents the Redis instance used for the processor leader lease
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RateLimiterConfig represents admin API rate limiting
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Pool.MaxConnections <= 0 {
		return errors.New("pool.max_connections must be positive")
	}
	if c.Pool.MinConnections < 0 || c.Pool.MinConnections > c.Pool.MaxConnections {
		return errors.New("pool.min_connections must be between 0 and pool.max_connections")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return errors.New("pool.acquire_timeout must be positive")
	}
	if c.Pool.LoadTimeout <= 0 {
		return errors.New("pool.load_timeout must be positive")
	}
	if c.Pool.RevalidateInterval < 0 {
		return errors.New("pool.revalidate_interval must not be negative")
	}
	if c.Provisioning.Timeout <= 0 {
		return errors.New("provisioning.timeout must be positive")
	}
	if c.Provisioning.DatabasePrefix == "" {
		return errors.New("provisioning.database_prefix is required")
	}
	if c.Provisioning.PasswordBytes < 16 {
		return errors.New("provisioning.password_bytes must be at least 16")
	}
	if c.Transfer.Interval <= 0 {
		return errors.New("transfer.interval must be positive")
	}
	if c.Transfer.BatchSize <= 0 {
		return errors.New("transfer.batch_size must be positive")
	}
	if c.Transfer.LeaseTTL <= 0 {
		return errors.New("transfer.lease_ttl must be positive")
	}
	if c.Transfer.TenantConcurrency <= 0 {
		c.Transfer.TenantConcurrency = 1
	}
	if c.Transfer.MaxErrorLength <= 0 {
		c.Transfer.MaxErrorLength = 500
	}
	if c.Cache.TenantTTL < 0 {
		return errors.New("cache.tenant_ttl must not be negative")
	}
	if c.Transfer.LeaderLock && !c.Redis.Enabled {
		return errors.New("transfer.leader_lock requires redis.enabled")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if !isValidLogLevel(c.Logging.Level) {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}

// isValidLogLevel checks if the log level is valid
func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "hospitals_central",
			User:            "tenantplane",
			Password:        "",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		TenantDefaults: TenantDefaultsConfig{
			Host: "localhost",
			Port: 5432,
		},
		Pool: PoolConfig{
			MaxConnections:     10,
			MinConnections:     0,
			AcquireTimeout:     5 * time.Second,
			ConnMaxLifetime:    30 * time.Minute,
			ConnMaxIdleTime:    5 * time.Minute,
			ConnectTimeout:     5 * time.Second,
			LoadTimeout:        15 * time.Second,
			RevalidateInterval: 30 * time.Second,
		},
		Provisioning: ProvisioningConfig{
			Timeout:             2 * time.Minute,
			CompensationTimeout: 30 * time.Second,
			DatabasePrefix:      "hospital_",
			PasswordBytes:       24,
			BcryptCost:          12,
		},
		Transfer: TransferConfig{
			Enabled:           true,
			Interval:          30 * time.Second,
			BatchSize:         20,
			LeaseTTL:          2 * time.Minute,
			TenantConcurrency: 4,
			MaxErrorLength:    500,
			DetachedColumns:   []string{"department_id", "assigned_to"},
		},
		Cache: CacheConfig{
			TenantTTL: 30 * time.Second,
			MaxSize:   1000,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     6379,
			DB:       0,
			PoolSize: 10,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			BurstSize:         100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
