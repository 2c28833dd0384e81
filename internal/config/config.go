// Package config 配置
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config 服务配置
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"saga-orchestrator"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	// PostgreSQL
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"saga"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"saga"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	SagaTable  string `env:"SAGA_TABLE" envDefault:"sagas"`

	// SQLite
	SQLitePath string `env:"SQLITE_PATH" envDefault:"saga.db"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`
	RedisCACert   string `env:"REDIS_CACERT"`
	RedisCert     string `env:"REDIS_CERT"`
	RedisKey      string `env:"REDIS_KEY"`
	RedisServer   string `env:"REDIS_SERVER_NAME"`

	// Streams
	CommandStream  string `env:"COMMAND_STREAM" envDefault:"saga.command"`
	ResponseStream string `env:"RESPONSE_STREAM" envDefault:"saga.command_response"`
	ConsumerGroup  string `env:"CONSUMER_GROUP" envDefault:"saga-orchestrator"`
	ConsumerName   string `env:"CONSUMER_NAME" envDefault:"orchestrator-1"`
	MaxRetries     int    `env:"CONSUMER_MAX_RETRIES" envDefault:"5"`

	// Locking
	LockTTL  time.Duration `env:"SAGA_LOCK_TTL" envDefault:"30s"`
	LockWait time.Duration `env:"SAGA_LOCK_WAIT" envDefault:"10s"`

	// Reaper
	ReaperEnabled  bool          `env:"REAPER_ENABLED" envDefault:"true"`
	ReaperSchedule string        `env:"REAPER_SCHEDULE" envDefault:"*/1 * * * *"`
	StuckAfter     time.Duration `env:"SAGA_STUCK_AFTER" envDefault:"10m"`
	ReaperBatch    int           `env:"REAPER_BATCH" envDefault:"100"`

	// Tracing
	TracingEnabled    bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TracingEndpoint   string  `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	TracingSampleRate float64 `env:"TRACING_SAMPLE_RATE" envDefault:"1"`

	// Audit
	AuditEnabled bool `env:"AUDIT_ENABLED" envDefault:"true"`
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.StuckAfter <= 0 {
		return fmt.Errorf("SAGA_STUCK_AFTER must be positive")
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT is required when tracing is enabled")
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
