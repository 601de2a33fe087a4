package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Engine   EngineConfig
	Quota    QuotaConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig holds run queue settings
type QueueConfig struct {
	Stream            string
	ConsumerGroup     string
	HealthInterval    time.Duration
	HealthMaxLatency  time.Duration
	HeartbeatKey      string
	HeartbeatMaxAge   time.Duration
	ConsumerBlockTime time.Duration
}

// EngineConfig holds dispatcher limits
type EngineConfig struct {
	MaxInFlightNodes int
	DefaultAttempts  int
	NodeTimeout      time.Duration
	RunDeadline      time.Duration
	EventBufferSize  int
}

// QuotaConfig holds admission quota limits
type QuotaConfig struct {
	ExecutionsPerMinute int64
	APICallsPerMinute   int64
	TokensPerMinute     int64
	ConnectorInFlight   int64
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowstack"),
			User:        getEnv("POSTGRES_USER", "flowstack"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowstack"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Stream:            getEnv("QUEUE_STREAM", "runs:requests"),
			ConsumerGroup:     getEnv("QUEUE_CONSUMER_GROUP", "execution-workers"),
			HealthInterval:    getEnvDuration("QUEUE_HEALTH_INTERVAL", 30*time.Second),
			HealthMaxLatency:  getEnvDuration("QUEUE_HEALTH_MAX_LATENCY", 250*time.Millisecond),
			HeartbeatKey:      getEnv("WORKER_HEARTBEAT_KEY", "workers:heartbeat"),
			HeartbeatMaxAge:   getEnvDuration("WORKER_HEARTBEAT_MAX_AGE", 90*time.Second),
			ConsumerBlockTime: getEnvDuration("QUEUE_CONSUMER_BLOCK", 5*time.Second),
		},
		Engine: EngineConfig{
			MaxInFlightNodes: getEnvInt("ENGINE_MAX_IN_FLIGHT", 8),
			DefaultAttempts:  getEnvInt("ENGINE_DEFAULT_ATTEMPTS", 3),
			NodeTimeout:      getEnvDuration("ENGINE_NODE_TIMEOUT", 60*time.Second),
			RunDeadline:      getEnvDuration("ENGINE_RUN_DEADLINE", 15*time.Minute),
			EventBufferSize:  getEnvInt("ENGINE_EVENT_BUFFER", 256),
		},
		Quota: QuotaConfig{
			ExecutionsPerMinute: getEnvInt64("QUOTA_EXECUTIONS_PER_MINUTE", 120),
			APICallsPerMinute:   getEnvInt64("QUOTA_API_CALLS_PER_MINUTE", 2000),
			TokensPerMinute:     getEnvInt64("QUOTA_TOKENS_PER_MINUTE", 200000),
			ConnectorInFlight:   getEnvInt64("QUOTA_CONNECTOR_IN_FLIGHT", 25),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.MaxInFlightNodes < 1 {
		return fmt.Errorf("engine max in-flight nodes must be >= 1")
	}

	if c.Queue.Stream == "" || c.Queue.ConsumerGroup == "" {
		return fmt.Errorf("queue stream and consumer group are required")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
