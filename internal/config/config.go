package config

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds all configuration for the application
type Config struct {
	Env      string `env:"ENV, default=development"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Ledger    LedgerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Mongo     MongoConfig
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Port            int           `env:"SERVER_PORT, default=8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT, default=10s"`
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host         string `env:"DB_HOST, default=localhost"`
	Port         int    `env:"DB_PORT, default=5432"`
	Username     string `env:"DB_USERNAME, default=postgres"`
	Password     string `env:"DB_PASSWORD, default=password"`
	DBName       string `env:"DB_NAME, default=points"`
	SSLMode      string `env:"DB_SSLMODE, default=disable"`
	TestDBName   string `env:"TEST_DB_NAME, default=points_test"` // Separate database for testing
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS, default=25"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS, default=5"`
}

// AuthConfig holds the authentication configuration
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET, default=your-secret-key-here"`
}

// LedgerConfig tunes the atomic ledger operations.
type LedgerConfig struct {
	// MaxRetries bounds how often a serialization failure or deadlock is retried.
	MaxRetries int `env:"LEDGER_MAX_RETRIES, default=5"`
}

// RedisConfig points at the shared rate-limit store. An empty Addr disables it.
type RedisConfig struct {
	Addr string `env:"REDIS_ADDR"`
	DB   int    `env:"REDIS_DB, default=0"`
}

// RateLimitConfig is a fixed window budget per caller.
type RateLimitConfig struct {
	Requests int           `env:"RATE_LIMIT_REQUESTS, default=60"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW, default=1m"`
}

// MongoConfig points at the audit trail store. An empty URI disables it.
type MongoConfig struct {
	URI        string `env:"MONGO_URI"`
	Database   string `env:"MONGO_DB, default=points_ledger"`
	Collection string `env:"MONGO_AUDIT_COLLECTION, default=ledger_audit"`
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// IsDevelopment reports whether human-friendly logging should be used.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// LoadConfig loads the configuration from environment variables, seeding
// them from a .env file when one is present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
