package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig
	App        AppConfig
	Cache      CacheConfig
	Database   DatabaseConfig
	Payment    PaymentConfig
	Settlement SettlementConfig
	NATS       NATSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"fitcheck-auction-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Debug       bool   `envconfig:"APP_DEBUG" default:"false"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
}

// CacheConfig holds webhook dedupe cache settings.
type CacheConfig struct {
	Type string `envconfig:"CACHE_TYPE" default:"memory"` // memory or redis

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// DatabaseConfig holds auction store settings.
type DatabaseConfig struct {
	Type string `envconfig:"DB_TYPE" default:"sqlite"` // sqlite, postgres or mysql
	Path string `envconfig:"DB_PATH" default:"./data/auction.db"`

	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"fitcheck"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASS" default:""`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// PaymentConfig holds Lightning provider settings.
type PaymentConfig struct {
	Provider      string `envconfig:"PAYMENT_PROVIDER" default:"bitnob"` // bitnob or lightspark
	WebhookSecret string `envconfig:"PAYMENT_WEBHOOK_SECRET" default:""`

	BitnobAPIKey     string `envconfig:"BITNOB_API_KEY" default:""`
	BitnobProduction bool   `envconfig:"BITNOB_PRODUCTION" default:"false"`

	LightsparkTokenID     string `envconfig:"LIGHTSPARK_TOKEN_ID" default:""`
	LightsparkTokenSecret string `envconfig:"LIGHTSPARK_TOKEN_SECRET" default:""`
	LightsparkNodeID      string `envconfig:"LIGHTSPARK_NODE_ID" default:""`
	LightsparkBaseURL     string `envconfig:"LIGHTSPARK_BASE_URL" default:""`
}

// SettlementConfig holds settlement worker settings.
type SettlementConfig struct {
	Workers       int           `envconfig:"SETTLEMENT_WORKERS" default:"4"`
	QueueSize     int           `envconfig:"SETTLEMENT_QUEUE_SIZE" default:"256"`
	SweepInterval time.Duration `envconfig:"SETTLEMENT_SWEEP_INTERVAL" default:"1h"`
	RetryBase     time.Duration `envconfig:"SETTLEMENT_RETRY_BASE" default:"2s"`
	MaxAttempts   int           `envconfig:"SETTLEMENT_MAX_ATTEMPTS" default:"5"`
	InvoiceTTL    time.Duration `envconfig:"SETTLEMENT_INVOICE_TTL" default:"24h"`
}

// NATSConfig holds notification transport settings.
type NATSConfig struct {
	URL string `envconfig:"NATS_URL" default:""` // empty disables NATS dispatch
}

// PostgresDSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// MySQLDSN returns the MySQL data source name.
func (d *DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
