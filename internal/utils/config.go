package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	minCompletionTokens     = 50
	maxCompletionTokens     = 400
	defaultCompletionTokens = 150
)

type Config struct {
	ServerPort  string
	JWTSecret   string
	TokenTTL    time.Duration
	StoreDriver string
	Postgres    PostgresConfig
	Mongo       MongoConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	Completion  CompletionConfig
	Relay       RelayConfig
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
	ConnectRetries    int
}

// MongoConfig is optional; an empty URI disables the completion audit log.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// RedisConfig is optional; an empty Addr keeps token revocations in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

type CompletionConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type RelayConfig struct {
	AllowedOrigins []string
	WriteTimeout   time.Duration
	ReadLimit      int64
}

func LoadConfig() (*Config, error) {
	port := envOrDefault("PORT", "8080")
	jwtSecret := envOrDefault("JWT_SECRET", "dev-secret")

	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	maxConns := parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8)
	minConns := parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1)

	logging := LoggingConfig{
		Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
		Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
		EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
		ServiceName:  envOrDefault("SERVICE_NAME", "chatrelay"),
	}

	cfg := &Config{
		ServerPort:  port,
		JWTSecret:   jwtSecret,
		TokenTTL:    parseDuration(envOrDefault("TOKEN_TTL", "30m"), 30*time.Minute),
		StoreDriver: strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              envOrDefault("POSTGRES_HOST", "localhost"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          envOrDefault("POSTGRES_PASSWORD", "postgres"),
			Database:          envOrDefault("POSTGRES_DB", "chatrelay"),
			MaxConns:          maxConns,
			MinConns:          minConns,
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
			ConnectRetries:    parseInt(envOrDefault("POSTGRES_CONNECT_RETRIES", "5"), 5),
		},
		Mongo: MongoConfig{
			URI:            os.Getenv("MONGO_URI"),
			Database:       envOrDefault("MONGO_DATABASE", "chatrelay"),
			ConnectTimeout: parseDuration(envOrDefault("MONGO_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseInt(envOrDefault("REDIS_DB", "0"), 0),
		},
		Logging: logging,
		Completion: CompletionConfig{
			BaseURL:   envOrDefault("COMPLETION_BASE_URL", "https://api.openai.com/v1/"),
			APIKey:    os.Getenv("COMPLETION_API_KEY"),
			Model:     envOrDefault("COMPLETION_MODEL", "gpt-3.5-turbo"),
			MaxTokens: ClampMaxTokens(parseInt(envOrDefault("COMPLETION_MAX_TOKENS", "150"), defaultCompletionTokens)),
			Timeout:   parseDuration(envOrDefault("COMPLETION_TIMEOUT", "30s"), 30*time.Second),
		},
		Relay: RelayConfig{
			AllowedOrigins: parseList(os.Getenv("RELAY_ALLOWED_ORIGINS")),
			WriteTimeout:   parseDuration(envOrDefault("RELAY_WRITE_TIMEOUT", "10s"), 10*time.Second),
			ReadLimit:      int64(parseInt(envOrDefault("RELAY_READ_LIMIT", "8192"), 8192)),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("config: unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: JWT_SECRET must not be blank")
	}

	return nil
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClampMaxTokens keeps a per-call token budget inside the range the relay supports.
func ClampMaxTokens(n int) int {
	switch {
	case n <= 0:
		return defaultCompletionTokens
	case n < minCompletionTokens:
		return minCompletionTokens
	case n > maxCompletionTokens:
		return maxCompletionTokens
	default:
		return n
	}
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parseInt(value string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return i
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
