package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "change-this-secret-key"

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	API      APIConfig
	CORS     CORSConfig
	Client   ClientConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port string
	Env  string
	// SeedPassword is shared by the demo users outside production
	SeedPassword string
}

// DatabaseConfig selects the server's storage. An empty URL keeps
// everything in memory.
type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type APIConfig struct {
	RateLimitMessagesPerSec int
}

type CORSConfig struct {
	AllowedOrigins []string
}

// ClientConfig configures the sync client: where the chat API and the
// live event endpoint live, who we are, and how hard to retry.
type ClientConfig struct {
	APIBaseURL        string
	WSURL             string
	AuthToken         string
	UserID            string
	HTTPTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

type LogConfig struct {
	Level string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Env:          getEnv("ENV", "development"),
			SeedPassword: getEnv("SEED_PASSWORD", "marketplace"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", defaultJWTSecret),
			ExpiryHours: getEnvInt("JWT_EXPIRY_HOURS", 168),
		},
		API: APIConfig{
			RateLimitMessagesPerSec: getEnvInt("RATE_LIMIT_MESSAGES_PER_SECOND", 10),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		},
		Client: ClientConfig{
			APIBaseURL:        strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080/api/v1"), "/"),
			WSURL:             getEnv("WS_URL", "ws://localhost:8080/ws"),
			AuthToken:         getEnv("AUTH_TOKEN", ""),
			UserID:            getEnv("USER_ID", ""),
			HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 15*time.Second),
			ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", time.Second),
			ReconnectMaxDelay: getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == defaultJWTSecret && cfg.IsProduction() {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	if cfg.Client.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}
	if cfg.Client.ReconnectMaxDelay < cfg.Client.ReconnectDelay {
		return nil, fmt.Errorf("RECONNECT_MAX_DELAY must not be lower than RECONNECT_DELAY")
	}

	return cfg, nil
}

// GetDSN returns the Postgres connection string, empty for in-memory storage
func (c *Config) GetDSN() string {
	return c.Database.URL
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("500ms", "2s") or plain milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
