package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const minSecretBytes = 32

// Config carries everything the service reads from the environment.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DBConfig struct {
	DSN          string
	QueryTimeout time.Duration
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type AuthConfig struct {
	SigningSecret    string
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	ResetTokenTTL    time.Duration
	RefreshRetention time.Duration
}

// Load reads configuration from CASEFLOW_* environment variables and
// validates the parts that must not fall back to a default.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("CASEFLOW_ADDR", ":8080"),
			ReadTimeout:  getEnvAsDuration("CASEFLOW_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("CASEFLOW_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("CASEFLOW_IDLE_TIMEOUT", 60*time.Second),
		},
		DB: DBConfig{
			DSN:          getEnv("CASEFLOW_PG_DSN", ""),
			QueryTimeout: getEnvAsDuration("CASEFLOW_PG_QUERY_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("CASEFLOW_REDIS_ENDPOINT", ""),
			Password: getEnv("CASEFLOW_REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("CASEFLOW_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			SigningSecret:    getEnv("CASEFLOW_AUTH_SECRET", ""),
			Issuer:           getEnv("CASEFLOW_AUTH_ISSUER", "caseflow"),
			AccessTTL:        getEnvAsDuration("CASEFLOW_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:       getEnvAsDuration("CASEFLOW_REFRESH_TTL", 14*24*time.Hour),
			ResetTokenTTL:    getEnvAsDuration("CASEFLOW_RESET_TOKEN_TTL", 30*time.Minute),
			RefreshRetention: getEnvAsDuration("CASEFLOW_REFRESH_RETENTION", 30*24*time.Hour),
		},
	}

	if cfg.Auth.SigningSecret == "" {
		return nil, fmt.Errorf("CASEFLOW_AUTH_SECRET environment variable is required")
	}
	if len(cfg.Auth.SigningSecret) < minSecretBytes {
		return nil, fmt.Errorf("CASEFLOW_AUTH_SECRET must be at least %d bytes", minSecretBytes)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
