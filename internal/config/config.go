package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries the environment-derived settings for the server and worker.
type Config struct {
	AppEnv     string
	AppName    string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	AppPort     string
	MetricsPort string
	JWTSecret   string
	LogLevel    string

	TemporalHostPort  string
	TemporalNamespace string
	TaskQueue         string

	DNSRootDomain    string
	DNSTargetHost    string
	DNSProviderURL   string
	DNSProviderToken string
	DNSVerifyTimeout time.Duration

	EmailProviderURL   string
	EmailProviderToken string
	EmailFromAddress   string

	InviteTTL time.Duration
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:             os.Getenv("APP_ENV"),
		AppName:            os.Getenv("APP_NAME"),
		DBHost:             os.Getenv("DB_HOST"),
		DBPort:             os.Getenv("DB_PORT"),
		DBUser:             os.Getenv("DB_USER"),
		DBPassword:         os.Getenv("DB_PASSWORD"),
		DBName:             os.Getenv("DB_NAME"),
		DBSSLMode:          os.Getenv("DB_SSL_MODE"),
		RedisHost:          os.Getenv("REDIS_HOST"),
		RedisPort:          os.Getenv("REDIS_PORT"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		AppPort:            os.Getenv("APP_PORT"),
		MetricsPort:        os.Getenv("METRICS_PORT"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		TemporalHostPort:   os.Getenv("TEMPORAL_HOST_PORT"),
		TemporalNamespace:  os.Getenv("TEMPORAL_NAMESPACE"),
		TaskQueue:          os.Getenv("TASK_QUEUE"),
		DNSRootDomain:      os.Getenv("DNS_ROOT_DOMAIN"),
		DNSTargetHost:      os.Getenv("DNS_TARGET_HOST"),
		DNSProviderURL:     os.Getenv("DNS_PROVIDER_URL"),
		DNSProviderToken:   os.Getenv("DNS_PROVIDER_TOKEN"),
		EmailProviderURL:   os.Getenv("EMAIL_PROVIDER_URL"),
		EmailProviderToken: os.Getenv("EMAIL_PROVIDER_TOKEN"),
		EmailFromAddress:   os.Getenv("EMAIL_FROM_ADDRESS"),
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.AppPort == "" {
		cfg.AppPort = "8080"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.TemporalHostPort == "" {
		cfg.TemporalHostPort = "localhost:7233"
	}
	if cfg.TemporalNamespace == "" {
		cfg.TemporalNamespace = "default"
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = "org-bootstrap"
	}
	if cfg.DNSRootDomain == "" {
		cfg.DNSRootDomain = "meridianhealth.app"
	}
	if cfg.DNSTargetHost == "" {
		cfg.DNSTargetHost = "edge." + cfg.DNSRootDomain
	}
	if cfg.EmailFromAddress == "" {
		cfg.EmailFromAddress = "no-reply@meridianhealth.app"
	}

	var err error
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		cfg.RedisPoolSize, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
		}
	}
	if v := os.Getenv("REDIS_MIN_IDLE_CONNS"); v != "" {
		cfg.RedisMinIdleConns, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_MIN_IDLE_CONNS: %w", err)
		}
	}
	if v := os.Getenv("REDIS_MAX_RETRIES"); v != "" {
		cfg.RedisMaxRetries, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_MAX_RETRIES: %w", err)
		}
	}
	cfg.DNSVerifyTimeout = 5 * time.Minute
	if v := os.Getenv("DNS_VERIFY_TIMEOUT"); v != "" {
		cfg.DNSVerifyTimeout, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DNS_VERIFY_TIMEOUT: %w", err)
		}
	}
	cfg.InviteTTL = 7 * 24 * time.Hour
	if v := os.Getenv("INVITE_TTL"); v != "" {
		cfg.InviteTTL, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INVITE_TTL: %w", err)
		}
	}

	if cfg.AppEnv == "" || cfg.AppName == "" || cfg.DBHost == "" || cfg.DBPort == "" ||
		cfg.DBUser == "" || cfg.DBPassword == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("missing required environment variables")
	}
	return cfg, nil
}
