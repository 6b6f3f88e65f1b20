package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "config.yaml"

// Path returns the config file location.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return DefaultPath
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                        string   `yaml:"port"`
	DatabaseURL                 string   `yaml:"databaseURL"`
	LogLevel                    string   `yaml:"logLevel"`
	RedisAddr                   string   `yaml:"redisAddr"`
	RedisPassword               string   `yaml:"redisPassword"`
	RateLimitPerMinute          int      `yaml:"rateLimitPerMinute"`
	MaxBodyBytes                int64    `yaml:"maxBodyBytes"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	AllowedIssuers              []string `yaml:"allowedIssuers"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("SYNC_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SYNC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	if len(cfg.AllowedIssuers) == 0 {
		cfg.AllowedIssuers = []string{"reader-service"}
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 60
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must be positive")
	}
	if cfg.MaxBodyBytes < 0 {
		return errors.New("config: maxBodyBytes must not be negative")
	}
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) == "" && strings.TrimSpace(cfg.InternalJWTVerifyPublicKeys) == "" {
		return errors.New("config: internalJwtPublicKeyPath or internalJwtVerifyPublicKeys is required")
	}
	return nil
}
