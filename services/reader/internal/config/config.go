package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LocalPrefix   string `yaml:"localPrefix"`
	CloudPrefix   string `yaml:"cloudPrefix"`
	SessionPrefix string `yaml:"sessionPrefix"`
	SessionTTL    string `yaml:"sessionTTL"`

	MinPlatformVersion string `yaml:"minPlatformVersion"`
	ReloadDelay        string `yaml:"reloadDelay"`

	SyncServiceURL            string `yaml:"syncServiceURL"`
	SyncTimeout               string `yaml:"syncTimeout"`
	InternalJWTKeyID          string `yaml:"internalJwtKeyId"`
	InternalJWTPrivateKeyPath string `yaml:"internalJwtPrivateKeyPath"`

	// DatabaseURL enables migration into the relational store.
	DatabaseURL string `yaml:"databaseURL"`

	// Minio settings enable cover uploads.
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MaxCoverBytes  int64  `yaml:"maxCoverBytes"`
	CoverURLTTL    string `yaml:"coverURLTTL"`
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
	overrides := map[string]*string{
		"READER_PORT":                   &cfg.Port,
		"LOG_LEVEL":                     &cfg.LogLevel,
		"REDIS_ADDR":                    &cfg.RedisAddr,
		"REDIS_PASSWORD":                &cfg.RedisPassword,
		"READER_MIN_PLATFORM_VERSION":   &cfg.MinPlatformVersion,
		"READER_RELOAD_DELAY":           &cfg.ReloadDelay,
		"SYNC_SERVICE_URL":              &cfg.SyncServiceURL,
		"SYNC_TIMEOUT":                  &cfg.SyncTimeout,
		"INTERNAL_JWT_KEY_ID":           &cfg.InternalJWTKeyID,
		"INTERNAL_JWT_PRIVATE_KEY_PATH": &cfg.InternalJWTPrivateKeyPath,
		"DATABASE_URL":                  &cfg.DatabaseURL,
		"MINIO_ENDPOINT":                &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":              &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":              &cfg.MinioSecretKey,
		"MINIO_BUCKET":                  &cfg.MinioBucket,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("READER_MAX_COVER_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxCoverBytes = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// CoversEnabled reports whether cover storage is configured.
func (c FileConfig) CoversEnabled() bool {
	return strings.TrimSpace(c.MinioEndpoint) != ""
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.SyncServiceURL == "" {
		return errors.New("config: syncServiceURL is required (set in config.yaml or SYNC_SERVICE_URL)")
	}
	if cfg.InternalJWTPrivateKeyPath == "" {
		return errors.New("config: internalJwtPrivateKeyPath is required (set in config.yaml or INTERNAL_JWT_PRIVATE_KEY_PATH)")
	}
	for name, raw := range map[string]string{
		"sessionTTL":  cfg.SessionTTL,
		"reloadDelay": cfg.ReloadDelay,
		"syncTimeout": cfg.SyncTimeout,
		"coverURLTTL": cfg.CoverURLTTL,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if cfg.CoversEnabled() {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required when minioEndpoint is set")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required when minioEndpoint is set")
		}
	}
	if cfg.MaxCoverBytes < 0 {
		return errors.New("config: maxCoverBytes must not be negative")
	}
	return nil
}

// ParseDuration parses an optional duration. Empty means zero, which
// callers treat as "use the default".
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return d, nil
}
