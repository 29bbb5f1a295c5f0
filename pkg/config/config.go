// Package config loads server settings from the environment and an
// optional YAML file. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at the YAML config file.
const FileEnv = "BENCHDEPOT_CONFIG"

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	ServerURL string

	// DatabaseURL is a postgres:// URL or a SQLite file path for the
	// audit log. "memory:" keeps a hash-chained log in process memory.
	DatabaseURL string
	// RedisURL, when set, shares the audit ID sequence between replicas.
	RedisURL string

	StagingDir  string
	StorageType string
	DataDir     string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	GCSBucket   string
	GCSPrefix   string

	RelayTimeout    time.Duration
	RelayRetries    int
	RelayMaxTarball int64
	RetentionDays   int

	AuthSecret     string
	RateLimitRPS   float64
	RateLimitBurst int

	OTelEnabled  bool
	OTelEndpoint string
}

type source struct {
	file map[string]string
}

// lookup prefers the environment, then the file (keyed by the lowercase
// variable name), then def.
func (s source) lookup(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v, ok := s.file[strings.ToLower(key)]; ok && v != "" {
		return v
	}
	return def
}

// Load loads configuration from the file named by BENCHDEPOT_CONFIG (if
// any) and environment variables.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv(FileEnv); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		Port:         src.lookup("PORT", "8080"),
		LogLevel:     src.lookup("LOG_LEVEL", "INFO"),
		ServerURL:    src.lookup("SERVER_URL", ""),
		DatabaseURL:  src.lookup("DATABASE_URL", filepath.Join("data", "audit.db")),
		RedisURL:     src.lookup("REDIS_URL", ""),
		StagingDir:   src.lookup("STAGING_DIR", filepath.Join(os.TempDir(), "benchdepot-staging")),
		StorageType:  strings.ToLower(src.lookup("DATASET_STORAGE_TYPE", "fs")),
		DataDir:      src.lookup("DATA_DIR", "data"),
		S3Bucket:     src.lookup("DATASET_S3_BUCKET", ""),
		S3Region:     src.lookup("DATASET_S3_REGION", "us-east-1"),
		S3Endpoint:   src.lookup("DATASET_S3_ENDPOINT", ""),
		S3Prefix:     src.lookup("DATASET_S3_PREFIX", ""),
		GCSBucket:    src.lookup("DATASET_GCS_BUCKET", ""),
		GCSPrefix:    src.lookup("DATASET_GCS_PREFIX", ""),
		AuthSecret:   src.lookup("AUTH_SECRET", ""),
		OTelEndpoint: src.lookup("OTEL_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.RelayTimeout, err = time.ParseDuration(src.lookup("RELAY_TIMEOUT", "60s")); err != nil {
		return nil, fmt.Errorf("RELAY_TIMEOUT: %w", err)
	}
	if cfg.RelayRetries, err = atoi(src, "RELAY_RETRIES", "0"); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = atoi(src, "RETENTION_DAYS", "730"); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = atoi(src, "RATE_LIMIT_BURST", "20"); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = strconv.ParseFloat(src.lookup("RATE_LIMIT_RPS", "10"), 64); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	maxTarball, err := humanize.ParseBytes(src.lookup("RELAY_MAX_TARBALL", "0"))
	if err != nil {
		return nil, fmt.Errorf("RELAY_MAX_TARBALL: %w", err)
	}
	cfg.RelayMaxTarball = int64(maxTarball) //nolint:gosec // sizes fit
	if cfg.OTelEnabled, err = strconv.ParseBool(src.lookup("OTEL_ENABLED", "false")); err != nil {
		return nil, fmt.Errorf("OTEL_ENABLED: %w", err)
	}

	if cfg.RelayRetries < 0 {
		return nil, fmt.Errorf("RELAY_RETRIES must not be negative")
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("RETENTION_DAYS must be positive")
	}
	return cfg, nil
}

func atoi(src source, key, def string) (int, error) {
	n, err := strconv.Atoi(src.lookup(key, def))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// loadFile reads a flat YAML mapping such as:
//
//	port: 8080
//	dataset_storage_type: s3
//	relay_timeout: 2m
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
		case map[string]any, []any:
			return nil, fmt.Errorf("parse config %q: key %q must be a scalar", path, k)
		default:
			out[strings.ToLower(k)] = fmt.Sprint(v)
		}
	}
	return out, nil
}
