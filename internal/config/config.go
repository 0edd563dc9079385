// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (empty selects the in-memory stores, for dev and tests)
	DatabaseURL string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string
	S3ForcePathStyle bool

	// Auth
	JWTSecret     string
	AdminEmail    string
	AdminPassword string

	// OIDC (optional)
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCAdminClaim   string
	OIDCAdminValue   string

	// Uploads
	MaxUploadSize     int64
	MaxFilesPerUpload int
	MinFreeDisk       int64

	// Quotas (defaults for new accounts)
	DefaultStorageLimit   int64
	DefaultRequestsPerMin int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),

		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),

		S3Endpoint:       envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:         envOr("S3_BUCKET", "justfiles"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3ForcePathStyle: envBool("S3_FORCE_PATH_STYLE", true),

		JWTSecret:     envOr("JWT_SECRET", ""),
		AdminEmail:    envOr("ADMIN_EMAIL", "admin@localhost"),
		AdminPassword: envOr("ADMIN_PASSWORD", ""),

		OIDCIssuerURL:    envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:     envOr("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: envOr("OIDC_CLIENT_SECRET", ""),
		OIDCAdminClaim:   envOr("OIDC_ADMIN_CLAIM", "is_admin"),
		OIDCAdminValue:   envOr("OIDC_ADMIN_VALUE", "true"),

		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 100*1024*1024),
		MaxFilesPerUpload: envInt("MAX_FILES_PER_UPLOAD", 10),
		MinFreeDisk:       envInt64("MIN_FREE_DISK", 100*1024*1024),

		DefaultStorageLimit:   envInt64("DEFAULT_STORAGE_LIMIT", 100*1024*1024),
		DefaultRequestsPerMin: envInt("DEFAULT_REQUESTS_PER_MINUTE", 0), // 0 = unlimited
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
