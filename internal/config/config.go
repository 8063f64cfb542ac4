package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime configuration for the PkgVault API.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Storage  StorageConfig
	MinIO    MinIOConfig
	Auth     AuthConfig
	Upload   UploadConfig
	Metrics  MetricsConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PostgresConfig contains PostgreSQL connection details.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the PostgreSQL DSN string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// StorageConfig selects and parameterizes the blob storage backend.
type StorageConfig struct {
	// Backend is "local" or "remote".
	Backend string
	// LocalRoot is the directory used by the local filesystem backend,
	// and for staging in-flight uploads when the backend is remote.
	LocalRoot string
}

// MinIOConfig carries MinIO connection details for the remote backend.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
}

// AuthConfig groups authentication-related settings.
type AuthConfig struct {
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	BcryptCost         int
}

// UploadConfig bounds package uploads.
type UploadConfig struct {
	// MaxFileSizeBytes is the server-wide ceiling for a single upload.
	MaxFileSizeBytes int64
	// UserQuotaBytes caps the sum of a user's stored file version sizes.
	UserQuotaBytes int64
	// ChunkSizeBytes is the buffer size used when streaming payloads.
	ChunkSizeBytes int64
}

// MetricsConfig groups observability settings.
type MetricsConfig struct {
	PrometheusPath string
}

// Load reads configuration values from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:         getString("PKGVAULT_API_HOST", "0.0.0.0"),
			Port:         getInt("PKGVAULT_API_PORT", 8080),
			ReadTimeout:  getDuration("PKGVAULT_API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDuration("PKGVAULT_API_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDuration("PKGVAULT_API_IDLE_TIMEOUT", 60*time.Second),
		},
		Postgres: PostgresConfig{
			Host:     getString("POSTGRES_HOST", "localhost"),
			Port:     getInt("POSTGRES_PORT", 5432),
			User:     getString("POSTGRES_USER", "pkgvault_app"),
			Password: getString("POSTGRES_PASSWORD", "change-me"),
			Database: getString("POSTGRES_DB", "pkgvault"),
			SSLMode:  strings.ToLower(getString("POSTGRES_SSL_MODE", "disable")),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(getString("PKGVAULT_STORAGE_BACKEND", "local")),
			LocalRoot: getString("PKGVAULT_STORAGE_ROOT", "./data/software_packages"),
		},
		MinIO: MinIOConfig{
			Endpoint:        getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getString("MINIO_ROOT_USER", "pkgvault"),
			SecretAccessKey: getString("MINIO_ROOT_PASSWORD", "change-me-strong-password"),
			Bucket:          getString("MINIO_BUCKET", "pkgvault"),
			UseSSL:          getBool("MINIO_USE_SSL", false),
			Region:          getString("MINIO_REGION", ""),
		},
		Auth: loadAuthConfig(),
		Upload: UploadConfig{
			MaxFileSizeBytes: getInt64("PKGVAULT_UPLOAD_MAX_SIZE_BYTES", 5*1024*1024*1024),
			UserQuotaBytes:   getInt64("PKGVAULT_USER_QUOTA_BYTES", 25*1024*1024*1024),
			ChunkSizeBytes:   getInt64("PKGVAULT_UPLOAD_CHUNK_SIZE_BYTES", 1024*1024),
		},
		Metrics: MetricsConfig{
			PrometheusPath: getString("PKGVAULT_METRICS_PATH", "/metrics"),
		},
	}

	if cfg.Storage.Backend != "local" && cfg.Storage.Backend != "remote" {
		return Config{}, fmt.Errorf("PKGVAULT_STORAGE_BACKEND must be 'local' or 'remote', got %q", cfg.Storage.Backend)
	}
	if cfg.Upload.MaxFileSizeBytes <= 0 || cfg.Upload.UserQuotaBytes <= 0 || cfg.Upload.ChunkSizeBytes <= 0 {
		return Config{}, fmt.Errorf("upload size limits must be positive")
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func loadAuthConfig() AuthConfig {
	cost := getInt("PKGVAULT_AUTH_BCRYPT_COST", 12)
	if cost < 4 || cost > 31 {
		cost = 12
	}

	return AuthConfig{
		AccessTokenSecret:  getString("PKGVAULT_JWT_SECRET", "change-me-to-a-32-byte-secret"),
		RefreshTokenSecret: getString("PKGVAULT_JWT_REFRESH_SECRET", "change-me-to-a-64-byte-secret"),
		AccessTokenTTL:     getDuration("PKGVAULT_AUTH_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    getDuration("PKGVAULT_AUTH_REFRESH_TOKEN_TTL", 720*time.Hour),
		BcryptCost:         cost,
	}
}
