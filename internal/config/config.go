// Package config loads MailVault configuration from environment variables
// with the MAILVAULT_ prefix and provides defaults for everything that has a
// sensible one. Credentials have no defaults and must be set explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all runtime settings.
type Config struct {
	Provider string // mail provider: "microsoft" (default) or "google"
	Server   ServerConfig
	Store    StoreConfig
	Graph    GraphConfig
	Google   GoogleConfig
	Storage  StorageConfig
	NATS     NATSConfig
	Backup   BackupConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr string // listen address (default: :8080)
}

// StoreConfig contains metadata database settings.
type StoreConfig struct {
	Path string // path to the SQLite database file (default: data/mailvault.db)
}

// GraphConfig contains Microsoft Graph application credentials for the
// client-credential flow.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// GoogleConfig contains the Gmail OAuth tokens when the google provider is
// selected.
type GoogleConfig struct {
	AccessToken  string
	RefreshToken string
}

// StorageConfig contains S3-compatible object storage settings.
type StorageConfig struct {
	Endpoint  string // e.g. https://x1y2.fra.idrivee2-59.com
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	BasePath  string // key prefix inside the bucket (default: mail-backups)
}

// NATSConfig contains the optional event bus settings. An empty URL disables
// event publishing entirely.
type NATSConfig struct {
	URL string
}

// BackupConfig contains pipeline tunables.
type BackupConfig struct {
	TempDir         string // scratch space for archive assembly (default: os temp dir)
	DefaultMaxSize  int    // default per-message ceiling in MB (default: 25)
	ProviderRate    int    // provider requests per second (default: 10)
	ProviderBurst   int    // provider request burst (default: 20)
	WaitTimeoutMins int    // scheduler completion-wait timeout in minutes (default: 120)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Provider: getEnv("MAILVAULT_PROVIDER", "microsoft"),
		Server: ServerConfig{
			Addr: getEnv("MAILVAULT_ADDR", ":8080"),
		},
		Store: StoreConfig{
			Path: getEnv("MAILVAULT_DB_PATH", "data/mailvault.db"),
		},
		Graph: GraphConfig{
			TenantID:     os.Getenv("MAILVAULT_AZURE_TENANT_ID"),
			ClientID:     os.Getenv("MAILVAULT_AZURE_CLIENT_ID"),
			ClientSecret: os.Getenv("MAILVAULT_AZURE_CLIENT_SECRET"),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("MAILVAULT_S3_ENDPOINT"),
			Region:    getEnv("MAILVAULT_S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("MAILVAULT_S3_BUCKET"),
			AccessKey: os.Getenv("MAILVAULT_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("MAILVAULT_S3_SECRET_KEY"),
			BasePath:  getEnv("MAILVAULT_S3_BASE_PATH", "mail-backups"),
		},
		Google: GoogleConfig{
			AccessToken:  os.Getenv("MAILVAULT_GOOGLE_ACCESS_TOKEN"),
			RefreshToken: os.Getenv("MAILVAULT_GOOGLE_REFRESH_TOKEN"),
		},
		NATS: NATSConfig{
			URL: os.Getenv("MAILVAULT_NATS_URL"),
		},
		Backup: BackupConfig{
			TempDir:         getEnv("MAILVAULT_TEMP_DIR", os.TempDir()),
			DefaultMaxSize:  getEnvInt("MAILVAULT_MAX_EMAIL_SIZE_MB", 25),
			ProviderRate:    getEnvInt("MAILVAULT_PROVIDER_RATE", 10),
			ProviderBurst:   getEnvInt("MAILVAULT_PROVIDER_BURST", 20),
			WaitTimeoutMins: getEnvInt("MAILVAULT_WAIT_TIMEOUT_MINS", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Provider != "microsoft" && c.Provider != "google" {
		return fmt.Errorf("MAILVAULT_PROVIDER must be microsoft or google, got %q", c.Provider)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("MAILVAULT_S3_BUCKET is required")
	}
	if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
		return fmt.Errorf("MAILVAULT_S3_ACCESS_KEY and MAILVAULT_S3_SECRET_KEY are required")
	}
	if c.Backup.DefaultMaxSize <= 0 {
		return fmt.Errorf("MAILVAULT_MAX_EMAIL_SIZE_MB must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
