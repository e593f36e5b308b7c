// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for the sqlite database (always absolute)
	StrategyPath string // Strategy parameter file (TOML)
	LogLevel     string
	LogPretty    bool
	Port         int
	Schedule     string // Cron expression (with seconds) for rebalancing cycles
	Gateway      *GatewayConfig
	Backup       *BackupConfig
}

// GatewayConfig holds the brokerage gateway connection settings
type GatewayConfig struct {
	BaseURL     string // Gateway root, "/v1/api" is appended
	AccountID   string // Optional, discovered from the gateway when empty
	InsecureTLS bool   // The local docker-proxied gateway uses a self-signed certificate
	MaxAttempts int    // Cap for unbounded retry loops, 0 = retry forever
	HTTPTimeout time.Duration
}

// BackupConfig holds the off-site journal backup settings.
// Backups are disabled when Bucket is empty.
type BackupConfig struct {
	Bucket          string
	Endpoint        string // S3-compatible endpoint, empty for AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	RetentionDays   int // 0 keeps every backup
	Schedule        string
}

// Enabled reports whether a bucket is configured
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Bucket != ""
}

// APIURL returns the gateway REST root
func (g *GatewayConfig) APIURL() string {
	return strings.TrimRight(g.BaseURL, "/") + "/v1/api"
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("REBALANCER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		StrategyPath: getEnv("REBALANCER_CONFIG", "strategy.toml"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogPretty:    getEnvAsBool("LOG_PRETTY", true),
		Port:         getEnvAsInt("GO_PORT", 8001),
		Schedule:     getEnv("REBALANCER_SCHEDULE", "0 0 10 * * MON-FRI"),
		Gateway:      loadGatewayConfig(),
		Backup:       loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		BaseURL:     getEnv("IBKR_API_URL", "https://localhost:4234"),
		AccountID:   getEnv("IBKR_ACCOUNT_ID", ""),
		InsecureTLS: getEnvAsBool("IBKR_INSECURE_TLS", true),
		MaxAttempts: getEnvAsInt("IBKR_MAX_ATTEMPTS", 0),
		HTTPTimeout: getEnvAsDuration("IBKR_HTTP_TIMEOUT", 30*time.Second),
	}
}

func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Prefix:          getEnv("BACKUP_PREFIX", "rebalancer-backup-"),
		RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"),
	}
}

// DatabasePath returns the sqlite file used for the contract cache and order journal
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "rebalancer.db")
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Gateway == nil || c.Gateway.BaseURL == "" {
		return fmt.Errorf("IBKR_API_URL must not be empty")
	}
	if !strings.HasPrefix(c.Gateway.BaseURL, "http://") && !strings.HasPrefix(c.Gateway.BaseURL, "https://") {
		return fmt.Errorf("IBKR_API_URL must be an http(s) URL, got %q", c.Gateway.BaseURL)
	}
	if c.Gateway.MaxAttempts < 0 {
		return fmt.Errorf("IBKR_MAX_ATTEMPTS must be >= 0, got %d", c.Gateway.MaxAttempts)
	}
	if c.Backup.Enabled() {
		if c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" {
			return fmt.Errorf("BACKUP_S3_ACCESS_KEY_ID and BACKUP_S3_SECRET_ACCESS_KEY are required when BACKUP_S3_BUCKET is set")
		}
		if c.Backup.RetentionDays < 0 {
			return fmt.Errorf("BACKUP_RETENTION_DAYS must be >= 0, got %d", c.Backup.RetentionDays)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("GO_PORT out of range: %d", c.Port)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
