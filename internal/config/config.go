// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/trustbank/internal/money"
	"github.com/mbd888/trustbank/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	ClientURL string // Front-end origin, used for CORS and links in alert mail

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk policy
	BlockThreshold  int
	StepUpThreshold int
	StepUpValue     string // Rupees, decimal string (e.g. "10000.00")
	StepUpTTL       time.Duration
	StepUpRetention time.Duration // How long expired actions are kept before purge
	WeightsFile     string        // Optional YAML weight table

	// External ledger. Any missing field leaves the ledger unconfigured.
	LedgerRPCURL         string
	LedgerChainID        int64
	LedgerPrivateKey     string
	LedgerContract       string
	LedgerConfirmTimeout time.Duration

	// Mail
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// Security alert sink and geocoding
	AlertWebhookURL    string
	AlertWebhookSecret string
	GeocoderURL        string

	// Observability
	OTLPEndpoint string
	OpsToken     string // Required by /ws/security; empty disables the stream

	// LoginStepUp makes medium risk logins wait for an emailed code and refuses high risk ones
	LoginStepUp bool

	RateLimitRPM int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultClientURL       = "http://localhost:5173"
	DefaultBlockThreshold  = 7
	DefaultStepUpThreshold = 4
	DefaultStepUpValue     = "10000.00"
	DefaultStepUpTTL       = 5 * time.Minute
	DefaultStepUpRetention = 24 * time.Hour
	DefaultConfirmTimeout  = 30 * time.Second
	DefaultSMTPPort        = 587
	DefaultRateLimit       = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		ClientURL:            getEnv("CLIENT_URL", DefaultClientURL),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		BlockThreshold:       int(getEnvInt64("RISK_BLOCK_THRESHOLD", DefaultBlockThreshold)),
		StepUpThreshold:      int(getEnvInt64("RISK_STEPUP_THRESHOLD", DefaultStepUpThreshold)),
		StepUpValue:          getEnv("STEPUP_VALUE_THRESHOLD", DefaultStepUpValue),
		StepUpTTL:            getEnvDuration("STEPUP_CODE_TTL", DefaultStepUpTTL),
		StepUpRetention:      getEnvDuration("STEPUP_RETENTION", DefaultStepUpRetention),
		WeightsFile:          os.Getenv("RISK_WEIGHTS_FILE"),
		LedgerRPCURL:         os.Getenv("LEDGER_RPC_URL"),
		LedgerChainID:        getEnvInt64("LEDGER_CHAIN_ID", 0),
		LedgerPrivateKey:     os.Getenv("LEDGER_PRIVATE_KEY"),
		LedgerContract:       os.Getenv("LEDGER_CONTRACT"),
		LedgerConfirmTimeout: getEnvDuration("LEDGER_CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		SMTPHost:             os.Getenv("SMTP_HOST"),
		SMTPPort:             int(getEnvInt64("SMTP_PORT", DefaultSMTPPort)),
		SMTPUsername:         os.Getenv("SMTP_USERNAME"),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		MailFrom:             getEnv("MAIL_FROM", "security@trustbank.local"),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:   os.Getenv("ALERT_WEBHOOK_SECRET"),
		GeocoderURL:          os.Getenv("GEOCODER_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OpsToken:             os.Getenv("OPS_TOKEN"),
		LoginStepUp:          getEnvBool("LOGIN_STEPUP", false),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// An unconfigured ledger is not an error.
func (c *Config) Validate() error {
	if c.StepUpThreshold <= 0 {
		return fmt.Errorf("RISK_STEPUP_THRESHOLD must be positive")
	}
	if c.BlockThreshold <= c.StepUpThreshold {
		return fmt.Errorf("RISK_BLOCK_THRESHOLD must be greater than RISK_STEPUP_THRESHOLD")
	}
	if !money.Positive(c.StepUpValue) {
		return fmt.Errorf("STEPUP_VALUE_THRESHOLD must be a positive amount")
	}
	if c.StepUpTTL <= 0 {
		return fmt.Errorf("STEPUP_CODE_TTL must be positive")
	}
	if c.StepUpRetention < 0 {
		return fmt.Errorf("STEPUP_RETENTION must not be negative")
	}

	if c.LedgerPrivateKey != "" {
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.LedgerPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("LEDGER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}

	if c.IsProduction() && c.OpsToken != "" && len(c.OpsToken) < 32 {
		return fmt.Errorf("OPS_TOKEN must be at least 32 characters in production")
	}

	return nil
}

// Policy returns the risk decision thresholds. Validate must have passed.
func (c *Config) Policy() risk.Policy {
	return risk.Policy{
		Block:  c.BlockThreshold,
		StepUp: c.StepUpThreshold,
		Value:  money.MustParse(c.StepUpValue),
	}
}

// LedgerConfigured reports whether every ledger setting is present.
// It does not dial; a configured ledger can still fail to bind.
func (c *Config) LedgerConfigured() bool {
	return c.LedgerRPCURL != "" && c.LedgerChainID != 0 &&
		c.LedgerPrivateKey != "" && c.LedgerContract != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
