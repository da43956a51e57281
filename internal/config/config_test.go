package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		BlockThreshold:  DefaultBlockThreshold,
		StepUpThreshold: DefaultStepUpThreshold,
		StepUpValue:     DefaultStepUpValue,
		StepUpTTL:       DefaultStepUpTTL,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "LEDGER_PRIVATE_KEY", "")
	setEnv(t, "ALERT_WEBHOOK_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultBlockThreshold, cfg.BlockThreshold)
	assert.Equal(t, DefaultStepUpThreshold, cfg.StepUpThreshold)
	assert.Equal(t, DefaultStepUpTTL, cfg.StepUpTTL)
}

func TestLoad_LedgerUnconfiguredIsNotAnError(t *testing.T) {
	setEnv(t, "LEDGER_RPC_URL", "")
	setEnv(t, "LEDGER_PRIVATE_KEY", "")
	setEnv(t, "ALERT_WEBHOOK_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.LedgerConfigured())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "RISK_BLOCK_THRESHOLD", "9")
	setEnv(t, "RISK_STEPUP_THRESHOLD", "3")
	setEnv(t, "STEPUP_CODE_TTL", "90s")
	setEnv(t, "STEPUP_RETENTION", "2h")
	setEnv(t, "LEDGER_PRIVATE_KEY", "")
	setEnv(t, "ALERT_WEBHOOK_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.BlockThreshold)
	assert.Equal(t, 3, cfg.StepUpThreshold)
	assert.Equal(t, 90*time.Second, cfg.StepUpTTL)
	assert.Equal(t, 2*time.Hour, cfg.StepUpRetention)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero step-up threshold",
			mutate:  func(c *Config) { c.StepUpThreshold = 0 },
			wantErr: "RISK_STEPUP_THRESHOLD",
		},
		{
			name:    "block not above step-up",
			mutate:  func(c *Config) { c.BlockThreshold = c.StepUpThreshold },
			wantErr: "RISK_BLOCK_THRESHOLD",
		},
		{
			name:    "bad value threshold",
			mutate:  func(c *Config) { c.StepUpValue = "lots" },
			wantErr: "STEPUP_VALUE_THRESHOLD",
		},
		{
			name:    "non-positive ttl",
			mutate:  func(c *Config) { c.StepUpTTL = 0 },
			wantErr: "STEPUP_CODE_TTL",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.StepUpRetention = -time.Minute },
			wantErr: "STEPUP_RETENTION",
		},
		{
			name:    "short ledger key",
			mutate:  func(c *Config) { c.LedgerPrivateKey = "abc123" },
			wantErr: "64 hex characters",
		},
		{
			name: "ledger key with 0x prefix",
			mutate: func(c *Config) {
				c.LedgerPrivateKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
			},
		},
		{
			name:    "value threshold with three decimals",
			mutate:  func(c *Config) { c.StepUpValue = "10000.001" },
			wantErr: "STEPUP_VALUE_THRESHOLD",
		},
		{
			name: "short ops token in production",
			mutate: func(c *Config) {
				c.Env = "production"
				c.OpsToken = "short"
			},
			wantErr: "OPS_TOKEN",
		},
		{
			name:   "short ops token in development",
			mutate: func(c *Config) { c.OpsToken = "short" },
		},
		{
			name:    "webhook without secret",
			mutate:  func(c *Config) { c.AlertWebhookURL = "https://siem.example.com/hook" },
			wantErr: "ALERT_WEBHOOK_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_LedgerConfigured(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.LedgerConfigured())

	cfg.LedgerRPCURL = "https://rpc.example.com"
	cfg.LedgerChainID = 84532
	cfg.LedgerPrivateKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	assert.False(t, cfg.LedgerConfigured(), "contract still missing")

	cfg.LedgerContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	assert.True(t, cfg.LedgerConfigured())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, getEnvDuration("TEST_DURATION", time.Second))

	setEnv(t, "TEST_DURATION", "garbage")
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION", time.Second))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 7))

	setEnv(t, "TEST_INT", "x")
	assert.Equal(t, int64(7), getEnvInt64("TEST_INT", 7))
}

func TestConfig_Policy(t *testing.T) {
	cfg := validConfig()
	p := cfg.Policy()

	assert.Equal(t, 7, p.Block)
	assert.Equal(t, 4, p.StepUp)
	assert.Equal(t, int64(1_000_000), p.Value)
	assert.NoError(t, p.Validate())
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "true")
	assert.True(t, getEnvBool("TEST_BOOL", false))

	setEnv(t, "TEST_BOOL", "nope")
	assert.False(t, getEnvBool("TEST_BOOL", false))
}
