package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "OUTBOX_EXCHANGE")
	unsetEnvWithCleanup(t, "IDEMPOTENCY_TTL_HOURS")
	unsetEnvWithCleanup(t, "AUTO_APPROVE_THRESHOLD")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.OutboxExchange != "card.events" {
		t.Fatalf("expected default outbox exchange, got %q", cfg.OutboxExchange)
	}
	if cfg.IdempotencyTTLHours != 24 {
		t.Fatalf("expected default idempotency TTL of 24h, got %d", cfg.IdempotencyTTLHours)
	}
	if cfg.AutoApproveThreshold != 700 {
		t.Fatalf("expected default auto-approve threshold of 700, got %d", cfg.AutoApproveThreshold)
	}
	if cfg.OutboxMaxAttempts != 5 {
		t.Fatalf("expected default outbox max attempts of 5, got %d", cfg.OutboxMaxAttempts)
	}
}

func TestLoadConfig_PortAliasOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9191")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9191" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_SanitizesNonPositiveTTL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "IDEMPOTENCY_TTL_HOURS", "-3")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.IdempotencyTTLHours != 24 {
		t.Fatalf("expected negative TTL to be coerced to 24, got %d", cfg.IdempotencyTTLHours)
	}
}

func TestCreditPolicy_AppliesOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "AUTO_APPROVE_THRESHOLD", "650")
	setEnvWithCleanup(t, "TIER_LIMIT_HIGH", "15000")
	setEnvWithCleanup(t, "SEVERE_PENALTY", "-150")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	policy := cfg.CreditPolicy()
	if policy.AutoApproveThreshold != 650 {
		t.Fatalf("expected threshold override 650, got %d", policy.AutoApproveThreshold)
	}
	if policy.TierLimits["high"] != 15000 {
		t.Fatalf("expected high-tier limit override 15000, got %d", policy.TierLimits["high"])
	}
	if policy.SeverePenalty != -150 {
		t.Fatalf("expected severe penalty override -150, got %d", policy.SeverePenalty)
	}
	// Untouched knobs keep their defaults.
	if policy.MinimumPaymentFloor != 25 {
		t.Fatalf("expected default minimum payment floor 25, got %d", policy.MinimumPaymentFloor)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
