package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"15m":   15 * time.Minute,
		"7d":    7 * 24 * time.Hour,
		"1.5d":  36 * time.Hour,
		"90":    90 * time.Second,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDuration("")
	assert.Error(t, err)
	_, err = ParseDuration("abcd")
	assert.Error(t, err)
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("ACCESS_TOKEN_TTL", "")
	t.Setenv("REFRESH_TOKEN_TTL", "")

	cfg := fromEnv()
	assert.Equal(t, 5, cfg.OTP.ExpiryMinutes)
	assert.Equal(t, 3, cfg.OTP.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Token.RefreshTokenTTL)
	assert.Equal(t, "session", cfg.Token.Strategy)
	assert.False(t, cfg.OTP.InvalidateOnDeliveryFailure)
	assert.False(t, cfg.OTP.CollapseLookupErrors)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.GetServerAddress())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL", "30m")
	t.Setenv("REFRESH_TOKEN_TTL", "14d")
	t.Setenv("OTP_ALLOWED_ROLES", "customer, staff")
	t.Setenv("HASHING_PEPPERS", "1:first,2:second, bogus")
	t.Setenv("HASHING_CURRENT_PEPPER", "2")

	cfg := fromEnv()
	assert.Equal(t, 30*time.Minute, cfg.Token.AccessTokenTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.Token.RefreshTokenTTL)
	assert.Equal(t, []string{"customer", "staff"}, cfg.OTP.AllowedRoles)
	assert.Equal(t, map[int]string{1: "first", 2: "second"}, cfg.Hashing.Peppers)
	assert.Equal(t, 2, cfg.Hashing.CurrentPepper)
}

func TestValidate(t *testing.T) {
	cfg := fromEnv()
	cfg.Token.Secret = "a-secret-long-enough-for-tests-0123456789"
	cfg.Hashing.Peppers = map[int]string{1: "pepper"}
	cfg.Hashing.CurrentPepper = 1
	cfg.SMS.Provider = "log"
	require.NoError(t, cfg.Validate())

	cfg.Token.Strategy = "opaque"
	cfg.SMS.Provider = "twilio"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_STRATEGY")
	assert.Contains(t, err.Error(), "TWILIO_ACCOUNT_SID")
}

func TestValidateRejectsLogProviderInProduction(t *testing.T) {
	cfg := fromEnv()
	cfg.Environment = "production"
	cfg.Token.Secret = "a-secret-long-enough-for-tests-0123456789"
	cfg.Hashing.Peppers = map[int]string{1: "pepper"}
	cfg.SMS.Provider = "log"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMS_PROVIDER=log")
}

func TestBackendUsage(t *testing.T) {
	cfg := fromEnv()
	cfg.Backends = BackendConfig{OTPStore: "redis", Identity: "scylla", Sessions: "redis"}
	cfg.Token.Strategy = "jwt"
	cfg.RateLimit.Enabled = false

	assert.False(t, cfg.UsesPostgres())
	assert.True(t, cfg.UsesScylla())
	assert.True(t, cfg.UsesRedis())

	cfg.Backends = BackendConfig{OTPStore: "memory", Identity: "memory", Sessions: "scylla"}
	assert.False(t, cfg.UsesScylla())
	cfg.Token.Strategy = "session"
	assert.True(t, cfg.UsesScylla())
	assert.False(t, cfg.UsesRedis())
}
