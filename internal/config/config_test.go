package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kesc-finance/wallet/internal/apperr"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ONERAMP_API_URL", "")
	t.Setenv("COUNTRY", "")
	t.Setenv("MIN_AMOUNT", "")
	t.Setenv("STATUS_POLL_INTERVAL", "")

	cfg := Load()
	assert.Equal(t, "kesc-wallet", cfg.ServiceName)
	assert.Equal(t, "KE", cfg.Country)
	assert.Equal(t, "celo", cfg.Network)
	assert.True(t, decimal.NewFromInt(2000).Equal(cfg.MinAmount))
	assert.True(t, decimal.NewFromInt(20000).Equal(cfg.MaxAmount))
	assert.Equal(t, 5*time.Second, cfg.StatusPollInterval)
	assert.Zero(t, cfg.StatusPollDeadline)
	assert.True(t, cfg.EnforceQuoteExpiry)
	assert.Equal(t, int32(18), cfg.TokenDecimals)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ONERAMP_API_URL", "https://api.oneramp.io")
	t.Setenv("ONERAMP_API_KEY", "k")
	t.Setenv("COUNTRY", "ug")
	t.Setenv("MIN_AMOUNT", "100.5")
	t.Setenv("RAMP_RATE_LIMIT", "0.5")
	t.Setenv("STATUS_POLL_DEADLINE", "10m")
	t.Setenv("ENFORCE_QUOTE_EXPIRY", "false")

	cfg := Load()
	assert.Equal(t, "UG", cfg.Country)
	assert.Equal(t, "100.5", cfg.MinAmount.String())
	assert.Equal(t, 0.5, cfg.RampRateLimit)
	assert.Equal(t, 10*time.Minute, cfg.StatusPollDeadline)
	assert.False(t, cfg.EnforceQuoteExpiry)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Country:            "KE",
		Network:            "celo",
		MinAmount:          decimal.NewFromInt(2000),
		MaxAmount:          decimal.NewFromInt(20000),
		TokenDecimals:      18,
		StatusPollInterval: time.Second,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Contains(t, err.Error(), "ONERAMP_API_URL")
	assert.Contains(t, err.Error(), "ONERAMP_API_KEY")

	cfg.RampBaseURL = "http://ramp"
	cfg.RampAPIKeySecretID = "kesc/oneramp"
	require.NoError(t, cfg.Validate())

	cfg.Country = "TZ"
	assert.ErrorContains(t, cfg.Validate(), "unsupported COUNTRY")

	cfg.Country = "KE"
	cfg.MaxAmount = decimal.NewFromInt(10)
	assert.ErrorContains(t, cfg.Validate(), "invalid amount bounds")
}

func TestValidateChain(t *testing.T) {
	cfg := &Config{}
	err := cfg.ValidateChain()
	assert.ErrorContains(t, err, "KESC_ADDRESS")
	assert.ErrorContains(t, err, "WALLET_PRIVATE_KEY")

	cfg.TokenAddress = "0x1"
	cfg.WalletKey = "abc"
	assert.NoError(t, cfg.ValidateChain())
}
