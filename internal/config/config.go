// Package config loads the wallet service settings from the environment.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/pkg/model"
	pkgconfig "github.com/kesc-finance/wallet/pkg/config"
)

// Config holds the runtime configuration of the wallet service.
type Config struct {
	ServiceName string // e.g. "kesc-wallet"
	Env         string // e.g. "dev", "uat", "prod"
	LogLevel    string

	Port             int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	// Ramp provider
	RampBaseURL        string
	RampAPIKey         string
	RampAPIKeySecretID string // AWS Secrets Manager id holding {"api_key": ...}
	RampRetryMax       int
	RampTimeout        time.Duration
	RampRateLimit      float64 // requests per second, 0 disables
	RampRateBurst      int
	AWSRegion          string
	SecretsCacheTTL    time.Duration

	// Flow defaults
	Operator           string
	Country            string
	Network            string
	CryptoType         string
	MinAmount          decimal.Decimal
	MaxAmount          decimal.Decimal
	EnforceQuoteExpiry bool
	TrackAbandoned     bool

	// Status reconciliation
	StatusPollInterval time.Duration
	StatusPollDeadline time.Duration // 0 polls until terminal

	// Chain
	ChainRPCURL   string
	TokenAddress  string
	WalletKey     string
	TokenDecimals int32
	ReceiptPoll   time.Duration

	// Infrastructure, each optional
	RedisAddr       string
	RedisDB         int
	SessionTTL      time.Duration
	DatabaseURL     string
	NATSURL         string
	RefreshInterval time.Duration
}

// Load reads .env if present, then the environment.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "kesc-wallet"),
		Env:         pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:    pkgconfig.GetEnv("LOG_LEVEL", "info"),

		Port:             pkgconfig.GetEnvInt("PORT", 9040),
		HTTPReadTimeout:  pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:  pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    pkgconfig.GetEnvInt("HTTP_BODY_LIMIT", 1*1024*1024),

		RampBaseURL:        pkgconfig.GetEnv("ONERAMP_API_URL", ""),
		RampAPIKey:         pkgconfig.GetEnv("ONERAMP_API_KEY", ""),
		RampAPIKeySecretID: pkgconfig.GetEnv("ONERAMP_API_KEY_SECRET_ID", ""),
		RampRetryMax:       pkgconfig.GetEnvInt("RAMP_RETRY_MAX", 2),
		RampTimeout:        pkgconfig.GetEnvDuration("RAMP_TIMEOUT", 15*time.Second),
		RampRateLimit:      pkgconfig.GetEnvFloat("RAMP_RATE_LIMIT", 5),
		RampRateBurst:      pkgconfig.GetEnvInt("RAMP_RATE_BURST", 10),
		AWSRegion:          pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		SecretsCacheTTL:    pkgconfig.GetEnvDuration("CACHE_TTL", 24*time.Hour),

		Operator:           pkgconfig.GetEnv("OPERATOR", "mpesa"),
		Country:            strings.ToUpper(pkgconfig.GetEnv("COUNTRY", "KE")),
		Network:            pkgconfig.GetEnv("CHAIN", "celo"),
		CryptoType:         pkgconfig.GetEnv("CRYPTO_TYPE", "USDC"),
		MinAmount:          pkgconfig.GetEnvDecimal("MIN_AMOUNT", decimal.NewFromInt(2000)),
		MaxAmount:          pkgconfig.GetEnvDecimal("MAX_AMOUNT", decimal.NewFromInt(20000)),
		EnforceQuoteExpiry: pkgconfig.GetEnvBool("ENFORCE_QUOTE_EXPIRY", true),
		TrackAbandoned:     pkgconfig.GetEnvBool("TRACK_ABANDONED", true),

		StatusPollInterval: pkgconfig.GetEnvDuration("STATUS_POLL_INTERVAL", 5*time.Second),
		StatusPollDeadline: pkgconfig.GetEnvDuration("STATUS_POLL_DEADLINE", 0),

		ChainRPCURL:   pkgconfig.GetEnv("CHAIN_RPC_URL", "http://localhost:8545"),
		TokenAddress:  pkgconfig.GetEnv("KESC_ADDRESS", ""),
		WalletKey:     pkgconfig.GetEnv("WALLET_PRIVATE_KEY", ""),
		TokenDecimals: int32(pkgconfig.GetEnvInt("TOKEN_DECIMALS", 18)),
		ReceiptPoll:   pkgconfig.GetEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),

		RedisAddr:       pkgconfig.GetEnv("REDIS_ADDR", ""),
		RedisDB:         pkgconfig.GetEnvInt("REDIS_DB", 0),
		SessionTTL:      pkgconfig.GetEnvDuration("SESSION_TTL", 24*time.Hour),
		DatabaseURL:     pkgconfig.GetEnv("DATABASE_URL", ""),
		NATSURL:         pkgconfig.GetEnv("NATS_URL", ""),
		RefreshInterval: pkgconfig.GetEnvDuration("REFRESH_INTERVAL", time.Minute),
	}
}

// Validate reports settings the service cannot start without. Ramp credentials
// may come from Secrets Manager, so a secret id stands in for the key.
func (c *Config) Validate() error {
	var errs []error
	if c.RampBaseURL == "" {
		errs = append(errs, apperr.New(apperr.KindConfiguration, "config", "ONERAMP_API_URL is not configured"))
	}
	if c.RampAPIKey == "" && c.RampAPIKeySecretID == "" {
		errs = append(errs, apperr.New(apperr.KindConfiguration, "config", "ONERAMP_API_KEY is not configured"))
	}
	if c.Country == "" || c.Network == "" {
		errs = append(errs, apperr.New(apperr.KindConfiguration, "config", "COUNTRY and CHAIN are required"))
	} else if _, ok := model.LookupCountry(c.Country); !ok {
		errs = append(errs, apperr.Newf(apperr.KindConfiguration, "config", "unsupported COUNTRY %q", c.Country))
	}
	if !c.MinAmount.IsPositive() || c.MaxAmount.LessThan(c.MinAmount) {
		errs = append(errs, apperr.Newf(apperr.KindConfiguration, "config", "invalid amount bounds [%s, %s]", c.MinAmount, c.MaxAmount))
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		errs = append(errs, apperr.Newf(apperr.KindConfiguration, "config", "invalid TOKEN_DECIMALS %d", c.TokenDecimals))
	}
	if c.StatusPollInterval <= 0 {
		errs = append(errs, apperr.New(apperr.KindConfiguration, "config", "STATUS_POLL_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateChain reports missing settings for talking to a real chain.
func (c *Config) ValidateChain() error {
	var errs []error
	if c.TokenAddress == "" {
		errs = append(errs, apperr.New(apperr.KindConfiguration, "config", "KESC_ADDRESS is not configured"))
	}
	if c.WalletKey == "" {
		errs = append(errs, apperr.New(apperr.KindConfiguration, "config", "WALLET_PRIVATE_KEY is not configured"))
	}
	return errors.Join(errs...)
}
