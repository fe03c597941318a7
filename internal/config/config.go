package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	LedgerNone     = "none"
	LedgerMemory   = "memory"
	LedgerEthereum = "ethereum"
	LedgerGateway  = "gateway"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string      `mapstructure:"-"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	TransitionMaxRetries int `mapstructure:"TRANSITION_MAX_RETRIES"`

	LedgerDriver        string        `mapstructure:"LEDGER_DRIVER"`
	LedgerRPCURL        string        `mapstructure:"LEDGER_RPC_URL"`
	LedgerChainID       int64         `mapstructure:"LEDGER_CHAIN_ID"`
	LedgerPrivateKey    string        `mapstructure:"LEDGER_PRIVATE_KEY"`
	LedgerAnchorAddress string        `mapstructure:"LEDGER_ANCHOR_ADDRESS"`
	LedgerConfirmations uint64        `mapstructure:"LEDGER_CONFIRMATIONS"`
	LedgerGatewayURL    string        `mapstructure:"LEDGER_GATEWAY_URL"`
	LedgerGatewayToken  string        `mapstructure:"LEDGER_GATEWAY_TOKEN"`
	LedgerConfirmAfter  int           `mapstructure:"LEDGER_CONFIRM_AFTER"`
	AnchorQueuePrefix   string        `mapstructure:"ANCHOR_QUEUE_PREFIX"`
	AnchorPollInterval  time.Duration `mapstructure:"ANCHOR_POLL_INTERVAL"`
	AnchorCallTimeout   time.Duration `mapstructure:"ANCHOR_CALL_TIMEOUT"`
	AnchorMaxAttempts   int           `mapstructure:"ANCHOR_MAX_ATTEMPTS"`
	AnchorBackoffBase   time.Duration `mapstructure:"ANCHOR_BACKOFF_BASE"`
	AnchorBackoffMax    time.Duration `mapstructure:"ANCHOR_BACKOFF_MAX"`
	AnchorDeadline      time.Duration `mapstructure:"ANCHOR_DEADLINE"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TRANSITION_MAX_RETRIES",
	"LEDGER_DRIVER", "LEDGER_RPC_URL", "LEDGER_CHAIN_ID", "LEDGER_PRIVATE_KEY", "LEDGER_ANCHOR_ADDRESS",
	"LEDGER_CONFIRMATIONS", "LEDGER_GATEWAY_URL", "LEDGER_GATEWAY_TOKEN", "LEDGER_CONFIRM_AFTER",
	"ANCHOR_QUEUE_PREFIX", "ANCHOR_POLL_INTERVAL", "ANCHOR_CALL_TIMEOUT", "ANCHOR_MAX_ATTEMPTS",
	"ANCHOR_BACKOFF_BASE", "ANCHOR_BACKOFF_MAX", "ANCHOR_DEADLINE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("TRANSITION_MAX_RETRIES", 3)
	v.SetDefault("LEDGER_DRIVER", LedgerMemory)
	v.SetDefault("LEDGER_CONFIRMATIONS", 1)
	v.SetDefault("LEDGER_CONFIRM_AFTER", 2)
	v.SetDefault("ANCHOR_QUEUE_PREFIX", "consent:anchor")
	v.SetDefault("ANCHOR_POLL_INTERVAL", "5s")
	v.SetDefault("ANCHOR_CALL_TIMEOUT", "10s")
	v.SetDefault("ANCHOR_MAX_ATTEMPTS", 10)
	v.SetDefault("ANCHOR_BACKOFF_BASE", "2s")
	v.SetDefault("ANCHOR_BACKOFF_MAX", "2m")
	v.SetDefault("ANCHOR_DEADLINE", "30m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Split CORS origins ourselves so entries are trimmed
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.LedgerDriver = strings.ToLower(strings.TrimSpace(cfg.LedgerDriver))

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StorePostgres)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside
// development a token verifier must be configured, and the selected store
// and ledger drivers must have their connection settings.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=%s is not allowed in production", StoreMemory)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}

	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	switch c.LedgerDriver {
	case LedgerNone, LedgerMemory:
	case LedgerEthereum:
		if c.LedgerRPCURL == "" || c.LedgerPrivateKey == "" || c.LedgerAnchorAddress == "" {
			return fmt.Errorf("LEDGER_RPC_URL, LEDGER_PRIVATE_KEY and LEDGER_ANCHOR_ADDRESS are required when LEDGER_DRIVER=%s", LedgerEthereum)
		}
		if c.LedgerChainID <= 0 {
			return fmt.Errorf("LEDGER_CHAIN_ID must be positive, got %d", c.LedgerChainID)
		}
	case LedgerGateway:
		if c.LedgerGatewayURL == "" {
			return fmt.Errorf("LEDGER_GATEWAY_URL is required when LEDGER_DRIVER=%s", LedgerGateway)
		}
	default:
		return fmt.Errorf("LEDGER_DRIVER must be one of none, memory, ethereum, gateway, got %q", c.LedgerDriver)
	}

	if c.TransitionMaxRetries < 1 {
		return fmt.Errorf("TRANSITION_MAX_RETRIES must be at least 1, got %d", c.TransitionMaxRetries)
	}
	if c.AnchorMaxAttempts < 1 {
		return fmt.Errorf("ANCHOR_MAX_ATTEMPTS must be at least 1, got %d", c.AnchorMaxAttempts)
	}
	if c.AnchorBackoffMax < c.AnchorBackoffBase {
		return fmt.Errorf("ANCHOR_BACKOFF_MAX (%s) must not be below ANCHOR_BACKOFF_BASE (%s)", c.AnchorBackoffMax, c.AnchorBackoffBase)
	}
	return nil
}
