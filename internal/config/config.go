package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings of the facilitator.
type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	Owner  common.Address
	Agents []common.Address // pre-authorised by the owner at boot

	PGDSN        string // empty selects the in-memory ledger
	RedisURL     string // empty disables the event relay
	RedisChannel string

	AuthSecret []byte
	TokenTTL   time.Duration

	RateBurst  int
	RatePerSec float64
}

// Load reads configuration from the environment. A .env file in the working
// directory is honoured when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:          getEnv("X402_ENV", "development"),
		HTTPAddr:     getEnv("X402_HTTP_ADDR", ":8080"),
		GRPCAddr:     getEnv("X402_GRPC_ADDR", ":9091"),
		LogLevel:     getEnv("X402_LOG_LEVEL", "info"),
		PGDSN:        os.Getenv("X402_PG_DSN"),
		RedisURL:     os.Getenv("X402_REDIS_URL"),
		RedisChannel: getEnv("X402_REDIS_CHANNEL", "x402:events"),
		AuthSecret:   []byte(os.Getenv("X402_AUTH_SECRET")),
	}

	var errs []error

	owner := strings.TrimSpace(os.Getenv("X402_OWNER"))
	switch {
	case owner == "":
		errs = append(errs, errors.New("X402_OWNER is required"))
	case !common.IsHexAddress(owner):
		errs = append(errs, fmt.Errorf("X402_OWNER: invalid address %q", owner))
	default:
		cfg.Owner = common.HexToAddress(owner)
	}

	if agents := os.Getenv("X402_AGENTS"); agents != "" {
		for _, entry := range strings.Split(agents, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if !common.IsHexAddress(entry) {
				errs = append(errs, fmt.Errorf("X402_AGENTS: invalid address %q", entry))
				continue
			}
			cfg.Agents = append(cfg.Agents, common.HexToAddress(entry))
		}
	}

	if len(cfg.AuthSecret) == 0 {
		errs = append(errs, errors.New("X402_AUTH_SECRET is required"))
	} else if cfg.IsProduction() && len(cfg.AuthSecret) < 32 {
		errs = append(errs, errors.New("X402_AUTH_SECRET must be at least 32 bytes in production"))
	}

	var err error
	if cfg.TokenTTL, err = time.ParseDuration(getEnv("X402_TOKEN_TTL", "15m")); err != nil || cfg.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("X402_TOKEN_TTL: invalid duration %q", os.Getenv("X402_TOKEN_TTL")))
	}
	if cfg.RateBurst, err = strconv.Atoi(getEnv("X402_RATE_BURST", "20")); err != nil || cfg.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("X402_RATE_BURST: invalid value %q", os.Getenv("X402_RATE_BURST")))
	}
	if cfg.RatePerSec, err = strconv.ParseFloat(getEnv("X402_RATE_PER_SEC", "10"), 64); err != nil || cfg.RatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("X402_RATE_PER_SEC: invalid value %q", os.Getenv("X402_RATE_PER_SEC")))
	}

	if cfg.IsProduction() && cfg.PGDSN == "" {
		errs = append(errs, errors.New("X402_PG_DSN is required in production"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// IsProduction reports whether X402_ENV is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
