package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const ownerHex = "0x00000000000000000000000000000000000000A1"

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("X402_OWNER", ownerHex)
	t.Setenv("X402_AUTH_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9091" {
		t.Fatalf("unexpected addrs: %s %s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.Owner != common.HexToAddress(ownerHex) {
		t.Fatalf("owner = %s", cfg.Owner.Hex())
	}
	if cfg.TokenTTL != 15*time.Minute || cfg.RedisChannel != "x402:events" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.IsProduction() {
		t.Fatal("default env must not be production")
	}
}

func TestLoadAgents(t *testing.T) {
	setBase(t)
	t.Setenv("X402_AGENTS", " 0x00000000000000000000000000000000000000B1, ,0x00000000000000000000000000000000000000B2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1] != common.HexToAddress("0xB2") {
		t.Fatalf("agents = %v", cfg.Agents)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing owner", map[string]string{"X402_OWNER": ""}, "X402_OWNER is required"},
		{"bad owner", map[string]string{"X402_OWNER": "alice"}, "X402_OWNER: invalid address"},
		{"missing secret", map[string]string{"X402_AUTH_SECRET": ""}, "X402_AUTH_SECRET is required"},
		{"bad agent", map[string]string{"X402_AGENTS": "0x12"}, "X402_AGENTS: invalid address"},
		{"bad ttl", map[string]string{"X402_TOKEN_TTL": "soon"}, "X402_TOKEN_TTL"},
		{"bad burst", map[string]string{"X402_RATE_BURST": "0"}, "X402_RATE_BURST"},
		{"production needs dsn", map[string]string{"X402_ENV": "production", "X402_AUTH_SECRET": strings.Repeat("k", 32)}, "X402_PG_DSN is required"},
		{"production short secret", map[string]string{"X402_ENV": "production", "X402_PG_DSN": "postgres://x"}, "at least 32 bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
