// Package config loads the validator node's environment-variable surface
// into a typed Config: env-first resolution with fail-fast on a
// missing required value, scoped to this node's surface (no cluster
// topology, no service mesh, no TLS bundle management).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete set of environment-sourced settings.
type Config struct {
	Port      int
	RedisURL  string
	SeedNodes []string

	PostgresDSN string

	GasPrice    uint64
	BlockReward uint64
	SupplyCap   uint64

	ViewChangeTimeout time.Duration
	HeartbeatInterval time.Duration
	RoundTick         time.Duration
	MaxBlockTx        int

	SigningKeySeedHex string

	LogLevel     string
	NodeID       string
	AuditLogPath string
	MetricsPort  int
}

// Load reads a .env file if present (development convenience; absence is
// not an error) and then resolves the Config from the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnvAsInt("PORT", 8080),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SeedNodes:         getEnvAsList("SEED_NODES"),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		GasPrice:          getEnvAsUint64("GAS_PRICE", 10),
		BlockReward:       getEnvAsUint64("BLOCK_REWARD", 50),
		SupplyCap:         getEnvAsUint64("SUPPLY_CAP", 0),
		ViewChangeTimeout: getEnvAsDuration("VIEW_CHANGE_TIMEOUT", 10*time.Second),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		RoundTick:         getEnvAsDuration("ROUND_TICK", 5*time.Second),
		MaxBlockTx:        getEnvAsInt("MAX_BLOCK_TX", 500),
		SigningKeySeedHex: getEnv("SIGNING_KEY_SEED", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		NodeID:            getEnv("NODE_ID", ""),
		AuditLogPath:      getEnv("AUDIT_LOG_PATH", "/var/log/validator/audit.log"),
		MetricsPort:       getEnvAsInt("METRICS_PORT", 9100),
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("config: POSTGRES_DSN is required")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvAsUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvAsList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
