package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFailsWithoutPostgresDSN(t *testing.T) {
	clearEnv(t, "POSTGRES_DSN")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "PORT", "REDIS_URL", "POSTGRES_DSN", "GAS_PRICE", "ROUND_TICK", "SEED_NODES")
	os.Setenv("POSTGRES_DSN", "postgres://localhost/validator")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Equal(t, uint64(10), cfg.GasPrice)
	require.Equal(t, 5*time.Second, cfg.RoundTick)
	require.Nil(t, cfg.SeedNodes)
}

func TestLoadHonorsOverrides(t *testing.T) {
	clearEnv(t, "PORT", "POSTGRES_DSN", "GAS_PRICE", "SEED_NODES")
	os.Setenv("PORT", "9999")
	os.Setenv("POSTGRES_DSN", "postgres://localhost/validator")
	os.Setenv("GAS_PRICE", "25")
	os.Setenv("SEED_NODES", "node-a:26656,node-b:26656")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, uint64(25), cfg.GasPrice)
	require.Equal(t, []string{"node-a:26656", "node-b:26656"}, cfg.SeedNodes)
}

func TestGetEnvAsListSkipsEmptySegments(t *testing.T) {
	clearEnv(t, "SEED_LIST_TEST")
	os.Setenv("SEED_LIST_TEST", "a,,b,")
	require.Equal(t, []string{"a", "b"}, getEnvAsList("SEED_LIST_TEST"))
}
