package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "trinity", cfg.Engine.DecisionModeDefault)
	assert.Equal(t, 180*time.Second, cfg.Engine.CycleInterval)
	assert.Equal(t, 12, cfg.Engine.SummaryEveryCycles)
	assert.Equal(t, 20, cfg.Database.PoolSize)
	assert.Equal(t, 80, cfg.Database.MaxOverflow)
	assert.Equal(t, time.Hour, cfg.Database.PoolRecycle)
	assert.Equal(t, 180*time.Second, cfg.LLM.CacheTTL)
	assert.Equal(t, 0.0, cfg.LLM.DailyCostLimitUSD, "budget gate disabled by default")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DECISION_MODE_DEFAULT", "llm")
	t.Setenv("CYCLE_INTERVAL_SECONDS", "60")
	t.Setenv("LLM_DAILY_COST_LIMIT_USD", "1.5")
	t.Setenv("DB_POOL_RECYCLE", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "llm", cfg.Engine.DecisionModeDefault)
	assert.Equal(t, 60*time.Second, cfg.Engine.CycleInterval)
	assert.Equal(t, 1.5, cfg.LLM.DailyCostLimitUSD)
	assert.Equal(t, 30*time.Minute, cfg.Database.PoolRecycle)
}

func TestLoadRejectsBadMode(t *testing.T) {
	t.Setenv("DECISION_MODE_DEFAULT", "astrology")
	_, err := Load()
	require.Error(t, err)
}

func TestDurationFallsBackToSeconds(t *testing.T) {
	t.Setenv("DB_POOL_RECYCLE", "1800")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Database.PoolRecycle)
}
