package config

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairIsUnordered(t *testing.T) {
	assert.Equal(t, Pair(NodeDakar, NodeZiguinchor), Pair(NodeZiguinchor, NodeDakar))
	assert.Equal(t, "DAKAR", Pair(NodeZiguinchor, NodeDakar).A)
}

func TestDefaultTables(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ValidateCore())

	normal, ok := cfg.Network.LatencyTable(ModeNormal)
	require.True(t, ok)
	assert.Equal(t, 50.0, normal[Pair(NodeSaintLouis, NodeDakar)])

	partitioned, _ := cfg.Network.LatencyTable(ModePartitioned)
	assert.True(t, math.IsInf(partitioned[Pair(NodeDakar, NodeZiguinchor)], 1))

	assert.Equal(t, 5*time.Second, cfg.Timeouts.Transfer)
	assert.Equal(t, 60*time.Second, cfg.Cache.BalanceTTL)
	assert.True(t, cfg.Payment.QueueThreshold.Equal(decimal.NewFromInt(5000)))
}

func TestLatencyTableIsACopy(t *testing.T) {
	cfg := Default()
	table, _ := cfg.Network.LatencyTable(ModeNormal)
	table[Pair(NodeDakar, NodeSaintLouis)] = 999

	again, _ := cfg.Network.LatencyTable(ModeNormal)
	assert.Equal(t, 50.0, again[Pair(NodeDakar, NodeSaintLouis)])
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TRANSFER_TIMEOUT", "750ms")
	t.Setenv("CACHE_TTL_BALANCE", "5s")
	t.Setenv("PAYMENT_QUEUE_THRESHOLD", "2500")
	t.Setenv("SIM_PARALLEL_FANOUT", "yes")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("SIM_STRATEGY", "STRICT")

	cfg := Load()
	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.Transfer)
	assert.Equal(t, 5*time.Second, cfg.Cache.BalanceTTL)
	assert.True(t, cfg.Payment.QueueThreshold.Equal(decimal.NewFromInt(2500)))
	assert.True(t, cfg.Simulation.ParallelFanout)
	assert.Equal(t, "cache:6379", cfg.Redis.URL)
	assert.Equal(t, StrategyStrict, cfg.Simulation.Strategy)
}

func TestValidateCoreReportsProblems(t *testing.T) {
	cfg := Default()
	cfg.Network.Mode = "storm"
	cfg.Cache.Backend = "memcached"
	cfg.Network.Nodes = cfg.Network.Nodes[1:]
	cfg.Simulation.Strategy = "eventual"

	err := cfg.ValidateCore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storm")
	assert.Contains(t, err.Error(), "memcached")
	assert.Contains(t, err.Error(), "exactly one master")
	assert.Contains(t, err.Error(), "eventual")
}
