package simulation

import (
	"context"
	"testing"
	"time"

	"capsim/internal/metrics"
	"capsim/internal/strategy"
	"capsim/pkg/cache"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type midRand struct{}

func (midRand) Float64() float64 { return 0.5 }

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Clock:  func() clock.Clock { return clock.NewFake(t0) },
		Random: func() Random { return midRand{} },
	}
}

func TestNewEnvironment(t *testing.T) {
	cfg := config.Default()

	env, err := NewEnvironment(cfg, config.StrategyStrict, testOptions(), logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "Pure CP (Strict Consistency)", env.Name)
	assert.IsType(t, &strategy.StrictCP{}, env.Strategy)
	assert.Equal(t, config.NodeDakar, env.Cluster.Primary.ID)

	_, err = NewEnvironment(cfg, "eventual", testOptions(), logger.NewNop())
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidRequest)
}

func TestRedisCachesStartEmptyOnEveryRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := cache.NewRedisClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()

	cfg := config.Default()
	ctx := context.Background()
	opts := testOptions()
	opts.Redis = client

	first, err := NewEnvironment(cfg, config.StrategyAdaptive, opts, logger.NewNop())
	require.NoError(t, err)
	sl, err := first.Node(config.NodeSaintLouis)
	require.NoError(t, err)
	sl.CacheBalance(ctx, "user_001", decimal.NewFromInt(47000), time.Minute)
	assert.True(t, mr.Exists(first.CacheNamespace+":"+config.NodeSaintLouis+":balance:user_001"))

	second, err := NewEnvironment(cfg, config.StrategyAdaptive, opts, logger.NewNop())
	require.NoError(t, err)
	assert.NotEqual(t, first.CacheNamespace, second.CacheNamespace)

	sl, err = second.Node(config.NodeSaintLouis)
	require.NoError(t, err)
	_, hit := sl.CachedBalance(ctx, "user_001")
	assert.False(t, hit)

	res := second.Strategy.ExecuteBalanceQuery(ctx, sl, strategy.BalanceRequest{User: "user_001", Context: strategy.ContextDisplay})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "50000", res.Balance.String())
}

func TestCompareStrategies(t *testing.T) {
	r := NewRunner(config.Default(), testOptions(), logger.NewNop())

	report, err := r.Compare(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Collectors(), 2)

	for _, c := range report.Collectors() {
		for _, op := range metrics.Operations {
			assert.Equal(t, 100.0, c.Availability(op, metrics.PhaseBefore), "%s %s before", c.Strategy, op)
			assert.Equal(t, 100.0, c.Availability(op, metrics.PhaseAfter), "%s %s after", c.Strategy, op)
			assert.Equal(t, 1, c.Count(op, metrics.PhaseDuring))
		}
	}

	for _, op := range metrics.Operations {
		assert.Equal(t, 0.0, report.Strict.Availability(op, metrics.PhaseDuring), op)
	}

	a := report.Adaptive
	assert.Equal(t, 0.0, a.Availability(metrics.OpTransfer, metrics.PhaseDuring))
	assert.Equal(t, 100.0, a.Availability(metrics.OpBalance, metrics.PhaseDuring))
	assert.Equal(t, 100.0, a.Availability(metrics.OpHistory, metrics.PhaseDuring))
	assert.Equal(t, 0.0, a.Availability(metrics.OpPayment, metrics.PhaseDuring), "6000 is above the queue threshold")
}

func TestScenarioReplicasConvergeAfterHeal(t *testing.T) {
	cfg := config.Default()
	env, err := NewEnvironment(cfg, config.StrategyAdaptive, testOptions(), logger.NewNop())
	require.NoError(t, err)

	r := NewRunner(cfg, testOptions(), logger.NewNop())
	_, err = r.RunScenario(context.Background(), env)
	require.NoError(t, err)

	events := env.Controller.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "heal", events[1].Kind)
	assert.False(t, env.Controller.Active(config.NodeDakar, config.NodeZiguinchor))

	primary := env.Cluster.Primary.Balances()
	for _, n := range env.Cluster.Replicas {
		got := n.Balances()
		require.Len(t, got, len(primary), n.ID)
		for user, want := range primary {
			assert.True(t, want.Equal(got[user]), "%s %s: %s != %s", n.ID, user, got[user], want)
		}
	}
}

func TestScenarioStopsOnCancelledContext(t *testing.T) {
	cfg := config.Default()
	env, err := NewEnvironment(cfg, config.StrategyStrict, testOptions(), logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewRunner(cfg, testOptions(), logger.NewNop()).RunScenario(ctx, env)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplay24h(t *testing.T) {
	r := NewRunner(config.Default(), testOptions(), logger.NewNop())

	hours, err := r.Replay24h(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, hours, 24)

	for _, h := range hours {
		assert.Equal(t, 3, h.SuccessCount+h.FailureCount)
		assert.Equal(t, 100.0, h.SuccessRate, "hour %d", h.Hour)
	}
	assert.Equal(t, "AP", hours[18].Position)
	assert.Equal(t, 5000, hours[18].ExpectedLoad)
}

func TestNewRandomIsDeterministic(t *testing.T) {
	a, b := NewRandom(7), NewRandom(7)
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Float64(), b.Float64())
	}
}
