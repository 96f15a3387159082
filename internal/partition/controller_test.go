package partition

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"capsim/internal/domain"
	"capsim/internal/network"
	"capsim/internal/node"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type midRand struct{}

func (midRand) Float64() float64 { return 0.5 }

var t0 = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

type fixture struct {
	clk     *clock.Fake
	link    *network.Link
	cluster *node.Cluster
	ctrl    *Controller
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewFake(t0)
	link, err := network.NewLink(cfg.Network, clk, midRand{}, logger.NewNop())
	require.NoError(t, err)

	var nodes []*node.Node
	for _, spec := range cfg.Network.Nodes {
		n := node.New(spec, node.Options{Clock: clk, HeartbeatStale: cfg.Simulation.HeartbeatStale})
		n.Seed([]domain.Account{{UserID: "alice", Balance: decimal.NewFromInt(10000)}}, nil)
		nodes = append(nodes, n)
	}
	cluster, err := node.NewCluster(nodes...)
	require.NoError(t, err)

	return &fixture{
		clk:     clk,
		link:    link,
		cluster: cluster,
		ctrl:    NewController(link, cluster, clk, cfg, logger.NewNop()),
	}
}

func (f *fixture) node(t *testing.T, id string) *node.Node {
	n, err := f.cluster.Node(id)
	require.NoError(t, err)
	return n
}

func TestCreatePartition(t *testing.T) {
	f := setup(t)
	dakar, zig := f.node(t, config.NodeDakar), f.node(t, config.NodeZiguinchor)

	require.NoError(t, f.ctrl.CreatePartition(config.NodeZiguinchor, config.NodeDakar))

	assert.True(t, f.ctrl.Active(config.NodeDakar, config.NodeZiguinchor))
	assert.True(t, math.IsInf(f.link.BaseLatency(config.NodeDakar, config.NodeZiguinchor), 1))
	assert.False(t, zig.CanReachPrimary(dakar))
	assert.False(t, dakar.Reachable(config.NodeZiguinchor))
	assert.Equal(t, domain.NodeStateIsolated, zig.State())
	assert.Equal(t, domain.NodeStateIsolated, dakar.State())

	sl := f.node(t, config.NodeSaintLouis)
	assert.True(t, sl.CanReachPrimary(dakar))
}

func TestUnknownNode(t *testing.T) {
	f := setup(t)
	err := f.ctrl.CreatePartition(config.NodeDakar, "THIES")
	assert.True(t, errors.Is(err, pkgerrors.ErrNodeNotFound))
	assert.True(t, errors.Is(f.ctrl.HealPartition(context.Background(), "THIES", config.NodeDakar), pkgerrors.ErrNodeNotFound))
}

func TestHealIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	dakar, sl := f.node(t, config.NodeDakar), f.node(t, config.NodeSaintLouis)

	require.NoError(t, f.ctrl.CreatePartition(config.NodeDakar, config.NodeSaintLouis))
	// activity during the partition
	dakar.SetBalance(ctx, "alice", decimal.NewFromInt(4000))
	f.clk.Advance(2 * time.Second)

	for i := 0; i < 2; i++ {
		start := f.clk.Now()
		require.NoError(t, f.ctrl.HealPartition(ctx, config.NodeSaintLouis, config.NodeDakar))
		assert.Equal(t, 500*time.Millisecond, f.clk.Now().Sub(start))

		assert.False(t, f.ctrl.Active(config.NodeDakar, config.NodeSaintLouis))
		assert.Equal(t, 50.0, f.link.BaseLatency(config.NodeDakar, config.NodeSaintLouis))
		assert.Equal(t, 50.0, f.link.BaseLatency(config.NodeSaintLouis, config.NodeDakar))
		assert.True(t, sl.CanReachPrimary(dakar))
		assert.True(t, dakar.Reachable(config.NodeSaintLouis))
		assert.Equal(t, domain.NodeStateHealthy, sl.State())
		assert.Equal(t, domain.NodeStateHealthy, dakar.State())
	}

	// the replica converged on the primary's ledger
	v, _ := sl.GetBalance(ctx, "alice", false)
	assert.Equal(t, "4000", v.String())

	events := f.ctrl.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "create", events[0].Kind)
	assert.Equal(t, 2*time.Second, events[1].Duration)
	assert.Zero(t, events[2].Duration)
}

func TestHeartbeat(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	zig := f.node(t, config.NodeZiguinchor)

	f.clk.Advance(4 * time.Second)
	assert.False(t, zig.IsHealthy())

	reached := f.ctrl.Heartbeat(ctx)
	assert.ElementsMatch(t, []string{config.NodeDakar, config.NodeSaintLouis, config.NodeZiguinchor}, reached)
	assert.True(t, zig.IsHealthy())

	require.NoError(t, f.ctrl.CreatePartition(config.NodeDakar, config.NodeZiguinchor))
	start := f.clk.Now()
	reached = f.ctrl.Heartbeat(ctx)
	assert.NotContains(t, reached, config.NodeZiguinchor)
	// the dead link costs one heartbeat timeout
	assert.GreaterOrEqual(t, f.clk.Now().Sub(start), time.Second)
	assert.False(t, zig.IsHealthy())
}

func TestRunScenario(t *testing.T) {
	f := setup(t)
	start := f.clk.Now()

	require.NoError(t, f.ctrl.RunScenario(context.Background(), config.NodeDakar, config.NodeZiguinchor, 10*time.Second))

	assert.Equal(t, 10*time.Second+500*time.Millisecond, f.clk.Now().Sub(start))
	assert.False(t, f.ctrl.Active(config.NodeDakar, config.NodeZiguinchor))
	assert.Len(t, f.ctrl.Events(), 2)
}
