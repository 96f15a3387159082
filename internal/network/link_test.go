package network

import (
	"context"
	"math"
	"testing"
	"time"

	"capsim/pkg/clock"
	"capsim/pkg/config"
	"capsim/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedRand returns the queued draws in order, then repeats the last one.
type fixedRand struct {
	draws []float64
}

func (f *fixedRand) Float64() float64 {
	v := f.draws[0]
	if len(f.draws) > 1 {
		f.draws = f.draws[1:]
	}
	return v
}

func newTestLink(t *testing.T, mode string, draws ...float64) (*Link, *clock.Fake) {
	t.Helper()
	cfg := config.Default().Network
	cfg.Mode = mode
	clk := clock.NewFake(time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC))
	if len(draws) == 0 {
		draws = []float64{0.5}
	}
	l, err := NewLink(cfg, clk, &fixedRand{draws: draws}, logger.NewNop())
	require.NoError(t, err)
	return l, clk
}

func TestDeliverNoJitterAtMidpoint(t *testing.T) {
	l, clk := newTestLink(t, config.ModeNormal)
	start := clk.Now()

	resp := l.Deliver(context.Background(), config.NodeDakar, config.NodeSaintLouis, MsgPrepare, map[string]interface{}{"tx": "TX_1"})

	require.NotNil(t, resp)
	assert.Equal(t, "success", resp.Status)
	assert.InDelta(t, 50.0, resp.LatencyMS, 0.001)
	assert.Equal(t, "TX_1", resp.Payload["tx"])
	assert.Equal(t, 50*time.Millisecond, clk.Now().Sub(start))
}

func TestDeliverJitterBounds(t *testing.T) {
	// loss draw, then jitter draw
	low, _ := newTestLink(t, config.ModeNormal, 0.5, 0.0)
	resp := low.Deliver(context.Background(), config.NodeDakar, config.NodeZiguinchor, MsgCommit, nil)
	require.NotNil(t, resp)
	assert.InDelta(t, 120.0, resp.LatencyMS, 0.001)

	high, _ := newTestLink(t, config.ModeNormal, 0.5, 0.999999)
	resp = high.Deliver(context.Background(), config.NodeDakar, config.NodeZiguinchor, MsgCommit, nil)
	require.NotNil(t, resp)
	assert.InDelta(t, 180.0, resp.LatencyMS, 0.01)
}

func TestBaseLatency(t *testing.T) {
	l, _ := newTestLink(t, config.ModeNormal)

	assert.Equal(t, 50.0, l.BaseLatency(config.NodeDakar, config.NodeSaintLouis))
	assert.Equal(t, 50.0, l.BaseLatency(config.NodeSaintLouis, config.NodeDakar))
	assert.Equal(t, 0.0, l.BaseLatency(config.NodeDakar, config.NodeDakar))
	assert.Equal(t, 100.0, l.BaseLatency(config.NodeDakar, "THIES"))
}

func TestDeliverLoss(t *testing.T) {
	// 0.0005*100 = 0.05 < 0.1% loss
	l, _ := newTestLink(t, config.ModeNormal, 0.0005)

	resp := l.Deliver(context.Background(), config.NodeDakar, config.NodeSaintLouis, MsgPrepare, nil)

	assert.Nil(t, resp)
	entries := l.Log()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "packet lost", entries[0].Error)
}

func TestPartitionWaitsForDeadline(t *testing.T) {
	l, clk := newTestLink(t, config.ModeNormal)
	l.SetPartition(config.NodeZiguinchor, config.NodeDakar)
	assert.True(t, l.Partitioned(config.NodeDakar, config.NodeZiguinchor))
	assert.True(t, math.IsInf(l.BaseLatency(config.NodeDakar, config.NodeZiguinchor), 1))

	start := clk.Now()
	ctx, cancel := clock.WithTimeout(context.Background(), clk, 2*time.Second)
	defer cancel()

	resp := l.Deliver(ctx, config.NodeDakar, config.NodeZiguinchor, MsgBalanceQuery, nil)

	assert.Nil(t, resp)
	assert.Equal(t, 2*time.Second, clk.Now().Sub(start))
}

func TestPartitionWithoutDeadlineFailsImmediately(t *testing.T) {
	l, clk := newTestLink(t, config.ModeNormal)
	l.SetPartition(config.NodeDakar, config.NodeSaintLouis)
	start := clk.Now()

	assert.Nil(t, l.Deliver(context.Background(), config.NodeDakar, config.NodeSaintLouis, MsgPrepare, nil))
	assert.Equal(t, start, clk.Now())
}

func TestDeadlineCutsDelivery(t *testing.T) {
	l, clk := newTestLink(t, config.ModeCongested, 0.9)
	ctx, cancel := clock.WithTimeout(context.Background(), clk, 100*time.Millisecond)
	defer cancel()

	resp := l.Deliver(ctx, config.NodeDakar, config.NodeZiguinchor, MsgCommit, nil)

	assert.Nil(t, resp)
	entries := l.Log()
	require.Len(t, entries, 1)
	assert.Equal(t, "deadline exceeded", entries[0].Error)
}

func TestHealRestoresNormalLatency(t *testing.T) {
	l, _ := newTestLink(t, config.ModeCongested)
	l.SetPartition(config.NodeDakar, config.NodeSaintLouis)
	l.HealPartition(config.NodeSaintLouis, config.NodeDakar)

	assert.False(t, l.Partitioned(config.NodeDakar, config.NodeSaintLouis))
	assert.Equal(t, 50.0, l.BaseLatency(config.NodeDakar, config.NodeSaintLouis))

	// healing twice is harmless
	l.HealPartition(config.NodeSaintLouis, config.NodeDakar)
	assert.Equal(t, 50.0, l.BaseLatency(config.NodeDakar, config.NodeSaintLouis))
}

func TestSetModeKeepsPartitions(t *testing.T) {
	l, _ := newTestLink(t, config.ModeNormal)
	l.SetPartition(config.NodeDakar, config.NodeSaintLouis)

	require.NoError(t, l.SetMode(config.ModeCongested))

	assert.Equal(t, config.ModeCongested, l.Mode())
	assert.True(t, math.IsInf(l.BaseLatency(config.NodeDakar, config.NodeSaintLouis), 1))
	assert.Equal(t, 600.0, l.BaseLatency(config.NodeDakar, config.NodeZiguinchor))

	assert.Error(t, l.SetMode("lunar"))
}

func TestPartitionedModeDropsEverything(t *testing.T) {
	l, _ := newTestLink(t, config.ModePartitioned, 0.99)

	assert.Nil(t, l.Deliver(context.Background(), config.NodeDakar, config.NodeSaintLouis, MsgHeartbeat, nil))
}

func TestStatistics(t *testing.T) {
	l, _ := newTestLink(t, config.ModeNormal)
	assert.Equal(t, Stats{}, l.Statistics())

	ctx := context.Background()
	l.Deliver(ctx, config.NodeDakar, config.NodeSaintLouis, MsgPrepare, nil)
	l.Deliver(ctx, config.NodeDakar, config.NodeZiguinchor, MsgPrepare, nil)
	l.SetPartition(config.NodeDakar, config.NodeZiguinchor)
	l.Deliver(ctx, config.NodeDakar, config.NodeZiguinchor, MsgCommit, nil)

	s := l.Statistics()
	assert.Equal(t, 3, s.TotalMessages)
	assert.Equal(t, 2, s.Successful)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 66.666, s.SuccessRate, 0.01)
	assert.InDelta(t, 50.0, s.MinLatencyMS, 0.001)
	assert.InDelta(t, 150.0, s.MaxLatencyMS, 0.001)
	assert.InDelta(t, 100.0, s.AvgLatencyMS, 0.001)
}

func TestSubscribe(t *testing.T) {
	l, _ := newTestLink(t, config.ModeNormal)
	ch, unsubscribe := l.Subscribe(4)

	l.Deliver(context.Background(), config.NodeDakar, config.NodeSaintLouis, MsgHeartbeat, nil)

	entry := <-ch
	assert.Equal(t, MsgHeartbeat, entry.Type)
	assert.True(t, entry.Success)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}
