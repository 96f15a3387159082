package balance

import (
	"context"
	"errors"
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
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockNetwork struct {
	mock.Mock
}

func (m *MockNetwork) Deliver(ctx context.Context, from, to, msgType string, payload map[string]interface{}) *network.Response {
	args := m.Called(ctx, from, to, msgType, payload)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*network.Response)
}

var t0 = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*node.Cluster, *clock.Fake, *MockNetwork, *Service) {
	t.Helper()
	clk := clock.NewFake(t0)
	var nodes []*node.Node
	for _, spec := range config.Default().Network.Nodes {
		n := node.New(spec, node.Options{Clock: clk})
		n.Seed([]domain.Account{{UserID: "alice", Balance: decimal.NewFromInt(10000)}}, nil)
		nodes = append(nodes, n)
	}
	c, err := node.NewCluster(nodes...)
	require.NoError(t, err)

	net := new(MockNetwork)
	return c, clk, net, NewService(net, clk, config.Default(), logger.NewNop())
}

func TestAPCacheLifecycle(t *testing.T) {
	c, clk, _, svc := setup(t)
	ctx := context.Background()
	local := c.Replicas[0]

	first := svc.GetBalance(ctx, "alice", local, c.Primary, ModeAP)
	require.True(t, first.Success)
	assert.Equal(t, SourceReplicaLocal, first.Source)
	assert.Equal(t, FreshnessRecent, first.Freshness)
	assert.InDelta(t, 50.0, first.LatencyMS, 0.001)

	// Local writes land in the ledger but the cached value is served until expiry.
	local.ApplyDelta(ctx, "alice", decimal.NewFromInt(-1), decimal.Zero)
	local.CacheBalance(ctx, "alice", decimal.NewFromInt(10000), time.Minute)

	clk.Advance(59 * time.Second)
	cached := svc.GetBalance(ctx, "alice", local, c.Primary, ModeAP)
	require.True(t, cached.Success)
	assert.Equal(t, SourceCache, cached.Source)
	assert.Equal(t, FreshnessCached, cached.Freshness)
	assert.Equal(t, "10000", cached.Balance.String())

	clk.Advance(2 * time.Second)
	fresh := svc.GetBalance(ctx, "alice", local, c.Primary, ModeAP)
	require.True(t, fresh.Success)
	assert.Equal(t, SourceReplicaLocal, fresh.Source)
	assert.Equal(t, "9999", fresh.Balance.String())

	_, hit := local.CachedBalance(ctx, "alice")
	assert.True(t, hit, "fresh read repopulates the cache")

	st := svc.Statistics()
	assert.Equal(t, 3, st.TotalQueries)
	assert.Equal(t, 1, st.CacheHits)
	assert.Equal(t, 2, st.CacheMisses)
}

func TestAPUnknownAccount(t *testing.T) {
	c, _, _, svc := setup(t)

	res := svc.GetBalance(context.Background(), "zed", c.Replicas[0], nil, ModeAP)

	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, pkgerrors.ErrAccountNotFound))
}

func TestCPReadsFromPrimary(t *testing.T) {
	c, _, net, svc := setup(t)
	local := c.Replicas[0]
	net.On("Deliver", mock.Anything, local.ID, c.Primary.ID, network.MsgBalanceQuery, mock.Anything).
		Return(&network.Response{Status: "success"})

	res := svc.GetBalance(context.Background(), "alice", local, c.Primary, ModeCP)

	require.True(t, res.Success)
	assert.Equal(t, SourceMaster, res.Source)
	assert.Equal(t, FreshnessGuaranteed, res.Freshness)
	assert.Equal(t, "10000", res.Balance.String())
}

func TestCPFailureModesAreDistinct(t *testing.T) {
	c, _, net, svc := setup(t)
	ctx := context.Background()
	local := c.Replicas[0]

	assert.True(t, errors.Is(svc.GetBalance(ctx, "alice", local, nil, ModeCP).Err, pkgerrors.ErrPrimaryRequired))

	net.On("Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	lost := svc.GetBalance(ctx, "alice", local, c.Primary, ModeCP)
	assert.True(t, errors.Is(lost.Err, pkgerrors.ErrServiceUnavailable))

	net.On("Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&network.Response{})
	missing := svc.GetBalance(ctx, "zed", local, c.Primary, ModeCP)
	assert.True(t, errors.Is(missing.Err, pkgerrors.ErrAccountNotFound))

	local.SetReachable(c.Primary.ID, false)
	denied := svc.GetBalance(ctx, "alice", local, c.Primary, ModeCP)
	assert.True(t, errors.Is(denied.Err, pkgerrors.ErrServiceUnavailable))
	assert.Equal(t, "cannot reach master node", denied.Reason)
	assert.Zero(t, denied.LatencyMS)
	net.AssertNumberOfCalls(t, "Deliver", 2)
}
