package payment

import (
	"context"
	"errors"
	"sync"
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

// --- Mocks ---

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

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Pay(ctx context.Context, tx *domain.Transaction) (*Receipt, error) {
	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Receipt), args.Error(1)
}

type panicProvider struct{}

func (panicProvider) Pay(ctx context.Context, tx *domain.Transaction) (*Receipt, error) {
	panic("provider exploded")
}

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

// --- Fixtures ---

var t0 = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

func newCluster(t *testing.T, clk clock.Clock) *node.Cluster {
	t.Helper()
	var nodes []*node.Node
	for _, spec := range config.Default().Network.Nodes {
		n := node.New(spec, node.Options{Clock: clk})
		n.Seed([]domain.Account{{UserID: "alice", Balance: decimal.NewFromInt(10000)}}, nil)
		nodes = append(nodes, n)
	}
	c, err := node.NewCluster(nodes...)
	require.NoError(t, err)
	return c
}

func balance(t *testing.T, n *node.Node) string {
	t.Helper()
	v, ok := n.GetBalance(context.Background(), "alice", false)
	require.True(t, ok)
	return v.String()
}

// --- Tests ---

func TestStrictPaymentReplicates(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newCluster(t, clk)
	net := new(MockNetwork)
	net.On("Deliver", mock.Anything, config.NodeDakar, config.NodeZiguinchor, network.MsgPaymentReplicate, mock.Anything).Return(nil)
	net.On("Deliver", mock.Anything, config.NodeDakar, mock.Anything, network.MsgPaymentReplicate, mock.Anything).Return(&network.Response{})
	provider := new(MockProvider)
	provider.On("Pay", mock.Anything, mock.AnythingOfType("*domain.Transaction")).Return(&Receipt{ID: "RCPT_00000001"}, nil)

	svc := NewService(net, provider, clk, config.Default(), logger.NewNop())
	res := svc.PayBill(context.Background(), "alice", "SENELEC", decimal.NewFromInt(2500), c.Primary, c.Replicas, ModeStrict)

	require.True(t, res.Success, res.Error)
	assert.Regexp(t, `^PAY_[0-9a-f]{8}$`, res.TransactionID)
	assert.Equal(t, "RCPT_00000001", res.ReceiptID)
	assert.Equal(t, "committed", res.Status)
	assert.Equal(t, "7500", res.NewBalance.String())

	sl, _ := c.Node(config.NodeSaintLouis)
	zig, _ := c.Node(config.NodeZiguinchor)
	assert.Equal(t, "7500", balance(t, sl))
	assert.True(t, sl.HasTransaction(res.TransactionID))
	assert.Equal(t, "10000", balance(t, zig))
	assert.True(t, c.Primary.HasTransaction(res.TransactionID))

	provider.AssertExpectations(t)
}

func TestProviderFailureRollsBack(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newCluster(t, clk)
	net := new(MockNetwork)
	provider := new(MockProvider)
	provider.On("Pay", mock.Anything, mock.Anything).Return(nil, pkgerrors.Wrap(pkgerrors.ErrProviderFailure, "provider timeout"))

	svc := NewService(net, provider, clk, config.Default(), logger.NewNop())
	res := svc.PayBill(context.Background(), "alice", "SENELEC", decimal.NewFromInt(6000), c.Primary, c.Replicas, ModeAdaptive)

	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, pkgerrors.ErrProviderFailure))
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, "10000", balance(t, c.Primary))
	assert.False(t, c.Primary.HasTransaction(res.TransactionID))
	net.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, svc.Statistics())
}

func TestProviderPanicIsRecovered(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newCluster(t, clk)

	svc := NewService(new(MockNetwork), panicProvider{}, clk, config.Default(), logger.NewNop())
	res := svc.PayBill(context.Background(), "alice", "SENEAU", decimal.NewFromInt(100), c.Primary, c.Replicas, ModeStrict)

	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, pkgerrors.ErrProviderFailure))
	assert.Contains(t, res.Error, "provider exploded")
	assert.Equal(t, "10000", balance(t, c.Primary))
}

func TestAdaptiveSmallPaymentIsQueued(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newCluster(t, clk)
	provider := new(MockProvider)

	svc := NewService(new(MockNetwork), provider, clk, config.Default(), logger.NewNop())
	res := svc.PayBill(context.Background(), "alice", "ORANGE", decimal.NewFromInt(4999), c.Primary, c.Replicas, ModeAdaptive)

	require.True(t, res.Success)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, true, res.Metadata["queued"])
	assert.Equal(t, "5001", res.NewBalance.String())
	assert.Equal(t, t0, clk.Now(), "queued payments do not wait for the provider")
	provider.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything)
}

func TestPaymentPreChecks(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newCluster(t, clk)
	provider := new(MockProvider)
	svc := NewService(new(MockNetwork), provider, clk, config.Default(), logger.NewNop())
	ctx := context.Background()

	res := svc.PayBill(ctx, "zed", "SENELEC", decimal.NewFromInt(1), c.Primary, c.Replicas, ModeStrict)
	assert.True(t, errors.Is(res.Err, pkgerrors.ErrAccountNotFound))

	res = svc.PayBill(ctx, "alice", "SENELEC", decimal.NewFromInt(10001), c.Primary, c.Replicas, ModeStrict)
	assert.True(t, errors.Is(res.Err, pkgerrors.ErrInsufficientBalance))
	assert.Equal(t, "failed", res.Status)

	provider.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything)
	assert.Equal(t, 2, svc.Statistics().Failed)
}

func TestSimulatedProvider(t *testing.T) {
	cfg := config.Default().Payment
	clk := clock.NewFake(t0)
	tx := domain.NewTransaction("PAY_0badf00d", domain.TransactionTypePayment, "alice", "SENELEC", decimal.NewFromInt(1), t0)

	ok := NewSimulatedProvider(clk, fixedRand(0.5), cfg)
	latency := ok.Latency(tx.ID)
	assert.GreaterOrEqual(t, latency, 2*time.Second)
	assert.Less(t, latency, 3*time.Second)
	assert.Equal(t, latency, ok.Latency(tx.ID))

	receipt, err := ok.Pay(context.Background(), tx)
	require.NoError(t, err)
	assert.Regexp(t, `^RCPT_[0-9a-f]{8}$`, receipt.ID)
	assert.Equal(t, latency, clk.Now().Sub(t0))

	bad := NewSimulatedProvider(clk, fixedRand(0.01), cfg)
	_, err = bad.Pay(context.Background(), tx)
	assert.True(t, errors.Is(err, pkgerrors.ErrProviderFailure))

	ctx, cancel := clock.WithTimeout(context.Background(), clk, time.Second)
	defer cancel()
	_, err = ok.Pay(ctx, tx)
	assert.True(t, errors.Is(err, pkgerrors.ErrProviderFailure))
}

func TestConcurrentPaymentsCannotOverdraw(t *testing.T) {
	clk := clock.NewFake(t0)
	c := newCluster(t, clk)
	net := new(MockNetwork)
	net.On("Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&network.Response{})
	provider := new(MockProvider)
	provider.On("Pay", mock.Anything, mock.Anything).Return(&Receipt{ID: "RCPT_00000002"}, nil)

	svc := NewService(net, provider, clk, config.Default(), logger.NewNop())

	const payers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < payers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := svc.PayBill(context.Background(), "alice", "SENELEC", decimal.NewFromInt(1000), c.Primary, c.Replicas, ModeStrict)
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(res.Err, pkgerrors.ErrInsufficientBalance), res.Error)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, successes)
	assert.Equal(t, "0", balance(t, c.Primary))
	assert.Equal(t, Stats{Total: payers, Successful: 10, Failed: 10, SuccessRate: 50}, svc.Statistics())
}
