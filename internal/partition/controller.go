// Package partition injects and heals network partitions, keeping the link
// and the nodes' reachability and health flags in step.
package partition

import (
	"context"
	"sync"
	"time"

	"capsim/internal/domain"
	"capsim/internal/network"
	"capsim/internal/node"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	"capsim/pkg/logger"
)

// Link is the part of the network link the controller drives.
type Link interface {
	network.Deliverer
	SetPartition(a, b string)
	HealPartition(a, b string)
}

// Event records one partition change.
type Event struct {
	Kind     string        `json:"kind"`
	A        string        `json:"a"`
	B        string        `json:"b"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"`
}

type Controller struct {
	link        Link
	cluster     *node.Cluster
	clock       clock.Clock
	resyncDelay time.Duration
	hbTimeout   time.Duration
	logger      logger.Logger

	mu     sync.Mutex
	active map[config.PairKey]time.Time
	events []Event
}

func NewController(link Link, cluster *node.Cluster, clk clock.Clock, cfg *config.Config, log logger.Logger) *Controller {
	return &Controller{
		link:        link,
		cluster:     cluster,
		clock:       clk,
		resyncDelay: cfg.Simulation.ResyncDelay,
		hbTimeout:   cfg.Timeouts.Heartbeat,
		logger:      log,
		active:      make(map[config.PairKey]time.Time),
	}
}

// CreatePartition cuts a and b apart and marks both isolated.
func (c *Controller) CreatePartition(a, b string) error {
	na, nb, err := c.pair(a, b)
	if err != nil {
		return err
	}

	c.link.SetPartition(a, b)
	na.SetReachable(b, false)
	nb.SetReachable(a, false)
	na.SetState(domain.NodeStateIsolated)
	nb.SetState(domain.NodeStateIsolated)

	now := c.clock.Now()
	c.mu.Lock()
	c.active[config.Pair(a, b)] = now
	c.events = append(c.events, Event{Kind: "create", A: a, B: b, At: now})
	c.mu.Unlock()

	c.logger.Warn("Nodes isolated", map[string]interface{}{"a": a, "b": b})
	return nil
}

// HealPartition restores the link and both nodes, then resynchronizes. It is
// safe to call on a pair that is not partitioned.
func (c *Controller) HealPartition(ctx context.Context, a, b string) error {
	na, nb, err := c.pair(a, b)
	if err != nil {
		return err
	}

	c.link.HealPartition(a, b)
	na.SetReachable(b, true)
	nb.SetReachable(a, true)
	na.SetState(domain.NodeStateHealthy)
	nb.SetState(domain.NodeStateHealthy)

	now := c.clock.Now()
	key := config.Pair(a, b)
	c.mu.Lock()
	started, wasActive := c.active[key]
	delete(c.active, key)
	ev := Event{Kind: "heal", A: a, B: b, At: now}
	if wasActive {
		ev.Duration = now.Sub(started)
	}
	c.events = append(c.events, ev)
	c.mu.Unlock()

	c.logger.Info("Partition healed, synchronizing", map[string]interface{}{
		"a": a, "b": b, "duration_s": ev.Duration.Seconds(),
	})
	c.resync(ctx, na, nb)
	return nil
}

// resync waits the simulated synchronization delay. When one side is the
// primary the other side takes the primary's ledger.
func (c *Controller) resync(ctx context.Context, na, nb *node.Node) {
	_ = c.clock.Sleep(ctx, c.resyncDelay)

	var replica *node.Node
	switch {
	case na.IsPrimary():
		replica = nb
	case nb.IsPrimary():
		replica = na
	default:
		return
	}
	report := replica.SyncFrom(ctx, c.cluster.Primary)
	c.logger.Info("Node synchronized", map[string]interface{}{
		"node": replica.ID, "accounts": report.Accounts, "transactions": report.Transactions,
	})
}

// Heartbeat has the primary ping every node under the heartbeat timeout.
// Nodes reached record the heartbeat. It returns the ids that answered.
func (c *Controller) Heartbeat(ctx context.Context) []string {
	primary := c.cluster.Primary
	var reached []string
	for _, n := range c.cluster.All() {
		hctx, cancel := clock.WithTimeout(ctx, c.clock, c.hbTimeout)
		resp := c.link.Deliver(hctx, primary.ID, n.ID, network.MsgHeartbeat, map[string]interface{}{"from": primary.ID})
		cancel()
		if resp == nil {
			continue
		}
		n.RecordHeartbeat()
		reached = append(reached, n.ID)
	}
	return reached
}

// RunScenario partitions a and b for duration, then heals.
func (c *Controller) RunScenario(ctx context.Context, a, b string, duration time.Duration) error {
	if err := c.CreatePartition(a, b); err != nil {
		return err
	}
	c.logger.Info("Partition scenario running", map[string]interface{}{"a": a, "b": b, "duration_s": duration.Seconds()})
	_ = c.clock.Sleep(ctx, duration)
	return c.HealPartition(ctx, a, b)
}

// Active reports whether a and b are currently partitioned.
func (c *Controller) Active(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[config.Pair(a, b)]
	return ok
}

// Events returns the partition history.
func (c *Controller) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Controller) pair(a, b string) (*node.Node, *node.Node, error) {
	na, err := c.cluster.Node(a)
	if err != nil {
		return nil, nil, err
	}
	nb, err := c.cluster.Node(b)
	if err != nil {
		return nil, nil, err
	}
	return na, nb, nil
}
