// Package simulation wires a complete simulated platform (cluster, network,
// coordinators and a strategy) and drives the partition scenarios against it.
package simulation

import (
	"math/rand"
	"sync"
	"time"

	"capsim/internal/balance"
	"capsim/internal/history"
	"capsim/internal/network"
	"capsim/internal/node"
	"capsim/internal/partition"
	"capsim/internal/payment"
	"capsim/internal/seed"
	"capsim/internal/strategy"
	"capsim/internal/transfer"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Random is a float source in [0, 1) shared by the network and the provider.
type Random interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandom returns a seeded source safe for concurrent use.
func NewRandom(seed int64) Random {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Options overrides the collaborators an Environment is built from.
type Options struct {
	Dataset *seed.Dataset
	// Redis, when set, backs node caches under capsim:<run>:<strategy>:<node>.
	Redis  *redis.Client
	Caches seed.CacheFactory
	Clock  func() clock.Clock
	Random func() Random
}

// Environment is one isolated platform: every strategy under comparison gets
// its own so their ledgers never mix.
type Environment struct {
	Name string
	// CacheNamespace prefixes the Redis keys of this platform. It is fresh
	// for every environment, so a rerun never reads entries a previous run
	// left behind. Empty for in-process caches.
	CacheNamespace string
	Clock      clock.Clock
	Link       *network.Link
	Cluster    *node.Cluster
	Controller *partition.Controller
	Services   strategy.Services
	Strategy   strategy.Strategy
}

// NewEnvironment builds a platform running kind (config.StrategyStrict or
// config.StrategyAdaptive).
func NewEnvironment(cfg *config.Config, kind string, opts Options, log logger.Logger) (*Environment, error) {
	clk := newClock(cfg, opts)
	rng := newRandom(cfg, opts)

	ds := seed.Default(clk.Now())
	if opts.Dataset != nil {
		ds = *opts.Dataset
	}

	var namespace string
	caches := opts.Caches
	switch {
	case caches != nil:
	case opts.Redis != nil:
		namespace = "capsim:" + uuid.NewString()[:8] + ":" + kind
		caches = seed.RedisCaches(opts.Redis, namespace)
	default:
		caches = seed.MemoryCaches(clk)
	}

	cluster, err := seed.BuildCluster(cfg, clk, log, ds, caches)
	if err != nil {
		return nil, err
	}

	link, err := network.NewLink(cfg.Network, clk, rng, log)
	if err != nil {
		return nil, err
	}

	svc := strategy.Services{
		Transfer: transfer.NewService(link, clk, cfg, log),
		Balance:  balance.NewService(link, clk, cfg, log),
		History:  history.NewService(clk, cfg, log),
		Payment:  payment.NewService(link, payment.NewSimulatedProvider(clk, rng, cfg.Payment), clk, cfg, log),
	}

	var s strategy.Strategy
	switch kind {
	case config.StrategyStrict:
		s = strategy.NewStrictCP(cluster, svc, log)
	case config.StrategyAdaptive:
		s = strategy.NewAdaptive(cluster, svc, clk, log)
	default:
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidRequest, "unknown strategy "+kind)
	}

	name := kind
	if d, ok := strategy.Describe(s); ok {
		name = d.Name
	}

	if namespace != "" {
		log.Info("Redis cache namespace", map[string]interface{}{"strategy": kind, "namespace": namespace})
	}

	return &Environment{
		Name:           name,
		CacheNamespace: namespace,
		Clock:      clk,
		Link:       link,
		Cluster:    cluster,
		Controller: partition.NewController(link, cluster, clk, cfg, log),
		Services:   svc,
		Strategy:   s,
	}, nil
}

// Node returns the node with id.
func (e *Environment) Node(id string) (*node.Node, error) {
	return e.Cluster.Node(id)
}

func newClock(cfg *config.Config, opts Options) clock.Clock {
	if opts.Clock != nil {
		return opts.Clock()
	}
	if cfg.Simulation.RealTime {
		return clock.Real()
	}
	return clock.NewFake(time.Now())
}

func newRandom(cfg *config.Config, opts Options) Random {
	if opts.Random != nil {
		return opts.Random()
	}
	return NewRandom(cfg.Simulation.Seed)
}
