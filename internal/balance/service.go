// Package balance serves balance queries either from the local site (AP) or
// from the primary (CP).
package balance

import (
	"context"
	"sync"
	"time"

	"capsim/internal/domain"
	"capsim/internal/network"
	"capsim/internal/node"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"
)

// Result sources and freshness tags.
const (
	SourceCache        = "cache"
	SourceReplicaLocal = "replica_local"
	SourceMaster       = "master"

	FreshnessCached     = "cached"
	FreshnessRecent     = "recent"
	FreshnessGuaranteed = "guaranteed_accurate"
)

// Mode selects the read path.
type Mode string

const (
	ModeAP Mode = "AP"
	ModeCP Mode = "CP"
)

const staleWarning = "local data may lag by a few seconds"

type Stats struct {
	TotalQueries int     `json:"total_queries"`
	CacheHits    int     `json:"cache_hits"`
	CacheMisses  int     `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

type Service struct {
	network   network.Deliverer
	clock     clock.Clock
	timeout   time.Duration
	ttl       time.Duration
	readDelay time.Duration
	logger    logger.Logger

	mu    sync.Mutex
	stats Stats
}

func NewService(net network.Deliverer, clk clock.Clock, cfg *config.Config, log logger.Logger) *Service {
	return &Service{
		network:   net,
		clock:     clk,
		timeout:   cfg.Timeouts.Balance,
		ttl:       cfg.Cache.BalanceTTL,
		readDelay: cfg.Simulation.ReplicaReadDelay,
		logger:    log,
	}
}

// GetBalance reads user's balance through local (AP) or primary (CP) paths.
// primary is required for CP.
func (s *Service) GetBalance(ctx context.Context, user string, local, primary *node.Node, mode Mode) *domain.Result {
	s.mu.Lock()
	s.stats.TotalQueries++
	s.mu.Unlock()

	start := s.clock.Now()
	s.logger.Debug("Balance query", map[string]interface{}{"user": user, "node": local.ID, "mode": string(mode)})

	var result *domain.Result
	if mode == ModeCP {
		result = s.getCP(ctx, user, local, primary)
	} else {
		result = s.getAP(ctx, user, local)
	}
	return result.WithLatency(start, s.clock.Now())
}

func (s *Service) getAP(ctx context.Context, user string, local *node.Node) *domain.Result {
	if v, hit := local.CachedBalance(ctx, user); hit {
		s.count(true)
		return &domain.Result{
			Success:   true,
			Balance:   domain.Amount(v),
			Source:    SourceCache,
			Freshness: FreshnessCached,
		}
	}
	s.count(false)

	// Simulated local database read.
	_ = s.clock.Sleep(ctx, s.readDelay)

	v, ok := local.GetBalance(ctx, user, false)
	if !ok {
		local.RecordError()
		return domain.Failed(pkgerrors.Wrap(pkgerrors.ErrAccountNotFound, user), "")
	}
	local.CacheBalance(ctx, user, v, s.ttl)

	return &domain.Result{
		Success:   true,
		Balance:   domain.Amount(v),
		Source:    SourceReplicaLocal,
		Freshness: FreshnessRecent,
		Warning:   staleWarning,
	}
}

func (s *Service) getCP(ctx context.Context, user string, local, primary *node.Node) *domain.Result {
	if primary == nil {
		return domain.Failed(pkgerrors.ErrPrimaryRequired, "")
	}

	if !local.CanReachPrimary(primary) {
		s.logger.Warn("Cannot reach primary", map[string]interface{}{"node": local.ID, "primary": primary.ID})
		res := domain.Failed(pkgerrors.ErrServiceUnavailable, "")
		res.Reason = "cannot reach master node"
		return res
	}

	qctx, cancel := clock.WithTimeout(ctx, s.clock, s.timeout)
	defer cancel()

	resp := s.network.Deliver(qctx, local.ID, primary.ID, network.MsgBalanceQuery, map[string]interface{}{"user_id": user})
	if resp == nil {
		local.RecordError()
		res := domain.Failed(pkgerrors.ErrServiceUnavailable, "")
		res.Reason = "primary did not answer"
		return res
	}

	_ = s.clock.Sleep(ctx, s.readDelay)

	v, ok := primary.GetBalance(ctx, user, false)
	if !ok {
		return domain.Failed(pkgerrors.Wrap(pkgerrors.ErrAccountNotFound, user), "")
	}
	return &domain.Result{
		Success:   true,
		Balance:   domain.Amount(v),
		Source:    SourceMaster,
		Freshness: FreshnessGuaranteed,
	}
}

func (s *Service) count(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.stats.CacheHits++
	} else {
		s.stats.CacheMisses++
	}
}

func (s *Service) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.TotalQueries > 0 {
		st.CacheHitRate = float64(st.CacheHits) / float64(st.TotalQueries) * 100
	}
	return st
}
