// Package history serves transaction history from the local site. It never
// consults the primary.
package history

import (
	"context"
	"sync"
	"time"

	"capsim/internal/domain"
	"capsim/internal/node"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	"capsim/pkg/logger"
)

// DefaultLimit caps the returned records when the caller passes no limit.
const DefaultLimit = 50

const (
	sourceCache        = "cache"
	sourceReplicaLocal = "replica_local"
)

type Stats struct {
	TotalQueries int `json:"total_queries"`
	CacheHits    int `json:"cache_hits"`
}

type Service struct {
	clock     clock.Clock
	ttl       time.Duration
	readDelay time.Duration
	logger    logger.Logger

	mu    sync.Mutex
	stats Stats
}

func NewService(clk clock.Clock, cfg *config.Config, log logger.Logger) *Service {
	return &Service{
		clock:     clk,
		ttl:       cfg.Cache.HistoryTTL,
		readDelay: cfg.Simulation.HistoryReadDelay,
		logger:    log,
	}
}

// GetHistory returns up to limit records involving user. Count is the total
// number of matching records, before the limit.
func (s *Service) GetHistory(ctx context.Context, user string, local *node.Node, limit int) *domain.Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	start := s.clock.Now()

	s.mu.Lock()
	s.stats.TotalQueries++
	s.mu.Unlock()

	if txs, hit := local.CachedTransactions(ctx, user); hit {
		s.mu.Lock()
		s.stats.CacheHits++
		s.mu.Unlock()

		s.logger.Debug("History cache hit", map[string]interface{}{"user": user, "node": local.ID, "count": len(txs)})
		res := &domain.Result{
			Success:      true,
			Transactions: capped(txs, limit),
			Count:        len(txs),
			Source:       sourceCache,
		}
		return res.WithLatency(start, s.clock.Now())
	}

	// History scans are heavier than point reads.
	_ = s.clock.Sleep(ctx, s.readDelay)

	txs := local.Transactions(ctx, user, false)
	res := &domain.Result{
		Success:      true,
		Transactions: capped(txs, limit),
		Count:        len(txs),
		Source:       sourceReplicaLocal,
	}
	if len(txs) > 0 {
		local.CacheTransactions(ctx, user, txs, s.ttl)
		res.Warning = "very recent transactions may not appear yet"
	}

	s.logger.Debug("History read from local replica", map[string]interface{}{"user": user, "node": local.ID, "count": len(txs)})
	return res.WithLatency(start, s.clock.Now())
}

func capped(txs []domain.Transaction, limit int) []domain.Transaction {
	if len(txs) > limit {
		return txs[:limit]
	}
	if txs == nil {
		return []domain.Transaction{}
	}
	return txs
}

func (s *Service) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
