// ==============================================================================
// TRANSFER SERVICE - internal/transfer/service.go
// ==============================================================================
// Peer-to-peer transfers replicated with two-phase commit. The primary
// coordinates: it pre-checks the ledger, collects prepare votes from every
// participant, applies the transfer locally, then pushes commits to the
// replicas on a best-effort basis.
package transfer

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

	"github.com/shopspring/decimal"
)

// Stats counts transfer outcomes since the service was created.
type Stats struct {
	Total       int     `json:"total_transfers"`
	Successful  int     `json:"successful"`
	Aborted     int     `json:"aborted"`
	SuccessRate float64 `json:"success_rate"`
}

type Service struct {
	network  network.Deliverer
	clock    clock.Clock
	timeout  time.Duration
	parallel bool
	logger   logger.Logger

	mu        sync.Mutex
	committed map[string]*domain.Transaction
	aborted   map[string]*domain.Transaction
}

func NewService(net network.Deliverer, clk clock.Clock, cfg *config.Config, log logger.Logger) *Service {
	return &Service{
		network:   net,
		clock:     clk,
		timeout:   cfg.Timeouts.Transfer,
		parallel:  cfg.Simulation.ParallelFanout,
		logger:    log,
		committed: make(map[string]*domain.Transaction),
		aborted:   make(map[string]*domain.Transaction),
	}
}

// Transfer moves amount from one user to another on the primary and
// replicates it to the replicas. Aborts before the commit phase leave every
// ledger untouched.
func (s *Service) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, primary *node.Node, replicas []*node.Node) *domain.Result {
	start := s.clock.Now()
	tx := domain.NewTransaction(domain.NewID(domain.PrefixTransfer), domain.TransactionTypeTransfer, from, to, amount, start)
	fields := map[string]interface{}{"tx_id": tx.ID, "from": from, "to": to, "amount": amount.String()}

	s.logger.Info("Transfer started", fields)

	participants := append([]*node.Node{primary}, replicas...)
	fromBefore, toBefore, reason, noVoters, err := s.lockedCommit(ctx, tx, primary, participants)
	if err != nil {
		return s.abort(tx, err, reason, noVoters, start)
	}
	s.commitReplicas(ctx, tx, primary, replicas, fromBefore, toBefore)

	s.mu.Lock()
	s.committed[tx.ID] = tx
	s.mu.Unlock()

	newFrom, _ := primary.GetBalance(ctx, from, false)
	newTo, _ := primary.GetBalance(ctx, to, false)

	result := &domain.Result{
		Success:        true,
		TransactionID:  tx.ID,
		Status:         string(tx.Status),
		NewBalanceFrom: domain.Amount(newFrom),
		NewBalanceTo:   domain.Amount(newTo),
	}
	result.WithLatency(start, s.clock.Now())

	s.logger.Info("Transfer committed", map[string]interface{}{"tx_id": tx.ID, "latency_ms": result.LatencyMS})
	return result
}

// lockedCommit holds both accounts on the primary from the pre-check through
// the primary commit, so two debits of the same user cannot both pass the
// balance check.
func (s *Service) lockedCommit(ctx context.Context, tx *domain.Transaction, primary *node.Node, participants []*node.Node) (fromBefore, toBefore decimal.Decimal, reason string, noVoters []string, err error) {
	unlock := primary.LockAccounts(tx.FromUser, tx.ToUser)
	defer unlock()

	if err = s.preCheck(ctx, tx, primary); err != nil {
		return fromBefore, toBefore, "pre-checks failed", nil, err
	}
	if noVoters, err = s.prepare(ctx, tx, primary, participants); err != nil {
		return fromBefore, toBefore, "prepare phase failed", noVoters, err
	}
	if err = tx.MarkPrepared(); err != nil {
		return fromBefore, toBefore, "prepare phase failed", nil, err
	}
	fromBefore, toBefore = s.commitPrimary(ctx, tx, primary)
	return fromBefore, toBefore, "", nil, nil
}

func (s *Service) preCheck(ctx context.Context, tx *domain.Transaction, primary *node.Node) error {
	balance, ok := primary.GetBalance(ctx, tx.FromUser, false)
	if !ok {
		return pkgerrors.Wrap(pkgerrors.ErrAccountNotFound, "source account "+tx.FromUser)
	}
	if balance.LessThan(tx.Amount) {
		return pkgerrors.Wrap(pkgerrors.ErrInsufficientBalance, balance.String()+" < "+tx.Amount.String())
	}
	if _, ok := primary.GetBalance(ctx, tx.ToUser, false); !ok {
		return pkgerrors.Wrap(pkgerrors.ErrAccountNotFound, "destination account "+tx.ToUser)
	}
	return nil
}

// prepare collects one vote per participant under a single phase deadline.
// It returns the ids that did not vote YES, including those the deadline cut
// off.
func (s *Service) prepare(ctx context.Context, tx *domain.Transaction, primary *node.Node, participants []*node.Node) ([]string, error) {
	pctx, cancel := clock.WithTimeout(ctx, s.clock, s.timeout)
	defer cancel()

	payload := map[string]interface{}{"transaction_id": tx.ID}
	votes := make([]bool, len(participants))

	if s.parallel {
		var wg sync.WaitGroup
		for i, p := range participants {
			wg.Add(1)
			go func(i int, p *node.Node) {
				defer wg.Done()
				votes[i] = s.vote(pctx, tx, primary, p, payload)
			}(i, p)
		}
		wg.Wait()
	} else {
		for i, p := range participants {
			if clock.Expired(pctx, s.clock) {
				break
			}
			votes[i] = s.vote(pctx, tx, primary, p, payload)
		}
	}

	var noVoters []string
	for i, yes := range votes {
		if !yes {
			noVoters = append(noVoters, participants[i].ID)
		}
	}

	if clock.Expired(pctx, s.clock) {
		s.logger.Warn("Prepare timed out", map[string]interface{}{"tx_id": tx.ID, "no_voters": noVoters})
		return noVoters, pkgerrors.Wrap(pkgerrors.ErrTimeout, "prepare phase")
	}
	if len(noVoters) > 0 {
		s.logger.Warn("Prepare rejected", map[string]interface{}{"tx_id": tx.ID, "no_voters": noVoters})
		return noVoters, pkgerrors.ErrPrepareRejected
	}
	return nil, nil
}

func (s *Service) vote(ctx context.Context, tx *domain.Transaction, primary, p *node.Node, payload map[string]interface{}) bool {
	resp := s.network.Deliver(ctx, primary.ID, p.ID, network.MsgPrepare, payload)
	if resp == nil {
		s.logger.Debug("Participant unreachable", map[string]interface{}{"tx_id": tx.ID, "node": p.ID, "phase": "prepare"})
		return false
	}
	if !p.IsPrimary() {
		return true
	}
	if !p.IsHealthy() {
		return false
	}
	balance, ok := p.GetBalance(ctx, tx.FromUser, false)
	return ok && balance.GreaterThanOrEqual(tx.Amount)
}

// commitPrimary applies the transfer on the primary unconditionally and
// returns the pre-commit balances.
func (s *Service) commitPrimary(ctx context.Context, tx *domain.Transaction, primary *node.Node) (decimal.Decimal, decimal.Decimal) {
	fromBefore, _ := primary.GetBalance(ctx, tx.FromUser, false)
	toBefore, _ := primary.GetBalance(ctx, tx.ToUser, false)

	primary.ApplyDelta(ctx, tx.FromUser, tx.Amount.Neg(), fromBefore)
	primary.ApplyDelta(ctx, tx.ToUser, tx.Amount, toBefore)
	// Only fails if already terminal, which a prepared record is not.
	_ = tx.MarkCommitted(s.clock.Now())
	primary.AddTransaction(ctx, tx)

	s.logger.Info("Primary committed", map[string]interface{}{
		"tx_id": tx.ID, "node": primary.ID,
		"from_balance": fromBefore.Sub(tx.Amount).String(),
		"to_balance":   toBefore.Add(tx.Amount).String(),
	})
	return fromBefore, toBefore
}

// commitReplicas pushes the commit to each replica. A replica that cannot be
// reached in time is skipped and catches up on the next resync.
func (s *Service) commitReplicas(ctx context.Context, tx *domain.Transaction, primary *node.Node, replicas []*node.Node, fromBefore, toBefore decimal.Decimal) {
	cctx, cancel := clock.WithTimeout(ctx, s.clock, s.timeout)
	defer cancel()

	payload := map[string]interface{}{
		"transaction_id": tx.ID,
		"from_user":      tx.FromUser,
		"to_user":        tx.ToUser,
		"amount":         tx.Amount.String(),
	}

	apply := func(r *node.Node) {
		if resp := s.network.Deliver(cctx, primary.ID, r.ID, network.MsgCommit, payload); resp == nil {
			s.logger.Warn("Replica missed commit, will sync later", map[string]interface{}{"tx_id": tx.ID, "node": r.ID})
			return
		}
		r.ApplyDelta(ctx, tx.FromUser, tx.Amount.Neg(), fromBefore)
		r.ApplyDelta(ctx, tx.ToUser, tx.Amount, toBefore)
		r.AddTransaction(ctx, tx)
	}

	if s.parallel {
		var wg sync.WaitGroup
		for _, r := range replicas {
			wg.Add(1)
			go func(r *node.Node) {
				defer wg.Done()
				apply(r)
			}(r)
		}
		wg.Wait()
		return
	}

	for _, r := range replicas {
		if clock.Expired(cctx, s.clock) {
			s.logger.Warn("Commit deadline passed, primary already committed", map[string]interface{}{"tx_id": tx.ID})
			return
		}
		apply(r)
	}
}

func (s *Service) abort(tx *domain.Transaction, err error, reason string, noVoters []string, start time.Time) *domain.Result {
	now := s.clock.Now()
	_ = tx.MarkAborted(reason+": "+err.Error(), now)

	s.mu.Lock()
	s.aborted[tx.ID] = tx
	s.mu.Unlock()

	s.logger.Warn("Transfer aborted", map[string]interface{}{"tx_id": tx.ID, "reason": reason, "error": err.Error()})

	result := domain.Failed(err, "")
	result.TransactionID = tx.ID
	result.Status = string(tx.Status)
	result.Reason = reason
	result.NoVoters = noVoters
	return result.WithLatency(start, now)
}

// Lookup returns a copy of a finished transfer record.
func (s *Service) Lookup(id string) (domain.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.committed[id]; ok {
		return tx.Clone(), true
	}
	if tx, ok := s.aborted[id]; ok {
		return tx.Clone(), true
	}
	return domain.Transaction{}, false
}

func (s *Service) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Successful: len(s.committed),
		Aborted:    len(s.aborted),
	}
	st.Total = st.Successful + st.Aborted
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.Total) * 100
	}
	return st
}
