// ==============================================================================
// PAYMENT SERVICE - internal/payment/service.go
// ==============================================================================
package payment

import (
	"context"
	"fmt"
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

// Mode selects how strictly a payment is confirmed.
type Mode string

const (
	// ModeStrict debits, confirms with the provider, then replicates.
	ModeStrict Mode = "CP"
	// ModeAdaptive queues small payments and treats the rest as strict.
	ModeAdaptive Mode = "ADAPTIVE"
)

// StatusQueued is the result status of a payment accepted for later processing.
const StatusQueued = "pending"

type Stats struct {
	Total       int     `json:"total_payments"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

type Service struct {
	network   network.Deliverer
	provider  Provider
	clock     clock.Clock
	timeout   time.Duration
	threshold decimal.Decimal
	logger    logger.Logger

	mu    sync.Mutex
	stats Stats
}

func NewService(net network.Deliverer, provider Provider, clk clock.Clock, cfg *config.Config, log logger.Logger) *Service {
	return &Service{
		network:   net,
		provider:  provider,
		clock:     clk,
		timeout:   cfg.Timeouts.Payment,
		threshold: cfg.Payment.QueueThreshold,
		logger:    log,
	}
}

// QueueThreshold is the amount from which adaptive payments are confirmed synchronously.
func (s *Service) QueueThreshold() decimal.Decimal {
	return s.threshold
}

// PayBill debits user on the primary and pays provider.
func (s *Service) PayBill(ctx context.Context, user, provider string, amount decimal.Decimal, primary *node.Node, replicas []*node.Node, mode Mode) *domain.Result {
	s.mu.Lock()
	s.stats.Total++
	s.mu.Unlock()

	start := s.clock.Now()
	tx := domain.NewTransaction(domain.NewID(domain.PrefixPayment), domain.TransactionTypePayment, user, provider, amount, start)
	tx.Metadata["provider"] = provider

	s.logger.Info("Payment started", map[string]interface{}{
		"tx_id": tx.ID, "user": user, "provider": provider, "amount": amount.String(), "mode": string(mode),
	})

	before, err := s.debit(ctx, tx, primary)
	if err != nil {
		return s.fail(tx, err, start)
	}

	if mode == ModeAdaptive && amount.LessThan(s.threshold) {
		return s.queue(ctx, tx, primary, start)
	}
	return s.strict(ctx, tx, primary, replicas, before, start)
}

// debit checks the balance and takes the amount from the primary under the
// account lock. It returns the balance before the debit.
func (s *Service) debit(ctx context.Context, tx *domain.Transaction, primary *node.Node) (decimal.Decimal, error) {
	unlock := primary.LockAccounts(tx.FromUser)
	defer unlock()

	balance, ok := primary.GetBalance(ctx, tx.FromUser, false)
	if !ok {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.ErrAccountNotFound, tx.FromUser)
	}
	if balance.LessThan(tx.Amount) {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.ErrInsufficientBalance, balance.String()+" < "+tx.Amount.String())
	}
	primary.ApplyDelta(ctx, tx.FromUser, tx.Amount.Neg(), balance)
	return balance, nil
}

// strict confirms an already debited payment with the provider.
func (s *Service) strict(ctx context.Context, tx *domain.Transaction, primary *node.Node, replicas []*node.Node, before decimal.Decimal, start time.Time) *domain.Result {
	pctx, cancel := clock.WithTimeout(ctx, s.clock, s.timeout)
	defer cancel()

	receipt, err := s.callProvider(pctx, tx)
	if err != nil {
		primary.ApplyDelta(ctx, tx.FromUser, tx.Amount, before)
		s.logger.Warn("Provider call failed, debit rolled back", map[string]interface{}{"tx_id": tx.ID, "error": err.Error()})
		return s.fail(tx, err, start)
	}

	tx.Metadata["receipt_id"] = receipt.ID
	_ = tx.MarkCommitted(s.clock.Now())
	primary.AddTransaction(ctx, tx)

	payload := map[string]interface{}{
		"transaction_id": tx.ID,
		"from_user":      tx.FromUser,
		"to_user":        tx.ToUser,
		"amount":         tx.Amount.String(),
	}
	for _, r := range replicas {
		if resp := s.network.Deliver(pctx, primary.ID, r.ID, network.MsgPaymentReplicate, payload); resp == nil {
			s.logger.Debug("Replica missed payment", map[string]interface{}{"tx_id": tx.ID, "node": r.ID})
			continue
		}
		r.ApplyDelta(ctx, tx.FromUser, tx.Amount.Neg(), before)
		r.AddTransaction(ctx, tx)
	}

	s.succeed()
	newBalance, _ := primary.GetBalance(ctx, tx.FromUser, false)
	s.logger.Info("Payment committed", map[string]interface{}{"tx_id": tx.ID, "receipt_id": receipt.ID})

	res := &domain.Result{
		Success:       true,
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		ReceiptID:     receipt.ID,
		NewBalance:    domain.Amount(newBalance),
	}
	return res.WithLatency(start, s.clock.Now())
}

// queue commits an already debited payment and defers the provider
// notification.
func (s *Service) queue(ctx context.Context, tx *domain.Transaction, primary *node.Node, start time.Time) *domain.Result {
	newBalance, _ := primary.GetBalance(ctx, tx.FromUser, false)
	tx.Metadata["queued"] = true
	_ = tx.MarkCommitted(s.clock.Now())
	primary.AddTransaction(ctx, tx)

	s.succeed()
	s.logger.Info("Payment queued", map[string]interface{}{"tx_id": tx.ID})

	res := &domain.Result{
		Success:       true,
		TransactionID: tx.ID,
		Status:        StatusQueued,
		Message:       "payment is being processed (2-5 minutes)",
		NewBalance:    domain.Amount(newBalance),
		Metadata:      domain.Metadata{"queued": true},
	}
	return res.WithLatency(start, s.clock.Now())
}

// callProvider turns a provider panic into an ordinary failure.
func (s *Service) callProvider(ctx context.Context, tx *domain.Transaction) (receipt *Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			receipt = nil
			err = pkgerrors.Wrap(pkgerrors.ErrProviderFailure, fmt.Sprint(r))
		}
	}()
	return s.provider.Pay(ctx, tx)
}

func (s *Service) fail(tx *domain.Transaction, err error, start time.Time) *domain.Result {
	now := s.clock.Now()
	_ = tx.MarkFailed(err.Error(), now)

	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()

	s.logger.Warn("Payment failed", map[string]interface{}{"tx_id": tx.ID, "error": err.Error()})

	res := domain.Failed(err, "")
	res.TransactionID = tx.ID
	res.Status = string(tx.Status)
	return res.WithLatency(start, now)
}

func (s *Service) succeed() {
	s.mu.Lock()
	s.stats.Successful++
	s.mu.Unlock()
}

func (s *Service) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.Total) * 100
	}
	return st
}
