package payment

import (
	"context"
	"hash/fnv"
	"time"

	"capsim/internal/domain"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	pkgerrors "capsim/pkg/errors"
)

// Provider is the external bill issuer (utility, telecom, ...).
type Provider interface {
	Pay(ctx context.Context, tx *domain.Transaction) (*Receipt, error)
}

// Receipt is the provider's confirmation.
type Receipt struct {
	ID        string  `json:"receipt_id"`
	LatencyMS float64 `json:"latency_ms"`
}

// Random draws uniform values in [0, 1).
type Random interface {
	Float64() float64
}

// SimulatedProvider answers after a latency derived from the transaction id
// and succeeds with a configured probability.
type SimulatedProvider struct {
	clock       clock.Clock
	rng         Random
	successRate float64
	minLatency  time.Duration
	maxLatency  time.Duration
}

func NewSimulatedProvider(clk clock.Clock, rng Random, cfg config.PaymentConfig) *SimulatedProvider {
	return &SimulatedProvider{
		clock:       clk,
		rng:         rng,
		successRate: cfg.ProviderSuccess,
		minLatency:  cfg.ProviderMinLatency,
		maxLatency:  cfg.ProviderMaxLatency,
	}
}

// Latency is deterministic per transaction id: min plus a tenth-step of the spread.
func (p *SimulatedProvider) Latency(txID string) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(txID))
	step := time.Duration(h.Sum32() % 10)
	return p.minLatency + (p.maxLatency-p.minLatency)*step/10
}

func (p *SimulatedProvider) Pay(ctx context.Context, tx *domain.Transaction) (*Receipt, error) {
	latency := p.Latency(tx.ID)
	if err := p.clock.Sleep(ctx, latency); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrProviderFailure, "provider timeout")
	}
	if p.rng.Float64() <= 1-p.successRate {
		return nil, pkgerrors.Wrap(pkgerrors.ErrProviderFailure, "provider rejected payment")
	}
	return &Receipt{
		ID:        domain.NewID(domain.PrefixReceipt),
		LatencyMS: float64(latency.Milliseconds()),
	}, nil
}
