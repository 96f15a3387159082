package strategy

import (
	"context"
	"fmt"

	"capsim/internal/balance"
	"capsim/internal/domain"
	"capsim/internal/node"
	"capsim/internal/payment"
	"capsim/pkg/clock"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"
	"capsim/pkg/validator"
)

// Adaptive keeps writes consistent and lets reads and small payments
// degrade gracefully when the primary is out of reach.
type Adaptive struct {
	cluster   *node.Cluster
	svc       Services
	clock     clock.Clock
	validator *validator.Validator
	logger    logger.Logger
}

func NewAdaptive(cluster *node.Cluster, svc Services, clk clock.Clock, log logger.Logger) *Adaptive {
	return &Adaptive{cluster: cluster, svc: svc, clock: clk, validator: validator.New(), logger: log}
}

// ExecuteTransfer is always CP. A cut-off site gets a denial that lists what
// the user can still do.
func (a *Adaptive) ExecuteTransfer(ctx context.Context, origin *node.Node, req TransferRequest) *domain.Result {
	if res := invalid(a.validator, &req); res != nil {
		return res
	}
	if !origin.CanReachPrimary(a.cluster.Primary) {
		a.logger.Warn("Transfer suspended during partition", map[string]interface{}{"node": origin.ID})
		origin.RecordError()
		res := domain.Failed(pkgerrors.ErrServiceUnavailable, "transfers temporarily unavailable")
		res.Reason = "network connection problem detected"
		res.Message = "For your security, transfers are suspended for a few minutes. " +
			"You can still check your balance and history."
		res.AvailableActions = []string{ActionCheckBalance, ActionViewHistory}
		res.Strategy = TagAdaptiveCP
		return res
	}
	return a.svc.Transfer.Transfer(ctx, req.From, req.To, req.Amount, a.cluster.Primary, a.cluster.Replicas)
}

// ExecuteBalanceQuery reads from the primary before a transfer and locally
// for display.
func (a *Adaptive) ExecuteBalanceQuery(ctx context.Context, origin *node.Node, req BalanceRequest) *domain.Result {
	if res := invalid(a.validator, &req); res != nil {
		return res
	}
	reachable := origin.CanReachPrimary(a.cluster.Primary)

	if req.Context == ContextPreTransfer {
		if !reachable {
			res := domain.Failed(pkgerrors.ErrServiceUnavailable, "cannot verify balance")
			res.Strategy = TagAdaptiveCP
			return res
		}
		return a.svc.Balance.GetBalance(ctx, req.User, origin, a.cluster.Primary, balance.ModeCP)
	}

	res := a.svc.Balance.GetBalance(ctx, req.User, origin, a.cluster.Primary, balance.ModeAP)
	if !reachable {
		res.Warning = "showing local data, it may be a few minutes behind"
		res.PartitionMode = true
	}
	return res
}

func (a *Adaptive) ExecuteHistoryQuery(ctx context.Context, origin *node.Node, req HistoryRequest) *domain.Result {
	if res := invalid(a.validator, &req); res != nil {
		return res
	}
	res := a.svc.History.GetHistory(ctx, req.User, origin, req.Limit)
	if !origin.CanReachPrimary(a.cluster.Primary) {
		res.Warning = "degraded mode: recent transactions may be missing"
		res.PartitionMode = true
	}
	return res
}

// ExecutePayment queues small payments on a cut-off site and refuses large ones.
func (a *Adaptive) ExecutePayment(ctx context.Context, origin *node.Node, req PaymentRequest) *domain.Result {
	if res := invalid(a.validator, &req); res != nil {
		return res
	}
	if origin.CanReachPrimary(a.cluster.Primary) {
		return a.svc.Payment.PayBill(ctx, req.User, req.Provider, req.Amount, a.cluster.Primary, a.cluster.Replicas, payment.ModeAdaptive)
	}

	threshold := a.svc.Payment.QueueThreshold()
	if req.Amount.LessThan(threshold) {
		now := a.clock.Now()
		a.logger.Info("Payment queued locally during partition", map[string]interface{}{
			"node": origin.ID, "user": req.User, "amount": req.Amount.String(),
		})
		return &domain.Result{
			Success:       true,
			TransactionID: fmt.Sprintf("queue_%d", now.Unix()),
			Status:        "queued",
			Message:       fmt.Sprintf("payment of %s FCFA queued", req.Amount.String()),
			Warning:       "processing deferred until the network reconnects",
			PartitionMode: true,
			Strategy:      TagAdaptiveQueue,
		}
	}

	origin.RecordError()
	res := domain.Failed(pkgerrors.ErrPartitionLimit, "")
	res.Reason = "network connection problem"
	res.Message = fmt.Sprintf("payments of %s FCFA or more need a secure connection; smaller payments remain available", threshold.String())
	res.Strategy = TagAdaptive
	return res
}

func (a *Adaptive) Describe() Description {
	return Description{
		Name:         "Adaptive (Smart Balance)",
		Consistency:  "Strong for writes, eventual for reads",
		Availability: "High during partition",
		Transfer:     "CP - blocked if partition",
		Balance:      "AP - local replica (display) | CP - master (verification)",
		History:      "AP - always available from local",
		Payment:      "Adaptive - queue below threshold, CP above",
		Pros:         []string{"Best user experience", "High availability for consultations", "Safe for critical operations", "Graceful degradation"},
		Cons:         []string{"More complex logic", "Eventual consistency for some data", "Users must understand warnings"},
	}
}
