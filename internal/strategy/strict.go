package strategy

import (
	"context"

	"capsim/internal/balance"
	"capsim/internal/domain"
	"capsim/internal/node"
	"capsim/internal/payment"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/logger"
	"capsim/pkg/validator"
)

// StrictCP refuses every operation the primary cannot confirm.
type StrictCP struct {
	cluster   *node.Cluster
	svc       Services
	validator *validator.Validator
	logger    logger.Logger
}

func NewStrictCP(cluster *node.Cluster, svc Services, log logger.Logger) *StrictCP {
	return &StrictCP{cluster: cluster, svc: svc, validator: validator.New(), logger: log}
}

func (s *StrictCP) deny(origin *node.Node) *domain.Result {
	s.logger.Warn("Operation denied, primary unreachable", map[string]interface{}{"node": origin.ID, "strategy": TagStrictCP})
	origin.RecordError()
	res := domain.Failed(pkgerrors.ErrServiceUnavailable, "")
	res.Reason = "cannot reach master"
	res.Strategy = TagStrictCP
	return res
}

func (s *StrictCP) ExecuteTransfer(ctx context.Context, origin *node.Node, req TransferRequest) *domain.Result {
	if res := invalid(s.validator, &req); res != nil {
		return res
	}
	if !origin.CanReachPrimary(s.cluster.Primary) {
		return s.deny(origin)
	}
	return s.svc.Transfer.Transfer(ctx, req.From, req.To, req.Amount, s.cluster.Primary, s.cluster.Replicas)
}

func (s *StrictCP) ExecuteBalanceQuery(ctx context.Context, origin *node.Node, req BalanceRequest) *domain.Result {
	if res := invalid(s.validator, &req); res != nil {
		return res
	}
	if !origin.CanReachPrimary(s.cluster.Primary) {
		return s.deny(origin)
	}
	return s.svc.Balance.GetBalance(ctx, req.User, origin, s.cluster.Primary, balance.ModeCP)
}

// ExecuteHistoryQuery reads the primary's log, never the local one.
func (s *StrictCP) ExecuteHistoryQuery(ctx context.Context, origin *node.Node, req HistoryRequest) *domain.Result {
	if res := invalid(s.validator, &req); res != nil {
		return res
	}
	if !origin.CanReachPrimary(s.cluster.Primary) {
		return s.deny(origin)
	}
	return s.svc.History.GetHistory(ctx, req.User, s.cluster.Primary, req.Limit)
}

func (s *StrictCP) ExecutePayment(ctx context.Context, origin *node.Node, req PaymentRequest) *domain.Result {
	if res := invalid(s.validator, &req); res != nil {
		return res
	}
	if !origin.CanReachPrimary(s.cluster.Primary) {
		return s.deny(origin)
	}
	return s.svc.Payment.PayBill(ctx, req.User, req.Provider, req.Amount, s.cluster.Primary, s.cluster.Replicas, payment.ModeStrict)
}

func (s *StrictCP) Describe() Description {
	return Description{
		Name:         "Pure CP (Strict Consistency)",
		Consistency:  "Strong (100%)",
		Availability: "Low during partition",
		Transfer:     "CP - blocked if partition",
		Balance:      "CP - master only",
		History:      "CP - master only",
		Payment:      "CP - blocked if partition",
		Pros:         []string{"Perfect consistency", "No data conflicts", "Regulatory compliant"},
		Cons:         []string{"Poor availability during partition", "High latency (always master)", "Bad user experience in unstable network"},
	}
}
