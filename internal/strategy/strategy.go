// Package strategy decides, per call, whether an operation must go through
// the primary or may be served locally.
package strategy

import (
	"context"

	"capsim/internal/balance"
	"capsim/internal/domain"
	"capsim/internal/history"
	"capsim/internal/node"
	"capsim/internal/payment"
	"capsim/internal/transfer"
	pkgerrors "capsim/pkg/errors"
	"capsim/pkg/validator"

	"github.com/shopspring/decimal"
)

// Strategy tags carried by results.
const (
	TagStrictCP      = "CP_STRICT"
	TagAdaptiveCP    = "ADAPTIVE_CP"
	TagAdaptiveQueue = "ADAPTIVE_AP_QUEUE"
	TagAdaptive      = "ADAPTIVE"
)

// Actions still offered to a user whose site is cut off from the primary.
const (
	ActionCheckBalance = "consulter_solde"
	ActionViewHistory  = "voir_historique"
)

// Balance query contexts.
const (
	ContextDisplay     = "display"
	ContextPreTransfer = "pre_transfer"
)

// Requests must move money: a record may carry a zero amount, a request may
// not.
type TransferRequest struct {
	From   string          `json:"from" validate:"required"`
	To     string          `json:"to" validate:"required,nefield=From"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

type BalanceRequest struct {
	User    string `json:"user" validate:"required"`
	Context string `json:"context" validate:"omitempty,oneof=display pre_transfer"`
}

type HistoryRequest struct {
	User  string `json:"user" validate:"required"`
	Limit int    `json:"limit" validate:"gte=0"`
}

type PaymentRequest struct {
	User     string          `json:"user" validate:"required"`
	Provider string          `json:"provider" validate:"required"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
}

// Strategy routes the four user operations. origin is the site the request
// arrived at.
type Strategy interface {
	ExecuteTransfer(ctx context.Context, origin *node.Node, req TransferRequest) *domain.Result
	ExecuteBalanceQuery(ctx context.Context, origin *node.Node, req BalanceRequest) *domain.Result
	ExecuteHistoryQuery(ctx context.Context, origin *node.Node, req HistoryRequest) *domain.Result
	ExecutePayment(ctx context.Context, origin *node.Node, req PaymentRequest) *domain.Result
}

// Services are the coordinators a strategy routes to.
type Services struct {
	Transfer *transfer.Service
	Balance  *balance.Service
	History  *history.Service
	Payment  *payment.Service
}

// Description summarizes a strategy's trade-offs.
type Description struct {
	Name         string   `json:"name"`
	Consistency  string   `json:"consistency"`
	Availability string   `json:"availability"`
	Transfer     string   `json:"transfer"`
	Balance      string   `json:"balance"`
	History      string   `json:"history"`
	Payment      string   `json:"payment"`
	Pros         []string `json:"pros"`
	Cons         []string `json:"cons"`
}

// Describe returns the description of strategies that publish one.
func Describe(s Strategy) (Description, bool) {
	d, ok := s.(interface{ Describe() Description })
	if !ok {
		return Description{}, false
	}
	return d.Describe(), true
}

func invalid(v *validator.Validator, req interface{}) *domain.Result {
	if err := v.Validate(req); err != nil {
		return domain.Failed(pkgerrors.Wrap(pkgerrors.ErrInvalidRequest, err.Error()), "")
	}
	return nil
}
