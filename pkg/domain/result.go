package domain

import (
	"time"

	pkgerrors "capsim/pkg/errors"

	"github.com/shopspring/decimal"
)

// Result is the structured outcome of every coordinator and strategy call.
// Failures are values: Err holds the sentinel from pkg/errors and Error its
// user-facing text.
type Result struct {
	Success          bool             `json:"success"`
	TransactionID    string           `json:"transaction_id,omitempty"`
	Status           string           `json:"status,omitempty"`
	Error            string           `json:"error,omitempty"`
	Retryable        bool             `json:"retryable,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Message          string           `json:"message,omitempty"`
	Warning          string           `json:"warning,omitempty"`
	Source           string           `json:"source,omitempty"`
	Freshness        string           `json:"freshness,omitempty"`
	Strategy         string           `json:"strategy,omitempty"`
	PartitionMode    bool             `json:"partition_mode,omitempty"`
	AvailableActions []string         `json:"available_actions,omitempty"`
	Balance          *decimal.Decimal `json:"balance,omitempty"`
	NewBalance       *decimal.Decimal `json:"new_balance,omitempty"`
	NewBalanceFrom   *decimal.Decimal `json:"new_balance_from,omitempty"`
	NewBalanceTo     *decimal.Decimal `json:"new_balance_to,omitempty"`
	Transactions     []Transaction    `json:"transactions,omitempty"`
	Count            int              `json:"count"`
	ReceiptID        string           `json:"receipt_id,omitempty"`
	NoVoters         []string         `json:"no_voters,omitempty"`
	LatencyMS        float64          `json:"latency_ms"`
	Metadata         Metadata         `json:"metadata,omitempty"`

	Err error `json:"-"`
}

// Failed builds a failure result around a sentinel error. Retryable tells the
// caller whether the same request may succeed later.
func Failed(err error, message string) *Result {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Result{Success: false, Err: err, Error: message, Retryable: pkgerrors.Retryable(err)}
}

// WithLatency stamps the elapsed time since start.
func (r *Result) WithLatency(start, now time.Time) *Result {
	r.LatencyMS = float64(now.Sub(start).Microseconds()) / 1000.0
	return r
}

// Fields flattens the result for metrics recorders.
func (r *Result) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"success":    r.Success,
		"latency_ms": r.LatencyMS,
	}
	if r.TransactionID != "" {
		fields["transaction_id"] = r.TransactionID
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	if r.Strategy != "" {
		fields["strategy"] = r.Strategy
	}
	if r.PartitionMode {
		fields["partition_mode"] = true
	}
	return fields
}

// Amount returns a pointer to a copy of d, for optional result fields.
func Amount(d decimal.Decimal) *decimal.Decimal {
	return &d
}
