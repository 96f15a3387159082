package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency represents ISO 4217 currency codes
type Currency string

const (
	XOF Currency = "XOF" // West African CFA franc
)

// Account is a seeded mobile-money account.
type Account struct {
	UserID    string          `json:"user_id" validate:"required"`
	Phone     string          `json:"phone" validate:"required,phone"`
	Name      string          `json:"name" validate:"required"`
	Balance   decimal.Decimal `json:"balance" validate:"gte=0"`
	Currency  Currency        `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	IsActive  bool            `json:"is_active"`
}

// NodeRole is the replication role of a site.
type NodeRole string

const (
	RolePrimary          NodeRole = "master"
	RoleReadWriteReplica NodeRole = "replica_rw"
	RoleReadOnlyReplica  NodeRole = "replica_ro"
	RoleAnalyticsReplica NodeRole = "replica_analytics"
)

// CanWrite reports whether a node holding this role accepts writes.
func (r NodeRole) CanWrite() bool {
	return r == RolePrimary || r == RoleReadWriteReplica
}

// NodeState is the health of a site.
type NodeState string

const (
	NodeStateHealthy  NodeState = "healthy"
	NodeStateDegraded NodeState = "degraded"
	NodeStateIsolated NodeState = "isolated"
	NodeStateDown     NodeState = "down"
)

type TransactionType string

const (
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypePayment    TransactionType = "payment"
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusPrepared  TransactionStatus = "prepared"
	TransactionStatusCommitted TransactionStatus = "committed"
	TransactionStatusAborted   TransactionStatus = "aborted"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCommitted || s == TransactionStatusAborted || s == TransactionStatusFailed
}

// ErrInvalidTransition is returned when a status change would move backwards
// or leave a terminal status.
var ErrInvalidTransition = errors.New("invalid transaction status transition")

// Transaction is a financial operation record. Copies of it are appended to
// every node that learns about the operation.
type Transaction struct {
	ID           string            `json:"transaction_id" validate:"required"`
	Type         TransactionType   `json:"type" validate:"required"`
	FromUser     string            `json:"from_user" validate:"required"`
	ToUser       string            `json:"to_user,omitempty"`
	Amount       decimal.Decimal   `json:"amount" validate:"gte=0"`
	Currency     Currency          `json:"currency"`
	Status       TransactionStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     Metadata          `json:"metadata,omitempty"`

	// Stamped by the node that stores the copy.
	NodeID     string    `json:"node_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// NewTransaction creates a pending record.
func NewTransaction(id string, kind TransactionType, from, to string, amount decimal.Decimal, now time.Time) *Transaction {
	return &Transaction{
		ID:        id,
		Type:      kind,
		FromUser:  from,
		ToUser:    to,
		Amount:    amount,
		Currency:  XOF,
		Status:    TransactionStatusPending,
		CreatedAt: now,
		Metadata:  Metadata{},
	}
}

// Involves reports whether user is the source or the destination.
func (t *Transaction) Involves(user string) bool {
	return t.FromUser == user || t.ToUser == user
}

// MarkPrepared records a successful prepare phase.
func (t *Transaction) MarkPrepared() error {
	if t.Status != TransactionStatusPending {
		return t.transitionError(TransactionStatusPrepared)
	}
	t.Status = TransactionStatusPrepared
	return nil
}

func (t *Transaction) MarkCommitted(at time.Time) error {
	return t.finish(TransactionStatusCommitted, "", at)
}

func (t *Transaction) MarkAborted(reason string, at time.Time) error {
	return t.finish(TransactionStatusAborted, reason, at)
}

func (t *Transaction) MarkFailed(reason string, at time.Time) error {
	return t.finish(TransactionStatusFailed, reason, at)
}

func (t *Transaction) finish(status TransactionStatus, reason string, at time.Time) error {
	if t.Status.Terminal() {
		return t.transitionError(status)
	}
	t.Status = status
	t.ErrorMessage = reason
	completed := at
	t.CompletedAt = &completed
	return nil
}

func (t *Transaction) transitionError(to TransactionStatus) error {
	return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, t.Status, to, t.ID)
}

// Clone returns a deep copy suitable for storing on another node.
func (t *Transaction) Clone() Transaction {
	c := *t
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	if t.Metadata != nil {
		c.Metadata = make(Metadata, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Metadata is a JSON-compatible map
type Metadata map[string]interface{}
