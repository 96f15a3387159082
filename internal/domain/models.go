// Package domain re-exports core domain types so internal code can import
// `capsim/internal/domain` while using definitions from `capsim/pkg/domain`.
package domain

import pkg "capsim/pkg/domain"

// Currency represents a currency code.
type Currency = pkg.Currency

// Account represents a seeded mobile-money account.
type Account = pkg.Account

// NodeRole represents the replication role of a site.
type NodeRole = pkg.NodeRole

// NodeState represents the health of a site.
type NodeState = pkg.NodeState

// Transaction represents a financial operation record.
type Transaction = pkg.Transaction

// TransactionStatus represents transaction lifecycle states.
type TransactionStatus = pkg.TransactionStatus

// TransactionType represents categories of transactions.
type TransactionType = pkg.TransactionType

// Metadata holds arbitrary key-value metadata.
type Metadata = pkg.Metadata

// Result is the structured outcome of an operation.
type Result = pkg.Result

// XOF is the West African CFA franc.
const XOF = pkg.XOF

// Re-exported node roles.
const (
	RolePrimary          = pkg.RolePrimary
	RoleReadWriteReplica = pkg.RoleReadWriteReplica
	RoleReadOnlyReplica  = pkg.RoleReadOnlyReplica
	RoleAnalyticsReplica = pkg.RoleAnalyticsReplica
)

// Re-exported node states.
const (
	NodeStateHealthy  = pkg.NodeStateHealthy
	NodeStateDegraded = pkg.NodeStateDegraded
	NodeStateIsolated = pkg.NodeStateIsolated
	NodeStateDown     = pkg.NodeStateDown
)

// Re-exported transaction statuses.
const (
	TransactionStatusPending   = pkg.TransactionStatusPending
	TransactionStatusPrepared  = pkg.TransactionStatusPrepared
	TransactionStatusCommitted = pkg.TransactionStatusCommitted
	TransactionStatusAborted   = pkg.TransactionStatusAborted
	TransactionStatusFailed    = pkg.TransactionStatusFailed
)

// Re-exported transaction types.
const (
	TransactionTypeTransfer   = pkg.TransactionTypeTransfer
	TransactionTypePayment    = pkg.TransactionTypePayment
	TransactionTypeDeposit    = pkg.TransactionTypeDeposit
	TransactionTypeWithdrawal = pkg.TransactionTypeWithdrawal
)

// Re-exported id prefixes.
const (
	PrefixTransfer = pkg.PrefixTransfer
	PrefixPayment  = pkg.PrefixPayment
	PrefixReceipt  = pkg.PrefixReceipt
)

// Re-exported helpers.
var (
	NewTransaction       = pkg.NewTransaction
	NewID                = pkg.NewID
	Failed               = pkg.Failed
	Amount               = pkg.Amount
	ErrInvalidTransition = pkg.ErrInvalidTransition
)
