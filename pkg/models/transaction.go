package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes ledger entry directions
type TransactionType string

const (
	TypeDebit    TransactionType = "DEBIT"
	TypeCredit   TransactionType = "CREDIT"
	TypeReversal TransactionType = "REVERSAL"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDebit, TypeCredit, TypeReversal:
		return true
	}
	return false
}

// TransactionStatus is the processing state of a ledger entry
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxProcessing TransactionStatus = "PROCESSING"
	TxSuccessful TransactionStatus = "SUCCESSFUL"
	TxFailed     TransactionStatus = "FAILED"
	TxReversed   TransactionStatus = "REVERSED"
)

// Valid reports whether s is a known transaction status
func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxProcessing, TxSuccessful, TxFailed, TxReversed:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions. REVERSED is
// reachable only from SUCCESSFUL, so SUCCESSFUL is terminal for
// everything except reversal.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxFailed, TxReversed:
		return true
	}
	return false
}

// PENDING may settle straight to a terminal status: a charge webhook
// or the stuck sweep can reach a row the executor never marked
// PROCESSING (crash between insert and charge).
var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxPending:    {TxProcessing, TxSuccessful, TxFailed},
	TxProcessing: {TxSuccessful, TxFailed},
	TxSuccessful: {TxReversed},
}

// CanTransitionTransaction reports whether from → to is a legal transition
func CanTransitionTransaction(from, to TransactionStatus) bool {
	for _, allowed := range transactionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transaction is one ledger entry. Immutable once in a terminal status;
// never deleted.
type Transaction struct {
	ID                string            `json:"id" db:"id"`
	UserID            string            `json:"user_id" db:"user_id"`
	RuleID            *string           `json:"rule_id,omitempty" db:"rule_id"`
	Reference         string            `json:"reference" db:"reference"`
	TransactionType   TransactionType   `json:"transaction_type" db:"transaction_type"`
	Status            TransactionStatus `json:"status" db:"status"`
	Amount            decimal.Decimal   `json:"amount" db:"amount"`
	Bucket            *Bucket           `json:"bucket,omitempty" db:"bucket"`
	CustomBucketName  *string           `json:"custom_bucket_name,omitempty" db:"custom_bucket_name"`
	Description       string            `json:"description" db:"description"`
	Narration         string            `json:"narration" db:"narration"`
	RequestRef        string            `json:"request_ref" db:"request_ref"`
	DueDate           *time.Time        `json:"due_date,omitempty" db:"due_date"`
	Attempt           int               `json:"attempt" db:"attempt"`
	ProviderReference *string           `json:"provider_reference" db:"provider_reference"`
	FailureReason     *string           `json:"failure_reason" db:"failure_reason"`
	ReconciledAt      *time.Time        `json:"reconciled_at,omitempty" db:"reconciled_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at" db:"completed_at"`
}

// BucketSummary aggregates settled debits allocated to one bucket
type BucketSummary struct {
	Bucket     string          `json:"bucket"`
	Total      decimal.Decimal `json:"total"`
	Percentage int             `json:"percentage"`
}

// LedgerSummary is the aggregated read model for a period
type LedgerSummary struct {
	Period        string                   `json:"period"`
	TotalDebited  decimal.Decimal          `json:"total_debited"`
	TotalCredited decimal.Decimal          `json:"total_credited"`
	Count         int                      `json:"count"`
	ByBucket      map[string]BucketSummary `json:"by_bucket"`
	ByStatus      map[string]int           `json:"by_status"`
}
