// Package kore defines the request and response types for the Kore
// rules engine HTTP API.
package kore

import (
	"time"

	"kore/engine/pkg/models"
	"kore/engine/pkg/validation"
)

// ErrorResponse represents a standard error response from the engine
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationErrorResponse lists every violated constraint from a
// rejected rule or allocation payload.
type ValidationErrorResponse struct {
	Error      string                  `json:"error"`
	Violations []validation.FieldError `json:"violations"`
}

// AllocationInput is one bucket share in a rule payload. Percentage is
// a whole number; all entries must sum to exactly 100.
type AllocationInput struct {
	Bucket           string `json:"bucket"`
	CustomBucketName string `json:"custom_bucket_name,omitempty"`
	Percentage       int    `json:"percentage"`
}

// CreateRuleRequest creates a new debit rule for the authenticated
// user. Amounts are decimal strings in naira.
type CreateRuleRequest struct {
	MonthlyMaxDebit    string            `json:"monthly_max_debit"`
	SingleMaxDebit     string            `json:"single_max_debit"`
	Frequency          string            `json:"frequency"`
	AmountPerFrequency string            `json:"amount_per_frequency"`
	StartDate          string            `json:"start_date"`
	EndDate            string            `json:"end_date,omitempty"`
	FailureAction      string            `json:"failure_action"`
	Allocations        []AllocationInput `json:"allocations"`
}

// UpdateRuleRequest modifies the active rule. Nil fields are left
// unchanged; a non-nil Allocations replaces the full allocation set.
type UpdateRuleRequest struct {
	MonthlyMaxDebit    *string            `json:"monthly_max_debit,omitempty"`
	SingleMaxDebit     *string            `json:"single_max_debit,omitempty"`
	Frequency          *string            `json:"frequency,omitempty"`
	AmountPerFrequency *string            `json:"amount_per_frequency,omitempty"`
	EndDate            *string            `json:"end_date,omitempty"`
	FailureAction      *string            `json:"failure_action,omitempty"`
	Allocations        *[]AllocationInput `json:"allocations,omitempty"`
}

// RuleResponse returns a debit rule
type RuleResponse struct {
	Rule *models.DebitRule `json:"rule"`
}

// RuleHistoryResponse returns prior versions of a rule, newest first
type RuleHistoryResponse struct {
	RuleID   string                    `json:"rule_id"`
	Versions []models.DebitRuleVersion `json:"versions"`
}

// CreateMandateRequest initiates a direct-debit mandate with the
// payment provider. RequestRef deduplicates retried submissions.
type CreateMandateRequest struct {
	RequestRef        string `json:"request_ref"`
	BankCode          string `json:"bank_code"`
	AccountNumber     string `json:"account_number"`
	AuthorizationType string `json:"authorization_type,omitempty"`
}

// MandateCreateResponse returns the pending mandate and the provider
// activation URL the user must visit to authorize it.
type MandateCreateResponse struct {
	Mandate       *models.Mandate `json:"mandate"`
	ActivationURL string          `json:"activation_url,omitempty"`
}

// MandateResponse returns a mandate
type MandateResponse struct {
	Mandate *models.Mandate `json:"mandate"`
}

// TransactionListResponse returns a page of ledger entries
type TransactionListResponse struct {
	Transactions []models.Transaction `json:"transactions"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
	Total        int                  `json:"total"`
}

// TransactionResponse returns a single ledger entry
type TransactionResponse struct {
	Transaction *models.Transaction `json:"transaction"`
}

// SummaryResponse aggregates a user's ledger over a period
type SummaryResponse struct {
	Summary *models.LedgerSummary `json:"summary"`
}

// HealthResponse reports service liveness
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}
