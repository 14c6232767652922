package models

import "time"

// MandateStatus is the lifecycle state of a bank debit mandate
type MandateStatus string

const (
	MandatePending   MandateStatus = "PENDING"
	MandateActive    MandateStatus = "ACTIVE"
	MandateCancelled MandateStatus = "CANCELLED"
	MandateFailed    MandateStatus = "FAILED"
	MandateExpired   MandateStatus = "EXPIRED"
)

// Valid reports whether s is a known mandate status
func (s MandateStatus) Valid() bool {
	switch s {
	case MandatePending, MandateActive, MandateCancelled, MandateFailed, MandateExpired:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions
func (s MandateStatus) Terminal() bool {
	switch s {
	case MandateCancelled, MandateFailed, MandateExpired:
		return true
	}
	return false
}

// mandateTransitions is the full transition graph. PENDING resolves via
// provider confirmation, rejection, or TTL expiry; ACTIVE may only be
// cancelled by the user.
var mandateTransitions = map[MandateStatus][]MandateStatus{
	MandatePending: {MandateActive, MandateFailed, MandateExpired},
	MandateActive:  {MandateCancelled},
}

// CanTransitionMandate reports whether from → to is a legal transition
func CanTransitionMandate(from, to MandateStatus) bool {
	for _, allowed := range mandateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Mandate is a bank-authorized standing permission for recurring debits.
// One open (PENDING or ACTIVE) mandate per user; superseded mandates are
// retained for audit.
type Mandate struct {
	ID                   string        `json:"id" db:"id"`
	UserID               string        `json:"user_id" db:"user_id"`
	Status               MandateStatus `json:"status" db:"status"`
	MandateReference     *string       `json:"mandate_reference" db:"mandate_reference"`
	SubscriptionID       *string       `json:"subscription_id" db:"subscription_id"`
	RequestRef           string        `json:"request_ref" db:"request_ref"`
	ActivationURL        *string       `json:"activation_url" db:"activation_url"`
	ProviderResponseCode *string       `json:"provider_response_code" db:"provider_response_code"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
	CancelledAt          *time.Time    `json:"cancelled_at" db:"cancelled_at"`
}
