package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bucket is a named destination category a share of each debit is
// allocated to.
type Bucket string

const (
	BucketSavings     Bucket = "SAVINGS"
	BucketInvestments Bucket = "INVESTMENTS"
	BucketBills       Bucket = "BILLS"
	BucketEmergency   Bucket = "EMERGENCY"
	BucketSpending    Bucket = "SPENDING"
	BucketCustom      Bucket = "CUSTOM"
)

// Valid reports whether b is a known bucket code
func (b Bucket) Valid() bool {
	switch b {
	case BucketSavings, BucketInvestments, BucketBills, BucketEmergency, BucketSpending, BucketCustom:
		return true
	}
	return false
}

// DebitFrequency is the cadence at which a rule fires
type DebitFrequency string

const (
	FrequencyDaily   DebitFrequency = "DAILY"
	FrequencyWeekly  DebitFrequency = "WEEKLY"
	FrequencyMonthly DebitFrequency = "MONTHLY"
	FrequencyCustom  DebitFrequency = "CUSTOM"
)

// Valid reports whether f is a known frequency
func (f DebitFrequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
		return true
	}
	return false
}

// FailureAction is the policy applied when a scheduled debit fails
type FailureAction string

const (
	FailureRetry  FailureAction = "RETRY"
	FailureSkip   FailureAction = "SKIP"
	FailureNotify FailureAction = "NOTIFY"
)

// Valid reports whether a is a known failure action
func (a FailureAction) Valid() bool {
	switch a {
	case FailureRetry, FailureSkip, FailureNotify:
		return true
	}
	return false
}

// BucketAllocation assigns a percentage of each debit to a bucket.
// Owned by its parent DebitRule.
type BucketAllocation struct {
	Bucket           Bucket `json:"bucket"`
	CustomBucketName string `json:"custom_bucket_name,omitempty"`
	Percentage       int    `json:"percentage"`
}

// AllocationList is the JSONB column holding a rule's allocations
type AllocationList []BucketAllocation

// Value implements the driver.Valuer interface
func (a AllocationList) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal([]BucketAllocation{})
	}
	return json.Marshal(a)
}

// Scan implements the sql.Scanner interface
func (a *AllocationList) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported allocation scan type %T", value)
	}

	return json.Unmarshal(bytes, a)
}

// DebitRule defines a user's automated debit configuration. At most one
// rule per user is active at any time; superseded versions live in
// debit_rule_history.
type DebitRule struct {
	ID                 string          `json:"id" db:"id"`
	UserID             string          `json:"user_id" db:"user_id"`
	MonthlyMaxDebit    decimal.Decimal `json:"monthly_max_debit" db:"monthly_max_debit"`
	SingleMaxDebit     decimal.Decimal `json:"single_max_debit" db:"single_max_debit"`
	Frequency          DebitFrequency  `json:"frequency" db:"frequency"`
	AmountPerFrequency decimal.Decimal `json:"amount_per_frequency" db:"amount_per_frequency"`
	Allocations        AllocationList  `json:"allocations" db:"allocations"`
	FailureAction      FailureAction   `json:"failure_action" db:"failure_action"`
	StartDate          time.Time       `json:"start_date" db:"start_date"`
	EndDate            *time.Time      `json:"end_date,omitempty" db:"end_date"`
	IsActive           bool            `json:"is_active" db:"is_active"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// InWindow reports whether the rule's date window covers the given day
func (r *DebitRule) InWindow(day time.Time) bool {
	d := day.Truncate(24 * time.Hour)
	if d.Before(r.StartDate.Truncate(24 * time.Hour)) {
		return false
	}
	if r.EndDate != nil && d.After(r.EndDate.Truncate(24*time.Hour)) {
		return false
	}
	return true
}

// DebitRuleVersion is an immutable snapshot of a superseded rule
type DebitRuleVersion struct {
	ID           string    `json:"id" db:"id"`
	RuleID       string    `json:"rule_id" db:"rule_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Snapshot     DebitRule `json:"snapshot" db:"snapshot"`
	SupersededAt time.Time `json:"superseded_at" db:"superseded_at"`
}

// SnapshotColumn stores a full rule in a JSONB snapshot column
type SnapshotColumn struct {
	Rule DebitRule
}

// RuleSnapshot wraps a rule for insertion into debit_rule_history
func RuleSnapshot(r *DebitRule) SnapshotColumn {
	return SnapshotColumn{Rule: *r}
}

// Value implements the driver.Valuer interface
func (s SnapshotColumn) Value() (driver.Value, error) {
	return json.Marshal(s.Rule)
}

// Scan implements the sql.Scanner interface
func (s *SnapshotColumn) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported snapshot scan type %T", value)
	}

	return json.Unmarshal(bytes, &s.Rule)
}
