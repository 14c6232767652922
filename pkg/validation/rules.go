// Package validation holds the pure invariant checks for debit rules and
// their bucket allocations. Validators collect every violation rather
// than stopping at the first, so callers can report all errors at once.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kore/engine/pkg/models"
)

// FieldError describes a single invariant violation
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationErrors aggregates every violation found in one pass
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

// Error implements the error interface
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(v.Errors))
	for _, fe := range v.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Reason))
	}
	return strings.Join(parts, "; ")
}

func (v *ValidationErrors) add(field, reason string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Reason: reason})
}

// HasErrors reports whether any violation was recorded
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// ValidateAllocations checks a rule's bucket allocation list:
// percentages are integers in [0,100] summing to exactly 100, CUSTOM
// entries carry a name, and no bucket repeats except CUSTOM entries with
// distinct names.
func ValidateAllocations(allocations []models.BucketAllocation) error {
	verr := &ValidationErrors{}

	if len(allocations) == 0 {
		verr.add("allocations", "at least one bucket allocation is required")
		return verr
	}

	sum := 0
	seen := make(map[models.Bucket]bool)
	seenCustom := make(map[string]bool)

	for i, alloc := range allocations {
		field := fmt.Sprintf("allocations[%d]", i)

		if !alloc.Bucket.Valid() {
			verr.add(field+".bucket", fmt.Sprintf("unknown bucket %q", alloc.Bucket))
			continue
		}

		if alloc.Percentage < 0 || alloc.Percentage > 100 {
			verr.add(field+".percentage", fmt.Sprintf("percentage %d is outside [0,100]", alloc.Percentage))
		} else {
			sum += alloc.Percentage
		}

		if alloc.Bucket == models.BucketCustom {
			name := strings.TrimSpace(alloc.CustomBucketName)
			if name == "" {
				verr.add(field+".custom_bucket_name", "custom bucket requires a name")
			} else if seenCustom[name] {
				verr.add(field+".custom_bucket_name", fmt.Sprintf("duplicate custom bucket %q", name))
			} else {
				seenCustom[name] = true
			}
			continue
		}

		if alloc.CustomBucketName != "" {
			verr.add(field+".custom_bucket_name", "custom_bucket_name only applies to CUSTOM buckets")
		}
		if seen[alloc.Bucket] {
			verr.add(field+".bucket", fmt.Sprintf("duplicate bucket %s", alloc.Bucket))
		}
		seen[alloc.Bucket] = true
	}

	if sum != 100 {
		if sum < 100 {
			verr.add("allocations", fmt.Sprintf("%d%% unallocated", 100-sum))
		} else {
			verr.add("allocations", fmt.Sprintf("%d%% over-allocated", sum-100))
		}
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

// ValidateRule checks the full rule: amount ordering, enums, date window,
// and allocations. All violations are returned together.
func ValidateRule(rule *models.DebitRule) error {
	verr := &ValidationErrors{}

	if !rule.MonthlyMaxDebit.IsPositive() {
		verr.add("monthly_max_debit", "must be greater than zero")
	}
	if !rule.SingleMaxDebit.IsPositive() {
		verr.add("single_max_debit", "must be greater than zero")
	} else if rule.SingleMaxDebit.GreaterThan(rule.MonthlyMaxDebit) {
		verr.add("single_max_debit", "must not exceed monthly_max_debit")
	}
	if !rule.AmountPerFrequency.IsPositive() {
		verr.add("amount_per_frequency", "must be greater than zero")
	} else if rule.AmountPerFrequency.GreaterThan(rule.SingleMaxDebit) {
		verr.add("amount_per_frequency", "must not exceed single_max_debit")
	}

	if !rule.Frequency.Valid() {
		verr.add("frequency", fmt.Sprintf("unknown frequency %q", rule.Frequency))
	}
	if !rule.FailureAction.Valid() {
		verr.add("failure_action", fmt.Sprintf("unknown failure_action %q", rule.FailureAction))
	}

	if rule.StartDate.IsZero() {
		verr.add("start_date", "is required")
	}
	if rule.EndDate != nil && !rule.EndDate.After(rule.StartDate) {
		verr.add("end_date", "must be after start_date")
	}

	if allocErr := ValidateAllocations(rule.Allocations); allocErr != nil {
		var inner *ValidationErrors
		if errors.As(allocErr, &inner) {
			verr.Errors = append(verr.Errors, inner.Errors...)
		} else {
			verr.add("allocations", allocErr.Error())
		}
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

// SplitAmount apportions a settled debit across the rule's allocations
// using exact decimal arithmetic. The shares sum to the full amount; the
// remainder after truncation goes to the largest allocation so nothing
// is lost to rounding.
func SplitAmount(amount decimal.Decimal, allocations []models.BucketAllocation) map[string]decimal.Decimal {
	shares := make(map[string]decimal.Decimal, len(allocations))
	if len(allocations) == 0 {
		return shares
	}

	hundred := decimal.NewFromInt(100)
	remaining := amount
	largestKey := ""
	largestPct := -1

	for _, alloc := range allocations {
		key := AllocationKey(alloc)
		share := amount.Mul(decimal.NewFromInt(int64(alloc.Percentage))).Div(hundred).RoundDown(2)
		shares[key] = shares[key].Add(share)
		remaining = remaining.Sub(share)
		if alloc.Percentage > largestPct {
			largestPct = alloc.Percentage
			largestKey = key
		}
	}

	if !remaining.IsZero() && largestKey != "" {
		shares[largestKey] = shares[largestKey].Add(remaining)
	}

	return shares
}

// AllocationKey names an allocation for reporting: the bucket code, or
// the custom bucket name for CUSTOM entries.
func AllocationKey(alloc models.BucketAllocation) string {
	if alloc.Bucket == models.BucketCustom && alloc.CustomBucketName != "" {
		return string(models.BucketCustom) + ":" + alloc.CustomBucketName
	}
	return string(alloc.Bucket)
}
