package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	unique := &pq.Error{Code: "23505", Constraint: "debit_rules_one_active_per_user"}

	if !IsUniqueViolation(unique, "debit_rules_one_active_per_user") {
		t.Error("expected match on code and constraint")
	}
	if !IsUniqueViolation(unique, "") {
		t.Error("empty constraint should match any unique violation")
	}
	if IsUniqueViolation(unique, "mandates_request_ref") {
		t.Error("different constraint should not match")
	}

	wrapped := fmt.Errorf("insert failed: %w", unique)
	if !IsUniqueViolation(wrapped, "debit_rules_one_active_per_user") {
		t.Error("wrapped pq errors should still match")
	}

	if IsUniqueViolation(&pq.Error{Code: "23503"}, "") {
		t.Error("foreign key violations are not unique violations")
	}
	if IsUniqueViolation(errors.New("plain error"), "") {
		t.Error("non-pq errors should not match")
	}
	if IsUniqueViolation(nil, "") {
		t.Error("nil error should not match")
	}
}
