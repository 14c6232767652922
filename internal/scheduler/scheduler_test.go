package scheduler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"kore/engine/pkg/models"
)

func dueRuleColumns() []string {
	return []string{
		"id", "user_id", "monthly_max_debit", "single_max_debit", "frequency",
		"amount_per_frequency", "allocations", "failure_action", "start_date", "end_date",
		"is_active", "created_at", "updated_at", "mandate_reference",
	}
}

func dueRuleRow(rows *sqlmock.Rows, frequency string, startDate time.Time) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		"rule-1", "user-1", "50000", "10000", frequency,
		"5000", `[{"bucket":"SAVINGS","percentage":100}]`, "RETRY", startDate, nil,
		true, now, now, "MND-001",
	)
}

func TestExecuteDueDebitsChargesDueRule(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":true,"message":"Charge attempted","data":{"reference":"PSK-1","status":"success"}}`))
	})

	today := date(2026, time.March, 16) // a Monday
	start := date(2026, time.January, 5)

	mock.ExpectQuery("JOIN mandates").
		WithArgs(today).
		WillReturnRows(dueRuleRow(sqlmock.NewRows(dueRuleColumns()), "WEEKLY", start))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, user_id, rule_id, status, amount").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "rule_id", "status", "amount"}).
			AddRow("txn-1", "user-1", "rule-1", "PENDING", "5000.00"))
	mock.ExpectExec("UPDATE transactions").
		WithArgs("PROCESSING", nil, nil, "txn-1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions").
		WithArgs("SUCCESSFUL", nil, "PSK-1", "txn-1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	logger := logrus.New()
	executor := NewExecutor(mockDB, logger, provider, nil)
	jm := NewJobManager(mockDB, logger, executor, nil,
		WithClock(func() time.Time { return today.Add(9 * time.Hour) }))
	jm.ExecuteDueDebits(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteDueDebitsSkipsOffCadenceRules(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	today := date(2026, time.March, 17) // a Tuesday
	start := date(2026, time.January, 5) // weekly rule anchored on Monday

	mock.ExpectQuery("JOIN mandates").
		WithArgs(today).
		WillReturnRows(dueRuleRow(sqlmock.NewRows(dueRuleColumns()), "WEEKLY", start))

	logger := logrus.New()
	executor := NewExecutor(mockDB, logger, nil, nil)
	jm := NewJobManager(mockDB, logger, executor, nil,
		WithClock(func() time.Time { return today }))
	jm.ExecuteDueDebits(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteDueDebitsSkipsAlreadyScheduled(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	today := date(2026, time.March, 16)
	start := date(2026, time.January, 5)

	mock.ExpectQuery("JOIN mandates").
		WithArgs(today).
		WillReturnRows(dueRuleRow(sqlmock.NewRows(dueRuleColumns()), "WEEKLY", start))
	// Another node already inserted this due date's row
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	logger := logrus.New()
	executor := NewExecutor(mockDB, logger, nil, nil)
	jm := NewJobManager(mockDB, logger, executor, nil,
		WithClock(func() time.Time { return today }))
	jm.ExecuteDueDebits(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteDueDebitsCustomCadence(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	today := date(2026, time.March, 16)
	start := date(2026, time.January, 5)

	mock.ExpectQuery("JOIN mandates").
		WithArgs(today).
		WillReturnRows(dueRuleRow(sqlmock.NewRows(dueRuleColumns()), "CUSTOM", start))

	// Cadence says no: the candidate is dropped before any insert
	logger := logrus.New()
	executor := NewExecutor(mockDB, logger, nil, nil)
	jm := NewJobManager(mockDB, logger, executor, nil,
		WithClock(func() time.Time { return today }),
		WithCustomCadence(func(_ *models.DebitRule, day time.Time) bool { return false }))
	jm.ExecuteDueDebits(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
