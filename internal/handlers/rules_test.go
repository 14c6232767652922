package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	koreapi "kore/engine/pkg/api/kore"
)

func newRequestContext(t *testing.T, method, target, body, userID string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	c.Request = req

	if userID != "" {
		c.Set("user_id", userID)
	}
	return c, w
}

func setupHandlerTest(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	db = mockDB
	logger = logrus.New()
	metrics = nil
	producer = nil
	emailService = nil
	debitRunner = nil
	sweepRunner = nil
	t.Cleanup(func() {
		mockDB.Close()
		db = nil
	})
	return mock
}

const createRuleBody = `{
	"monthly_max_debit": "50000",
	"single_max_debit": "10000",
	"frequency": "WEEKLY",
	"amount_per_frequency": "5000",
	"start_date": "2026-01-05",
	"failure_action": "RETRY",
	"allocations": [
		{"bucket": "SAVINGS", "percentage": 60},
		{"bucket": "BILLS", "percentage": 40}
	]
}`

func activeRuleRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "monthly_max_debit", "single_max_debit", "frequency",
		"amount_per_frequency", "allocations", "failure_action", "start_date", "end_date",
		"is_active", "created_at", "updated_at",
	}).AddRow(
		"rule-1", "user-1", "50000", "10000", "WEEKLY",
		"5000", `[{"bucket":"SAVINGS","percentage":60},{"bucket":"BILLS","percentage":40}]`,
		"RETRY", time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC), nil,
		true, now, now,
	)
}

func TestCreateRule(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery("SELECT id FROM debit_rules").
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO debit_rules").
		WillReturnRows(activeRuleRows())

	c, w := newRequestContext(t, http.MethodPost, "/rules-engine/", createRuleBody, "user-1")
	CreateRule(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp koreapi.RuleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Rule == nil || resp.Rule.ID != "rule-1" {
		t.Errorf("unexpected rule in response: %+v", resp.Rule)
	}
	if len(resp.Rule.Allocations) != 2 {
		t.Errorf("expected 2 allocations, got %d", len(resp.Rule.Allocations))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateRuleConflict(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery("SELECT id FROM debit_rules").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-rule"))

	c, w := newRequestContext(t, http.MethodPost, "/rules-engine/", createRuleBody, "user-1")
	CreateRule(c)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateRuleConflictOnInsertRace(t *testing.T) {
	mock := setupHandlerTest(t)

	// Pre-check passes but a concurrent create wins; the partial unique
	// index reports the violation.
	mock.ExpectQuery("SELECT id FROM debit_rules").
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO debit_rules").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "debit_rules_one_active_per_user"})

	c, w := newRequestContext(t, http.MethodPost, "/rules-engine/", createRuleBody, "user-1")
	CreateRule(c)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateRuleValidationErrors(t *testing.T) {
	setupHandlerTest(t)

	body := `{
		"monthly_max_debit": "50000",
		"single_max_debit": "10000",
		"frequency": "WEEKLY",
		"amount_per_frequency": "5000",
		"start_date": "2026-01-05",
		"failure_action": "RETRY",
		"allocations": [{"bucket": "SAVINGS", "percentage": 60}]
	}`

	c, w := newRequestContext(t, http.MethodPost, "/rules-engine/", body, "user-1")
	CreateRule(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp koreapi.ValidationErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Violations) == 0 {
		t.Fatal("expected violations in response")
	}
	found := false
	for _, v := range resp.Violations {
		if strings.Contains(v.Reason, "unallocated") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an unallocated violation, got %+v", resp.Violations)
	}
}

func TestCreateRuleRequiresUserContext(t *testing.T) {
	setupHandlerTest(t)

	c, w := newRequestContext(t, http.MethodPost, "/rules-engine/", createRuleBody, "")
	CreateRule(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetRuleNotFound(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery("SELECT (.+) FROM debit_rules").
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	c, w := newRequestContext(t, http.MethodGet, "/rules-engine/", "", "user-1")
	GetRule(c)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetRule(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery("SELECT (.+) FROM debit_rules").
		WithArgs("user-1").
		WillReturnRows(activeRuleRows())

	c, w := newRequestContext(t, http.MethodGet, "/rules-engine/", "", "user-1")
	GetRule(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp koreapi.RuleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Rule == nil || resp.Rule.UserID != "user-1" {
		t.Errorf("unexpected rule: %+v", resp.Rule)
	}
}

func TestDeactivateRule(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectExec("UPDATE debit_rules SET is_active = false").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c, w := newRequestContext(t, http.MethodDelete, "/rules-engine/", "", "user-1")
	DeactivateRule(c)
	c.Writer.WriteHeaderNow()

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeactivateRuleNotFound(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectExec("UPDATE debit_rules SET is_active = false").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	c, w := newRequestContext(t, http.MethodDelete, "/rules-engine/", "", "user-1")
	DeactivateRule(c)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUpdateRuleRevalidatesMergedState(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM debit_rules").
		WithArgs("user-1").
		WillReturnRows(activeRuleRows())
	mock.ExpectRollback()

	// Raising amount_per_frequency above single_max_debit must fail
	// against the merged rule, not just the changed fields.
	body := `{"amount_per_frequency": "20000"}`
	c, w := newRequestContext(t, http.MethodPut, "/rules-engine/", body, "user-1")
	UpdateRule(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp koreapi.ValidationErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	found := false
	for _, v := range resp.Violations {
		if v.Field == "amount_per_frequency" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected amount_per_frequency violation, got %+v", resp.Violations)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateRuleSnapshotsOldVersion(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM debit_rules").
		WithArgs("user-1").
		WillReturnRows(activeRuleRows())
	mock.ExpectExec("INSERT INTO debit_rule_history").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE debit_rules").
		WillReturnRows(activeRuleRows())
	mock.ExpectCommit()

	body := `{"amount_per_frequency": "6000"}`
	c, w := newRequestContext(t, http.MethodPut, "/rules-engine/", body, "user-1")
	UpdateRule(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
