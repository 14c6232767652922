package handlers

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"kore/engine/internal/notify"
	"kore/engine/pkg/clients"
	"kore/engine/pkg/clients/identity"
)

func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookContext(t *testing.T, body, signature string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	c, w := newRequestContext(t, http.MethodPost, "/webhooks/paystack", body, "")
	c.Request.Header.Set("x-paystack-signature", signature)
	return c, w
}

func debitRows(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "rule_id", "reference", "transaction_type", "status", "amount",
		"bucket", "custom_bucket_name", "description", "narration", "request_ref", "due_date", "attempt",
		"provider_reference", "failure_reason", "reconciled_at", "created_at", "updated_at", "completed_at",
	}).AddRow(
		"txn-1", "user-1", "rule-1", "KOR-TXN-1", "DEBIT", status, "5000.00",
		nil, nil, "Scheduled auto-save debit", "", "req-ref-1", now, 1,
		nil, nil, nil, now, now, nil,
	)
}

func TestHandleProviderWebhookRejectsBadSignature(t *testing.T) {
	setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	c, w := webhookContext(t, `{"event":"charge.success"}`, "deadbeef")
	HandleProviderWebhook(c)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleProviderWebhookRejectsWhenSecretUnset(t *testing.T) {
	setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "")

	body := `{"event":"charge.success"}`
	c, w := webhookContext(t, body, signWebhook("", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandleProviderWebhookChargeSuccess(t *testing.T) {
	mock := setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("KOR-TXN-1").
		WillReturnRows(debitRows("PROCESSING"))
	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"event":"charge.success","data":{"reference":"KOR-TXN-1","provider_reference":"PSK-1"}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleProviderWebhookChargeSuccessReplay(t *testing.T) {
	mock := setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	// Row already settled: the replayed webhook is acknowledged without
	// touching it.
	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("KOR-TXN-1").
		WillReturnRows(debitRows("SUCCESSFUL"))

	body := `{"event":"charge.success","data":{"reference":"KOR-TXN-1"}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleProviderWebhookChargeFailed(t *testing.T) {
	mock := setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("KOR-TXN-1").
		WillReturnRows(debitRows("PROCESSING"))
	mock.ExpectExec("UPDATE transactions").
		WithArgs("FAILED", sqlmock.AnyArg(), "Insufficient funds", "txn-1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"event":"charge.failed","data":{"reference":"KOR-TXN-1","response_message":"Insufficient funds"}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleProviderWebhookMandateActive(t *testing.T) {
	mock := setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	mock.ExpectQuery("SELECT id FROM mandates").
		WithArgs("MND-001", "req-ref-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("mandate-1"))
	mock.ExpectExec("UPDATE mandates").
		WithArgs("ACTIVE", sqlmock.AnyArg(), "mandate-1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"event":"directdebit.mandate.active","data":{"mandate_reference":"MND-001","reference":"req-ref-1"}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleProviderWebhookUnknownMandateAcknowledged(t *testing.T) {
	mock := setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	mock.ExpectQuery("SELECT id FROM mandates").
		WithArgs("MND-UNKNOWN", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	body := `{"event":"directdebit.mandate.active","data":{"mandate_reference":"MND-UNKNOWN"}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleProviderWebhookIgnoresUnknownEvent(t *testing.T) {
	setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	body := `{"event":"transfer.success","data":{}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleProviderWebhookRefundProcessed(t *testing.T) {
	mock := setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("KOR-TXN-1").
		WillReturnRows(debitRows("SUCCESSFUL"))
	mock.ExpectExec("UPDATE transactions").
		WithArgs("txn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"event":"refund.processed","data":{"reference":"KOR-TXN-1"}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleProviderWebhookChargeSuccessSendsReceipt(t *testing.T) {
	mock := setupHandlerTest(t)
	t.Setenv("PAYSTACK_SECRET_KEY", "unit-test-secret")

	var contactLookups atomic.Int32
	identityServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contactLookups.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&identity.Profile{
			UserID: "user-1", Email: "ada@example.com", FirstName: "Ada",
		})
	}))
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.MaxRetries = 0
	identityClient = identity.NewClient(identityServer.URL, "svc-token", identity.WithHTTPExecutorConfig(cfg))
	emailService = notify.NewEmailService(logger)
	t.Cleanup(func() {
		identityServer.Close()
		identityClient = nil
		emailService = nil
	})

	mock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("KOR-TXN-1").
		WillReturnRows(debitRows("PROCESSING"))
	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"event":"charge.success","data":{"reference":"KOR-TXN-1","provider_reference":"PSK-1"}}`
	c, w := webhookContext(t, body, signWebhook("unit-test-secret", []byte(body)))
	HandleProviderWebhook(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := contactLookups.Load(); got != 1 {
		t.Errorf("expected one contact lookup for the receipt, got %d", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
