package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kore/engine/internal/providers/paystack"
	"kore/engine/pkg/kafka"
	"kore/engine/pkg/logging"
	"kore/engine/pkg/models"
)

// debitNamespace seeds the deterministic request_ref for a scheduled
// debit. Every node computes the same ref for the same rule and due
// date, and the unique index on request_ref does the rest.
var debitNamespace = uuid.MustParse("7b9e4a52-0c1d-4f7e-9b3a-6d2e8f5c1a40")

// DebitRequestRef derives the idempotency key for one rule firing. A
// retry for the same due date gets its own ref via the attempt suffix.
func DebitRequestRef(ruleID string, dueDate time.Time, attempt int) string {
	name := fmt.Sprintf("debit:%s:%s", ruleID, dueDate.Format("2006-01-02"))
	if attempt > 1 {
		name = fmt.Sprintf("%s:attempt-%d", name, attempt)
	}
	return uuid.NewSHA1(debitNamespace, []byte(name)).String()
}

// DebitReference derives the user-visible transaction reference from
// the request ref, so replays produce the same reference too.
func DebitReference(requestRef string) string {
	return "KOR-TXN-" + strings.ToUpper(strings.ReplaceAll(requestRef, "-", ""))
}

// Executor moves a debit transaction through its lifecycle against the
// payment provider. Shared between the scheduler tick and the
// reconciler's retry pass.
type Executor struct {
	db       *sql.DB
	logger   logging.Logger
	provider *paystack.Client
	producer *kafka.Producer

	providerTimeout time.Duration
	onSettled       func(reference, userID string, amount decimal.Decimal)
}

// OnSettled registers a callback invoked after a debit settles
// successfully, for user-facing receipts. Settlements that arrive via
// webhook instead of the synchronous charge answer do not pass through
// here.
func (e *Executor) OnSettled(fn func(reference, userID string, amount decimal.Decimal)) {
	e.onSettled = fn
}

// NewExecutor creates a debit executor
func NewExecutor(database *sql.DB, log logging.Logger, provider *paystack.Client, producer *kafka.Producer) *Executor {
	return &Executor{
		db:              database,
		logger:          log,
		provider:        provider,
		producer:        producer,
		providerTimeout: 30 * time.Second,
	}
}

// ScheduleDebit inserts the PENDING ledger row for one rule firing.
// The ON CONFLICT DO NOTHING on request_ref makes concurrent nodes and
// repeated ticks converge on a single row; the bool reports whether
// this call created it.
func (e *Executor) ScheduleDebit(rule *models.DebitRule, dueDate time.Time, attempt int) (string, bool, error) {
	requestRef := DebitRequestRef(rule.ID, dueDate, attempt)
	reference := DebitReference(requestRef)

	result, err := e.db.Exec(`
		INSERT INTO transactions (id, user_id, rule_id, reference, transaction_type, status,
		                          amount, description, request_ref, due_date, attempt)
		VALUES ($1, $2, $3, $4, 'DEBIT', 'PENDING', $5, $6, $7, $8, $9)
		ON CONFLICT (request_ref) DO NOTHING`,
		uuid.New().String(), rule.UserID, rule.ID, reference,
		rule.AmountPerFrequency, "Scheduled auto-save debit", requestRef, dueDate, attempt)
	if err != nil {
		return "", false, err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return reference, false, nil
	}

	e.publishEvent(reference, rule.UserID, rule.ID, rule.AmountPerFrequency, models.TxPending, kafka.EventDebitScheduled)
	return reference, true, nil
}

// Execute drives a PENDING debit to a terminal state: PROCESSING, then
// the provider charge, then SUCCESSFUL or FAILED. A provider answer of
// "pending" leaves the row PROCESSING for the settlement webhook. A
// timeout fails the row; nothing stays PENDING on an error path.
func (e *Executor) Execute(ctx context.Context, reference, mandateReference string) error {
	var (
		id     string
		userID string
		ruleID sql.NullString
		status models.TransactionStatus
		amount decimal.Decimal
	)
	err := e.db.QueryRow(`
		SELECT id, user_id, rule_id, status, amount
		FROM transactions WHERE reference = $1`, reference).
		Scan(&id, &userID, &ruleID, &status, &amount)
	if err != nil {
		return err
	}

	if status != models.TxPending {
		// Another node got here first
		return nil
	}

	moved, err := e.transition(id, models.TxPending, models.TxProcessing, nil, nil, false)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	e.publishEvent(reference, userID, ruleID.String, amount, models.TxProcessing, kafka.EventDebitProcessing)

	chargeCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	result, err := e.provider.Debit(chargeCtx, paystack.DebitRequest{
		MandateReference: mandateReference,
		Reference:        reference,
		Amount:           amount,
		Narration:        "Kore auto-save",
	})
	if err != nil {
		reason := "provider error: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "provider timed out"
		}
		if _, terr := e.transition(id, models.TxProcessing, models.TxFailed, &reason, nil, true); terr != nil {
			return terr
		}
		e.publishEvent(reference, userID, ruleID.String, amount, models.TxFailed, kafka.EventDebitFailed)
		e.logger.WithFields(logging.Fields{
			"reference": reference,
			"reason":    reason,
		}).Warn("Debit failed")
		return nil
	}

	switch result.Status {
	case "success":
		if _, err := e.transition(id, models.TxProcessing, models.TxSuccessful, nil, &result.Reference, true); err != nil {
			return err
		}
		e.publishEvent(reference, userID, ruleID.String, amount, models.TxSuccessful, kafka.EventDebitSucceeded)
		if e.onSettled != nil {
			e.onSettled(reference, userID, amount)
		}
		e.logger.WithFields(logging.Fields{
			"reference": reference,
			"user_id":   userID,
		}).Info("Debit settled")
	case "pending":
		// Provider will settle via webhook; row stays PROCESSING
		e.logger.WithFields(logging.Fields{
			"reference": reference,
		}).Info("Debit pending provider settlement")
	default:
		reason := result.ResponseMessage
		if reason == "" {
			reason = "provider declined the charge"
		}
		if _, err := e.transition(id, models.TxProcessing, models.TxFailed, &reason, &result.Reference, true); err != nil {
			return err
		}
		e.publishEvent(reference, userID, ruleID.String, amount, models.TxFailed, kafka.EventDebitFailed)
	}

	return nil
}

// transition applies a guarded status update and reports whether this
// call won the race.
func (e *Executor) transition(id string, from, to models.TransactionStatus, failureReason, providerRef *string, completed bool) (bool, error) {
	if !models.CanTransitionTransaction(from, to) {
		return false, fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	query := `
		UPDATE transactions
		SET status = $1, failure_reason = COALESCE($2, failure_reason),
		    provider_reference = COALESCE($3, provider_reference), updated_at = NOW()`
	if completed {
		query += `, completed_at = NOW()`
	}
	query += ` WHERE id = $4 AND status = $5`

	result, err := e.db.Exec(query, string(to), failureReason, providerRef, id, string(from))
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (e *Executor) publishEvent(reference, userID, ruleID string, amount decimal.Decimal, status models.TransactionStatus, eventType string) {
	if e.producer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.producer.PublishLedgerEvent(ctx, &kafka.LedgerEvent{
		EventType: eventType,
		Reference: reference,
		UserID:    userID,
		RuleID:    ruleID,
		Amount:    amount.StringFixed(2),
		Currency:  "NGN",
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.WithError(err).Warn("Failed to publish ledger event")
	}
}
