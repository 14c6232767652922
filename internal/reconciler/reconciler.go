// Package reconciler cleans up after failed and stuck debits. It
// applies each rule's failure policy exactly once per failed
// transaction, fails debits that got stuck mid-flight, and expires
// mandates whose authorization was never completed.
package reconciler

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"kore/engine/internal/notify"
	"kore/engine/internal/scheduler"
	"kore/engine/pkg/config"
	"kore/engine/pkg/kafka"
	"kore/engine/pkg/logging"
	"kore/engine/pkg/models"
)

// MaxDebitAttempts caps RETRY policy attempts per due date. Attempt 1
// is the original debit; two retries follow, then the user is notified.
const MaxDebitAttempts = 3

// Reconciler runs the failure-policy, stuck-transaction, and mandate
// expiry sweeps.
type Reconciler struct {
	db           *sql.DB
	logger       logging.Logger
	executor     *scheduler.Executor
	producer     *kafka.Producer
	emailService *notify.EmailService
	identity     UserLookup

	interval       time.Duration
	stuckThreshold time.Duration
	mandateTTL     time.Duration
	stopCh         chan struct{}
}

// UserLookup resolves contact details for notifications. Satisfied by
// the identity client; nil disables email entirely.
type UserLookup interface {
	GetContact(ctx context.Context, userID string) (email, firstName string, err error)
}

// New creates a reconciler
func New(database *sql.DB, log logging.Logger, executor *scheduler.Executor, producer *kafka.Producer, users UserLookup) *Reconciler {
	return &Reconciler{
		db:             database,
		logger:         log,
		executor:       executor,
		producer:       producer,
		emailService:   notify.NewEmailService(log),
		identity:       users,
		interval:       config.GetEnvDuration("RECONCILER_INTERVAL", 5*time.Minute),
		stuckThreshold: config.GetEnvDuration("RECONCILER_STUCK_THRESHOLD", 30*time.Minute),
		mandateTTL:     config.GetEnvDuration("MANDATE_PENDING_TTL", 24*time.Hour),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting debit reconciler")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("Reconciler stopping")
			return
		case <-ticker.C:
			r.FailStuckTransactions(ctx)
			r.ApplyFailurePolicies(ctx)
			r.ExpirePendingMandates(ctx)
		}
	}
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// failedDebit is one FAILED row awaiting its policy pass
type failedDebit struct {
	id            string
	userID        string
	ruleID        string
	reference     string
	amount        decimal.Decimal
	dueDate       time.Time
	attempt       int
	failureReason sql.NullString
	failureAction models.FailureAction
	rule          models.DebitRule
}

// ApplyFailurePolicies applies each rule's failure_action to FAILED
// debits exactly once. Stamping reconciled_at inside the selection
// query's guard is what makes the pass idempotent: a row is only
// processed by whichever tick claims it first.
func (r *Reconciler) ApplyFailurePolicies(ctx context.Context) {
	rows, err := r.db.Query(`
		SELECT t.id, t.user_id, t.rule_id, t.reference, t.amount, t.due_date, t.attempt,
		       t.failure_reason, r.failure_action,
		       r.id, r.user_id, r.monthly_max_debit, r.single_max_debit, r.frequency,
		       r.amount_per_frequency, r.allocations, r.start_date, r.end_date,
		       r.is_active, r.created_at, r.updated_at
		FROM transactions t
		JOIN debit_rules r ON r.id = t.rule_id
		WHERE t.status = 'FAILED'
		  AND t.transaction_type = 'DEBIT'
		  AND t.reconciled_at IS NULL
		ORDER BY t.updated_at ASC
		LIMIT 100`)
	if err != nil {
		r.logger.WithError(err).Error("Failed to select failed debits")
		return
	}
	defer rows.Close()

	var failed []failedDebit
	for rows.Next() {
		var f failedDebit
		err := rows.Scan(&f.id, &f.userID, &f.ruleID, &f.reference, &f.amount, &f.dueDate,
			&f.attempt, &f.failureReason, &f.failureAction,
			&f.rule.ID, &f.rule.UserID, &f.rule.MonthlyMaxDebit, &f.rule.SingleMaxDebit,
			&f.rule.Frequency, &f.rule.AmountPerFrequency, &f.rule.Allocations,
			&f.rule.StartDate, &f.rule.EndDate, &f.rule.IsActive,
			&f.rule.CreatedAt, &f.rule.UpdatedAt)
		if err != nil {
			r.logger.WithError(err).Error("Error scanning failed debit")
			continue
		}
		f.rule.FailureAction = f.failureAction
		failed = append(failed, f)
	}

	for _, f := range failed {
		if !r.claim(f.id) {
			continue
		}

		switch f.failureAction {
		case models.FailureRetry:
			r.retryDebit(ctx, f)
		case models.FailureSkip:
			r.logger.WithFields(logging.Fields{
				"reference": f.reference,
				"user_id":   f.userID,
			}).Info("Skipping failed debit per rule policy")
			r.publishNotification(ctx, f, kafka.EventDebitSkipped)
		case models.FailureNotify:
			r.notifyFailure(ctx, f)
		}
	}
}

// claim stamps reconciled_at on a still-unreconciled row. False means
// another instance handled it.
func (r *Reconciler) claim(transactionID string) bool {
	result, err := r.db.Exec(`
		UPDATE transactions SET reconciled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND reconciled_at IS NULL`, transactionID)
	if err != nil {
		r.logger.WithError(err).Error("Failed to claim transaction for reconciliation")
		return false
	}
	affected, _ := result.RowsAffected()
	return affected > 0
}

// retryDebit schedules the next attempt for the same due date. The
// attempt-suffixed request_ref keeps retries idempotent without
// colliding with the original row. Past the cap, the user is notified
// instead.
func (r *Reconciler) retryDebit(ctx context.Context, f failedDebit) {
	if f.attempt >= MaxDebitAttempts {
		r.logger.WithFields(logging.Fields{
			"reference": f.reference,
			"attempt":   f.attempt,
		}).Warn("Retry cap reached, notifying user")
		r.notifyRetriesExhausted(ctx, f)
		return
	}

	var mandateReference sql.NullString
	err := r.db.QueryRow(`
		SELECT mandate_reference FROM mandates
		WHERE user_id = $1 AND status = 'ACTIVE'`, f.userID).Scan(&mandateReference)
	if err == sql.ErrNoRows || (err == nil && !mandateReference.Valid) {
		r.logger.WithFields(logging.Fields{
			"user_id": f.userID,
		}).Info("No active mandate, skipping debit retry")
		return
	}
	if err != nil {
		r.logger.WithError(err).Error("Failed to look up mandate for retry")
		return
	}

	reference, created, err := r.executor.ScheduleDebit(&f.rule, f.dueDate, f.attempt+1)
	if err != nil {
		r.logger.WithError(err).Error("Failed to schedule debit retry")
		return
	}
	if !created {
		return
	}

	r.logger.WithFields(logging.Fields{
		"reference": reference,
		"attempt":   f.attempt + 1,
		"user_id":   f.userID,
	}).Info("Retrying failed debit")

	if err := r.executor.Execute(ctx, reference, mandateReference.String); err != nil {
		r.logger.WithError(err).Error("Debit retry execution failed")
	}
}

func (r *Reconciler) notifyFailure(ctx context.Context, f failedDebit) {
	r.publishNotification(ctx, f, kafka.EventNotifyDebitFailed)

	if r.identity == nil {
		return
	}
	email, firstName, err := r.identity.GetContact(ctx, f.userID)
	if err != nil {
		r.logger.WithError(err).Warn("Could not resolve user contact for failure notice")
		return
	}

	reason := "debit was declined"
	if f.failureReason.Valid {
		reason = f.failureReason.String
	}
	if err := r.emailService.SendDebitFailedEmail(email, firstName, f.reference, f.amount.StringFixed(2), "NGN", reason); err != nil {
		r.logger.WithError(err).Warn("Failed to send debit failure email")
	}
}

func (r *Reconciler) notifyRetriesExhausted(ctx context.Context, f failedDebit) {
	r.publishNotification(ctx, f, kafka.EventNotifyRetriesExceeded)

	if r.identity == nil {
		return
	}
	email, firstName, err := r.identity.GetContact(ctx, f.userID)
	if err != nil {
		r.logger.WithError(err).Warn("Could not resolve user contact for retry notice")
		return
	}

	if err := r.emailService.SendRetriesExhaustedEmail(email, firstName, f.reference, f.amount.StringFixed(2), "NGN", f.attempt); err != nil {
		r.logger.WithError(err).Warn("Failed to send retries exhausted email")
	}
}

func (r *Reconciler) publishNotification(ctx context.Context, f failedDebit, eventType string) {
	if r.producer == nil {
		return
	}

	data := map[string]string{
		"amount":   f.amount.StringFixed(2),
		"currency": "NGN",
	}
	if f.failureReason.Valid {
		data["reason"] = f.failureReason.String
	}

	err := r.producer.PublishNotificationEvent(ctx, &kafka.NotificationEvent{
		EventType: eventType,
		UserID:    f.userID,
		Reference: f.reference,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		r.logger.WithError(err).Warn("Failed to publish notification event")
	}
}

// FailStuckTransactions fails debits that sat in PENDING or PROCESSING
// past the threshold. The failed rows then flow through the normal
// failure-policy pass on the next tick.
func (r *Reconciler) FailStuckTransactions(ctx context.Context) {
	result, err := r.db.Exec(`
		UPDATE transactions
		SET status = 'FAILED', failure_reason = 'stuck in flight past threshold',
		    completed_at = NOW(), updated_at = NOW()
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND transaction_type = 'DEBIT'
		  AND updated_at < NOW() - make_interval(secs => $1)`,
		r.stuckThreshold.Seconds())
	if err != nil {
		r.logger.WithError(err).Error("Failed to sweep stuck transactions")
		return
	}

	if affected, _ := result.RowsAffected(); affected > 0 {
		r.logger.WithFields(logging.Fields{
			"count": affected,
		}).Warn("Failed stuck transactions")
	}
}

// ExpirePendingMandates expires PENDING mandates whose authorization
// window has lapsed.
func (r *Reconciler) ExpirePendingMandates(ctx context.Context) {
	rows, err := r.db.Query(`
		UPDATE mandates
		SET status = 'EXPIRED', updated_at = NOW()
		WHERE status = 'PENDING'
		  AND created_at < NOW() - make_interval(secs => $1)
		RETURNING id, user_id`,
		r.mandateTTL.Seconds())
	if err != nil {
		r.logger.WithError(err).Error("Failed to expire pending mandates")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var mandateID, userID string
		if err := rows.Scan(&mandateID, &userID); err != nil {
			continue
		}

		r.logger.WithFields(logging.Fields{
			"mandate_id": mandateID,
			"user_id":    userID,
		}).Info("Expired pending mandate")

		if r.producer != nil {
			err := r.producer.PublishNotificationEvent(ctx, &kafka.NotificationEvent{
				EventType: kafka.EventNotifyMandateExpired,
				UserID:    userID,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				r.logger.WithError(err).Warn("Failed to publish mandate expiry event")
			}
		}

		if r.identity != nil {
			if email, firstName, err := r.identity.GetContact(ctx, userID); err == nil {
				if err := r.emailService.SendMandateExpiredEmail(email, firstName); err != nil {
					r.logger.WithError(err).Warn("Failed to send mandate expired email")
				}
			}
		}
	}
}
