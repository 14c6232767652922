package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"kore/engine/internal/providers/paystack"
	koreapi "kore/engine/pkg/api/kore"
	"kore/engine/pkg/kafka"
	"kore/engine/pkg/logging"
	"kore/engine/pkg/middleware"
	"kore/engine/pkg/models"
)

// providerWebhookPayload is the provider's event envelope
type providerWebhookPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type mandateEventData struct {
	MandateReference string `json:"mandate_reference"`
	Reference        string `json:"reference"`
	ResponseCode     string `json:"response_code"`
}

type chargeEventData struct {
	Reference         string `json:"reference"`
	ProviderReference string `json:"provider_reference"`
	ResponseCode      string `json:"response_code"`
	ResponseMessage   string `json:"response_message"`
}

// HandleProviderWebhook processes provider callbacks for mandate and
// charge outcomes. The HMAC signature over the raw body is checked
// before anything is parsed; webhooks race the activation poller and
// the scheduler, so every transition here is guarded by current status.
func HandleProviderWebhook(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Failed to read webhook body"})
		return
	}

	signature := c.GetHeader("x-paystack-signature")
	secret := os.Getenv("PAYSTACK_SECRET_KEY")
	if secret == "" || !paystack.VerifySignature(secret, body, signature) {
		logger.Warn("Rejected webhook with bad signature")
		c.JSON(http.StatusUnauthorized, koreapi.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var payload providerWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Invalid webhook payload"})
		return
	}

	logger.WithFields(logging.Fields{
		"event": payload.Event,
	}).Info("Provider webhook received")

	switch payload.Event {
	case "directdebit.mandate.active":
		err = handleMandateEvent(payload.Data, models.MandateActive)
	case "directdebit.mandate.failed", "directdebit.mandate.rejected":
		err = handleMandateEvent(payload.Data, models.MandateFailed)
	case "charge.success":
		err = handleChargeEvent(payload.Data, models.TxSuccessful)
	case "charge.failed":
		err = handleChargeEvent(payload.Data, models.TxFailed)
	case "refund.processed":
		err = handleRefundEvent(payload.Data)
	default:
		// Unknown events are acknowledged so the provider stops retrying
		logger.WithFields(logging.Fields{
			"event": payload.Event,
		}).Info("Ignoring unhandled webhook event")
	}

	if err != nil {
		logger.WithFields(logging.Fields{
			"event": payload.Event,
			"error": err.Error(),
		}).Error("Webhook processing failed")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Webhook processing failed"})
		return
	}

	c.JSON(http.StatusOK, middleware.H{"received": true})
}

func handleMandateEvent(data json.RawMessage, target models.MandateStatus) error {
	var event mandateEventData
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}

	var mandateID string
	err := db.QueryRow(`
		SELECT id FROM mandates
		WHERE mandate_reference = $1 OR request_ref = $2`,
		event.MandateReference, event.Reference).Scan(&mandateID)
	if err == sql.ErrNoRows {
		// Not ours, or already superseded. Acknowledge.
		return nil
	}
	if err != nil {
		return err
	}

	return transitionMandate(mandateID, models.MandatePending, target, event.ResponseCode)
}

func handleChargeEvent(data json.RawMessage, target models.TransactionStatus) error {
	var event chargeEventData
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}

	row := db.QueryRow(`SELECT `+transactionColumns+`
		FROM transactions WHERE reference = $1`, event.Reference)
	transaction, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if !models.CanTransitionTransaction(transaction.Status, target) {
		// Replayed webhook for a settled row
		return nil
	}

	var failureReason *string
	if target == models.TxFailed && event.ResponseMessage != "" {
		failureReason = &event.ResponseMessage
	}

	result, err := db.Exec(`
		UPDATE transactions
		SET status = $1, provider_reference = COALESCE($2, provider_reference),
		    failure_reason = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		string(target), nullString(event.ProviderReference), failureReason,
		transaction.ID, string(transaction.Status))
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil
	}

	transaction.Status = target

	eventType := kafka.EventDebitSucceeded
	if target == models.TxFailed {
		eventType = kafka.EventDebitFailed
	}
	publishLedgerEvent(transaction, eventType)

	if target == models.TxSuccessful {
		settledAt := time.Now()
		if transaction.CompletedAt != nil {
			settledAt = *transaction.CompletedAt
		}
		SendDebitReceipt(transaction.Reference, transaction.UserID, transaction.Amount, settledAt)
	}

	logger.WithFields(logging.Fields{
		"reference": transaction.Reference,
		"status":    string(target),
	}).Info("Transaction settled via webhook")
	countSettlement(string(target))

	return nil
}

func handleRefundEvent(data json.RawMessage) error {
	var event chargeEventData
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}

	row := db.QueryRow(`SELECT `+transactionColumns+`
		FROM transactions WHERE reference = $1`, event.Reference)
	transaction, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if !models.CanTransitionTransaction(transaction.Status, models.TxReversed) {
		return nil
	}

	result, err := db.Exec(`
		UPDATE transactions
		SET status = 'REVERSED', updated_at = NOW()
		WHERE id = $1 AND status = 'SUCCESSFUL'`, transaction.ID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil
	}

	transaction.Status = models.TxReversed
	publishLedgerEvent(transaction, kafka.EventDebitReversed)

	logger.WithFields(logging.Fields{
		"reference": transaction.Reference,
	}).Info("Transaction reversed")

	return nil
}

// SendDebitReceipt emails a settlement receipt for a successful debit.
// Called from the webhook settlement path and, via the executor's
// settlement hook, for charges the provider settles synchronously.
// Receipt failures only log; they never block settlement.
func SendDebitReceipt(reference, userID string, amount decimal.Decimal, settledAt time.Time) {
	if identityClient == nil || emailService == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	email, firstName, err := identityClient.GetContact(ctx, userID)
	if err != nil {
		logger.WithFields(logging.Fields{
			"user_id":   userID,
			"reference": reference,
			"error":     err.Error(),
		}).Warn("Could not resolve contact for debit receipt")
		return
	}

	if err := emailService.SendDebitSuccessEmail(email, firstName, reference, amount.StringFixed(2), "NGN", settledAt); err != nil {
		logger.WithError(err).Warn("Failed to send debit receipt")
	}
}

// publishLedgerEvent emits a transaction lifecycle event. With no
// producer configured the event is logged and dropped.
func publishLedgerEvent(t *models.Transaction, eventType string) {
	event := &kafka.LedgerEvent{
		EventType: eventType,
		Reference: t.Reference,
		UserID:    t.UserID,
		Amount:    t.Amount.StringFixed(2),
		Currency:  "NGN",
		Status:    string(t.Status),
		Timestamp: time.Now().UTC(),
	}
	if t.RuleID != nil {
		event.RuleID = *t.RuleID
	}

	if producer == nil {
		logger.WithFields(logging.Fields{
			"event_type": eventType,
			"reference":  t.Reference,
		}).Debug("Kafka not configured, dropping ledger event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := producer.PublishLedgerEvent(ctx, event); err != nil {
		logger.WithError(err).Warn("Failed to publish ledger event")
	}
}
