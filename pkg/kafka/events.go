package kafka

import "time"

// Topics published by the rules engine.
const (
	TopicLedgerEvents  = "ledger_events"
	TopicNotifications = "notification_events"
)

// Ledger event types.
const (
	EventDebitScheduled  = "debit.scheduled"
	EventDebitProcessing = "debit.processing"
	EventDebitSucceeded  = "debit.succeeded"
	EventDebitFailed     = "debit.failed"
	EventDebitReversed   = "debit.reversed"
	EventDebitSkipped    = "debit.skipped"
)

// Notification event types.
const (
	EventNotifyDebitFailed     = "notify.debit_failed"
	EventNotifyMandateExpired  = "notify.mandate_expired"
	EventNotifyRetriesExceeded = "notify.retries_exceeded"
)

// LedgerEvent records a transaction lifecycle transition for downstream
// consumers (analytics, partner settlement feeds).
type LedgerEvent struct {
	EventType string            `json:"event_type"`
	Reference string            `json:"reference"`
	UserID    string            `json:"user_id"`
	RuleID    string            `json:"rule_id,omitempty"`
	MandateID string            `json:"mandate_id,omitempty"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Buckets   map[string]string `json:"buckets,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NotificationEvent asks the notification service to contact a user.
type NotificationEvent struct {
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id"`
	Reference string            `json:"reference,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
