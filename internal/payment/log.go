package payment

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Action names a payment log entry.
type Action string

const (
	ActionCreated                 Action = "created"
	ActionWebhookReceived         Action = "webhook_received"
	ActionWebhookApplied          Action = "webhook_applied"
	ActionWebhookRejected         Action = "webhook_rejected"
	ActionWebhookDuplicateIgnored Action = "webhook_duplicate_ignored"
	ActionWebhookNoop             Action = "webhook_noop"
	ActionLateEventAfterTerminal  Action = "late_event_after_terminal"
	ActionConflictingEvent        Action = "conflicting_event_rejected"
	ActionOrphanWebhook           Action = "orphan_webhook"
	ActionAmountMismatch          Action = "amount_mismatch"
	ActionExternalIDMismatch      Action = "external_id_mismatch"
	ActionStatusPolled            Action = "status_polled"
	ActionCancelRequested         Action = "cancel_requested"
	ActionGatewayCancelFailed     Action = "gateway_cancel_failed"
	ActionCancelled               Action = "cancelled"
	ActionExpired                 Action = "expired"
	ActionRefundRequested         Action = "refund_requested"
	ActionRefundApplied           Action = "refund_applied"
	ActionRefundFailed            Action = "refund_failed"
	ActionRefundDuplicateIgnored  Action = "refund_duplicate_ignored"
	ActionDonationCreated         Action = "donation_created"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// LogEntry is a write-once audit record. TransactionID is empty for
// deliveries that could not be matched to a transaction.
type LogEntry struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id,omitempty"`
	GatewaySlug   string         `json:"gateway"`
	Action        Action         `json:"action"`
	Level         Level          `json:"level"`
	Message       string         `json:"message"`
	Context       map[string]any `json:"context,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewLogEntry builds an entry with a fresh ID.
func NewLogEntry(transactionID, gatewaySlug string, action Action, level Level, message string, ctx map[string]any, at time.Time) *LogEntry {
	return &LogEntry{
		ID:            ulid.Make().String(),
		TransactionID: transactionID,
		GatewaySlug:   gatewaySlug,
		Action:        action,
		Level:         level,
		Message:       message,
		Context:       ctx,
		CreatedAt:     at,
	}
}
