package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID             string          `json:"event_id"`
	Type           string          `json:"type"`
	Version        int             `json:"version"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Data           json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, organizationID, aggregateType, aggregateID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:             ulid.Make().String(),
		Type:           eventType,
		Version:        1,
		OccurredAt:     time.Now().UTC(),
		OrganizationID: organizationID,
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		Data:           dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventPaymentCreated   = "payment.created"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentRefunded  = "payment.refunded"
	EventDonationCreated  = "donation.created"
	EventIntegrityAlert   = "payment.integrity_alert"
)

// Aggregate types
const (
	AggregateTransaction = "payment_transaction"
	AggregateDonation    = "donation"
)

// PaymentStatusData is the data for payment lifecycle events
type PaymentStatusData struct {
	TransactionID  string    `json:"transaction_id"`
	ExternalID     string    `json:"external_id,omitempty"`
	GatewaySlug    string    `json:"gateway"`
	Status         string    `json:"status"`
	AmountMinor    int64     `json:"amount_minor"`
	RefundedMinor  int64     `json:"refunded_minor"`
	Currency       string    `json:"currency"`
	FundraiserID   string    `json:"fundraiser_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	TransitionedAt time.Time `json:"transitioned_at"`
}

// DonationCreatedData is the data for donation.created events
type DonationCreatedData struct {
	DonationID          string `json:"donation_id"`
	SourceTransactionID string `json:"source_transaction_id"`
	AmountMinor         int64  `json:"amount_minor"`
	Currency            string `json:"currency"`
	FundraiserID        string `json:"fundraiser_id,omitempty"`
	ProjectID           string `json:"project_id,omitempty"`
}

// IntegrityAlertData is the data for payment.integrity_alert events
type IntegrityAlertData struct {
	Kind          string         `json:"kind"`
	GatewaySlug   string         `json:"gateway"`
	TransactionID string         `json:"transaction_id,omitempty"`
	ExternalID    string         `json:"external_id,omitempty"`
	Message       string         `json:"message"`
	Context       map[string]any `json:"context,omitempty"`
}
