package payment

import (
	"context"
	"log/slog"

	"givepay/internal/common/events"
	"givepay/internal/common/middleware"
	"givepay/internal/donation"
)

// Alert is an integrity violation that needs offline reconciliation.
type Alert struct {
	Kind          Action
	GatewaySlug   string
	TransactionID string
	ExternalID    string
	Message       string
	Context       map[string]any
}

// RaiseAlert logs the violation at error level and publishes it. It never
// fails: alerts are best effort on top of the durable payment log.
func (s *Service) RaiseAlert(ctx context.Context, a Alert) {
	s.logger.Error("payment integrity alert",
		"kind", string(a.Kind),
		"gateway", a.GatewaySlug,
		"transaction_id", a.TransactionID,
		"external_id", a.ExternalID,
		"message", a.Message,
	)

	s.emit(ctx, events.EventIntegrityAlert, a.TransactionID, "", events.IntegrityAlertData{
		Kind:          string(a.Kind),
		GatewaySlug:   a.GatewaySlug,
		TransactionID: a.TransactionID,
		ExternalID:    a.ExternalID,
		Message:       a.Message,
		Context:       a.Context,
	})
}

func (s *Service) publishStatus(ctx context.Context, t *Transaction) {
	var eventType string
	switch t.Status {
	case StatusPending:
		eventType = events.EventPaymentCreated
	case StatusCompleted:
		eventType = events.EventPaymentCompleted
		if t.RefundedMinor > 0 {
			eventType = events.EventPaymentRefunded
		}
	case StatusFailed:
		eventType = events.EventPaymentFailed
	case StatusCancelled:
		eventType = events.EventPaymentCancelled
	case StatusRefunded:
		eventType = events.EventPaymentRefunded
	default:
		return
	}

	s.emit(ctx, eventType, t.ID, t.Target.OrganizationID, events.PaymentStatusData{
		TransactionID:  t.ID,
		ExternalID:     t.ExternalID,
		GatewaySlug:    t.GatewaySlug,
		Status:         string(t.Status),
		AmountMinor:    t.Amount.AmountMinor,
		RefundedMinor:  t.RefundedMinor,
		Currency:       string(t.Amount.Currency),
		FundraiserID:   t.Target.FundraiserID,
		ProjectID:      t.Target.ProjectID,
		TransitionedAt: t.UpdatedAt,
	})
}

func (s *Service) publishDonation(ctx context.Context, d *donation.Donation) {
	s.emit(ctx, events.EventDonationCreated, d.SourceTransactionID, d.Target.OrganizationID, events.DonationCreatedData{
		DonationID:          d.ID,
		SourceTransactionID: d.SourceTransactionID,
		AmountMinor:         d.Amount.AmountMinor,
		Currency:            string(d.Amount.Currency),
		FundraiserID:        d.Target.FundraiserID,
		ProjectID:           d.Target.ProjectID,
	})
}

func (s *Service) emit(ctx context.Context, eventType, aggregateID, organizationID string, data any) {
	if s.publisher == nil {
		return
	}

	aggregate := events.AggregateTransaction
	if eventType == events.EventDonationCreated {
		aggregate = events.AggregateDonation
	}

	evt, err := events.NewEvent(eventType, organizationID, aggregate, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))

	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("type", eventType),
			slog.String("aggregate_id", aggregateID),
			slog.Any("error", err),
		)
	}
}
