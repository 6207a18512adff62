package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"givepay/internal/donation"
)

// ApplyOutcome is what ApplyEvent did with an event.
type ApplyOutcome string

const (
	ApplyApplied   ApplyOutcome = "applied"
	ApplyDuplicate ApplyOutcome = "duplicate"
	ApplyRejected  ApplyOutcome = "rejected"
	ApplyIgnored   ApplyOutcome = "ignored"
)

// ApplyResult describes the recorded outcome of an event.
type ApplyResult struct {
	TransactionID string       `json:"transaction_id"`
	Outcome       ApplyOutcome `json:"outcome"`
	Action        Action       `json:"action"`
	Status        Status       `json:"status"`
}

// ApplyEvent applies a verified gateway report to its transaction. Every
// outcome, including duplicates and rejections, is recorded in the payment
// log before ApplyEvent returns. Replaying the same event any number of times
// leaves the transaction and its donation unchanged after the first apply.
//
// An error means nothing conclusive was recorded and the caller should let
// the gateway redeliver.
func (s *Service) ApplyEvent(ctx context.Context, ev *WebhookEvent) (*ApplyResult, error) {
	t, err := s.store.GetTransaction(ctx, ev.TransactionID)
	if err != nil {
		return nil, err
	}
	return s.applyEvent(ctx, t, ev)
}

func (s *Service) applyEvent(ctx context.Context, t *Transaction, ev *WebhookEvent) (*ApplyResult, error) {
	if !ev.SignatureValid {
		return s.reject(ctx, t, ev, ActionWebhookRejected, LevelWarning, "unverified event", false)
	}
	if ev.GatewaySlug != t.GatewaySlug {
		return s.reject(ctx, t, ev, ActionExternalIDMismatch, LevelError,
			fmt.Sprintf("event from %s for a %s transaction", ev.GatewaySlug, t.GatewaySlug), true)
	}
	if t.ExternalID != "" && ev.ExternalID != "" && ev.ExternalID != t.ExternalID {
		return s.reject(ctx, t, ev, ActionExternalIDMismatch, LevelError,
			fmt.Sprintf("event references %s, transaction is bound to %s", ev.ExternalID, t.ExternalID), true)
	}

	d := Transition(t.Status, ev.ReportedStatus.Trigger())
	switch d.Outcome {
	case OutcomeIgnore:
		return s.record(ctx, t, ev, ActionWebhookNoop, LevelInfo, "in-progress report", ApplyIgnored)
	case OutcomeDuplicate:
		return s.duplicate(ctx, t, ev)
	case OutcomeReject:
		if t.Status.IsTerminal() {
			return s.reject(ctx, t, ev, ActionLateEventAfterTerminal, LevelWarning,
				fmt.Sprintf("%s reported for %s transaction", ev.ReportedStatus, t.Status), true)
		}
		return s.reject(ctx, t, ev, ActionWebhookRejected, LevelWarning,
			fmt.Sprintf("%s not allowed from %s", ev.ReportedStatus, t.Status), true)
	}

	now := s.now()
	updated := t.Clone()
	if err := updated.BindExternalID(ev.ExternalID); err != nil {
		return s.reject(ctx, t, ev, ActionExternalIDMismatch, LevelError, err.Error(), true)
	}

	switch d.To {
	case StatusCompleted:
		if !ev.ReportedAmount.Equal(t.Amount) {
			return s.reject(ctx, t, ev, ActionAmountMismatch, LevelError,
				fmt.Sprintf("paid %s, expected %s", ev.ReportedAmount, t.Amount), true)
		}
		updated.Details = updated.Details.Merge(ev.Details.Masked())
		updated.moveTo(StatusCompleted, now)
	case StatusRefunded:
		if ev.ReportedAmount.Currency != t.Amount.Currency || ev.ReportedAmount.AmountMinor > t.Amount.AmountMinor {
			return s.reject(ctx, t, ev, ActionAmountMismatch, LevelError,
				fmt.Sprintf("refund of %s reported for %s", ev.ReportedAmount, t.Amount), true)
		}
		if ev.ReportedAmount.AmountMinor < t.Amount.AmountMinor {
			// Partial refunds are booked by the request that issued them. A
			// report above the booked total was issued outside this service.
			if ev.ReportedAmount.AmountMinor > t.RefundedMinor {
				return s.reject(ctx, t, ev, ActionAmountMismatch, LevelError,
					fmt.Sprintf("partial refund of %s reported, %d booked", ev.ReportedAmount, t.RefundedMinor), true)
			}
			return s.record(ctx, t, ev, ActionWebhookNoop, LevelInfo, "partial refund report", ApplyIgnored)
		}
		updated.RefundedMinor = t.Amount.AmountMinor
		updated.moveTo(StatusRefunded, now)
	default:
		updated.moveTo(d.To, now)
	}

	return s.commitTransition(ctx, t, updated, ev, now)
}

func (s *Service) commitTransition(ctx context.Context, before, updated *Transaction, ev *WebhookEvent, now time.Time) (*ApplyResult, error) {
	logCtx := ev.LogContext()
	logCtx["status_before"] = string(before.Status)
	logCtx["status_after"] = string(updated.Status)

	var created *donation.Donation
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if err := s.update(ctx, tx, before, updated); err != nil {
			return err
		}
		msg := fmt.Sprintf("status %s -> %s", before.Status, updated.Status)
		if err := tx.AppendLog(ctx, NewLogEntry(updated.ID, updated.GatewaySlug, ActionWebhookApplied, LevelInfo, msg, logCtx, now)); err != nil {
			return err
		}
		if updated.Status != StatusCompleted {
			return nil
		}
		var err error
		created, err = s.ensureDonation(ctx, tx, updated, now)
		return err
	})
	if errors.Is(err, ErrVersionConflict) {
		return s.resolveConflict(ctx, updated, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("applying %s to %s: %w", ev.ReportedStatus, updated.ID, err)
	}

	s.logger.Info("payment status changed",
		"transaction_id", updated.ID,
		"gateway", updated.GatewaySlug,
		"from", before.Status,
		"to", updated.Status,
	)
	s.publishStatus(ctx, updated)
	if created != nil {
		s.publishDonation(ctx, created)
	}

	return &ApplyResult{TransactionID: updated.ID, Outcome: ApplyApplied, Action: ActionWebhookApplied, Status: updated.Status}, nil
}

// resolveConflict runs after a concurrent writer won the version race. Not
// applying a second transition is the safe outcome either way.
func (s *Service) resolveConflict(ctx context.Context, attempted *Transaction, ev *WebhookEvent) (*ApplyResult, error) {
	current, err := s.store.GetTransaction(ctx, attempted.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == attempted.Status {
		return s.record(ctx, current, ev, ActionWebhookDuplicateIgnored, LevelInfo, "applied concurrently by another delivery", ApplyDuplicate)
	}
	return s.reject(ctx, current, ev, ActionConflictingEvent, LevelWarning,
		fmt.Sprintf("%s lost to concurrent change to %s", attempted.Status, current.Status), true)
}

// duplicate records a redelivery and makes sure a completed transaction has
// its donation, which heals a donation lost to an earlier partial failure.
func (s *Service) duplicate(ctx context.Context, t *Transaction, ev *WebhookEvent) (*ApplyResult, error) {
	now := s.now()
	var healed *donation.Donation
	err := s.store.WithTx(ctx, func(tx Tx) error {
		entry := NewLogEntry(t.ID, t.GatewaySlug, ActionWebhookDuplicateIgnored, LevelInfo,
			fmt.Sprintf("already %s", t.Status), ev.LogContext(), now)
		if err := tx.AppendLog(ctx, entry); err != nil {
			return err
		}
		if t.PaidAt == nil {
			return nil
		}
		var err error
		healed, err = s.ensureDonation(ctx, tx, t, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recording duplicate for %s: %w", t.ID, err)
	}

	if healed != nil {
		s.logger.Warn("created missing donation on redelivery", "transaction_id", t.ID, "donation_id", healed.ID)
		s.publishDonation(ctx, healed)
	}
	return &ApplyResult{TransactionID: t.ID, Outcome: ApplyDuplicate, Action: ActionWebhookDuplicateIgnored, Status: t.Status}, nil
}

// ensureDonation returns the donation only when this call created it.
func (s *Service) ensureDonation(ctx context.Context, tx Tx, t *Transaction, now time.Time) (*donation.Donation, error) {
	d, created, err := s.reconciler.EnsureDonation(ctx, tx, donation.Source{
		TransactionID: t.ID,
		Target: donation.Target{
			OrganizationID: t.Target.OrganizationID,
			FundraiserID:   t.Target.FundraiserID,
			ProjectID:      t.Target.ProjectID,
		},
		Amount: t.Amount,
		Donor: donation.Donor{
			Name:      t.Details.DonorName,
			Email:     t.Details.DonorEmail,
			Anonymous: t.Details.Anonymous,
			Comment:   t.Details.Comment,
		},
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}

	entry := NewLogEntry(t.ID, t.GatewaySlug, ActionDonationCreated, LevelInfo, "donation created",
		map[string]any{"donation_id": d.ID}, now)
	if err := tx.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) record(ctx context.Context, t *Transaction, ev *WebhookEvent, action Action, level Level, msg string, outcome ApplyOutcome) (*ApplyResult, error) {
	logCtx := ev.LogContext()
	logCtx["status"] = string(t.Status)
	if err := s.store.AppendLog(ctx, NewLogEntry(t.ID, ev.GatewaySlug, action, level, msg, logCtx, s.now())); err != nil {
		return nil, fmt.Errorf("recording %s for %s: %w", action, t.ID, err)
	}
	return &ApplyResult{TransactionID: t.ID, Outcome: outcome, Action: action, Status: t.Status}, nil
}

func (s *Service) reject(ctx context.Context, t *Transaction, ev *WebhookEvent, action Action, level Level, msg string, alert bool) (*ApplyResult, error) {
	res, err := s.record(ctx, t, ev, action, level, msg, ApplyRejected)
	if err != nil {
		return nil, err
	}
	if alert {
		s.RaiseAlert(ctx, Alert{
			Kind:          action,
			GatewaySlug:   ev.GatewaySlug,
			TransactionID: t.ID,
			ExternalID:    ev.ExternalID,
			Message:       msg,
			Context:       ev.LogContext(),
		})
	}
	return res, nil
}
