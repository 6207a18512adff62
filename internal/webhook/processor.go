// Package webhook receives gateway callbacks, verifies and normalizes them
// through the gateway adapter and hands them to the payment service.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"givepay/internal/payment"
)

// Outcome is the disposition of one delivery.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeRejected         Outcome = "rejected"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeOrphan           Outcome = "orphan"
	OutcomeInvalidSignature Outcome = "invalid_signature"
	OutcomeUnknownGateway   Outcome = "unknown_gateway"
	OutcomeMalformed        Outcome = "malformed"
)

// Result is what the transport should answer the gateway with.
type Result struct {
	Outcome       Outcome
	TransactionID string
	StatusCode    int
	ContentType   string
	Body          []byte
}

// Resolver looks up gateway adapters.
type Resolver interface {
	Resolve(slug string) (payment.Gateway, error)
}

// Store is the subset of payment.Store the processor needs.
type Store interface {
	GetTransaction(ctx context.Context, id string) (*payment.Transaction, error)
	GetTransactionByExternalID(ctx context.Context, gatewaySlug, externalID string) (*payment.Transaction, error)
	AppendLog(ctx context.Context, entry *payment.LogEntry) error
}

// Applier applies verified events and raises integrity alerts.
type Applier interface {
	ApplyEvent(ctx context.Context, ev *payment.WebhookEvent) (*payment.ApplyResult, error)
	RaiseAlert(ctx context.Context, a payment.Alert)
}

// Processor is the WebhookProcessor.
type Processor struct {
	gateways Resolver
	store    Store
	payments Applier
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a webhook processor.
func NewProcessor(gateways Resolver, store Store, payments Applier, logger *slog.Logger) *Processor {
	return &Processor{
		gateways: gateways,
		store:    store,
		payments: payments,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process handles one delivery. Every delivery that could be read is
// durably logged before Process returns, and is acknowledged so the gateway
// stops redelivering. An error means the delivery was not recorded and must
// be answered with a server error so the gateway retries.
func (p *Processor) Process(ctx context.Context, gatewaySlug string, raw payment.RawWebhook) (*Result, error) {
	gw, err := p.gateways.Resolve(gatewaySlug)
	if err != nil {
		msg := fmt.Sprintf("callback for unknown gateway %q", gatewaySlug)
		if err := p.log(ctx, "", gatewaySlug, payment.ActionOrphanWebhook, payment.LevelWarning, msg, map[string]any{
			"body_size": len(raw.Body),
		}); err != nil {
			return nil, err
		}
		p.payments.RaiseAlert(ctx, payment.Alert{Kind: payment.ActionOrphanWebhook, GatewaySlug: gatewaySlug, Message: msg})
		return p.ack(nil, OutcomeUnknownGateway, ""), nil
	}

	ev, err := gw.VerifyAndNormalize(ctx, raw)
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		return p.invalidSignature(ctx, gw, ev, raw)
	case errors.Is(err, payment.ErrMalformedPayload):
		if logErr := p.log(ctx, raw.TransactionID, gatewaySlug, payment.ActionWebhookRejected, payment.LevelWarning,
			"malformed callback", map[string]any{"error": err.Error(), "body_size": len(raw.Body)}); logErr != nil {
			return nil, logErr
		}
		p.logger.Warn("malformed webhook", "gateway", gatewaySlug, "error", err)
		return &Result{Outcome: OutcomeMalformed, StatusCode: http.StatusBadRequest}, nil
	case err != nil:
		return nil, fmt.Errorf("normalizing %s callback: %w", gatewaySlug, err)
	}

	t, err := p.match(ctx, gatewaySlug, ev)
	if errors.Is(err, payment.ErrNotFound) {
		msg := "callback does not match any transaction"
		if err := p.log(ctx, "", gatewaySlug, payment.ActionOrphanWebhook, payment.LevelWarning, msg, ev.LogContext()); err != nil {
			return nil, err
		}
		p.payments.RaiseAlert(ctx, payment.Alert{
			Kind:          payment.ActionOrphanWebhook,
			GatewaySlug:   gatewaySlug,
			TransactionID: ev.TransactionID,
			ExternalID:    ev.ExternalID,
			Message:       msg,
			Context:       ev.LogContext(),
		})
		return p.ack(gw, OutcomeOrphan, ""), nil
	}
	if err != nil {
		return nil, err
	}

	ev.TransactionID = t.ID
	if err := p.log(ctx, t.ID, gatewaySlug, payment.ActionWebhookReceived, payment.LevelInfo,
		fmt.Sprintf("%s reported %s", gatewaySlug, ev.ProviderStatus), ev.LogContext()); err != nil {
		return nil, err
	}

	res, err := p.payments.ApplyEvent(ctx, ev)
	if err != nil {
		return nil, err
	}

	p.logger.Info("webhook processed",
		"gateway", gatewaySlug,
		"transaction_id", t.ID,
		"outcome", res.Outcome,
		"action", res.Action,
		"status", res.Status,
	)
	return p.ack(gw, outcomeOf(res.Outcome), t.ID), nil
}

func (p *Processor) invalidSignature(ctx context.Context, gw payment.Gateway, ev *payment.WebhookEvent, raw payment.RawWebhook) (*Result, error) {
	logCtx := map[string]any{"body_size": len(raw.Body), "signature_valid": false}
	alert := payment.Alert{
		Kind:        payment.ActionWebhookRejected,
		GatewaySlug: gw.Slug(),
		Message:     "invalid webhook signature",
	}

	txID := ""
	if ev != nil {
		logCtx = ev.LogContext()
		alert.ExternalID = ev.ExternalID
		// Link the entry to the transaction it claims to be about; nothing
		// from the unverified body is applied.
		if t, err := p.match(ctx, gw.Slug(), ev); err == nil {
			txID = t.ID
		}
	}
	alert.TransactionID = txID
	alert.Context = logCtx

	if err := p.log(ctx, txID, gw.Slug(), payment.ActionWebhookRejected, payment.LevelError, "invalid webhook signature", logCtx); err != nil {
		return nil, err
	}
	p.payments.RaiseAlert(ctx, alert)
	return p.ack(gw, OutcomeInvalidSignature, txID), nil
}

// match finds the transaction an event belongs to: the gateway's reference
// first, then the transaction hint from the callback path.
func (p *Processor) match(ctx context.Context, gatewaySlug string, ev *payment.WebhookEvent) (*payment.Transaction, error) {
	if ev.ExternalID != "" {
		t, err := p.store.GetTransactionByExternalID(ctx, gatewaySlug, ev.ExternalID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, payment.ErrNotFound) {
			return nil, err
		}
	}
	if ev.TransactionID == "" {
		return nil, payment.ErrNotFound
	}
	return p.store.GetTransaction(ctx, ev.TransactionID)
}

// log appends an entry. A transaction hint that names no stored transaction
// is kept in the context and the entry is stored unlinked.
func (p *Processor) log(ctx context.Context, txID, gatewaySlug string, action payment.Action, level payment.Level, msg string, logCtx map[string]any) error {
	entry := payment.NewLogEntry(txID, gatewaySlug, action, level, msg, logCtx, p.now())
	err := p.store.AppendLog(ctx, entry)
	if errors.Is(err, payment.ErrNotFound) && txID != "" {
		unlinked := make(map[string]any, len(logCtx)+1)
		for k, v := range logCtx {
			unlinked[k] = v
		}
		unlinked["transaction_hint"] = txID
		entry = payment.NewLogEntry("", gatewaySlug, action, level, msg, unlinked, p.now())
		err = p.store.AppendLog(ctx, entry)
	}
	if err != nil {
		return fmt.Errorf("recording %s: %w", action, err)
	}
	return nil
}

func (p *Processor) ack(gw payment.Gateway, outcome Outcome, txID string) *Result {
	res := &Result{
		Outcome:       outcome,
		TransactionID: txID,
		StatusCode:    http.StatusOK,
		ContentType:   "application/json",
		Body:          []byte(`{"status":"ok"}`),
	}
	if acker, ok := gw.(payment.WebhookAcker); ok {
		res.ContentType, res.Body = acker.WebhookAck()
	}
	return res
}

func outcomeOf(o payment.ApplyOutcome) Outcome {
	switch o {
	case payment.ApplyApplied:
		return OutcomeApplied
	case payment.ApplyDuplicate:
		return OutcomeDuplicate
	case payment.ApplyIgnored:
		return OutcomeIgnored
	}
	return OutcomeRejected
}
