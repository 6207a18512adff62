package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"givepay/internal/common/events"
	"givepay/internal/common/money"
	"givepay/internal/donation"
)

// Service is the PaymentService: the only path through which a transaction
// changes status, whether the trigger is a local request, a webhook or a
// status poll.
type Service struct {
	cfg        Config
	store      Store
	registry   *Registry
	directory  TargetDirectory
	reconciler *donation.Reconciler
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds service configuration.
type Config struct {
	// TransactionTTL is how long a pending transaction stays payable.
	TransactionTTL time.Duration
	Retry          RetryPolicy
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		TransactionTTL: 30 * time.Minute,
		Retry:          RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond, Timeout: 10 * time.Second},
	}
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher makes the service publish lifecycle events after commit.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock replaces the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a payment service.
func NewService(cfg Config, store Store, registry *Registry, directory TargetDirectory, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		directory: directory,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconciler = donation.NewReconciler(logger).WithClock(s.now)
	return s
}

// Registry returns the gateway registry the service resolves adapters from.
func (s *Service) Registry() *Registry { return s.registry }

// Actor is the caller of an administrative operation. An empty
// OrganizationID means a system caller with no organization restriction.
type Actor struct {
	OrganizationID string
	UserID         string
}

func (a Actor) logContext() map[string]any {
	ctx := map[string]any{}
	if a.OrganizationID != "" {
		ctx["acting_organization_id"] = a.OrganizationID
	}
	if a.UserID != "" {
		ctx["acting_user_id"] = a.UserID
	}
	return ctx
}

func (a Actor) authorize(t *Transaction) error {
	if a.OrganizationID != "" && a.OrganizationID != t.Target.OrganizationID {
		return fmt.Errorf("%w: transaction %s", ErrForbidden, t.ID)
	}
	return nil
}

// CreateRequest is the request to start a payment.
type CreateRequest struct {
	Target      Target
	Amount      money.Money
	GatewaySlug string
	MethodSlug  string
	Description string
	ReturnURL   string
	Details     Details
}

// CreateResult is what the donor needs to complete the payment.
type CreateResult struct {
	TransactionID   string    `json:"transaction_id"`
	PaymentID       string    `json:"payment_id"`
	RedirectURL     string    `json:"redirect_url,omitempty"`
	QRCode          string    `json:"qr_code,omitempty"`
	DeepLink        string    `json:"deep_link,omitempty"`
	ConfirmationURL string    `json:"confirmation_url,omitempty"`
	Status          Status    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Create validates the request, registers the payment with the gateway and
// persists a pending transaction. Nothing is stored when the gateway call
// fails; when storing fails after the gateway accepted, the provider payment
// is cancelled.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := s.validateTarget(ctx, req.Target); err != nil {
		return nil, err
	}
	if _, err := money.ParseCurrency(string(req.Amount.Currency)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	method, err := s.registry.Method(ctx, req.Target.OrganizationID, req.GatewaySlug, req.MethodSlug)
	if err != nil {
		return nil, err
	}
	if !method.Supports(req.Amount.Currency) {
		return nil, fmt.Errorf("%w: %s/%s does not accept %s", ErrValidation, method.Gateway, method.Slug, req.Amount.Currency)
	}
	if req.Amount.AmountMinor < method.MinAmount {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, req.Amount.AmountMinor, method.MinAmount)
	}
	if method.MaxAmount > 0 && req.Amount.AmountMinor > method.MaxAmount {
		return nil, fmt.Errorf("%w: amount above %s/%s maximum of %d", ErrValidation, method.Gateway, method.Slug, method.MaxAmount)
	}

	gw, err := s.registry.Resolve(req.GatewaySlug)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tx := &Transaction{
		ID:          ulid.Make().String(),
		Target:      req.Target,
		Amount:      req.Amount,
		GatewaySlug: gw.Slug(),
		MethodSlug:  method.Slug,
		Status:      StatusPending,
		Details:     req.Details.Masked(),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TransactionTTL),
	}

	init, err := callGateway(ctx, s.cfg.Retry, func(ctx context.Context) (*Initiation, error) {
		return gw.Initiate(ctx, InitiateRequest{
			TransactionID: tx.ID,
			Target:        req.Target,
			Amount:        req.Amount,
			MethodSlug:    method.Slug,
			Description:   req.Description,
			ReturnURL:     req.ReturnURL,
			Details:       req.Details,
		})
	})
	if err != nil {
		s.logGatewayFailure("initiate", gw.Slug(), tx.ID, err)
		return nil, err
	}
	if init.ExternalID == "" {
		return nil, NewGatewayError(gw.Slug(), "initiate", ErrGatewayRejected, "empty payment id", nil)
	}
	tx.ExternalID = init.ExternalID

	entry := NewLogEntry(tx.ID, tx.GatewaySlug, ActionCreated, LevelInfo, "transaction created", map[string]any{
		"external_id": tx.ExternalID,
		"amount":      tx.Amount.AmountMinor,
		"currency":    string(tx.Amount.Currency),
		"method":      tx.MethodSlug,
	}, now)

	err = s.store.WithTx(ctx, func(t Tx) error {
		if err := t.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		return t.AppendLog(ctx, entry)
	})
	if err != nil {
		s.compensateCreate(ctx, gw, tx)
		return nil, fmt.Errorf("persisting transaction %s: %w", tx.ID, err)
	}

	s.logger.Info("payment created",
		"transaction_id", tx.ID,
		"external_id", tx.ExternalID,
		"gateway", tx.GatewaySlug,
		"organization_id", tx.Target.OrganizationID,
		"amount", tx.Amount.String(),
	)
	s.publishStatus(ctx, tx)

	return &CreateResult{
		TransactionID:   tx.ID,
		PaymentID:       tx.ExternalID,
		RedirectURL:     init.RedirectURL,
		QRCode:          init.QRCode,
		DeepLink:        init.DeepLink,
		ConfirmationURL: init.ConfirmationURL,
		Status:          tx.Status,
		ExpiresAt:       tx.ExpiresAt,
	}, nil
}

func (s *Service) validateTarget(ctx context.Context, t Target) error {
	if t.OrganizationID == "" {
		return fmt.Errorf("%w: organization is required", ErrInvalidTarget)
	}
	if t.FundraiserID != "" && t.ProjectID != "" {
		return fmt.Errorf("%w: at most one of fundraiser and project may be set", ErrInvalidTarget)
	}

	ok, err := s.directory.Exists(ctx, TargetOrganization, t.OrganizationID)
	if err != nil {
		return fmt.Errorf("looking up organization: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: organization %s does not exist", ErrInvalidTarget, t.OrganizationID)
	}

	kind, id := TargetFundraiser, t.FundraiserID
	if t.ProjectID != "" {
		kind, id = TargetProject, t.ProjectID
	}
	if id == "" {
		return nil
	}
	ok, err = s.directory.BelongsToOrganization(ctx, kind, id, t.OrganizationID)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", kind, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s does not belong to organization %s", ErrInvalidTarget, kind, id, t.OrganizationID)
	}
	return nil
}

// compensateCreate cancels a provider payment that could not be stored.
func (s *Service) compensateCreate(ctx context.Context, gw Gateway, tx *Transaction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Retry.Timeout+time.Second)
	defer cancel()

	if _, err := gw.Cancel(ctx, tx.ExternalID); err != nil {
		s.RaiseAlert(ctx, Alert{
			Kind:          ActionGatewayCancelFailed,
			GatewaySlug:   gw.Slug(),
			TransactionID: tx.ID,
			ExternalID:    tx.ExternalID,
			Message:       "provider payment created but not stored, and cancelling it failed",
			Context:       map[string]any{"error": err.Error()},
		})
		return
	}
	s.logger.Warn("cancelled provider payment that could not be stored",
		"transaction_id", tx.ID,
		"external_id", tx.ExternalID,
		"gateway", gw.Slug(),
	)
}

// GetStatus returns the current view of a transaction.
func (s *Service) GetStatus(ctx context.Context, id string) (*View, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.View(s.now()), nil
}

// ListLogs returns the audit trail of a transaction, oldest first.
func (s *Service) ListLogs(ctx context.Context, id string) ([]*LogEntry, error) {
	if _, err := s.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id)
}

// Cancel cancels a pending transaction. The gateway cancel is best effort:
// the local cancellation stands even when the provider call fails.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string) (*View, error) {
	return s.cancel(ctx, actor, id, ActionCancelled, "cancelled on request")
}

func (s *Service) cancel(ctx context.Context, actor Actor, id string, action Action, reason string) (*View, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := actor.authorize(t); err != nil {
		return nil, err
	}

	d := Transition(t.Status, TriggerCancel)
	if d.Outcome != OutcomeApply {
		return nil, fmt.Errorf("%w: cannot cancel %s transaction %s", ErrInvalidTransition, t.Status, t.ID)
	}

	now := s.now()
	logCtx := actor.logContext()
	logCtx["reason"] = reason
	if err := s.store.AppendLog(ctx, NewLogEntry(t.ID, t.GatewaySlug, ActionCancelRequested, LevelInfo, reason, logCtx, now)); err != nil {
		return nil, err
	}

	s.cancelAtGateway(ctx, t)

	updated := t.Clone()
	updated.moveTo(d.To, now)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		if err := s.update(ctx, tx, t, updated); err != nil {
			return err
		}
		return tx.AppendLog(ctx, NewLogEntry(t.ID, t.GatewaySlug, action, LevelInfo,
			fmt.Sprintf("status %s -> %s", t.Status, updated.Status), logCtx, now))
	})
	if errors.Is(err, ErrVersionConflict) {
		current, getErr := s.store.GetTransaction(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == StatusCancelled {
			return current.View(now), nil
		}
		return nil, fmt.Errorf("%w: transaction %s moved to %s concurrently", ErrInvalidTransition, id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling %s: %w", id, err)
	}

	s.logger.Info("payment cancelled", "transaction_id", id, "gateway", t.GatewaySlug, "reason", reason)
	s.publishStatus(ctx, updated)
	return updated.View(now), nil
}

func (s *Service) cancelAtGateway(ctx context.Context, t *Transaction) {
	if t.ExternalID == "" {
		return
	}
	if caps, err := s.registry.Capabilities(t.GatewaySlug); err == nil && !caps.Cancel {
		return
	}

	gw, err := s.registry.Resolve(t.GatewaySlug)
	if err == nil {
		_, err = callGateway(ctx, s.cfg.Retry, func(ctx context.Context) (*CancelResult, error) {
			return gw.Cancel(ctx, t.ExternalID)
		})
	}
	if err == nil {
		return
	}

	s.logger.Warn("gateway cancel failed, cancelling locally",
		"transaction_id", t.ID,
		"gateway", t.GatewaySlug,
		"error", err,
	)
	entry := NewLogEntry(t.ID, t.GatewaySlug, ActionGatewayCancelFailed, LevelWarning, "gateway cancel failed",
		map[string]any{"error": err.Error(), "external_id": t.ExternalID}, s.now())
	if logErr := s.store.AppendLog(ctx, entry); logErr != nil {
		s.logger.Error("failed to record gateway cancel failure", "transaction_id", t.ID, "error", logErr)
	}
}

// CancelSummary reports the outcome of an expiry sweep.
type CancelSummary struct {
	Scanned   int `json:"scanned"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// CancelExpired cancels up to limit pending transactions that are past their
// expiry. Transactions that resolved in the meantime are skipped.
func (s *Service) CancelExpired(ctx context.Context, limit int) (CancelSummary, error) {
	var sum CancelSummary

	expired, err := s.store.ListExpiredPending(ctx, s.now(), limit)
	if err != nil {
		return sum, fmt.Errorf("listing expired transactions: %w", err)
	}

	for _, t := range expired {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Scanned++
		_, err := s.cancel(ctx, Actor{}, t.ID, ActionExpired, "expired")
		switch {
		case err == nil:
			sum.Cancelled++
		case errors.Is(err, ErrInvalidTransition):
			sum.Skipped++
		default:
			sum.Failed++
			s.logger.Error("failed to cancel expired transaction", "transaction_id", t.ID, "error", err)
		}
	}

	s.logger.Info("expired transactions swept",
		"scanned", sum.Scanned,
		"cancelled", sum.Cancelled,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)
	return sum, nil
}

// Refund returns a full (amountMinor nil) or partial amount to the donor.
// Partial refunds accumulate; the transaction becomes refunded once nothing
// remains.
func (s *Service) Refund(ctx context.Context, actor Actor, id string, amountMinor *int64) (*View, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := actor.authorize(t); err != nil {
		return nil, err
	}

	logCtx := actor.logContext()
	switch d := Transition(t.Status, TriggerRefund); d.Outcome {
	case OutcomeApply:
	case OutcomeDuplicate:
		entry := NewLogEntry(t.ID, t.GatewaySlug, ActionRefundDuplicateIgnored, LevelInfo, "transaction already refunded", logCtx, s.now())
		if err := s.store.AppendLog(ctx, entry); err != nil {
			return nil, err
		}
		return t.View(s.now()), nil
	default:
		return nil, fmt.Errorf("%w: cannot refund %s transaction %s", ErrInvalidTransition, t.Status, t.ID)
	}

	remaining := t.Remaining()
	amount := remaining.AmountMinor
	if amountMinor != nil {
		amount = *amountMinor
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRefund)
	}
	if amount > remaining.AmountMinor {
		return nil, fmt.Errorf("%w: %d requested, %d remaining", ErrRefundExceedsBalance, amount, remaining.AmountMinor)
	}

	caps, err := s.registry.Capabilities(t.GatewaySlug)
	if err != nil {
		return nil, err
	}
	full := amount == remaining.AmountMinor
	if !caps.Refund || (!full && !caps.PartialRefund) {
		return nil, fmt.Errorf("%w: %s", ErrRefundNotSupported, t.GatewaySlug)
	}
	gw, err := s.registry.Resolve(t.GatewaySlug)
	if err != nil {
		return nil, err
	}

	req := RefundRequest{
		ExternalID:    t.ExternalID,
		TransactionID: t.ID,
		Amount:        money.New(amount, t.Amount.Currency),
		Full:          full,
		Reference:     fmt.Sprintf("%s:%d:%d", t.ID, t.RefundedMinor, amount),
	}
	logCtx["amount"] = amount
	logCtx["refunded_before"] = t.RefundedMinor
	logCtx["reference"] = req.Reference

	if err := s.store.AppendLog(ctx, NewLogEntry(t.ID, t.GatewaySlug, ActionRefundRequested, LevelInfo, "refund requested", logCtx, s.now())); err != nil {
		return nil, err
	}

	res, err := callGateway(ctx, s.cfg.Retry, func(ctx context.Context) (*RefundResult, error) {
		return gw.Refund(ctx, req)
	})
	if err != nil {
		s.logGatewayFailure("refund", t.GatewaySlug, t.ID, err)
		failCtx := copyContext(logCtx)
		failCtx["error"] = err.Error()
		if logErr := s.store.AppendLog(ctx, NewLogEntry(t.ID, t.GatewaySlug, ActionRefundFailed, LevelError, "gateway refund failed", failCtx, s.now())); logErr != nil {
			s.logger.Error("failed to record refund failure", "transaction_id", t.ID, "error", logErr)
		}
		return nil, err
	}

	logCtx["refund_id"] = res.RefundID
	logCtx["provider_status"] = res.ProviderStatus
	updated, err := s.persistRefund(ctx, t, amount, logCtx)
	if err != nil {
		s.RaiseAlert(ctx, Alert{
			Kind:          ActionRefundApplied,
			GatewaySlug:   t.GatewaySlug,
			TransactionID: t.ID,
			ExternalID:    t.ExternalID,
			Message:       "gateway accepted refund but it could not be recorded",
			Context:       logCtx,
		})
		return nil, err
	}
	return updated.View(s.now()), nil
}

const refundPersistAttempts = 3

// persistRefund records a refund the gateway already accepted. The gateway is
// not called again on a version conflict; the latest row is reloaded and the
// amount is added to it.
func (s *Service) persistRefund(ctx context.Context, t *Transaction, amount int64, logCtx map[string]any) (*Transaction, error) {
	current := t
	for attempt := 1; ; attempt++ {
		if current.Status == StatusRefunded {
			// A gateway report already recorded the full refund.
			entry := NewLogEntry(t.ID, t.GatewaySlug, ActionRefundApplied, LevelInfo, "refund already reflected by gateway report", logCtx, s.now())
			return current, s.store.AppendLog(ctx, entry)
		}

		now := s.now()
		updated := current.Clone()
		if updated.RefundedMinor+amount > updated.Amount.AmountMinor {
			s.RaiseAlert(ctx, Alert{
				Kind:          ActionAmountMismatch,
				GatewaySlug:   t.GatewaySlug,
				TransactionID: t.ID,
				ExternalID:    t.ExternalID,
				Message:       "concurrent refunds exceed the transaction amount",
				Context:       logCtx,
			})
		}
		updated.addRefund(amount, now)

		msg := fmt.Sprintf("refunded %d, total %d of %d", amount, updated.RefundedMinor, updated.Amount.AmountMinor)
		err := s.store.WithTx(ctx, func(tx Tx) error {
			if err := s.update(ctx, tx, current, updated); err != nil {
				return err
			}
			return tx.AppendLog(ctx, NewLogEntry(t.ID, t.GatewaySlug, ActionRefundApplied, LevelInfo, msg, logCtx, now))
		})
		if err == nil {
			s.logger.Info("payment refunded",
				"transaction_id", t.ID,
				"amount", amount,
				"refunded_total", updated.RefundedMinor,
				"status", updated.Status,
			)
			s.publishStatus(ctx, updated)
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt == refundPersistAttempts {
			return nil, fmt.Errorf("recording refund of %s: %w", t.ID, err)
		}

		current, err = s.store.GetTransaction(ctx, t.ID)
		if err != nil {
			return nil, err
		}
	}
}

// Refresh polls the gateway for a pending transaction and applies the
// reported status through the same path as a webhook. Polling failures fall
// back to the stored status.
func (s *Service) Refresh(ctx context.Context, id string) (*View, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending || t.ExternalID == "" {
		return t.View(s.now()), nil
	}

	gw, err := s.registry.Resolve(t.GatewaySlug)
	if err != nil {
		return t.View(s.now()), nil
	}
	poller, ok := gw.(StatusPoller)
	if !ok {
		return t.View(s.now()), nil
	}

	ev, err := callGateway(ctx, s.cfg.Retry, func(ctx context.Context) (*WebhookEvent, error) {
		return poller.FetchStatus(ctx, t.ExternalID)
	})
	if err != nil {
		s.logger.Warn("status poll failed", "transaction_id", id, "gateway", t.GatewaySlug, "error", err)
		return t.View(s.now()), nil
	}

	// The poll is an authenticated call we made, not an inbound callback.
	ev.GatewaySlug = t.GatewaySlug
	ev.TransactionID = t.ID
	ev.SignatureValid = true
	if err := s.store.AppendLog(ctx, NewLogEntry(t.ID, t.GatewaySlug, ActionStatusPolled, LevelInfo, "gateway status polled", ev.LogContext(), s.now())); err != nil {
		return nil, err
	}
	if _, err := s.applyEvent(ctx, t, ev); err != nil {
		return nil, err
	}
	return s.GetStatus(ctx, id)
}

func (s *Service) logGatewayFailure(op, gateway, transactionID string, err error) {
	attrs := []any{"op", op, "gateway", gateway, "transaction_id", transactionID, "error", err}
	if IsPermanentGatewayError(err) {
		s.logger.Error("gateway call failed", attrs...)
		return
	}
	s.logger.Warn("gateway call failed", attrs...)
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// update writes after over before inside tx. Writes that do not follow an
// edge of the state machine are refused before reaching the store.
func (s *Service) update(ctx context.Context, tx Tx, before, after *Transaction) error {
	if !CanReach(before.Status, after.Status) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, before.Status, after.Status, before.ID)
	}
	return tx.UpdateTransaction(ctx, after, before.Version)
}
