package donation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"givepay/internal/common/money"
)

// Source describes the completed payment a donation is built from.
type Source struct {
	TransactionID string
	Target        Target
	Amount        money.Money
	Donor         Donor
}

// Reconciler ensures one donation per completed transaction. It is safe to
// invoke any number of times for the same source.
type Reconciler struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(logger *slog.Logger) *Reconciler {
	return &Reconciler{
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock replaces the clock used for CreatedAt.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// EnsureDonation returns the donation for src.TransactionID, creating it if
// absent. store must be bound to the same storage transaction as the status
// write that completed the payment. created reports whether this call
// inserted the row.
func (r *Reconciler) EnsureDonation(ctx context.Context, store Store, src Source) (d *Donation, created bool, err error) {
	if src.TransactionID == "" {
		return nil, false, errors.New("ensure donation: empty source transaction id")
	}
	if !src.Amount.IsPositive() {
		return nil, false, fmt.Errorf("ensure donation for %s: non-positive amount", src.TransactionID)
	}

	existing, err := store.GetDonationBySource(ctx, src.TransactionID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("looking up donation for %s: %w", src.TransactionID, err)
	}

	d = &Donation{
		ID:                  ulid.Make().String(),
		SourceTransactionID: src.TransactionID,
		Target:              src.Target,
		Amount:              src.Amount,
		Donor:               src.Donor,
		CreatedAt:           r.now(),
	}
	if d.Donor.Anonymous {
		d.Donor.Name = ""
	}

	err = store.CreateDonation(ctx, d)
	if errors.Is(err, ErrDuplicate) {
		// Lost a race with another writer; theirs is the donation.
		existing, getErr := store.GetDonationBySource(ctx, src.TransactionID)
		if getErr != nil {
			return nil, false, fmt.Errorf("reloading donation for %s: %w", src.TransactionID, getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating donation for %s: %w", src.TransactionID, err)
	}

	r.logger.Info("donation created",
		"donation_id", d.ID,
		"transaction_id", src.TransactionID,
		"organization_id", src.Target.OrganizationID,
		"amount", src.Amount.AmountMinor,
		"currency", src.Amount.Currency,
	)
	return d, true, nil
}
