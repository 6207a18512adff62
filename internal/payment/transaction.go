// Package payment implements the payment transaction lifecycle: the gateway
// contract and registry, the transaction state machine and the orchestrating
// service through which every status change passes.
package payment

import (
	"fmt"
	"time"

	"givepay/internal/common/money"
)

// Target is the funding context a payment belongs to. OrganizationID is
// always set; at most one of FundraiserID and ProjectID narrows it.
type Target struct {
	OrganizationID string `json:"organization_id"`
	FundraiserID   string `json:"fundraiser_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
}

// Transaction is the aggregate root tracking one payment attempt.
type Transaction struct {
	ID            string
	ExternalID    string
	Target        Target
	Amount        money.Money
	RefundedMinor int64
	GatewaySlug   string
	MethodSlug    string
	Status        Status
	Details       Details
	Version       int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	FailedAt    *time.Time
	CancelledAt *time.Time
	RefundedAt  *time.Time
	ExpiresAt   time.Time
}

// Clone returns a deep copy so a transition can be prepared without
// touching the loaded value.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.PaidAt = cloneTime(t.PaidAt)
	c.FailedAt = cloneTime(t.FailedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	c.RefundedAt = cloneTime(t.RefundedAt)
	if t.Details.Extra != nil {
		c.Details.Extra = make(map[string]string, len(t.Details.Extra))
		for k, v := range t.Details.Extra {
			c.Details.Extra[k] = v
		}
	}
	return &c
}

// IsExpired is derived, never stored: a pending transaction past its expiry.
func (t *Transaction) IsExpired(now time.Time) bool {
	return t.Status == StatusPending && now.After(t.ExpiresAt)
}

// Refunded returns the accumulated refunded amount.
func (t *Transaction) Refunded() money.Money {
	return money.New(t.RefundedMinor, t.Amount.Currency)
}

// Remaining returns the amount still available for refund.
func (t *Transaction) Remaining() money.Money {
	return money.New(t.Amount.AmountMinor-t.RefundedMinor, t.Amount.Currency)
}

// BindExternalID sets the gateway reference once. Rebinding to a different
// value is an integrity violation.
func (t *Transaction) BindExternalID(externalID string) error {
	if externalID == "" || t.ExternalID == externalID {
		return nil
	}
	if t.ExternalID != "" {
		return fmt.Errorf("external id %q already bound, got %q", t.ExternalID, externalID)
	}
	t.ExternalID = externalID
	return nil
}

// moveTo sets the status and the matching timestamp. Timestamps are set at
// most once.
func (t *Transaction) moveTo(to Status, at time.Time) {
	t.Status = to
	t.UpdatedAt = at
	switch to {
	case StatusCompleted:
		setOnce(&t.PaidAt, at)
	case StatusFailed:
		setOnce(&t.FailedAt, at)
	case StatusCancelled:
		setOnce(&t.CancelledAt, at)
	case StatusRefunded:
		setOnce(&t.RefundedAt, at)
	}
}

// addRefund accumulates a refund, moving to refunded once nothing remains.
func (t *Transaction) addRefund(amountMinor int64, at time.Time) {
	t.RefundedMinor += amountMinor
	t.UpdatedAt = at
	if t.RefundedMinor >= t.Amount.AmountMinor {
		t.RefundedMinor = t.Amount.AmountMinor
		t.moveTo(StatusRefunded, at)
	}
}

func setOnce(dst **time.Time, at time.Time) {
	if *dst == nil {
		v := at
		*dst = &v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// View is the read projection returned to callers.
type View struct {
	TransactionID  string    `json:"transaction_id"`
	ExternalID     string    `json:"payment_id,omitempty"`
	Status         Status    `json:"status"`
	IsExpired      bool      `json:"is_expired"`
	Amount         int64     `json:"amount"`
	RefundedAmount int64     `json:"refunded_amount"`
	Currency       string    `json:"currency"`
	Gateway        string    `json:"gateway"`
	PaymentMethod  string    `json:"payment_method"`
	Target
	Details     Details    `json:"payment_details"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// View projects the transaction as of now.
func (t *Transaction) View(now time.Time) *View {
	return &View{
		TransactionID:  t.ID,
		ExternalID:     t.ExternalID,
		Status:         t.Status,
		IsExpired:      t.IsExpired(now),
		Amount:         t.Amount.AmountMinor,
		RefundedAmount: t.RefundedMinor,
		Currency:       string(t.Amount.Currency),
		Gateway:        t.GatewaySlug,
		PaymentMethod:  t.MethodSlug,
		Target:         t.Target,
		Details:        t.Details.Masked(),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		PaidAt:         t.PaidAt,
		FailedAt:       t.FailedAt,
		CancelledAt:    t.CancelledAt,
		RefundedAt:     t.RefundedAt,
		ExpiresAt:      t.ExpiresAt,
	}
}
