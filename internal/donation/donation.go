// Package donation creates the donation record of a completed payment,
// exactly once per source transaction.
package donation

import (
	"context"
	"errors"
	"time"

	"givepay/internal/common/money"
)

var (
	ErrNotFound  = errors.New("donation not found")
	ErrDuplicate = errors.New("donation already exists for source transaction")
)

// Target is the funding context the donation is credited to.
type Target struct {
	OrganizationID string `json:"organization_id"`
	FundraiserID   string `json:"fundraiser_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
}

// Donor is the donor information copied from the payment.
type Donor struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Anonymous bool   `json:"anonymous"`
	Comment   string `json:"comment,omitempty"`
}

// Donation is the business record of a confirmed payment.
type Donation struct {
	ID                  string      `json:"id"`
	SourceTransactionID string      `json:"source_transaction_id"`
	Target              Target      `json:"target"`
	Amount              money.Money `json:"amount"`
	Donor               Donor       `json:"donor"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Store is the donation-creation collaborator. Implementations run inside the
// caller's storage transaction and enforce uniqueness of SourceTransactionID.
type Store interface {
	// GetDonationBySource returns ErrNotFound when no donation exists.
	GetDonationBySource(ctx context.Context, sourceTransactionID string) (*Donation, error)
	// CreateDonation returns ErrDuplicate when a donation for the same
	// source already exists. It must not abort the surrounding transaction.
	CreateDonation(ctx context.Context, d *Donation) error
}
