package payment

import (
	"context"
	"time"

	"givepay/internal/donation"
)

// Store is the TransactionStore: persistence of transactions and their
// append-only log. Reads happen outside WithTx; every mutation goes through
// a Tx so a status write, its log entries and the donation commit together.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetTransaction returns ErrNotFound for unknown IDs.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// GetTransactionByExternalID returns ErrNotFound when no transaction of
	// that gateway carries externalID.
	GetTransactionByExternalID(ctx context.Context, gatewaySlug, externalID string) (*Transaction, error)
	// ListExpiredPending returns pending transactions whose expiry is before now.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	ListLogs(ctx context.Context, transactionID string) ([]*LogEntry, error)

	// AppendLog writes a standalone log entry in its own transaction.
	AppendLog(ctx context.Context, entry *LogEntry) error
}

// Tx is a unit of work opened by Store.WithTx.
type Tx interface {
	donation.Store

	// InsertTransaction returns ErrAlreadyExists on a duplicate ID or
	// (gateway, external ID) pair.
	InsertTransaction(ctx context.Context, t *Transaction) error
	// UpdateTransaction writes t only if the stored version still equals
	// expectedVersion, and returns ErrVersionConflict otherwise. On success
	// t.Version is expectedVersion+1.
	UpdateTransaction(ctx context.Context, t *Transaction, expectedVersion int64) error
	AppendLog(ctx context.Context, entry *LogEntry) error
}

// TargetKind names a funding target collection.
type TargetKind string

const (
	TargetOrganization TargetKind = "organization"
	TargetFundraiser   TargetKind = "fundraiser"
	TargetProject      TargetKind = "project"
)

// TargetDirectory is the Organization/Fundraiser/Project lookup collaborator.
type TargetDirectory interface {
	Exists(ctx context.Context, kind TargetKind, id string) (bool, error)
	BelongsToOrganization(ctx context.Context, kind TargetKind, id, organizationID string) (bool, error)
}
