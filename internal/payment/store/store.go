// Package store implements the payment TransactionStore on PostgreSQL.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"givepay/internal/common/database"
	"givepay/internal/common/money"
	"givepay/internal/donation"
	"givepay/internal/payment"
)

// Migrations holds the schema, applied with database.NewMigrator.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations holding the SQL files.
const MigrationsDir = "migrations"

// txRetries bounds reruns of a unit of work that lost a deadlock.
const txRetries = 3

// Store provides payment data access
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// New creates a new payment store
func New(db *database.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

var _ payment.Store = (*Store)(nil)

// WithTx runs fn in a read-committed transaction. Version checks make the
// isolation level sufficient; deadlocks and serialization failures rerun fn.
func (s *Store) WithTx(ctx context.Context, fn func(tx payment.Tx) error) error {
	return database.Retry(ctx, txRetries, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			return fn(&Tx{q: tx})
		})
	})
}

const transactionColumns = `
	transaction_id, external_id, organization_id, fundraiser_id, project_id,
	amount_minor, currency, refunded_minor, gateway_slug, payment_method_slug,
	status, payment_details, version,
	created_at, updated_at, paid_at, failed_at, cancelled_at, refunded_at, expires_at`

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*payment.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE transaction_id = $1`
	return scanTransaction(s.db.QueryRow(ctx, query, id))
}

// GetTransactionByExternalID retrieves a transaction by gateway reference
func (s *Store) GetTransactionByExternalID(ctx context.Context, gatewaySlug, externalID string) (*payment.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE gateway_slug = $1 AND external_id = $2`
	return scanTransaction(s.db.QueryRow(ctx, query, gatewaySlug, externalID))
}

// ListExpiredPending lists pending transactions that expired before now,
// oldest first.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*payment.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired transactions: %w", err)
	}
	defer rows.Close()

	var out []*payment.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListLogs returns the audit trail of a transaction in append order
func (s *Store) ListLogs(ctx context.Context, transactionID string) ([]*payment.LogEntry, error) {
	query := `
		SELECT id, transaction_id, gateway_slug, action, level, message, context, created_at
		FROM payment_logs
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC`
	return queryLogs(ctx, s.db, query, transactionID)
}

// ListAlerts returns error-level entries created after since, oldest first.
func (s *Store) ListAlerts(ctx context.Context, since time.Time, limit int) ([]*payment.LogEntry, error) {
	query := `
		SELECT id, transaction_id, gateway_slug, action, level, message, context, created_at
		FROM payment_logs
		WHERE level = 'error' AND created_at > $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`
	return queryLogs(ctx, s.db, query, since, limit)
}

// AppendLog writes a standalone log entry
func (s *Store) AppendLog(ctx context.Context, entry *payment.LogEntry) error {
	return insertLog(ctx, s.db, entry)
}

// MethodOverrides implements payment.OverrideSource
func (s *Store) MethodOverrides(ctx context.Context, organizationID string) ([]payment.MethodOverride, error) {
	query := `
		SELECT gateway_slug, method_slug, enabled, min_amount, display_name
		FROM payment_method_overrides
		WHERE organization_id = $1`

	rows, err := s.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("querying method overrides: %w", err)
	}
	defer rows.Close()

	var out []payment.MethodOverride
	for rows.Next() {
		var o payment.MethodOverride
		var title *string
		if err := rows.Scan(&o.GatewaySlug, &o.MethodSlug, &o.Enabled, &o.MinAmount, &title); err != nil {
			return nil, fmt.Errorf("scanning method override: %w", err)
		}
		o.Title = deref(title)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Tx is a payment unit of work bound to one database transaction
type Tx struct {
	q database.Querier
}

var _ payment.Tx = (*Tx)(nil)

// InsertTransaction inserts a new transaction
func (tx *Tx) InsertTransaction(ctx context.Context, t *payment.Transaction) error {
	query := `
		INSERT INTO payment_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	details, err := json.Marshal(t.Details)
	if err != nil {
		return fmt.Errorf("encoding payment details: %w", err)
	}

	_, err = tx.q.Exec(ctx, query,
		t.ID,
		nullStr(t.ExternalID),
		t.Target.OrganizationID,
		nullStr(t.Target.FundraiserID),
		nullStr(t.Target.ProjectID),
		t.Amount.AmountMinor,
		string(t.Amount.Currency),
		t.RefundedMinor,
		t.GatewaySlug,
		t.MethodSlug,
		string(t.Status),
		details,
		t.Version,
		t.CreatedAt,
		t.UpdatedAt,
		t.PaidAt,
		t.FailedAt,
		t.CancelledAt,
		t.RefundedAt,
		t.ExpiresAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", t.ID, payment.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// UpdateTransaction writes the mutable columns of t if the stored version
// still equals expectedVersion.
func (tx *Tx) UpdateTransaction(ctx context.Context, t *payment.Transaction, expectedVersion int64) error {
	query := `
		UPDATE payment_transactions SET
			external_id = $3, status = $4, refunded_minor = $5, payment_details = $6,
			version = $2 + 1, updated_at = $7,
			paid_at = $8, failed_at = $9, cancelled_at = $10, refunded_at = $11
		WHERE transaction_id = $1 AND version = $2`

	details, err := json.Marshal(t.Details)
	if err != nil {
		return fmt.Errorf("encoding payment details: %w", err)
	}

	tag, err := tx.q.Exec(ctx, query,
		t.ID, expectedVersion,
		nullStr(t.ExternalID), string(t.Status), t.RefundedMinor, details,
		t.UpdatedAt,
		t.PaidAt, t.FailedAt, t.CancelledAt, t.RefundedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("external id %s of %s: %w", t.ExternalID, t.GatewaySlug, payment.ErrAlreadyExists)
		}
		if database.IsCheckViolation(err) {
			return fmt.Errorf("transaction %s violates a constraint: %w", t.ID, err)
		}
		return fmt.Errorf("updating transaction: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE transaction_id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("checking transaction: %w", err)
		}
		if !exists {
			return payment.ErrNotFound
		}
		return payment.ErrVersionConflict
	}

	t.Version = expectedVersion + 1
	return nil
}

// AppendLog writes a log entry inside the transaction
func (tx *Tx) AppendLog(ctx context.Context, entry *payment.LogEntry) error {
	return insertLog(ctx, tx.q, entry)
}

// GetDonationBySource implements donation.Store
func (tx *Tx) GetDonationBySource(ctx context.Context, sourceTransactionID string) (*donation.Donation, error) {
	query := `
		SELECT id, source_transaction_id, organization_id, fundraiser_id, project_id,
			   amount_minor, currency, donor_name, donor_email, is_anonymous, comment, created_at
		FROM donations
		WHERE source_transaction_id = $1`

	var d donation.Donation
	var fundraiserID, projectID, name, email, comment *string
	var currency string
	err := tx.q.QueryRow(ctx, query, sourceTransactionID).Scan(
		&d.ID, &d.SourceTransactionID, &d.Target.OrganizationID, &fundraiserID, &projectID,
		&d.Amount.AmountMinor, &currency, &name, &email, &d.Donor.Anonymous, &comment, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, donation.ErrNotFound
		}
		return nil, fmt.Errorf("scanning donation: %w", err)
	}

	d.Target.FundraiserID = deref(fundraiserID)
	d.Target.ProjectID = deref(projectID)
	d.Amount.Currency = money.Currency(currency)
	d.Donor.Name = deref(name)
	d.Donor.Email = deref(email)
	d.Donor.Comment = deref(comment)
	return &d, nil
}

// CreateDonation inserts a donation. The conflict clause keeps the
// surrounding transaction usable when the source already has one.
func (tx *Tx) CreateDonation(ctx context.Context, d *donation.Donation) error {
	query := `
		INSERT INTO donations (
			id, source_transaction_id, organization_id, fundraiser_id, project_id,
			amount_minor, currency, donor_name, donor_email, is_anonymous, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source_transaction_id) DO NOTHING`

	tag, err := tx.q.Exec(ctx, query,
		d.ID,
		d.SourceTransactionID,
		d.Target.OrganizationID,
		nullStr(d.Target.FundraiserID),
		nullStr(d.Target.ProjectID),
		d.Amount.AmountMinor,
		string(d.Amount.Currency),
		nullStr(d.Donor.Name),
		nullStr(d.Donor.Email),
		d.Donor.Anonymous,
		nullStr(d.Donor.Comment),
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting donation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return donation.ErrDuplicate
	}
	return nil
}

func insertLog(ctx context.Context, q database.Querier, e *payment.LogEntry) error {
	query := `
		INSERT INTO payment_logs (id, transaction_id, gateway_slug, action, level, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var logCtx []byte
	if len(e.Context) > 0 {
		var err error
		if logCtx, err = json.Marshal(e.Context); err != nil {
			return fmt.Errorf("encoding log context: %w", err)
		}
	}

	_, err := q.Exec(ctx, query,
		e.ID, nullStr(e.TransactionID), e.GatewaySlug, string(e.Action), string(e.Level), e.Message, logCtx, e.CreatedAt,
	)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("log for transaction %s: %w", e.TransactionID, payment.ErrNotFound)
		}
		return fmt.Errorf("inserting payment log: %w", err)
	}
	return nil
}

func queryLogs(ctx context.Context, q database.Querier, query string, args ...any) ([]*payment.LogEntry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying payment logs: %w", err)
	}
	defer rows.Close()

	var out []*payment.LogEntry
	for rows.Next() {
		var e payment.LogEntry
		var txID *string
		var action, level string
		var logCtx []byte
		if err := rows.Scan(&e.ID, &txID, &e.GatewaySlug, &action, &level, &e.Message, &logCtx, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning payment log: %w", err)
		}
		e.TransactionID = deref(txID)
		e.Action = payment.Action(action)
		e.Level = payment.Level(level)
		if len(logCtx) > 0 {
			if err := json.Unmarshal(logCtx, &e.Context); err != nil {
				return nil, fmt.Errorf("decoding log context: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*payment.Transaction, error) {
	var t payment.Transaction
	var externalID, fundraiserID, projectID *string
	var currency, status string
	var details []byte

	err := row.Scan(
		&t.ID, &externalID, &t.Target.OrganizationID, &fundraiserID, &projectID,
		&t.Amount.AmountMinor, &currency, &t.RefundedMinor, &t.GatewaySlug, &t.MethodSlug,
		&status, &details, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &t.PaidAt, &t.FailedAt, &t.CancelledAt, &t.RefundedAt, &t.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	t.ExternalID = deref(externalID)
	t.Target.FundraiserID = deref(fundraiserID)
	t.Target.ProjectID = deref(projectID)
	t.Amount.Currency = money.Currency(currency)
	t.Status = payment.Status(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &t.Details); err != nil {
			return nil, fmt.Errorf("decoding payment details: %w", err)
		}
	}
	return &t, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
