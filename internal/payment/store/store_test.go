package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"givepay/internal/common/database"
	"givepay/internal/common/money"
	"givepay/internal/donation"
	"givepay/internal/payment"
	"givepay/internal/statistics"
)

func TestFilterClause(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	where, args := filterClause(statistics.Filter{OrganizationID: "org-1"}, "created_at")
	if where != "WHERE organization_id = $1" || len(args) != 1 {
		t.Errorf("unexpected clause %q %v", where, args)
	}

	where, args = filterClause(statistics.Filter{
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		GatewaySlug:    "sbp",
		From:           &from,
	}, "paid_at")
	want := "WHERE organization_id = $1 AND project_id = $2 AND gateway_slug = $3 AND paid_at >= $4"
	if where != want {
		t.Errorf("expected %q, got %q", want, where)
	}
	if !reflect.DeepEqual(args, []any{"org-1", "proj-1", "sbp", from}) {
		t.Errorf("unexpected args %v", args)
	}
}

// openTestStore connects to PAYMENTS_TEST_DATABASE_URL and applies the schema.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PAYMENTS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAYMENTS_TEST_DATABASE_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := database.NewMigrator(url, Migrations, MigrationsDir, logger)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	db, err := database.New(context.Background(), database.Config{URL: url, MaxConns: 4, MinConns: 1}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	return New(db, logger)
}

func newTransaction() *payment.Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &payment.Transaction{
		ID:          ulid.Make().String(),
		Target:      payment.Target{OrganizationID: "org-" + ulid.Make().String()},
		Amount:      money.New(10000, money.RUB),
		GatewaySlug: "sbp",
		MethodSlug:  "sbp_qr",
		Status:      payment.StatusPending,
		Details:     payment.Details{DonorName: "Anna", DonorPhone: "*******4567"},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(30 * time.Minute),
	}
}

func TestTransactionRoundTripAndVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := newTransaction()

	err := s.WithTx(ctx, func(w payment.Tx) error {
		if err := w.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		return w.AppendLog(ctx, payment.NewLogEntry(tx.ID, "sbp", payment.ActionCreated, payment.LevelInfo, "created", nil, tx.CreatedAt))
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != payment.StatusPending || got.Details.DonorName != "Anna" || got.Amount != tx.Amount {
		t.Errorf("unexpected transaction %+v", got)
	}

	updated := got.Clone()
	updated.ExternalID = "qr-" + tx.ID
	if err := s.WithTx(ctx, func(w payment.Tx) error { return w.UpdateTransaction(ctx, updated, 1) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	stale := got.Clone()
	stale.Status = payment.StatusFailed
	err = s.WithTx(ctx, func(w payment.Tx) error { return w.UpdateTransaction(ctx, stale, 1) })
	if !errors.Is(err, payment.ErrVersionConflict) {
		t.Errorf("expected version conflict, got %v", err)
	}

	byExt, err := s.GetTransactionByExternalID(ctx, "sbp", "qr-"+tx.ID)
	if err != nil || byExt.ID != tx.ID {
		t.Errorf("lookup by external id: %v %v", byExt, err)
	}
	if _, err := s.GetTransaction(ctx, "missing"); !errors.Is(err, payment.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	logs, err := s.ListLogs(ctx, tx.ID)
	if err != nil || len(logs) != 1 || logs[0].Action != payment.ActionCreated {
		t.Errorf("unexpected logs %v %v", logs, err)
	}
}

func TestDonationUniquePerSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := newTransaction()
	if err := s.WithTx(ctx, func(w payment.Tx) error { return w.InsertTransaction(ctx, tx) }); err != nil {
		t.Fatalf("insert: %v", err)
	}

	create := func() error {
		return s.WithTx(ctx, func(w payment.Tx) error {
			return w.CreateDonation(ctx, &donation.Donation{
				ID:                  ulid.Make().String(),
				SourceTransactionID: tx.ID,
				Target:              donation.Target{OrganizationID: tx.Target.OrganizationID},
				Amount:              tx.Amount,
				CreatedAt:           time.Now().UTC(),
			})
		})
	}
	if err := create(); err != nil {
		t.Fatalf("first donation: %v", err)
	}
	if err := create(); !errors.Is(err, donation.ErrDuplicate) {
		t.Errorf("expected duplicate, got %v", err)
	}

	err := s.WithTx(ctx, func(w payment.Tx) error {
		d, err := w.GetDonationBySource(ctx, tx.ID)
		if err != nil {
			return err
		}
		if d.Amount != tx.Amount {
			t.Errorf("unexpected donation %+v", d)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get donation: %v", err)
	}
}

func TestDuplicateExternalIDRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, b := newTransaction(), newTransaction()
	a.ExternalID = "qr-dup-" + a.ID
	b.ExternalID = a.ExternalID

	if err := s.WithTx(ctx, func(w payment.Tx) error { return w.InsertTransaction(ctx, a) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := s.WithTx(ctx, func(w payment.Tx) error { return w.InsertTransaction(ctx, b) })
	if !errors.Is(err, payment.ErrAlreadyExists) {
		t.Errorf("expected already exists, got %v", err)
	}
}
