package donation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"givepay/internal/common/money"
)

type mockStore struct {
	donations map[string]*Donation
	getErr    error
	createFn  func(d *Donation) error
	creates   int
}

func newMockStore() *mockStore {
	return &mockStore{donations: make(map[string]*Donation)}
}

func (m *mockStore) GetDonationBySource(ctx context.Context, id string) (*Donation, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	d, ok := m.donations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mockStore) CreateDonation(ctx context.Context, d *Donation) error {
	m.creates++
	if m.createFn != nil {
		return m.createFn(d)
	}
	if _, ok := m.donations[d.SourceTransactionID]; ok {
		return ErrDuplicate
	}
	m.donations[d.SourceTransactionID] = d
	return nil
}

func testReconciler() *Reconciler {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return fixed })
}

func source() Source {
	return Source{
		TransactionID: "tx-1",
		Target:        Target{OrganizationID: "org-1", ProjectID: "proj-1"},
		Amount:        money.New(10000, money.RUB),
		Donor:         Donor{Name: "Anna", Email: "anna@example.org"},
	}
}

func TestEnsureDonationIsIdempotent(t *testing.T) {
	store := newMockStore()
	r := testReconciler()

	first, created, err := r.EnsureDonation(context.Background(), store, source())
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}

	for i := 0; i < 3; i++ {
		again, created, err := r.EnsureDonation(context.Background(), store, source())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created {
			t.Fatal("expected no second creation")
		}
		if again.ID != first.ID {
			t.Errorf("expected same donation %s, got %s", first.ID, again.ID)
		}
	}

	if store.creates != 1 {
		t.Errorf("expected exactly one create call, got %d", store.creates)
	}
	if first.Amount.AmountMinor != 10000 || first.Target.ProjectID != "proj-1" {
		t.Errorf("unexpected donation: %+v", first)
	}
}

func TestEnsureDonationLosesRace(t *testing.T) {
	store := newMockStore()
	winner := &Donation{ID: "winner", SourceTransactionID: "tx-1"}
	store.createFn = func(d *Donation) error {
		store.donations["tx-1"] = winner
		return ErrDuplicate
	}

	d, created, err := testReconciler().EnsureDonation(context.Background(), store, source())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || d.ID != "winner" {
		t.Errorf("expected the concurrent winner, got %+v created=%v", d, created)
	}
}

func TestEnsureDonationAnonymousDropsName(t *testing.T) {
	src := source()
	src.Donor.Anonymous = true

	d, _, err := testReconciler().EnsureDonation(context.Background(), newMockStore(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Donor.Name != "" {
		t.Errorf("expected anonymous donation without name, got %q", d.Donor.Name)
	}
}

func TestEnsureDonationPropagatesStoreErrors(t *testing.T) {
	store := newMockStore()
	store.getErr = errors.New("connection reset")

	_, _, err := testReconciler().EnsureDonation(context.Background(), store, source())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEnsureDonationRejectsEmptySource(t *testing.T) {
	src := source()
	src.TransactionID = ""
	if _, _, err := testReconciler().EnsureDonation(context.Background(), newMockStore(), src); err == nil {
		t.Fatal("expected error for empty transaction id")
	}
}
