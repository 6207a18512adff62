package directory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"givepay/internal/payment"
)

type boolRow struct {
	v   bool
	err error
}

func (r boolRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.v
	return nil
}

type fakeQuerier struct {
	queries []string
	args    [][]any
	row     boolRow
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not used")
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.queries = append(q.queries, sql)
	q.args = append(q.args, args)
	return q.row
}

func TestExistsQueriesKindTable(t *testing.T) {
	tests := []struct {
		kind  payment.TargetKind
		table string
	}{
		{payment.TargetOrganization, "FROM organizations"},
		{payment.TargetFundraiser, "FROM fundraisers"},
		{payment.TargetProject, "FROM projects"},
	}
	for _, tt := range tests {
		q := &fakeQuerier{row: boolRow{v: true}}
		ok, err := New(q).Exists(context.Background(), tt.kind, "id-1")
		if err != nil || !ok {
			t.Fatalf("%s: %v %v", tt.kind, ok, err)
		}
		if !strings.Contains(q.queries[0], tt.table) {
			t.Errorf("%s: unexpected query %q", tt.kind, q.queries[0])
		}
	}
}

func TestBelongsToOrganization(t *testing.T) {
	q := &fakeQuerier{row: boolRow{v: false}}
	d := New(q)
	ctx := context.Background()

	ok, err := d.BelongsToOrganization(ctx, payment.TargetProject, "proj-1", "org-1")
	if err != nil || ok {
		t.Errorf("expected project outside organization, got %v %v", ok, err)
	}
	if len(q.args[0]) != 2 || q.args[0][1] != "org-1" {
		t.Errorf("unexpected args %v", q.args[0])
	}

	if ok, _ := d.BelongsToOrganization(ctx, payment.TargetOrganization, "org-1", "org-1"); !ok {
		t.Error("expected organization to belong to itself")
	}
	if len(q.queries) != 1 {
		t.Error("expected no query for the organization case")
	}
}

func TestUnknownKindAndQueryErrors(t *testing.T) {
	d := New(&fakeQuerier{row: boolRow{err: errors.New("timeout")}})
	if _, err := d.Exists(context.Background(), "campaign", "x"); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := d.Exists(context.Background(), payment.TargetFundraiser, "x"); err == nil {
		t.Error("expected query error to propagate")
	}
}
