package statistics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeStore struct {
	status  []StatusRow
	gateway []GatewayRow
	daily   []DailyRow
	err     error
}

func (s *fakeStore) CountByStatus(ctx context.Context, f Filter) ([]StatusRow, error) {
	return s.status, s.err
}

func (s *fakeStore) CountByGateway(ctx context.Context, f Filter) ([]GatewayRow, error) {
	return s.gateway, nil
}

func (s *fakeStore) DailyPaid(ctx context.Context, f Filter) ([]DailyRow, error) {
	return s.daily, nil
}

func newAggregator(s Store) *Aggregator {
	return NewAggregator(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSummarizeTotals(t *testing.T) {
	store := &fakeStore{
		status: []StatusRow{
			{Status: "pending", Currency: "RUB", Count: 3, AmountMinor: 30000},
			{Status: "completed", Currency: "RUB", Count: 4, AmountMinor: 40000, RefundedMinor: 2500},
			{Status: "refunded", Currency: "RUB", Count: 1, AmountMinor: 10000, RefundedMinor: 10000},
			{Status: "completed", Currency: "EUR", Count: 1, AmountMinor: 500},
			{Status: "failed", Currency: "RUB", Count: 1, AmountMinor: 10000},
		},
		gateway: []GatewayRow{{GatewaySlug: "sbp", Status: "completed", Currency: "RUB", Count: 4, AmountMinor: 40000}},
	}

	stats, err := newAggregator(store).Summarize(context.Background(), "org-1", Filter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if stats.Transactions != 10 {
		t.Errorf("expected 10 transactions, got %d", stats.Transactions)
	}
	if stats.ConversionRate != 0.6 {
		t.Errorf("expected conversion 0.6, got %v", stats.ConversionRate)
	}
	if len(stats.Totals) != 2 || stats.Totals[0].Currency != "EUR" {
		t.Fatalf("unexpected totals %+v", stats.Totals)
	}
	rub := stats.Totals[1]
	if rub.PaidCount != 5 || rub.PaidMinor != 50000 || rub.RefundedMinor != 12500 || rub.CollectedMinor != 37500 {
		t.Errorf("unexpected RUB total %+v", rub)
	}
	if len(stats.ByGateway) != 1 || stats.Daily == nil {
		t.Errorf("expected rollups to be passed through, got %+v", stats)
	}
}

func TestSummarizeValidation(t *testing.T) {
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	tests := []struct {
		name   string
		acting string
		filter Filter
		want   error
	}{
		{"missing organization", "", Filter{}, ErrOrganizationRequired},
		{"other organization", "org-2", Filter{OrganizationID: "org-1"}, ErrForbidden},
		{"inverted range", "", Filter{OrganizationID: "org-1", From: &from, To: &to}, ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newAggregator(&fakeStore{}).Summarize(context.Background(), tt.acting, tt.filter)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSummarizePropagatesQueryErrors(t *testing.T) {
	boom := errors.New("statement timeout")
	_, err := newAggregator(&fakeStore{err: boom}).Summarize(context.Background(), "", Filter{OrganizationID: "org-1"})
	if !errors.Is(err, boom) {
		t.Errorf("expected query error, got %v", err)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	stats, err := newAggregator(&fakeStore{}).Summarize(context.Background(), "", Filter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if stats.ConversionRate != 0 || len(stats.Totals) != 0 || stats.ByStatus == nil {
		t.Errorf("unexpected empty stats %+v", stats)
	}
}
