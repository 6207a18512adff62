// Package statistics provides read-only rollups over payment transactions
// for organization reporting.
package statistics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrOrganizationRequired = errors.New("organization_id is required")
	ErrForbidden            = errors.New("statistics of another organization")
	ErrInvalidRange         = errors.New("from must be before to")
)

// Filter narrows a summary. OrganizationID is required.
type Filter struct {
	OrganizationID string
	FundraiserID   string
	ProjectID      string
	GatewaySlug    string
	From           *time.Time
	To             *time.Time
}

// StatusRow is one (status, currency) group.
type StatusRow struct {
	Status        string `json:"status"`
	Currency      string `json:"currency"`
	Count         int64  `json:"count"`
	AmountMinor   int64  `json:"amount_minor"`
	RefundedMinor int64  `json:"refunded_minor"`
}

// GatewayRow is one (gateway, status, currency) group.
type GatewayRow struct {
	GatewaySlug string `json:"gateway"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Count       int64  `json:"count"`
	AmountMinor int64  `json:"amount_minor"`
}

// DailyRow is the paid volume of one UTC day in one currency.
type DailyRow struct {
	Day         time.Time `json:"day"`
	Currency    string    `json:"currency"`
	Count       int64     `json:"count"`
	AmountMinor int64     `json:"amount_minor"`
}

// Store runs the rollup queries.
type Store interface {
	CountByStatus(ctx context.Context, f Filter) ([]StatusRow, error)
	CountByGateway(ctx context.Context, f Filter) ([]GatewayRow, error)
	DailyPaid(ctx context.Context, f Filter) ([]DailyRow, error)
}

// Total is the net collected volume of one currency.
type Total struct {
	Currency       string `json:"currency"`
	PaidCount      int64  `json:"paid_count"`
	PaidMinor      int64  `json:"paid_minor"`
	RefundedMinor  int64  `json:"refunded_minor"`
	CollectedMinor int64  `json:"collected_minor"`
}

// Stats is the summary returned to callers.
type Stats struct {
	OrganizationID string       `json:"organization_id"`
	From           *time.Time   `json:"from,omitempty"`
	To             *time.Time   `json:"to,omitempty"`
	Transactions   int64        `json:"transactions"`
	ConversionRate float64      `json:"conversion_rate"`
	Totals         []Total      `json:"totals"`
	ByStatus       []StatusRow  `json:"by_status"`
	ByGateway      []GatewayRow `json:"by_gateway"`
	Daily          []DailyRow   `json:"daily"`
}

// Aggregator is the StatisticsAggregator.
type Aggregator struct {
	store  Store
	logger *slog.Logger
}

// NewAggregator creates a new aggregator.
func NewAggregator(store Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

// Summarize computes the rollups for f. actingOrganizationID, when set, must
// equal f.OrganizationID.
func (a *Aggregator) Summarize(ctx context.Context, actingOrganizationID string, f Filter) (*Stats, error) {
	if f.OrganizationID == "" {
		return nil, ErrOrganizationRequired
	}
	if actingOrganizationID != "" && actingOrganizationID != f.OrganizationID {
		return nil, ErrForbidden
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, ErrInvalidRange
	}

	var (
		byStatus  []StatusRow
		byGateway []GatewayRow
		daily     []DailyRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := a.store.CountByStatus(gctx, f)
		if err != nil {
			return fmt.Errorf("counting by status: %w", err)
		}
		byStatus = rows
		return nil
	})
	g.Go(func() error {
		rows, err := a.store.CountByGateway(gctx, f)
		if err != nil {
			return fmt.Errorf("counting by gateway: %w", err)
		}
		byGateway = rows
		return nil
	})
	g.Go(func() error {
		rows, err := a.store.DailyPaid(gctx, f)
		if err != nil {
			return fmt.Errorf("daily volume: %w", err)
		}
		daily = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		a.logger.Error("statistics query failed", "organization_id", f.OrganizationID, "error", err)
		return nil, err
	}

	stats := &Stats{
		OrganizationID: f.OrganizationID,
		From:           f.From,
		To:             f.To,
		ByStatus:       nonNil(byStatus),
		ByGateway:      nonNil(byGateway),
		Daily:          nonNil(daily),
	}
	stats.Totals, stats.Transactions, stats.ConversionRate = totals(byStatus)
	return stats, nil
}

// totals derives net collected volume per currency. A refunded transaction
// was paid first, so it counts toward paid volume and its refunds are
// subtracted. Conversion is paid over all transactions.
func totals(rows []StatusRow) ([]Total, int64, float64) {
	byCurrency := make(map[string]*Total)
	var all, paid int64
	for _, r := range rows {
		all += r.Count
		if r.Status != "completed" && r.Status != "refunded" {
			continue
		}
		paid += r.Count
		t, ok := byCurrency[r.Currency]
		if !ok {
			t = &Total{Currency: r.Currency}
			byCurrency[r.Currency] = t
		}
		t.PaidCount += r.Count
		t.PaidMinor += r.AmountMinor
		t.RefundedMinor += r.RefundedMinor
		t.CollectedMinor = t.PaidMinor - t.RefundedMinor
	}

	out := make([]Total, 0, len(byCurrency))
	for _, t := range byCurrency {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })

	var rate float64
	if all > 0 {
		rate = float64(paid) / float64(all)
	}
	return out, all, rate
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
