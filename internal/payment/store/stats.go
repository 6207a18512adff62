package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"givepay/internal/statistics"
)

var _ statistics.Store = (*Store)(nil)

// filterClause renders f as a WHERE clause over payment_transactions.
// timeColumn is the column the date range applies to.
func filterClause(f statistics.Filter, timeColumn string) (string, []any) {
	conds := []string{"organization_id = $1"}
	args := []any{f.OrganizationID}

	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.FundraiserID != "" {
		add("fundraiser_id = $%d", f.FundraiserID)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.GatewaySlug != "" {
		add("gateway_slug = $%d", f.GatewaySlug)
	}
	if f.From != nil {
		add(timeColumn+" >= $%d", *f.From)
	}
	if f.To != nil {
		add(timeColumn+" < $%d", *f.To)
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// CountByStatus groups transactions created in range by status and currency
func (s *Store) CountByStatus(ctx context.Context, f statistics.Filter) ([]statistics.StatusRow, error) {
	where, args := filterClause(f, "created_at")
	query := `
		SELECT status, currency, COUNT(*), COALESCE(SUM(amount_minor), 0), COALESCE(SUM(refunded_minor), 0)
		FROM payment_transactions ` + where + `
		GROUP BY status, currency
		ORDER BY status, currency`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (statistics.StatusRow, error) {
		var r statistics.StatusRow
		err := row.Scan(&r.Status, &r.Currency, &r.Count, &r.AmountMinor, &r.RefundedMinor)
		return r, err
	})
}

// CountByGateway groups transactions created in range by gateway, status and currency
func (s *Store) CountByGateway(ctx context.Context, f statistics.Filter) ([]statistics.GatewayRow, error) {
	where, args := filterClause(f, "created_at")
	query := `
		SELECT gateway_slug, status, currency, COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM payment_transactions ` + where + `
		GROUP BY gateway_slug, status, currency
		ORDER BY gateway_slug, status, currency`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (statistics.GatewayRow, error) {
		var r statistics.GatewayRow
		err := row.Scan(&r.GatewaySlug, &r.Status, &r.Currency, &r.Count, &r.AmountMinor)
		return r, err
	})
}

// DailyPaid sums payments by the UTC day they were paid
func (s *Store) DailyPaid(ctx context.Context, f statistics.Filter) ([]statistics.DailyRow, error) {
	where, args := filterClause(f, "paid_at")
	query := `
		SELECT date_trunc('day', paid_at AT TIME ZONE 'UTC') AS day, currency, COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM payment_transactions ` + where + ` AND paid_at IS NOT NULL
		GROUP BY day, currency
		ORDER BY day, currency`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (statistics.DailyRow, error) {
		var r statistics.DailyRow
		err := row.Scan(&r.Day, &r.Currency, &r.Count, &r.AmountMinor)
		return r, err
	})
}
