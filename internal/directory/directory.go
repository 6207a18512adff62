// Package directory looks up organizations, fundraisers and projects that
// payments may target.
package directory

import (
	"context"
	"fmt"

	"givepay/internal/common/database"
	"givepay/internal/payment"
)

// tables maps each target kind to its table.
var tables = map[payment.TargetKind]string{
	payment.TargetOrganization: "organizations",
	payment.TargetFundraiser:   "fundraisers",
	payment.TargetProject:      "projects",
}

// Directory implements payment.TargetDirectory over the CMS tables.
type Directory struct {
	q database.Querier
}

// New creates a new directory over q.
func New(q database.Querier) *Directory {
	return &Directory{q: q}
}

var _ payment.TargetDirectory = (*Directory)(nil)

// Exists reports whether id exists in the collection of kind.
func (d *Directory) Exists(ctx context.Context, kind payment.TargetKind, id string) (bool, error) {
	table, ok := tables[kind]
	if !ok {
		return false, fmt.Errorf("unknown target kind %q", kind)
	}

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE id = $1)`
	if err := d.q.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("looking up %s %s: %w", kind, id, err)
	}
	return exists, nil
}

// BelongsToOrganization reports whether the fundraiser or project id is
// owned by organizationID. An organization belongs only to itself.
func (d *Directory) BelongsToOrganization(ctx context.Context, kind payment.TargetKind, id, organizationID string) (bool, error) {
	if kind == payment.TargetOrganization {
		return id == organizationID, nil
	}
	table, ok := tables[kind]
	if !ok {
		return false, fmt.Errorf("unknown target kind %q", kind)
	}

	var belongs bool
	query := `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE id = $1 AND organization_id = $2)`
	if err := d.q.QueryRow(ctx, query, id, organizationID).Scan(&belongs); err != nil {
		return false, fmt.Errorf("checking owner of %s %s: %w", kind, id, err)
	}
	return belongs, nil
}
