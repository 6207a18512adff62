package paymenttest

import (
	"context"
	"sync"

	"givepay/internal/payment"
)

// Directory is an in-memory payment.TargetDirectory.
type Directory struct {
	mu      sync.RWMutex
	orgs    map[string]bool
	members map[payment.TargetKind]map[string]string
}

// NewDirectory creates a directory containing the given organizations.
func NewDirectory(organizationIDs ...string) *Directory {
	d := &Directory{
		orgs: make(map[string]bool),
		members: map[payment.TargetKind]map[string]string{
			payment.TargetFundraiser: {},
			payment.TargetProject:    {},
		},
	}
	for _, id := range organizationIDs {
		d.orgs[id] = true
	}
	return d
}

// AddFundraiser registers a fundraiser of organizationID.
func (d *Directory) AddFundraiser(id, organizationID string) *Directory {
	return d.add(payment.TargetFundraiser, id, organizationID)
}

// AddProject registers a project of organizationID.
func (d *Directory) AddProject(id, organizationID string) *Directory {
	return d.add(payment.TargetProject, id, organizationID)
}

func (d *Directory) add(kind payment.TargetKind, id, organizationID string) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orgs[organizationID] = true
	d.members[kind][id] = organizationID
	return d
}

func (d *Directory) Exists(ctx context.Context, kind payment.TargetKind, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if kind == payment.TargetOrganization {
		return d.orgs[id], nil
	}
	_, ok := d.members[kind][id]
	return ok, nil
}

func (d *Directory) BelongsToOrganization(ctx context.Context, kind payment.TargetKind, id, organizationID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	org, ok := d.members[kind][id]
	return ok && org == organizationID, nil
}
