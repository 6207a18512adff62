package payment

import (
	"context"
	"errors"
	"testing"
)

type stubGateway struct {
	Gateway
	slug string
}

func (g stubGateway) Slug() string { return g.slug }

type staticOverrides map[string][]MethodOverride

func (s staticOverrides) MethodOverrides(ctx context.Context, organizationID string) ([]MethodOverride, error) {
	return s[organizationID], nil
}

func boolp(v bool) *bool    { return &v }
func int64p(v int64) *int64 { return &v }

func testRegistry(t *testing.T, overrides OverrideSource) *Registry {
	t.Helper()
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	r := NewRegistry(catalog, overrides)
	for _, slug := range []string{"sbp", "wallet"} {
		if err := r.Register(stubGateway{slug: slug}); err != nil {
			t.Fatalf("register %s: %v", slug, err)
		}
	}
	return r
}

func TestLoadCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing slug", "gateways:\n  - title: x\n    methods: [{slug: a, currencies: [RUB]}]\n"},
		{"duplicate gateway", "gateways:\n  - slug: a\n    methods: [{slug: m, currencies: [RUB]}]\n  - slug: a\n    methods: [{slug: m, currencies: [RUB]}]\n"},
		{"no methods", "gateways:\n  - slug: a\n"},
		{"unknown currency", "gateways:\n  - slug: a\n    methods: [{slug: m, currencies: [XXX]}]\n"},
		{"max below min", "gateways:\n  - slug: a\n    methods: [{slug: m, currencies: [RUB], min_amount: 500, max_amount: 100}]\n"},
		{"not yaml", "gateways: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadCatalog([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	r := testRegistry(t, nil)

	if _, err := r.Resolve("sbp"); err != nil {
		t.Errorf("expected sbp to resolve: %v", err)
	}
	// In the catalog but no adapter registered.
	if _, err := r.Resolve("cards"); !errors.Is(err, ErrUnknownGateway) {
		t.Errorf("expected unknown gateway for unregistered adapter, got %v", err)
	}
	if err := r.Register(stubGateway{slug: "paypal"}); !errors.Is(err, ErrUnknownGateway) {
		t.Errorf("expected registration outside the catalog to fail, got %v", err)
	}
}

func TestListAvailableMethodsSkipsUnregistered(t *testing.T) {
	r := testRegistry(t, nil)

	methods, err := r.ListAvailableMethods(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range methods {
		if m.Gateway == "cards" {
			t.Errorf("unexpected method of unregistered gateway: %+v", m)
		}
	}
	if len(methods) != 4 {
		t.Errorf("expected sbp_qr and three wallet methods, got %d", len(methods))
	}
}

func TestOverridesApplyPerOrganization(t *testing.T) {
	r := testRegistry(t, staticOverrides{
		"org-1": {
			{GatewaySlug: "wallet", MethodSlug: "wallet_balance", Enabled: boolp(false)},
			{GatewaySlug: "sbp", MethodSlug: "sbp_qr", MinAmount: int64p(5000), Title: "Donate via SBP"},
			{GatewaySlug: "wallet", MethodSlug: "wallet_card", MinAmount: int64p(1)},
		},
	})

	m, err := r.Method(context.Background(), "org-1", "sbp", "")
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	if m.MinAmount != 5000 || m.Title != "Donate via SBP" {
		t.Errorf("expected raised minimum and custom title, got %+v", m)
	}

	card, err := r.Method(context.Background(), "org-1", "wallet", "wallet_card")
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	if card.MinAmount != 100 {
		t.Errorf("override must not lower the gateway minimum, got %d", card.MinAmount)
	}

	if _, err := r.Method(context.Background(), "org-1", "wallet", "wallet_balance"); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("expected disabled method to be unknown, got %v", err)
	}
	if _, err := r.Method(context.Background(), "org-2", "wallet", "wallet_balance"); err != nil {
		t.Errorf("expected other organizations unaffected, got %v", err)
	}

	// Default method selection skips the disabled first method.
	first, err := r.Method(context.Background(), "org-1", "wallet", "")
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	if first.Slug != "wallet_card" {
		t.Errorf("expected wallet_card as first available, got %s", first.Slug)
	}
}

func TestMethodSupportsCurrency(t *testing.T) {
	r := testRegistry(t, nil)
	m, err := r.Method(context.Background(), "", "wallet", "wallet_card")
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	if !m.Supports("USD") || m.Supports("KZT") {
		t.Errorf("unexpected currency support: %v", m.Currencies)
	}
}
