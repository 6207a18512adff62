package payment

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"givepay/internal/common/money"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Capabilities describes what a gateway supports beyond initiation.
type Capabilities struct {
	Cancel        bool `yaml:"cancel" json:"cancel"`
	Refund        bool `yaml:"refund" json:"refund"`
	PartialRefund bool `yaml:"partial_refund" json:"partial_refund"`
	StatusPolling bool `yaml:"status_polling" json:"status_polling"`
}

// MethodSpec is a payment method offered by a gateway.
type MethodSpec struct {
	Slug       string   `yaml:"slug"`
	Title      string   `yaml:"title"`
	Currencies []string `yaml:"currencies"`
	MinAmount  int64    `yaml:"min_amount"`
	MaxAmount  int64    `yaml:"max_amount"`
}

// GatewaySpec is the static catalog entry of a gateway.
type GatewaySpec struct {
	Slug         string       `yaml:"slug"`
	Title        string       `yaml:"title"`
	Enabled      bool         `yaml:"enabled"`
	Capabilities Capabilities `yaml:"capabilities"`
	Methods      []MethodSpec `yaml:"methods"`
}

// Catalog is the set of known gateways and their methods.
type Catalog struct {
	Gateways []GatewaySpec `yaml:"gateways"`
}

// LoadCatalog parses and validates a YAML catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing gateway catalog: %w", err)
	}

	seen := make(map[string]bool)
	for _, g := range c.Gateways {
		if g.Slug == "" {
			return nil, errors.New("gateway catalog: gateway without slug")
		}
		if seen[g.Slug] {
			return nil, fmt.Errorf("gateway catalog: duplicate gateway %q", g.Slug)
		}
		seen[g.Slug] = true
		if len(g.Methods) == 0 {
			return nil, fmt.Errorf("gateway catalog: %s has no methods", g.Slug)
		}
		for _, m := range g.Methods {
			if m.Slug == "" || len(m.Currencies) == 0 {
				return nil, fmt.Errorf("gateway catalog: %s has a method without slug or currencies", g.Slug)
			}
			for _, cur := range m.Currencies {
				if _, err := money.ParseCurrency(cur); err != nil {
					return nil, fmt.Errorf("gateway catalog: %s/%s: %w", g.Slug, m.Slug, err)
				}
			}
			if m.MaxAmount != 0 && m.MaxAmount < m.MinAmount {
				return nil, fmt.Errorf("gateway catalog: %s/%s max_amount below min_amount", g.Slug, m.Slug)
			}
		}
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog of built-in adapters.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(defaultCatalog)
}

// MethodOverride adjusts a catalog method for one organization.
type MethodOverride struct {
	GatewaySlug string
	MethodSlug  string
	Enabled     *bool
	MinAmount   *int64
	Title       string
}

// OverrideSource supplies per-organization overrides.
type OverrideSource interface {
	MethodOverrides(ctx context.Context, organizationID string) ([]MethodOverride, error)
}

// MethodDescriptor is a payment method available for selection.
type MethodDescriptor struct {
	Gateway      string       `json:"gateway"`
	GatewayTitle string       `json:"gateway_title"`
	Slug         string       `json:"slug"`
	Title        string       `json:"title"`
	Currencies   []string     `json:"currencies"`
	MinAmount    int64        `json:"min_amount"`
	MaxAmount    int64        `json:"max_amount,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Supports reports whether the method accepts the currency.
func (m MethodDescriptor) Supports(c money.Currency) bool {
	for _, cur := range m.Currencies {
		if cur == string(c) {
			return true
		}
	}
	return false
}

// Registry resolves gateway slugs to adapters and exposes the method catalog.
type Registry struct {
	mu        sync.RWMutex
	specs     map[string]GatewaySpec
	order     []string
	adapters  map[string]Gateway
	overrides OverrideSource
}

// NewRegistry creates a registry over catalog. overrides may be nil.
func NewRegistry(catalog *Catalog, overrides OverrideSource) *Registry {
	r := &Registry{
		specs:     make(map[string]GatewaySpec, len(catalog.Gateways)),
		adapters:  make(map[string]Gateway),
		overrides: overrides,
	}
	for _, g := range catalog.Gateways {
		r.specs[g.Slug] = g
		r.order = append(r.order, g.Slug)
	}
	return r
}

// Register adds an adapter. Its slug must be in the catalog.
func (r *Registry) Register(g Gateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.specs[g.Slug()]; !ok {
		return fmt.Errorf("registering %q: %w", g.Slug(), ErrUnknownGateway)
	}
	r.adapters[g.Slug()] = g
	return nil
}

// Resolve returns the adapter for slug, or ErrUnknownGateway when the slug is
// not registered or the catalog disables it.
func (r *Registry) Resolve(slug string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[slug]
	if !ok || !spec.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, slug)
	}
	g, ok := r.adapters[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, slug)
	}
	return g, nil
}

// Capabilities returns the static capabilities of a gateway.
func (r *Registry) Capabilities(slug string) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[slug]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownGateway, slug)
	}
	return spec.Capabilities, nil
}

// ListAvailableMethods returns the methods of every registered, enabled
// gateway, with the organization's overrides applied when organizationID is
// set.
func (r *Registry) ListAvailableMethods(ctx context.Context, organizationID string) ([]MethodDescriptor, error) {
	overrides, err := r.loadOverrides(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []MethodDescriptor
	for _, slug := range r.order {
		spec := r.specs[slug]
		if !spec.Enabled {
			continue
		}
		if _, ok := r.adapters[slug]; !ok {
			continue
		}
		for _, m := range spec.Methods {
			d, enabled := describe(spec, m, overrides[overrideKey(slug, m.Slug)])
			if enabled {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// Method returns one available method. An empty methodSlug selects the
// gateway's first available method.
func (r *Registry) Method(ctx context.Context, organizationID, gatewaySlug, methodSlug string) (MethodDescriptor, error) {
	if _, err := r.Resolve(gatewaySlug); err != nil {
		return MethodDescriptor{}, err
	}
	methods, err := r.ListAvailableMethods(ctx, organizationID)
	if err != nil {
		return MethodDescriptor{}, err
	}
	for _, m := range methods {
		if m.Gateway != gatewaySlug {
			continue
		}
		if methodSlug == "" || m.Slug == methodSlug {
			return m, nil
		}
	}
	return MethodDescriptor{}, fmt.Errorf("%w: %s/%s", ErrUnknownMethod, gatewaySlug, methodSlug)
}

func (r *Registry) loadOverrides(ctx context.Context, organizationID string) (map[string]MethodOverride, error) {
	if r.overrides == nil || organizationID == "" {
		return nil, nil
	}
	list, err := r.overrides.MethodOverrides(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("loading method overrides: %w", err)
	}
	out := make(map[string]MethodOverride, len(list))
	for _, o := range list {
		out[overrideKey(o.GatewaySlug, o.MethodSlug)] = o
	}
	return out, nil
}

func overrideKey(gateway, method string) string {
	return gateway + "/" + method
}

func describe(spec GatewaySpec, m MethodSpec, o MethodOverride) (MethodDescriptor, bool) {
	d := MethodDescriptor{
		Gateway:      spec.Slug,
		GatewayTitle: spec.Title,
		Slug:         m.Slug,
		Title:        m.Title,
		Currencies:   append([]string(nil), m.Currencies...),
		MinAmount:    m.MinAmount,
		MaxAmount:    m.MaxAmount,
		Capabilities: spec.Capabilities,
	}
	if o.Title != "" {
		d.Title = o.Title
	}
	// An override may raise the floor but never lower it below the gateway's.
	if o.MinAmount != nil && *o.MinAmount > d.MinAmount {
		d.MinAmount = *o.MinAmount
	}
	enabled := true
	if o.Enabled != nil {
		enabled = *o.Enabled
	}
	return d, enabled
}
