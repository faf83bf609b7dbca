package billing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan describes a streaming plan and its entitlement constraints. Plans are
// read-only reference data owned by the catalog; this subsystem only maps
// provider price IDs to plans and reads limits for entitlement checks.
type Plan struct {
	ID                   string                     `yaml:"id"`
	Name                 string                     `yaml:"name"`
	Price                map[BillingInterval]Money  `yaml:"price"`
	ProviderPriceIDs     map[BillingInterval]string `yaml:"provider_price_ids"`
	MaxConcurrentStreams int                        `yaml:"max_concurrent_streams"`
	MaxProfiles          int                        `yaml:"max_profiles"`
	MaxQuality           VideoQuality               `yaml:"max_quality"`
	SupportsHDR          bool                       `yaml:"supports_hdr"`
	SupportsDolbyAtmos   bool                       `yaml:"supports_dolby_atmos"`
	AllowsDownloads      bool                       `yaml:"allows_downloads"`
	MaxDownloadDevices   int                        `yaml:"max_download_devices"`
	TrialDays            int                        `yaml:"trial_days"`
}

// HasTrial reports whether the plan starts with a free trial.
func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// PlanSource loads the plan catalog. Implementations must return a map keyed
// by plan ID.
type PlanSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// StaticPlans is an in-memory PlanSource for tests and embedded catalogs.
type StaticPlans map[string]Plan

func (p StaticPlans) Load(_ context.Context) (map[string]Plan, error) {
	return p, nil
}

// YAMLPlanSource loads the plan catalog from a YAML file on disk.
type YAMLPlanSource struct {
	Path string
}

func (s YAMLPlanSource) Load(_ context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog %s: %w", s.Path, err)
	}

	var file struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog %s: %w", s.Path, err)
	}

	plans := make(map[string]Plan, len(file.Plans))
	for _, p := range file.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan catalog %s: plan %q has no ID", s.Path, p.Name)
		}
		if _, exists := plans[p.ID]; exists {
			return nil, fmt.Errorf("plan catalog %s: duplicate plan ID %q", s.Path, p.ID)
		}
		if p.MaxQuality == "" {
			p.MaxQuality = QualityHD
		}
		plans[p.ID] = p
	}
	return plans, nil
}

// Catalog is a loaded, validated plan catalog with provider price lookups.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]string // provider price ID -> plan ID
}

// NewCatalog loads plans from the source and indexes them by provider price ID.
func NewCatalog(ctx context.Context, src PlanSource) (*Catalog, error) {
	if src == nil {
		panic("billing: PlanSource is required")
	}
	plans, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToLoadPlans, err)
	}

	byPrice := make(map[string]string)
	for id, p := range plans {
		if p.ID != id {
			return nil, fmt.Errorf("%w: map key %s != plan.ID %s", ErrInvalidPlanConfig, id, p.ID)
		}
		if p.TrialDays < 0 {
			return nil, fmt.Errorf("%w: plan %s has negative trial days", ErrInvalidPlanConfig, id)
		}
		for _, priceID := range p.ProviderPriceIDs {
			if priceID != "" {
				byPrice[priceID] = id
			}
		}
	}
	return &Catalog{plans: plans, byPrice: byPrice}, nil
}

// Plan returns a plan by ID.
func (c *Catalog) Plan(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// PlanByPriceID resolves a provider price ID to the plan it belongs to.
func (c *Catalog) PlanByPriceID(priceID string) (Plan, bool) {
	id, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, false
	}
	return c.Plan(id)
}

// Plans returns the full catalog map.
func (c *Catalog) Plans() map[string]Plan {
	return c.plans
}
