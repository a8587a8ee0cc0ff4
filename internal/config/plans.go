package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is one purchasable subscription plan from the catalog file. A plan
// pins a tier, a billing cycle, and the billing provider's price ID.
type Plan struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Tier          string `yaml:"tier"`
	BillingCycle  string `yaml:"billing_cycle"`
	PriceCents    int64  `yaml:"price_cents"`
	MaxTerminals  int    `yaml:"max_terminals"`
	StripePriceID string `yaml:"stripe_price_id"`
}

// PlanCatalog is the immutable set of plans loaded at startup. Two plans with
// the same tier but different billing cycles grant identical entitlements.
type PlanCatalog struct {
	plans   map[string]Plan
	byPrice map[string]Plan
	ordered []Plan
}

// LoadPlanCatalog parses the YAML catalog file.
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return ParsePlanCatalog(data)
}

// ParsePlanCatalog builds a catalog from raw YAML.
func ParsePlanCatalog(data []byte) (*PlanCatalog, error) {
	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}

	c := &PlanCatalog{
		plans:   make(map[string]Plan, len(doc.Plans)),
		byPrice: make(map[string]Plan, len(doc.Plans)),
		ordered: doc.Plans,
	}
	for _, p := range doc.Plans {
		if p.ID == "" || p.Tier == "" {
			return nil, fmt.Errorf("plan catalog: plan missing id or tier: %+v", p)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("plan catalog: duplicate plan id %q", p.ID)
		}
		c.plans[p.ID] = p
		if p.StripePriceID != "" {
			c.byPrice[p.StripePriceID] = p
		}
	}
	return c, nil
}

// Get returns the plan with the given ID.
func (c *PlanCatalog) Get(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// ByStripePrice resolves a billing provider price ID to its plan.
func (c *PlanCatalog) ByStripePrice(priceID string) (Plan, bool) {
	p, ok := c.byPrice[priceID]
	return p, ok
}

// Plans returns all plans in catalog order.
func (c *PlanCatalog) Plans() []Plan {
	out := make([]Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// SameTier reports whether two plan IDs grant the same entitlement tier, the
// rule that separates a billing-cycle switch from a real tier change.
func (c *PlanCatalog) SameTier(planA, planB string) bool {
	a, okA := c.plans[planA]
	b, okB := c.plans[planB]
	if !okA || !okB {
		return false
	}
	return a.Tier == b.Tier
}
