package config

import (
	"testing"
)

const testCatalog = `
plans:
  - id: starter-monthly
    name: Starter (Monthly)
    tier: STARTER
    billing_cycle: monthly
    price_cents: 4900
    max_terminals: 2
    stripe_price_id: price_starter_m
  - id: starter-annual
    name: Starter (Annual)
    tier: STARTER
    billing_cycle: annual
    price_cents: 49900
    max_terminals: 2
    stripe_price_id: price_starter_y
  - id: pro-monthly
    name: Pro (Monthly)
    tier: PRO
    billing_cycle: monthly
    price_cents: 9900
    max_terminals: 8
    stripe_price_id: price_pro_m
`

func TestParsePlanCatalog(t *testing.T) {
	c, err := ParsePlanCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, ok := c.Get("pro-monthly")
	if !ok {
		t.Fatal("expected pro-monthly plan")
	}
	if p.Tier != "PRO" || p.MaxTerminals != 8 || p.PriceCents != 9900 {
		t.Errorf("unexpected plan fields: %+v", p)
	}

	if _, ok := c.Get("nonexistent"); ok {
		t.Error("expected lookup miss for unknown plan")
	}
}

func TestParsePlanCatalog_ByStripePrice(t *testing.T) {
	c, err := ParsePlanCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, ok := c.ByStripePrice("price_starter_y")
	if !ok {
		t.Fatal("expected price lookup hit")
	}
	if p.ID != "starter-annual" {
		t.Errorf("expected starter-annual, got %q", p.ID)
	}
}

func TestPlanCatalog_SameTier(t *testing.T) {
	c, err := ParsePlanCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same tier across billing cycles: a cycle switch, not a tier change.
	if !c.SameTier("starter-monthly", "starter-annual") {
		t.Error("expected starter monthly/annual to share a tier")
	}
	if c.SameTier("starter-monthly", "pro-monthly") {
		t.Error("expected starter and pro to differ")
	}
	if c.SameTier("starter-monthly", "nonexistent") {
		t.Error("expected unknown plan to never match")
	}
}

func TestParsePlanCatalog_Invalid(t *testing.T) {
	if _, err := ParsePlanCatalog([]byte("plans: []")); err == nil {
		t.Error("expected error for empty catalog")
	}
	if _, err := ParsePlanCatalog([]byte("plans:\n  - name: no-id")); err == nil {
		t.Error("expected error for plan missing id")
	}
	dup := testCatalog + `
  - id: pro-monthly
    tier: PRO
`
	if _, err := ParsePlanCatalog([]byte(dup)); err == nil {
		t.Error("expected error for duplicate plan id")
	}
}
