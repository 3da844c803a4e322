// Package billing holds the plan catalog and the entitlement evaluator.
// Nothing in this package performs I/O.
package billing

import (
	"slices"
	"strings"

	"tripbilling/internal/types"
)

// FreePlan is the plan applied when a user has no entitling subscription.
const FreePlan = types.PlanExplorador

// Catalog is the read-only plan table. Plans are returned in canonical order:
// EXPLORADOR < AVENTURERO < EXPEDICIONARIO.
type Catalog interface {
	// Get returns the plan for code, or false when the code is not in the catalog.
	Get(code types.PlanCode) (types.Plan, bool)

	// Limits returns the limits for code. Unknown codes get the free plan's
	// limits so callers fail closed.
	Limits(code types.PlanCode) types.PlanLimits

	// List returns every plan in canonical order.
	List() []types.Plan

	// Free returns the free plan.
	Free() types.Plan

	// Rank returns the canonical position of code, or -1 when unknown.
	Rank(code types.PlanCode) int

	// PlanForPrice maps a provider price reference back to its plan.
	PlanForPrice(priceRef string) (types.PlanCode, bool)
}

// PriceConfig supplies the provider price references of the paid plans.
type PriceConfig map[types.PlanCode]types.PriceRefs

// seedPlans is the catalog seed. Prices are MXN whole units.
//
//	| Plan           | Trips | Photos/trip | Group | Exports                 | Offline |
//	|----------------|-------|-------------|-------|-------------------------|---------|
//	| EXPLORADOR     | 1     | 10          | 0     | PDF                     | no      |
//	| AVENTURERO     | 5     | 100         | 5     | PDF, JSON, ZIP          | yes     |
//	| EXPEDICIONARIO | -1    | -1          | -1    | PDF, JSON, ZIP, KML, GPX| yes     |
var seedPlans = []types.Plan{
	{
		Code:         types.PlanExplorador,
		Name:         "Explorador",
		Description:  "Plan gratuito para viajeros ocasionales",
		Currency:     "MXN",
		DisplayOrder: 1,
		Limits: types.PlanLimits{
			ActiveTrips:       1,
			PhotosPerTrip:     10,
			GroupParticipants: 0,
			ExportFormats:     []string{"PDF"},
			OfflineMode:       false,
		},
	},
	{
		Code:         types.PlanAventurero,
		Name:         "Aventurero",
		Description:  "Para viajeros frecuentes que planean en grupo",
		MonthlyPrice: 99,
		YearlyPrice:  990,
		Currency:     "MXN",
		DisplayOrder: 2,
		Limits: types.PlanLimits{
			ActiveTrips:       5,
			PhotosPerTrip:     100,
			GroupParticipants: 5,
			ExportFormats:     []string{"PDF", "JSON", "ZIP"},
			OfflineMode:       true,
		},
	},
	{
		Code:         types.PlanExpedicionario,
		Name:         "Expedicionario",
		Description:  "Sin límites para exploradores profesionales",
		MonthlyPrice: 199,
		YearlyPrice:  1990,
		Currency:     "MXN",
		DisplayOrder: 3,
		Limits: types.PlanLimits{
			ActiveTrips:       types.Unlimited,
			PhotosPerTrip:     types.Unlimited,
			GroupParticipants: types.Unlimited,
			ExportFormats:     []string{"PDF", "JSON", "ZIP", "KML", "GPX"},
			OfflineMode:       true,
		},
	},
}

type staticCatalog struct {
	plans   []types.Plan
	byCode  map[types.PlanCode]int
	byPrice map[string]types.PlanCode
}

// NewStaticCatalog builds the catalog from the seed and the configured price
// references. Plans are deep-copied so callers cannot mutate the seed.
func NewStaticCatalog(prices PriceConfig) Catalog {
	c := &staticCatalog{
		plans:   make([]types.Plan, len(seedPlans)),
		byCode:  make(map[types.PlanCode]int, len(seedPlans)),
		byPrice: make(map[string]types.PlanCode),
	}
	for i, p := range seedPlans {
		p.Limits.ExportFormats = slices.Clone(p.Limits.ExportFormats)
		if refs, ok := prices[p.Code]; ok && !p.IsFree() {
			p.Prices = refs
			for _, ref := range []string{refs.Monthly, refs.Yearly} {
				if ref != "" {
					c.byPrice[ref] = p.Code
				}
			}
		}
		c.plans[i] = p
		c.byCode[p.Code] = i
	}
	return c
}

func (c *staticCatalog) Get(code types.PlanCode) (types.Plan, bool) {
	i, ok := c.byCode[normalizeCode(code)]
	if !ok {
		return types.Plan{}, false
	}
	return clonePlan(c.plans[i]), true
}

func (c *staticCatalog) Limits(code types.PlanCode) types.PlanLimits {
	if p, ok := c.Get(code); ok {
		return p.Limits
	}
	return c.Free().Limits
}

func (c *staticCatalog) List() []types.Plan {
	out := make([]types.Plan, len(c.plans))
	for i, p := range c.plans {
		out[i] = clonePlan(p)
	}
	return out
}

func (c *staticCatalog) Free() types.Plan {
	return clonePlan(c.plans[c.byCode[FreePlan]])
}

func (c *staticCatalog) Rank(code types.PlanCode) int {
	if i, ok := c.byCode[normalizeCode(code)]; ok {
		return i
	}
	return -1
}

func (c *staticCatalog) PlanForPrice(priceRef string) (types.PlanCode, bool) {
	code, ok := c.byPrice[priceRef]
	return code, ok
}

// IsUpgrade reports whether moving from one plan to another goes up the
// canonical order. Unknown codes are never upgrades.
func IsUpgrade(c Catalog, from, to types.PlanCode) bool {
	fr, tr := c.Rank(from), c.Rank(to)
	return fr >= 0 && tr >= 0 && tr > fr
}

func normalizeCode(code types.PlanCode) types.PlanCode {
	return types.PlanCode(strings.ToUpper(strings.TrimSpace(string(code))))
}

func clonePlan(p types.Plan) types.Plan {
	p.Limits.ExportFormats = slices.Clone(p.Limits.ExportFormats)
	return p
}
