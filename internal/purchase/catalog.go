package purchase

import (
	"fmt"

	"github.com/solvpn/solvpn/internal/config"
	"github.com/solvpn/solvpn/internal/money"
)

// Plan is a sellable subscription rate.
type Plan struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	MonthlyPrice money.Amount `json:"monthlyPrice"`
	TrafficGB    int64        `json:"trafficGb"` // 0 = unlimited
	Desc         string       `json:"desc,omitempty"`
}

// Catalog holds the sellable plans and allowed durations. Prices are always
// recomputed from the catalog at the moment of use, never carried over from
// an earlier step of the conversation.
type Catalog struct {
	plans  []Plan
	byID   map[string]Plan
	months []int
}

// NewCatalog builds a catalog from configuration.
func NewCatalog(plans []config.PlanConfig, months []int) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Plan), months: months}
	for _, pc := range plans {
		price, err := money.Parse(pc.Price)
		if err != nil {
			return nil, fmt.Errorf("plan %s price %q: %w", pc.ID, pc.Price, err)
		}
		p := Plan{
			ID:           pc.ID,
			Name:         pc.Name,
			MonthlyPrice: price,
			TrafficGB:    pc.TrafficGB,
			Desc:         pc.Desc,
		}
		c.plans = append(c.plans, p)
		c.byID[p.ID] = p
	}
	if len(c.plans) == 0 {
		return nil, fmt.Errorf("catalog has no plans")
	}
	if len(c.months) == 0 {
		return nil, fmt.Errorf("catalog has no durations")
	}
	return c, nil
}

// Plans returns all plans in configuration order.
func (c *Catalog) Plans() []Plan {
	return c.plans
}

// Plan returns the plan by ID.
func (c *Catalog) Plan(id string) (Plan, error) {
	p, ok := c.byID[id]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// Months returns the allowed duration multipliers.
func (c *Catalog) Months() []int {
	return c.months
}

// ValidMonths reports whether m is an allowed duration.
func (c *Catalog) ValidMonths(m int) bool {
	for _, allowed := range c.months {
		if m == allowed {
			return true
		}
	}
	return false
}

// Price computes the total for a plan over the given duration.
func (c *Catalog) Price(planID string, months int) (money.Amount, error) {
	p, err := c.Plan(planID)
	if err != nil {
		return 0, err
	}
	if !c.ValidMonths(months) {
		return 0, ErrUnknownDuration
	}
	return p.MonthlyPrice * money.Amount(months), nil
}
