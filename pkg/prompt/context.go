package prompt

import (
	"fmt"

	"promptlab/pkg/market"
	"promptlab/pkg/rules"
)

// AllocationPrompt is the registry name of the allocation prompt.
const AllocationPrompt = "allocation_test"

// AllocationContext assembles the template context for one profile under c.
func AllocationContext(p rules.Profile, c rules.Constraints, m *market.Pack) map[string]any {
	ctx := map[string]any{
		"life_stage":     p.LifeStage,
		"risk_level":     p.RiskLevel,
		"need":           p.Need,
		"cash_min":       c.CashMin,
		"sigma_cap":      c.SigmaCap,
		"risk_asset_max": c.RiskAssetMax,
		"sigma_cap_pct":  fmt.Sprintf("%.2f", c.SigmaCap*100),
	}
	if m != nil {
		for k, v := range m.PromptContext() {
			ctx[k] = v
		}
	}
	return ctx
}
