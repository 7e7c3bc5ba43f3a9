package test

import (
	"testing"

	"promptlab/pkg/batch"
	"promptlab/pkg/config"
	"promptlab/pkg/confkit"
	"promptlab/pkg/market"
	"promptlab/pkg/prompt"
	"promptlab/pkg/rules"
)

// TestCommittedTablesAreUsable loads the committed config and every table it
// points to, so a broken pack or prompt fails CI before a batch is started.
func TestCommittedTablesAreUsable(t *testing.T) {
	t.Setenv("PROMPTLAB_SINK_DSN", "")
	cfg, err := config.LoadConfig(confkit.MustProjectPath(config.DefaultPath))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	engine, err := rules.LoadEngine(cfg.Paths.RulesPack)
	if err != nil {
		t.Fatalf("load rules pack: %v", err)
	}
	pack, err := market.LoadPack(cfg.Paths.MarketPack)
	if err != nil {
		t.Fatalf("load market pack: %v", err)
	}
	store, err := prompt.NewStore(cfg.Paths.PromptsDir, prompt.VersionGuard{RequireHeader: true, StrictMode: true})
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}

	clip := engine.Pack().Clip
	enums := engine.Pack().Enums
	for _, stage := range enums.LifeStages {
		for _, risk := range enums.RiskLevels {
			for _, need := range enums.Needs {
				p := rules.Profile{LifeStage: stage, RiskLevel: risk, Need: need}
				c, err := engine.Compute(p)
				if err != nil {
					t.Fatalf("%s: %v", p, err)
				}
				if c.SigmaCap < clip.SigmaCapMin.InexactFloat64() || c.SigmaCap > clip.SigmaCapMax.InexactFloat64() {
					t.Errorf("%s: sigma_cap %.4f outside clip", p, c.SigmaCap)
				}
				if c.RiskAssetMax < int(clip.RiskAssetMaxMin.IntPart()) || c.RiskAssetMax > int(clip.RiskAssetMaxMax.IntPart()) {
					t.Errorf("%s: risk_asset_max %d outside clip", p, c.RiskAssetMax)
				}
				if _, err := store.Render(cfg.Prompt.Name, cfg.Prompt.Version, prompt.AllocationContext(p, c, pack)); err != nil {
					t.Fatalf("%s: render: %v", p, err)
				}
			}
		}
	}
}

// TestBatchFixtureExpectationsAreFeasible checks that each expected
// allocation in the sample batch satisfies the constraints its row claims.
func TestBatchFixtureExpectationsAreFeasible(t *testing.T) {
	cases, err := batch.LoadCases(confkit.MustProjectPath("etc/fixtures/batch_cases.csv"))
	if err != nil {
		t.Fatalf("load batch fixture: %v", err)
	}
	for _, c := range cases {
		w := c.Expected
		if !w.WellFormed() {
			t.Errorf("row %d: expected weights %s do not sum to 100", c.Row, w)
		}
		if w.Cash < c.CSVConstraints.CashMin {
			t.Errorf("row %d: w_cash %d below cash_min %d", c.Row, w.Cash, c.CSVConstraints.CashMin)
		}
		if w.RiskAssets() > c.CSVConstraints.RiskAssetMax {
			t.Errorf("row %d: risk assets %d above risk_asset_max %d", c.Row, w.RiskAssets(), c.CSVConstraints.RiskAssetMax)
		}
	}
}
