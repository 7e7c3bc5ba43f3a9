package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// Enums lists the admissible values of every profile field.
type Enums struct {
	LifeStages []string `json:"life_stages"`
	RiskLevels []string `json:"risk_levels"`
	Needs      []string `json:"needs"`
}

// Clip holds the policy bounds applied after the table products.
type Clip struct {
	SigmaCapMin     decimal.Decimal `json:"sigma_cap_min"`
	SigmaCapMax     decimal.Decimal `json:"sigma_cap_max"`
	RiskAssetMaxMin decimal.Decimal `json:"risk_asset_max_min"`
	RiskAssetMaxMax decimal.Decimal `json:"risk_asset_max_max"`
}

// Pack is the static rules table set. Values are kept as decimals so that the
// products below are exact.
type Pack struct {
	Version           string                     `json:"version"`
	Enums             Enums                      `json:"enums"`
	CashMinStage      map[string]int             `json:"CASH_MIN_STAGE"`
	SigmaStageMax     map[string]decimal.Decimal `json:"SIGMA_STAGE_MAX"`
	MRisk             map[string]decimal.Decimal `json:"M_RISK"`
	RiskAssetMaxStage map[string]decimal.Decimal `json:"RISK_ASSET_MAX_STAGE"`
	KRisk             map[string]decimal.Decimal `json:"K_RISK"`
	KNeedRiskAsset    map[string]decimal.Decimal `json:"K_NEED_RISKASSET"`
	Clip              *Clip                      `json:"CLIP"`
}

// LoadPack reads and validates a rules pack from disk.
func LoadPack(path string) (*Pack, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rules: open pack: %w", err)
	}
	defer file.Close()
	return LoadPackFromReader(file)
}

// LoadPackFromReader decodes a rules pack and validates its key domains.
func LoadPackFromReader(r io.Reader) (*Pack, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("rules: read pack: %w", err)
	}
	var pack Pack
	if err := json.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("rules: decode pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	return &pack, nil
}

// Validate checks table presence, enum coverage and clip ordering.
func (p *Pack) Validate() error {
	if p == nil {
		return errors.New("rules pack: nil")
	}
	if len(p.Enums.LifeStages) == 0 || len(p.Enums.RiskLevels) == 0 || len(p.Enums.Needs) == 0 {
		return errors.New("rules pack: enums must list life_stages, risk_levels and needs")
	}
	if p.Clip == nil {
		return errors.New("rules pack: missing required key CLIP")
	}
	if err := requireKeys("CASH_MIN_STAGE", p.CashMinStage, p.Enums.LifeStages); err != nil {
		return err
	}
	for stage, v := range p.CashMinStage {
		if v < 0 || v > 100 {
			return fmt.Errorf("rules pack: CASH_MIN_STAGE[%s]=%d outside [0,100]", stage, v)
		}
	}
	tables := []struct {
		name  string
		table map[string]decimal.Decimal
		keys  []string
	}{
		{"SIGMA_STAGE_MAX", p.SigmaStageMax, p.Enums.LifeStages},
		{"M_RISK", p.MRisk, p.Enums.RiskLevels},
		{"RISK_ASSET_MAX_STAGE", p.RiskAssetMaxStage, p.Enums.LifeStages},
		{"K_RISK", p.KRisk, p.Enums.RiskLevels},
		{"K_NEED_RISKASSET", p.KNeedRiskAsset, p.Enums.Needs},
	}
	for _, t := range tables {
		if err := requireKeys(t.name, t.table, t.keys); err != nil {
			return err
		}
		for k, v := range t.table {
			if v.IsNegative() {
				return fmt.Errorf("rules pack: %s[%s] cannot be negative", t.name, k)
			}
		}
	}
	return p.Clip.validate()
}

func (c *Clip) validate() error {
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	if c.SigmaCapMin.IsNegative() || c.SigmaCapMax.GreaterThan(one) || c.SigmaCapMin.GreaterThan(c.SigmaCapMax) {
		return fmt.Errorf("rules pack: CLIP sigma_cap bounds [%s,%s] must be ordered within [0,1]", c.SigmaCapMin, c.SigmaCapMax)
	}
	if c.RiskAssetMaxMin.IsNegative() || c.RiskAssetMaxMax.GreaterThan(hundred) || c.RiskAssetMaxMin.GreaterThan(c.RiskAssetMaxMax) {
		return fmt.Errorf("rules pack: CLIP risk_asset_max bounds [%s,%s] must be ordered within [0,100]", c.RiskAssetMaxMin, c.RiskAssetMaxMax)
	}
	return nil
}

func requireKeys[V any](name string, table map[string]V, keys []string) error {
	if len(table) == 0 {
		return fmt.Errorf("rules pack: missing required key %s", name)
	}
	var missing []string
	for _, k := range keys {
		if _, ok := table[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("rules pack: %s missing entries for %s", name, strings.Join(missing, ", "))
	}
	return nil
}
