package rules

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// SigmaTolerance is the slack allowed when comparing sigma_cap values from
// different sources.
const SigmaTolerance = 1e-6

// ErrUnknownEnumValue marks a profile field outside its enumeration.
var ErrUnknownEnumValue = errors.New("unknown enum value")

// Profile is the categorical client description driving constraint derivation.
type Profile struct {
	LifeStage string `json:"life_stage"`
	RiskLevel string `json:"risk_level"`
	Need      string `json:"need"`
}

func (p Profile) String() string {
	return p.LifeStage + "/" + p.RiskLevel + "/" + p.Need
}

// Constraints is the derived constraint set. CashMin and RiskAssetMax are
// integer percents, SigmaCap is an annualized volatility fraction.
type Constraints struct {
	CashMin      int     `json:"cash_min"`
	SigmaCap     float64 `json:"sigma_cap"`
	RiskAssetMax int     `json:"risk_asset_max"`
}

// Equal compares with exact integer equality for the percent fields and
// SigmaTolerance for sigma_cap.
func (c Constraints) Equal(other Constraints) bool {
	return c.CashMin == other.CashMin &&
		c.RiskAssetMax == other.RiskAssetMax &&
		math.Abs(c.SigmaCap-other.SigmaCap) < SigmaTolerance
}

// Diff describes the fields that differ, or returns "" when Equal holds.
func (c Constraints) Diff(other Constraints) string {
	var parts []string
	if c.CashMin != other.CashMin {
		parts = append(parts, fmt.Sprintf("cash_min %d != %d", c.CashMin, other.CashMin))
	}
	if math.Abs(c.SigmaCap-other.SigmaCap) >= SigmaTolerance {
		parts = append(parts, fmt.Sprintf("sigma_cap %.6f != %.6f", c.SigmaCap, other.SigmaCap))
	}
	if c.RiskAssetMax != other.RiskAssetMax {
		parts = append(parts, fmt.Sprintf("risk_asset_max %d != %d", c.RiskAssetMax, other.RiskAssetMax))
	}
	return strings.Join(parts, "; ")
}

// Engine derives constraints from a validated rules pack. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	pack *Pack
}

// NewEngine validates pack and wraps it.
func NewEngine(pack *Pack) (*Engine, error) {
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	return &Engine{pack: pack}, nil
}

// LoadEngine reads the rules pack at path.
func LoadEngine(path string) (*Engine, error) {
	pack, err := LoadPack(path)
	if err != nil {
		return nil, err
	}
	return &Engine{pack: pack}, nil
}

// Pack exposes the underlying tables.
func (e *Engine) Pack() *Pack { return e.pack }

// ValidateProfile checks each field against the pack enumerations.
func (e *Engine) ValidateProfile(p Profile) error {
	enums := e.pack.Enums
	if !slices.Contains(enums.LifeStages, p.LifeStage) {
		return fmt.Errorf("rules: %w: life_stage %q (valid: %s)", ErrUnknownEnumValue, p.LifeStage, strings.Join(enums.LifeStages, ", "))
	}
	if !slices.Contains(enums.RiskLevels, p.RiskLevel) {
		return fmt.Errorf("rules: %w: risk_level %q (valid: %s)", ErrUnknownEnumValue, p.RiskLevel, strings.Join(enums.RiskLevels, ", "))
	}
	if !slices.Contains(enums.Needs, p.Need) {
		return fmt.Errorf("rules: %w: need %q (valid: %s)", ErrUnknownEnumValue, p.Need, strings.Join(enums.Needs, ", "))
	}
	return nil
}

// Compute derives the constraint set for p:
//
//	cash_min       = CASH_MIN_STAGE[stage]
//	sigma_cap      = clip(SIGMA_STAGE_MAX[stage] * M_RISK[risk])
//	risk_asset_max = trunc(clip(RISK_ASSET_MAX_STAGE[stage] * K_RISK[risk] * K_NEED_RISKASSET[need]))
func (e *Engine) Compute(p Profile) (Constraints, error) {
	if err := e.ValidateProfile(p); err != nil {
		return Constraints{}, err
	}
	pack := e.pack

	rawSigma := pack.SigmaStageMax[p.LifeStage].Mul(pack.MRisk[p.RiskLevel])
	sigma := clip(rawSigma, pack.Clip.SigmaCapMin, pack.Clip.SigmaCapMax)

	rawRisk := pack.RiskAssetMaxStage[p.LifeStage].
		Mul(pack.KRisk[p.RiskLevel]).
		Mul(pack.KNeedRiskAsset[p.Need])
	risk := clip(rawRisk, pack.Clip.RiskAssetMaxMin, pack.Clip.RiskAssetMaxMax)

	return Constraints{
		CashMin:      pack.CashMinStage[p.LifeStage],
		SigmaCap:     sigma.InexactFloat64(),
		RiskAssetMax: int(risk.IntPart()),
	}, nil
}

func clip(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Max(lo, decimal.Min(hi, v))
}
