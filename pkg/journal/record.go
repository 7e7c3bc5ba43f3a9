package journal

import (
	"time"

	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

// Status is the outcome of one batch row.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusValidationFailed   Status = "validation_failed"
	StatusAPIError           Status = "api_error"
	StatusConstraintMismatch Status = "constraint_mismatch"
	StatusInvalidProfile     Status = "invalid_profile"
	StatusTemplateError      Status = "template_error"
	StatusDryRun             Status = "dry_run"
)

// Failed reports whether the status counts as a failed case.
func (s Status) Failed() bool {
	return s != StatusSuccess && s != StatusDryRun
}

// Deviation is the signed per-asset difference model minus expected, in points.
type Deviation struct {
	Cash          int `json:"w_cash_diff"`
	Bond          int `json:"w_bond_diff"`
	Equity        int `json:"w_equity_diff"`
	Commodity     int `json:"w_commodity_diff"`
	TotalAbsDiff  int `json:"total_abs_diff"`
	MaxSingleDiff int `json:"max_single_diff"`
}

// RowRecord is one persisted batch row.
type RowRecord struct {
	RunID     string    `json:"run_id"`
	Row       int       `json:"row"`
	Timestamp time.Time `json:"timestamp"`
	LifeStage string    `json:"life_stage"`
	RiskLevel string    `json:"risk_level"`
	Need      string    `json:"need"`
	Status    Status    `json:"status"`

	ConstraintsSource     string             `json:"constraints_source"`
	ConstraintsConsistent bool               `json:"constraints_consistent"`
	Constraints           *rules.Constraints `json:"constraints"`
	ComputedConstraints   *rules.Constraints `json:"computed_constraints"`
	CSVConstraints        *rules.Constraints `json:"csv_constraints"`
	ConstraintDiff        string             `json:"constraint_diff,omitempty"`

	PromptVersion string `json:"prompt_version,omitempty"`
	PromptDigest  string `json:"prompt_digest,omitempty"`

	LLMWeights      *validator.Weights `json:"llm_weights"`
	ExpectedWeights validator.Weights  `json:"expected_weights"`
	Deviation       *Deviation         `json:"deviation"`
	Checks          map[string]bool    `json:"checks,omitempty"`
	Skipped         []string           `json:"skipped,omitempty"`
	ComputedVol     *float64           `json:"computed_vol"`
	ExpectedVol     float64            `json:"expected_vol"`
	ExpectedReturn  float64            `json:"expected_return"`
	Passed          bool               `json:"passed"`

	APILatencyMS *float64 `json:"api_latency_ms"`
	TotalTokens  int64    `json:"total_tokens,omitempty"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	RawResponse  string   `json:"raw_response,omitempty"`
}

// Params renders the profile as "stage/risk/need".
func (r *RowRecord) Params() string {
	return r.LifeStage + "/" + r.RiskLevel + "/" + r.Need
}

// RunRecord is one single-profile run.
type RunRecord struct {
	Timestamp     time.Time         `json:"timestamp"`
	RunNumber     int               `json:"run_number"`
	RunID         string            `json:"run_id"`
	Params        rules.Profile     `json:"params"`
	Constraints   rules.Constraints `json:"constraints"`
	PromptVersion string            `json:"prompt_version"`
	PromptDigest  string            `json:"prompt_digest"`
	DryRun        bool              `json:"dry_run"`
	SystemPrompt  string            `json:"system_prompt"`
	UserPayload   any               `json:"user_payload"`
	Response      string            `json:"response,omitempty"`
	Model         string            `json:"model,omitempty"`
	TotalTokens   int64             `json:"total_tokens,omitempty"`
	LatencyMS     float64           `json:"latency_ms,omitempty"`
	Validation    *validator.Result `json:"validation,omitempty"`
}
