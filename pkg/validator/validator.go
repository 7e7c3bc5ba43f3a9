package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"promptlab/pkg/market"
	"promptlab/pkg/rules"
)

const (
	// VolTolerance absorbs float noise when comparing volatility with sigma_cap.
	VolTolerance = 1e-6

	nearCapThreshold = 0.001
)

// Check names, in evaluation order.
const (
	CheckFormat       = "format_ok"
	CheckSum100       = "sum_100"
	CheckCashMin      = "cash_min"
	CheckRiskAssetMax = "risk_asset_max"
	CheckSigmaCap     = "sigma_cap"
)

// CheckOrder lists every check in evaluation order.
var CheckOrder = []string{CheckFormat, CheckSum100, CheckCashMin, CheckRiskAssetMax, CheckSigmaCap}

// ErrMalformedResponse marks output without a usable JSON object carrying weights.
var ErrMalformedResponse = errors.New("malformed response")

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Result is the verdict for one model response. Checks holds every evaluated
// check; checks that could not be evaluated are listed in Skipped.
type Result struct {
	Weights     *Weights        `json:"weights"`
	Checks      map[string]bool `json:"checks"`
	Skipped     []string        `json:"skipped,omitempty"`
	ComputedVol *float64        `json:"computed_vol"`
	ComputedVar *float64        `json:"computed_var"`
	Errors      []string        `json:"errors"`
	Warnings    []string        `json:"warnings"`
	Malformed   bool            `json:"malformed"`
	Passed      bool            `json:"passed"`
}

// Failed returns the names of evaluated checks that did not hold, in CheckOrder.
func (r *Result) Failed() []string {
	var out []string
	for _, name := range CheckOrder {
		if ok, evaluated := r.Checks[name]; evaluated && !ok {
			out = append(out, name)
		}
	}
	return out
}

// Validator checks model responses against constraints. It is stateless after
// construction.
type Validator struct {
	schema *SchemaValidator
}

// New returns a Validator using the built-in envelope schema.
func New() (*Validator, error) {
	schema, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schema: schema}, nil
}

// NewWithSchema returns a Validator using a caller-supplied envelope schema.
func NewWithSchema(schema *SchemaValidator) *Validator {
	return &Validator{schema: schema}
}

// MustNew is New that panics on failure.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate parses raw and evaluates every applicable check. It never returns
// an error: parse and constraint failures are recorded in the Result.
func (v *Validator) Validate(raw string, c rules.Constraints, cov market.Covariance) Result {
	res := Result{
		Checks:   map[string]bool{},
		Errors:   []string{},
		Warnings: []string{},
	}

	rawWeights, err := v.parse(raw)
	if err != nil {
		res.Malformed = true
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	weights, ok := v.readWeights(rawWeights, &res)
	res.Checks[CheckFormat] = ok
	if !ok {
		res.Skipped = []string{CheckSum100, CheckCashMin, CheckRiskAssetMax, CheckSigmaCap}
		return res
	}
	res.Weights = &weights

	total := weights.Sum()
	res.Checks[CheckSum100] = total == 100
	if total != 100 {
		res.Errors = append(res.Errors, fmt.Sprintf("Weights sum to %d, not 100", total))
	}

	res.Checks[CheckCashMin] = weights.Cash >= c.CashMin
	if weights.Cash < c.CashMin {
		res.Errors = append(res.Errors, fmt.Sprintf("Cash weight %d%% < minimum %d%%", weights.Cash, c.CashMin))
	}

	risk := weights.RiskAssets()
	res.Checks[CheckRiskAssetMax] = risk <= c.RiskAssetMax
	if risk > c.RiskAssetMax {
		res.Errors = append(res.Errors, fmt.Sprintf("Risk assets %d%% > maximum %d%%", risk, c.RiskAssetMax))
	}

	vol, variance := cov.Volatility(weights.Fractions())
	res.ComputedVol = &vol
	res.ComputedVar = &variance
	res.Checks[CheckSigmaCap] = vol <= c.SigmaCap+VolTolerance
	if !res.Checks[CheckSigmaCap] {
		res.Errors = append(res.Errors, fmt.Sprintf("Portfolio volatility %.6f > cap %.6f", vol, c.SigmaCap))
	}

	if weights.Cash == c.CashMin {
		res.Warnings = append(res.Warnings, "Cash weight at exact minimum")
	}
	if risk == c.RiskAssetMax {
		res.Warnings = append(res.Warnings, "Risk assets at exact maximum")
	}
	if math.Abs(vol-c.SigmaCap) < nearCapThreshold {
		res.Warnings = append(res.Warnings, "Portfolio volatility very close to cap")
	}

	res.Passed = true
	for _, passed := range res.Checks {
		res.Passed = res.Passed && passed
	}
	return res
}

// parse takes the first candidate from extractObject that is valid JSON,
// checks it against the envelope schema and returns its weights member.
func (v *Validator) parse(raw string) (map[string]any, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := v.schema.ValidateBytes(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var envelope map[string]any
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	weights, ok := envelope["weights"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: weights must be a JSON object", ErrMalformedResponse)
	}
	return weights, nil
}

// extractObject tries the whole text, then a fenced block, then the span
// between the outermost braces, then the first balanced object.
func extractObject(raw string) ([]byte, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("empty response")
	}
	candidates := []string{text}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	if obj, ok := firstBalanced(text); ok {
		candidates = append(candidates, obj)
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "{") && json.Valid([]byte(c)) {
			return []byte(c), nil
		}
	}
	return nil, errors.New("no valid JSON object found in response")
}

// firstBalanced returns the first brace-balanced span starting at the first
// '{', ignoring braces inside JSON strings.
func firstBalanced(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func (v *Validator) readWeights(raw map[string]any, res *Result) (Weights, bool) {
	var values [market.NumAssets]int
	ok := true
	for i, key := range WeightKeys {
		val, present := raw[key]
		if !present {
			res.Errors = append(res.Errors, fmt.Sprintf("Missing weight: %s", key))
			ok = false
			continue
		}
		n, coerced, err := coerceInt(val)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Weight %s is not an integer: %v", key, val))
			ok = false
			continue
		}
		if coerced {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Weight %s coerced to integer from %v", key, val))
		}
		if n < 0 || n > 100 {
			res.Errors = append(res.Errors, fmt.Sprintf("Weight %s out of range [0,100]: %d", key, n))
			ok = false
			continue
		}
		values[i] = n
	}

	var extra []string
	for key := range raw {
		if !isWeightKey(key) {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Unexpected weight key: %s", key))
	}
	return WeightsFromArray(values), ok
}

// coerceInt accepts JSON integers, integral JSON numbers and integer strings.
// coerced reports whether the value was not a plain JSON integer.
func coerceInt(v any) (n int, coerced bool, err error) {
	switch val := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
			return int(i), false, nil
		}
		f, err := val.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return 0, false, fmt.Errorf("not an integer")
		}
		return int(f), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false, fmt.Errorf("not an integer")
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("not an integer")
	}
}

func isWeightKey(key string) bool {
	for _, k := range WeightKeys {
		if k == key {
			return true
		}
	}
	return false
}
