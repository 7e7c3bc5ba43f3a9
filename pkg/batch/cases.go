package batch

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	playvalidator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Columns every input file must carry.
var requiredColumns = []string{
	"life_stage", "risk_level", "need",
	"sigma_cap", "cash_min", "risk_asset_max",
	"w_cash", "w_bond", "w_equity", "w_commodity",
	"ann_vol", "exp_return",
}

// Case is one input row: a profile, the constraints the file claims for it,
// and the expected optimal weights.
type Case struct {
	Row            int
	Profile        rules.Profile
	CSVConstraints rules.Constraints
	Expected       validator.Weights
	ExpectedVol    float64
	ExpectedReturn float64
}

// caseRow carries the field-level rules for one parsed row. Enum membership
// is left to the rules engine so unknown values become row outcomes.
type caseRow struct {
	LifeStage    string  `validate:"required"`
	RiskLevel    string  `validate:"required"`
	Need         string  `validate:"required"`
	SigmaCap     float64 `validate:"gt=0,lte=1"`
	CashMin      int     `validate:"gte=0,lte=100"`
	RiskAssetMax int     `validate:"gte=0,lte=100"`
	WCash        int     `validate:"gte=0,lte=100"`
	WBond        int     `validate:"gte=0,lte=100"`
	WEquity      int     `validate:"gte=0,lte=100"`
	WCommodity   int     `validate:"gte=0,lte=100"`
	AnnVol       float64 `validate:"gte=0"`
	ExpReturn    float64
}

var rowValidator = playvalidator.New()

// LoadCases reads the CSV file at path.
func LoadCases(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("batch: open input: %w", err)
	}
	defer f.Close()
	return ReadCases(f)
}

// ReadCases parses CSV input. A leading UTF-8 BOM is ignored. Row indices
// are zero-based over data rows.
func ReadCases(r io.Reader) ([]Case, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("batch: read input: %w", err)
	}
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("batch: input is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("batch: read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("batch: input missing column %q", col)
		}
	}

	var cases []Case
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("batch: read row %d: %w", len(cases), err)
		}
		c, err := parseCase(len(cases), fieldGetter(index, record))
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, nil
}

func fieldGetter(index map[string]int, record []string) func(string) string {
	return func(col string) string {
		i := index[col]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
}

func parseCase(row int, get func(string) string) (Case, error) {
	var (
		cr    caseRow
		first error
	)
	num := func(col string) decimal.Decimal {
		d, err := decimal.NewFromString(get(col))
		if err != nil && first == nil {
			first = fmt.Errorf("batch: row %d: column %s: invalid number %q", row, col, get(col))
		}
		return d
	}
	integer := func(col string) int {
		v, err := strconv.Atoi(get(col))
		if err != nil && first == nil {
			first = fmt.Errorf("batch: row %d: column %s: invalid integer %q", row, col, get(col))
		}
		return v
	}

	cr.LifeStage = get("life_stage")
	cr.RiskLevel = get("risk_level")
	cr.Need = get("need")
	cr.SigmaCap = num("sigma_cap").InexactFloat64()
	cr.CashMin = percent(num("cash_min"))
	cr.RiskAssetMax = percent(num("risk_asset_max"))
	cr.WCash = integer("w_cash")
	cr.WBond = integer("w_bond")
	cr.WEquity = integer("w_equity")
	cr.WCommodity = integer("w_commodity")
	cr.AnnVol = num("ann_vol").InexactFloat64()
	cr.ExpReturn = num("exp_return").InexactFloat64()
	if first != nil {
		return Case{}, first
	}
	if err := rowValidator.Struct(cr); err != nil {
		return Case{}, fmt.Errorf("batch: row %d: %w", row, err)
	}

	return Case{
		Row:            row,
		Profile:        rules.Profile{LifeStage: cr.LifeStage, RiskLevel: cr.RiskLevel, Need: cr.Need},
		CSVConstraints: rules.Constraints{CashMin: cr.CashMin, SigmaCap: cr.SigmaCap, RiskAssetMax: cr.RiskAssetMax},
		Expected:       validator.Weights{Cash: cr.WCash, Bond: cr.WBond, Equity: cr.WEquity, Commodity: cr.WCommodity},
		ExpectedVol:    cr.AnnVol,
		ExpectedReturn: cr.ExpReturn,
	}, nil
}

// percent converts a fraction below 1 to an integer percent rounding half up;
// values of 1 and above are already percents and are truncated.
func percent(v decimal.Decimal) int {
	if v.LessThan(decimal.NewFromInt(1)) {
		return int(v.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	}
	return int(v.IntPart())
}
