package market

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Asset order shared by the covariance matrix and weight vectors.
const (
	Cash = iota
	Bond
	Equity
	Commodity

	NumAssets
)

// AssetOrder is the fixed asset ordering every matrix in a pack must follow.
var AssetOrder = [NumAssets]string{"CASH", "BOND", "EQUITY", "COMMODITY"}

const symmetryTolerance = 1e-12

// Matrix is a NumAssets x NumAssets matrix in AssetOrder.
type Matrix [NumAssets][NumAssets]float64

// Covariance is the annualized covariance matrix. It is read-only after load.
type Covariance struct {
	m Matrix
}

// NewCovariance validates symmetry and the diagonal before wrapping m.
func NewCovariance(m Matrix) (Covariance, error) {
	for i := 0; i < NumAssets; i++ {
		if m[i][i] < 0 {
			return Covariance{}, fmt.Errorf("market: negative variance for %s", AssetOrder[i])
		}
		for j := i + 1; j < NumAssets; j++ {
			if math.Abs(m[i][j]-m[j][i]) > symmetryTolerance {
				return Covariance{}, fmt.Errorf("market: covariance not symmetric at (%s,%s)", AssetOrder[i], AssetOrder[j])
			}
		}
	}
	return Covariance{m: m}, nil
}

// Matrix returns a copy of the underlying values.
func (c Covariance) Matrix() Matrix { return c.m }

// Variance computes wᵀΣw for decimal weights in AssetOrder.
func (c Covariance) Variance(w [NumAssets]float64) float64 {
	var v float64
	for i := 0; i < NumAssets; i++ {
		var row float64
		for j := 0; j < NumAssets; j++ {
			row += c.m[i][j] * w[j]
		}
		v += w[i] * row
	}
	return v
}

// Volatility returns sqrt(wᵀΣw) and the variance itself. Tiny negative
// variances from rounding in the matrix are floored at zero.
func (c Covariance) Volatility(w [NumAssets]float64) (vol, variance float64) {
	variance = c.Variance(w)
	if variance < 0 {
		return 0, variance
	}
	return math.Sqrt(variance), variance
}

// Pack is the static market data set.
type Pack struct {
	Version        string      `json:"version"`
	AssetOrder     []string    `json:"asset_order"`
	AnnVol         []float64   `json:"ann_vol"`
	ExpectedReturn []float64   `json:"expected_return"`
	SigmaAnn       [][]float64 `json:"sigma_ann"`
	Corr           [][]float64 `json:"corr"`

	cov Covariance
}

// LoadPack reads and validates a market pack from disk.
func LoadPack(path string) (*Pack, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("market: open pack: %w", err)
	}
	defer file.Close()
	return LoadPackFromReader(file)
}

// LoadPackFromReader decodes a market pack.
func LoadPackFromReader(r io.Reader) (*Pack, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("market: read pack: %w", err)
	}
	var pack Pack
	if err := json.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("market: decode pack: %w", err)
	}
	if err := pack.init(); err != nil {
		return nil, err
	}
	return &pack, nil
}

func (p *Pack) init() error {
	if len(p.AssetOrder) != NumAssets {
		return fmt.Errorf("market: asset_order must list %d assets, got %d", NumAssets, len(p.AssetOrder))
	}
	for i, name := range p.AssetOrder {
		if !strings.EqualFold(name, AssetOrder[i]) {
			return fmt.Errorf("market: asset_order[%d]=%s, expected %s", i, name, AssetOrder[i])
		}
	}
	sigma, err := toMatrix("sigma_ann", p.SigmaAnn)
	if err != nil {
		return err
	}
	if p.Corr != nil {
		if _, err := toMatrix("corr", p.Corr); err != nil {
			return err
		}
	}
	cov, err := NewCovariance(sigma)
	if err != nil {
		return err
	}
	p.cov = cov
	return nil
}

// Covariance returns the validated covariance matrix.
func (p *Pack) Covariance() Covariance { return p.cov }

func toMatrix(name string, rows [][]float64) (Matrix, error) {
	var m Matrix
	if len(rows) != NumAssets {
		return m, fmt.Errorf("market: %s must have %d rows, got %d", name, NumAssets, len(rows))
	}
	for i, row := range rows {
		if len(row) != NumAssets {
			return m, fmt.Errorf("market: %s row %d must have %d columns, got %d", name, i, NumAssets, len(row))
		}
		copy(m[i][:], row)
	}
	return m, nil
}

// FormatMatrix renders rows as right-aligned fixed precision columns.
func FormatMatrix(rows [][]float64, precision int) string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, 0, len(row))
		for _, v := range row {
			cells = append(cells, fmt.Sprintf("%*.*f", precision+4, precision, v))
		}
		lines = append(lines, strings.Join(cells, "  "))
	}
	return strings.Join(lines, "\n")
}

// PromptContext returns the matrix text fields rendered into prompts.
func (p *Pack) PromptContext() map[string]any {
	ctx := map[string]any{
		"asset_order":      strings.Join(p.AssetOrder, ", "),
		"sigma_ann_matrix": FormatMatrix(p.SigmaAnn, 6),
	}
	if p.Corr != nil {
		ctx["corr_matrix"] = FormatMatrix(p.Corr, 4)
	} else {
		ctx["corr_matrix"] = ""
	}
	return ctx
}
