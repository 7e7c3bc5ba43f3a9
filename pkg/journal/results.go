package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var resultsHeader = []string{
	"row_index", "life_stage", "risk_level", "need", "status",
	"constraints_source", "constraints_consistent",
	"llm_w_cash", "llm_w_bond", "llm_w_equity", "llm_w_commodity",
	"exp_w_cash", "exp_w_bond", "exp_w_equity", "exp_w_commodity",
	"diff_cash", "diff_bond", "diff_equity", "diff_commodity",
	"total_diff", "max_diff", "llm_vol", "exp_vol", "api_latency_ms", "errors",
}

// WriteResultsCSV writes one line per record to path, replacing any previous file.
func WriteResultsCSV(path string, recs []*RowRecord) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".results-*.csv")
	if err != nil {
		return fmt.Errorf("journal: write results: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(resultsHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write results: %w", err)
	}
	for _, rec := range recs {
		if err := w.Write(resultRow(rec)); err != nil {
			tmp.Close()
			return fmt.Errorf("journal: write results row %d: %w", rec.Row, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: write results: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func resultRow(rec *RowRecord) []string {
	row := []string{
		strconv.Itoa(rec.Row), rec.LifeStage, rec.RiskLevel, rec.Need, string(rec.Status),
		rec.ConstraintsSource, strconv.FormatBool(rec.ConstraintsConsistent),
	}
	if w := rec.LLMWeights; w != nil {
		row = append(row, itoa(w.Cash), itoa(w.Bond), itoa(w.Equity), itoa(w.Commodity))
	} else {
		row = append(row, "", "", "", "")
	}
	e := rec.ExpectedWeights
	row = append(row, itoa(e.Cash), itoa(e.Bond), itoa(e.Equity), itoa(e.Commodity))
	if d := rec.Deviation; d != nil {
		row = append(row, itoa(d.Cash), itoa(d.Bond), itoa(d.Equity), itoa(d.Commodity), itoa(d.TotalAbsDiff), itoa(d.MaxSingleDiff))
	} else {
		row = append(row, "", "", "", "", "", "")
	}
	row = append(row,
		optFloat(rec.ComputedVol, 6),
		strconv.FormatFloat(rec.ExpectedVol, 'f', -1, 64),
		optFloat(rec.APILatencyMS, 1),
		errorText(rec),
	)
	return row
}

func errorText(rec *RowRecord) string {
	if len(rec.Errors) > 0 {
		return strings.Join(rec.Errors, "; ")
	}
	return rec.ErrorMessage
}

func itoa(v int) string { return strconv.Itoa(v) }

func optFloat(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}
