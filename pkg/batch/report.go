package batch

import (
	"math"
	"sort"
	"time"

	"promptlab/pkg/journal"
	"promptlab/pkg/validator"
)

// CompareWeights returns the deviation of got from want.
func CompareWeights(got, want validator.Weights) journal.Deviation {
	g, w := got.Array(), want.Array()
	var diffs [4]int
	total, maxAbs := 0, 0
	for i := range g {
		diffs[i] = g[i] - w[i]
		abs := diffs[i]
		if abs < 0 {
			abs = -abs
		}
		total += abs
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return journal.Deviation{
		Cash:          diffs[0],
		Bond:          diffs[1],
		Equity:        diffs[2],
		Commodity:     diffs[3],
		TotalAbsDiff:  total,
		MaxSingleDiff: maxAbs,
	}
}

// Report summarizes a full batch row set.
type Report struct {
	RunID                   string                            `json:"run_id"`
	TotalRows               int                               `json:"total_rows"`
	PassCount               int                               `json:"pass_count"`
	FailCount               int                               `json:"fail_count"`
	DryRunCount             int                               `json:"dry_run_count"`
	ConstraintMismatchCount int                               `json:"constraint_mismatch_count"`
	PassRate                float64                           `json:"pass_rate"`
	StatusBreakdown         map[journal.Status]int            `json:"status_breakdown"`
	Deviation               *DeviationStats                   `json:"deviation_statistics,omitempty"`
	DeviationHistogram      []HistogramBucket                 `json:"deviation_histogram"`
	Breakdown               map[string]map[string]*GroupStats `json:"breakdown"`
	FailedCases             []FailedCase                      `json:"failed_cases"`
	GeneratedAt             time.Time                         `json:"timestamp"`
}

// DeviationStats describes total_abs_diff and max_single_diff over every row
// that carries a deviation.
type DeviationStats struct {
	Count         int          `json:"count"`
	TotalAbsDiff  Distribution `json:"total_abs_diff"`
	MaxSingleDiff struct {
		Mean float64 `json:"mean"`
		Max  int     `json:"max"`
	} `json:"max_single_diff"`
	PerfectMatchCount int `json:"perfect_match_count"`
	Within5Count      int `json:"within_5_pct_count"`
	Within10Count     int `json:"within_10_pct_count"`
}

type Distribution struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Max    int     `json:"max"`
	Std    float64 `json:"std"`
}

// HistogramBucket counts rows whose total_abs_diff falls in [Min, Max].
// Max < 0 means unbounded.
type HistogramBucket struct {
	Label string `json:"label"`
	Min   int    `json:"min"`
	Max   int    `json:"max"`
	Count int    `json:"count"`
}

type GroupStats struct {
	Total   int      `json:"total"`
	Pass    int      `json:"pass"`
	AvgDiff *float64 `json:"avg_diff"`

	diffs []int
}

type FailedCase struct {
	Row          int            `json:"row"`
	Params       string         `json:"params"`
	Status       journal.Status `json:"status"`
	Errors       []string       `json:"errors"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func histogramBuckets() []HistogramBucket {
	return []HistogramBucket{
		{Label: "0", Min: 0, Max: 0},
		{Label: "1-5", Min: 1, Max: 5},
		{Label: "6-10", Min: 6, Max: 10},
		{Label: "11-20", Min: 11, Max: 20},
		{Label: "21+", Min: 21, Max: -1},
	}
}

// BuildReport aggregates recs, which must hold one record per row.
func BuildReport(runID string, recs []*journal.RowRecord, now time.Time) *Report {
	rep := &Report{
		RunID:              runID,
		TotalRows:          len(recs),
		StatusBreakdown:    map[journal.Status]int{},
		DeviationHistogram: histogramBuckets(),
		Breakdown: map[string]map[string]*GroupStats{
			"by_life_stage": {},
			"by_risk_level": {},
			"by_need":       {},
		},
		FailedCases: []FailedCase{},
		GeneratedAt: now,
	}

	var totals, maxes []int
	for _, rec := range recs {
		rep.StatusBreakdown[rec.Status]++
		switch {
		case rec.Status == journal.StatusSuccess:
			rep.PassCount++
		case rec.Status.Failed():
			rep.FailCount++
			rep.FailedCases = append(rep.FailedCases, FailedCase{
				Row:          rec.Row,
				Params:       rec.Params(),
				Status:       rec.Status,
				Errors:       rec.Errors,
				ErrorMessage: rec.ErrorMessage,
			})
		default:
			rep.DryRunCount++
		}
		if rec.ComputedConstraints != nil && rec.CSVConstraints != nil && !rec.ConstraintsConsistent {
			rep.ConstraintMismatchCount++
		}
		if rec.Deviation != nil {
			totals = append(totals, rec.Deviation.TotalAbsDiff)
			maxes = append(maxes, rec.Deviation.MaxSingleDiff)
			for i := range rep.DeviationHistogram {
				b := &rep.DeviationHistogram[i]
				if rec.Deviation.TotalAbsDiff >= b.Min && (b.Max < 0 || rec.Deviation.TotalAbsDiff <= b.Max) {
					b.Count++
					break
				}
			}
		}
		for key, value := range map[string]string{
			"by_life_stage": rec.LifeStage,
			"by_risk_level": rec.RiskLevel,
			"by_need":       rec.Need,
		} {
			g := rep.Breakdown[key][value]
			if g == nil {
				g = &GroupStats{}
				rep.Breakdown[key][value] = g
			}
			g.Total++
			if rec.Status == journal.StatusSuccess {
				g.Pass++
			}
			if rec.Deviation != nil {
				g.diffs = append(g.diffs, rec.Deviation.TotalAbsDiff)
			}
		}
	}

	if rep.TotalRows > 0 {
		rep.PassRate = round(float64(rep.PassCount)/float64(rep.TotalRows)*100, 1)
	}
	for _, groups := range rep.Breakdown {
		for _, g := range groups {
			if len(g.diffs) > 0 {
				avg := round(mean(g.diffs), 2)
				g.AvgDiff = &avg
			}
		}
	}
	if len(totals) > 0 {
		rep.Deviation = deviationStats(totals, maxes)
	}
	return rep
}

func deviationStats(totals, maxes []int) *DeviationStats {
	stats := &DeviationStats{Count: len(totals)}
	stats.TotalAbsDiff = Distribution{
		Mean:   round(mean(totals), 2),
		Median: median(totals),
		Max:    maxOf(totals),
		Std:    round(stdev(totals), 2),
	}
	stats.MaxSingleDiff.Mean = round(mean(maxes), 2)
	stats.MaxSingleDiff.Max = maxOf(maxes)
	for _, d := range totals {
		if d == 0 {
			stats.PerfectMatchCount++
		}
		if d <= 5 {
			stats.Within5Count++
		}
		if d <= 10 {
			stats.Within10Count++
		}
	}
	return stats
}

func mean(xs []int) float64 {
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func median(xs []int) float64 {
	sorted := append([]int(nil), xs...)
	sort.Ints(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// stdev is the sample standard deviation; zero for fewer than two values.
func stdev(xs []int) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := float64(x) - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func maxOf(xs []int) int {
	out := xs[0]
	for _, x := range xs[1:] {
		if x > out {
			out = x
		}
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
