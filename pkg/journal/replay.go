package journal

import (
	"fmt"
	"strings"

	"promptlab/pkg/market"
	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

// Revalidator re-checks a stored model response.
type Revalidator interface {
	Validate(raw string, c rules.Constraints, cov market.Covariance) validator.Result
}

// ConstraintSource recomputes constraints for a stored profile.
type ConstraintSource interface {
	Compute(p rules.Profile) (rules.Constraints, error)
}

// ReplayOutcome compares a stored verdict against a fresh one.
type ReplayOutcome struct {
	Record   *RunRecord
	Replayed validator.Result
	// Constraints are the ones recomputed from the current rules pack.
	Constraints rules.Constraints
	// Drift lists what changed between the stored and replayed verdicts.
	Drift []string
}

func (o ReplayOutcome) Drifted() bool { return len(o.Drift) > 0 }

// Replay re-validates the stored responses of recs under the current rules
// pack and market data without calling the model. Dry runs are skipped.
func Replay(recs []*RunRecord, engine ConstraintSource, v Revalidator, cov market.Covariance) ([]ReplayOutcome, error) {
	var out []ReplayOutcome
	for _, rec := range recs {
		if rec == nil || rec.DryRun || rec.Validation == nil {
			continue
		}
		c, err := engine.Compute(rec.Params)
		if err != nil {
			return out, fmt.Errorf("journal: replay run %d: %w", rec.RunNumber, err)
		}
		res := v.Validate(rec.Response, c, cov)
		outcome := ReplayOutcome{Record: rec, Replayed: res, Constraints: c}
		if !c.Equal(rec.Constraints) {
			outcome.Drift = append(outcome.Drift, "constraints "+rec.Constraints.Diff(c))
		}
		if res.Passed != rec.Validation.Passed {
			outcome.Drift = append(outcome.Drift, fmt.Sprintf("passed %t -> %t", rec.Validation.Passed, res.Passed))
		}
		if changed := changedChecks(rec.Validation.Checks, res.Checks); len(changed) > 0 {
			outcome.Drift = append(outcome.Drift, "checks "+strings.Join(changed, ", "))
		}
		out = append(out, outcome)
	}
	return out, nil
}

func changedChecks(before, after map[string]bool) []string {
	var changed []string
	for _, name := range validator.CheckOrder {
		b, okBefore := before[name]
		a, okAfter := after[name]
		if okBefore != okAfter || a != b {
			changed = append(changed, name)
		}
	}
	return changed
}
