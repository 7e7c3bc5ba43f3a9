package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"promptlab/pkg/journal"
	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

var (
	colorPass  = lipgloss.Color("#2CD7C7")
	colorWarn  = lipgloss.Color("#F4D03F")
	colorFail  = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#6C7A89")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Pass    lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	PassBox lipgloss.Style
	FailBox lipgloss.Style
	Box     lipgloss.Style
}{
	Title: lipgloss.NewStyle().Bold(true).Foreground(colorPass),
	Label: lipgloss.NewStyle().Bold(true),
	Muted: lipgloss.NewStyle().Foreground(colorMuted),
	Pass:  lipgloss.NewStyle().Foreground(colorPass),
	Warn:  lipgloss.NewStyle().Foreground(colorWarn),
	Error: lipgloss.NewStyle().Foreground(colorFail),
	PassBox: lipgloss.NewStyle().Bold(true).
		Border(lipgloss.RoundedBorder()).BorderForeground(colorPass).
		Foreground(colorPass).Padding(0, 2),
	FailBox: lipgloss.NewStyle().Bold(true).
		Border(lipgloss.RoundedBorder()).BorderForeground(colorFail).
		Foreground(colorFail).Padding(0, 2),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).
		Padding(0, 1),
}

func printSection(w io.Writer, title string) {
	fmt.Fprintln(w, styles.Title.Render("== "+title+" =="))
}

func printKV(w io.Writer, key string, value any) {
	fmt.Fprintf(w, "%s %v\n", styles.Label.Render(key+":"), value)
}

func printProfile(w io.Writer, p rules.Profile, c rules.Constraints) {
	printSection(w, "Profile")
	printKV(w, "life_stage", p.LifeStage)
	printKV(w, "risk_level", p.RiskLevel)
	printKV(w, "need", p.Need)
	printSection(w, "Constraints")
	printKV(w, "cash_min", fmt.Sprintf("%d%%", c.CashMin))
	printKV(w, "sigma_cap", fmt.Sprintf("%.4f", c.SigmaCap))
	printKV(w, "risk_asset_max", fmt.Sprintf("%d%%", c.RiskAssetMax))
}

func printValidation(w io.Writer, res validator.Result) {
	printSection(w, "Validation")
	if res.Weights != nil {
		printKV(w, "weights", fmt.Sprintf("cash=%d bond=%d equity=%d commodity=%d",
			res.Weights.Cash, res.Weights.Bond, res.Weights.Equity, res.Weights.Commodity))
	}
	if res.ComputedVol != nil {
		printKV(w, "ann_vol", fmt.Sprintf("%.6f", *res.ComputedVol))
	}
	for _, name := range validator.CheckOrder {
		ok, evaluated := res.Checks[name]
		switch {
		case !evaluated:
			fmt.Fprintf(w, "  %s %s\n", styles.Muted.Render("-"), styles.Muted.Render(name+" (skipped)"))
		case ok:
			fmt.Fprintf(w, "  %s %s\n", styles.Pass.Render("✓"), name)
		default:
			fmt.Fprintf(w, "  %s %s\n", styles.Error.Render("✗"), name)
		}
	}
	for _, e := range res.Errors {
		fmt.Fprintln(w, styles.Error.Render("error: "+e))
	}
	for _, warn := range res.Warnings {
		fmt.Fprintln(w, styles.Warn.Render("warning: "+warn))
	}
	fmt.Fprintln(w, banner(res.Passed))
}

func banner(passed bool) string {
	if passed {
		return styles.PassBox.Render("PASS")
	}
	return styles.FailBox.Render("FAIL")
}

func statusStyle(s journal.Status) lipgloss.Style {
	switch s {
	case journal.StatusSuccess:
		return styles.Pass
	case journal.StatusDryRun:
		return styles.Muted
	case journal.StatusConstraintMismatch, journal.StatusValidationFailed:
		return styles.Warn
	default:
		return styles.Error
	}
}

func summaryBox(lines ...string) string {
	return styles.Box.Render(strings.Join(lines, "\n"))
}
