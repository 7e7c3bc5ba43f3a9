package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"promptlab/pkg/profile"
	"promptlab/pkg/rules"
)

func newConstraintsCmd(root *rootOptions) *cobra.Command {
	var (
		overrides rules.Profile
		user      string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "constraints",
		Short: "Print the constraint set derived for a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := rules.LoadEngine(root.cfg.Paths.RulesPack)
			if err != nil {
				return err
			}
			return printConstraints(cmd.OutOrStdout(), engine, profile.Resolve(user, overrides), asJSON)
		},
	}
	f := cmd.Flags()
	f.StringVar(&user, "user", "", "free-text client description")
	f.StringVar(&overrides.LifeStage, "life-stage", "", "life stage")
	f.StringVar(&overrides.RiskLevel, "risk-level", "", "risk level (C1-C5)")
	f.StringVar(&overrides.Need, "need", "", "need")
	f.BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printConstraints(out io.Writer, engine *rules.Engine, p rules.Profile, asJSON bool) error {
	c, err := engine.Compute(p)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		return enc.Encode(struct {
			Params      rules.Profile     `json:"params"`
			Constraints rules.Constraints `json:"constraints"`
		}{p, c})
	}
	printProfile(out, p, c)
	return nil
}
