package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"

	"promptlab/pkg/config"
	"promptlab/pkg/confkit"
	"promptlab/pkg/llm"
	"promptlab/pkg/market"
	"promptlab/pkg/prompt"
	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

type rootOptions struct {
	configPath string
	verbose    bool

	cfg *config.Config
}

// app holds the loaded read-only tables shared by every subcommand.
type app struct {
	cfg       *config.Config
	engine    *rules.Engine
	market    *market.Pack
	prompts   *prompt.Store
	validator *validator.Validator
	newClient func(*llm.Config) (llm.Client, error)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "promptlab",
		Short:         "Test allocation prompts against rule-derived constraints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logx.MustSetup(cfg.Log.LogConf())
			logx.DisableStat()
			llm.SetVerboseLogging(opts.verbose || cfg.LLM.Verbose)
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default etc/promptlab.yaml when present)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log prompts and responses")

	root.AddCommand(
		newRunCmd(opts),
		newBatchCmd(opts),
		newConstraintsCmd(opts),
		newHistoryCmd(opts),
		newReplayCmd(opts),
		newSyncCmd(opts),
	)
	return root
}

// loadConfig reads path, or the project default when it exists, and falls
// back to defaults plus environment.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	def, err := confkit.ProjectPath(config.DefaultPath)
	if err == nil {
		if _, statErr := os.Stat(def); statErr == nil {
			return config.LoadConfig(def)
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", statErr)
		}
	}
	return config.Default()
}

func newApp(cfg *config.Config) (*app, error) {
	engine, err := rules.LoadEngine(cfg.Paths.RulesPack)
	if err != nil {
		return nil, err
	}
	pack, err := market.LoadPack(cfg.Paths.MarketPack)
	if err != nil {
		return nil, err
	}
	store, err := prompt.NewStore(cfg.Paths.PromptsDir, cfg.Prompt.Guard())
	if err != nil {
		return nil, err
	}
	v, err := validator.New()
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:       cfg,
		engine:    engine,
		market:    pack,
		prompts:   store,
		validator: v,
		newClient: func(c *llm.Config) (llm.Client, error) { return llm.NewClient(c) },
	}, nil
}
