// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cli implements the kdp command line: training a student with knowledge distillation and
// progressive pruning, and inspecting pruning plans and checkpoints.
package cli

import (
	"flag"

	"github.com/gomlx/kdp/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// NewCLI creates the root "kdp" command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kdp",
		Short: "Knowledge distillation with progressive filter pruning",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file. If not given, the default configuration is used")
	rootCmd.PersistentFlags().StringArray("set", nil,
		`Configuration overrides, e.g. --set "training.epochs=10;optimizer.args.lr=0.01" or --set file:<path>. `+
			"Can be given multiple times")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		newTrainCmd(),
		newPlanCmd(),
		newConfigCmd(),
		newCheckpointCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration selected by the --config and --set flags, and validates it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	settings, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		keys, err := cfg.ApplyOverrides(settings...)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("configuration overrides: %q", keys)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, nil
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, after overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			contents, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(contents)
			return err
		},
	}
}
