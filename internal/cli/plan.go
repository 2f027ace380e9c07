// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/gomlx/kdp/internal/config"
	"github.com/gomlx/kdp/pkg/ml/models"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/gomlx/kdp/pkg/ml/pruning"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the pruning plan resolved against the configured model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), cfg)
		},
	}
}

// outUnits returns the number of units pruned for the layer: output channels or features.
func outUnits(block nn.Block) (int, error) {
	switch layer := block.(type) {
	case *nn.Conv2D:
		return layer.OutChannels(), nil
	case *nn.Linear:
		return layer.OutFeatures(), nil
	default:
		return 0, errors.Errorf("layer %s can not be pruned", nn.Describe(block))
	}
}

func printPlan(w io.Writer, cfg *config.Config) error {
	model, err := models.NewCNN(cfg.Model)
	if err != nil {
		return err
	}
	var data [][]string
	for _, entry := range cfg.Pruning.PruningPlan {
		block, err := nn.Resolve(model, entry.Name)
		if err != nil {
			return err
		}
		units, err := outUnits(block)
		if err != nil {
			return errors.WithMessagef(err, "pruning plan entry %q", entry.Name)
		}
		rate := cfg.Pruning.CompressRate
		if entry.CompressRate != nil {
			rate = *entry.CompressRate
		}
		lr := "default"
		if entry.LR != nil {
			lr = strconv.FormatFloat(*entry.LR, 'g', -1, 64)
		}
		epoch := strconv.Itoa(entry.Epoch)
		if entry.Epoch > cfg.Training.Epochs {
			epoch += " (not reached)"
		}
		data = append(data, []string{
			epoch,
			entry.Name,
			nn.Describe(block),
			strconv.FormatFloat(rate, 'g', -1, 64),
			fmt.Sprintf("%d/%d", pruning.NumKept(rate, units), units),
			lr,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "BLOCK", "LAYER", "COMPRESS RATE", "KEPT", "LR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
	return nil
}
