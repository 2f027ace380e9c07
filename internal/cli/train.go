// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/kdp/pkg/ml/train/kdp"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Pretrain the teacher and distill it into a progressively pruned student",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("checkpoint"); dir != "" {
				cfg.Checkpoint.Dir = dir
			}
			progress, _ := cmd.Flags().GetBool("progress")
			out := cmd.OutOrStdout()
			result, err := Run(cmd.Context(), cfg, RunOptions{Out: out, ProgressBar: progress})
			if result != nil {
				printEvents(out, result.Events)
			}
			return err
		},
	}
	cmd.Flags().Bool("progress", true, "Display a progress bar and a summary at the end of each epoch")
	cmd.Flags().String("checkpoint", "", "Directory where to save checkpoints, overrides checkpoint.dir of the configuration")
	return cmd
}

// printEvents lists the committed pruning events.
func printEvents(w io.Writer, events []kdp.Event) {
	if len(events) == 0 {
		_, _ = fmt.Fprintln(w, "No pruning events.")
		return
	}
	data := make([][]string, 0, len(events))
	for _, event := range events {
		optimizer := "kept"
		if event.NewOptimizer {
			optimizer = "new (v" + strconv.Itoa(event.OptimizerVersion) + ")"
		}
		data = append(data, []string{
			strconv.Itoa(event.Epoch),
			strings.Join(event.Paths, ", "),
			optimizer,
			humanize.Comma(int64(event.NumTrainable)),
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "PRUNED", "OPTIMIZER", "TRAINABLE PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
