// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kdp/pkg/ml/checkpoints"
	"github.com/spf13/cobra"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint <dir>",
		Short: "Summarize the checkpoints saved by a training run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			listParams, _ := cmd.Flags().GetBool("params")
			return reportCheckpoint(cmd.OutOrStdout(), args[0], name, listParams)
		},
	}
	cmd.Flags().String("name", "", "Checkpoint file name to report. Defaults to the latest in the directory")
	cmd.Flags().Bool("params", false, "List the student parameters")
	return cmd
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if withHeader && row == 0 {
				return headerRowStyle
			}
			s := evenRowStyle
			if row%2 == 0 {
				s = oddRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func sizeOf(records []checkpoints.ParamRecord) (total, trainable int) {
	for _, record := range records {
		total += len(record.Data)
		if record.Trainable {
			trainable += len(record.Data)
		}
	}
	return
}

func reportCheckpoint(w io.Writer, dir, name string, listParams bool) error {
	handler, err := checkpoints.Load(dir).Done()
	if err != nil {
		return err
	}
	var ckpt *checkpoints.Checkpoint
	if name != "" {
		ckpt, err = handler.Load(name)
	} else {
		ckpt, err = handler.LoadLatest()
	}
	if err != nil {
		return err
	}
	list, err := handler.ListCheckpoints()
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("directory", handler.Dir())
	table.Row("# checkpoints", humanize.Comma(int64(len(list))))
	table.Row("run", ckpt.RunID)
	table.Row("saved", ckpt.Time.Local().Format(time.DateTime))
	table.Row("epoch", humanize.Comma(int64(ckpt.Epoch)))
	table.Row("global_step", humanize.Comma(int64(ckpt.GlobalStep)))
	total, trainable := sizeOf(ckpt.Student)
	table.Row("# student variables", humanize.Comma(int64(len(ckpt.Student))))
	table.Row("# student parameters", humanize.Comma(int64(total)))
	table.Row("# trainable parameters", humanize.Comma(int64(trainable)))
	if len(ckpt.Teacher) > 0 {
		teacherTotal, _ := sizeOf(ckpt.Teacher)
		table.Row("# teacher parameters", humanize.Comma(int64(teacherTotal)))
	}
	_, _ = fmt.Fprintln(w, table.Render())

	if len(ckpt.Replacements) > 0 {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Replacements"))
		table = newPlainTable(true)
		table.Row("Path", "Teacher block", "Student block")
		for _, r := range ckpt.Replacements {
			table.Row(r.Path, r.TeacherBlock, r.StudentBlock)
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}

	if listParams {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Student parameters"))
		table = newPlainTable(true)
		table.Row("Name", "Shape", "Size", "Trainable")
		for _, record := range ckpt.Student {
			table.Row(record.Name, fmt.Sprintf("%v", record.Dimensions),
				humanize.Comma(int64(len(record.Data))), fmt.Sprintf("%v", record.Trainable))
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}
	return nil
}
