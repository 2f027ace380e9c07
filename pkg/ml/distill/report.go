// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kdp/pkg/ml/nn"
)

// BlockInfo describes one replacement: the parameters of the teacher block and of the block installed
// in the student at the same path.
type BlockInfo struct {
	Path               string
	TeacherParams      []string
	TeacherNumParams   int
	StudentParams      []string
	StudentNumParams   int
	TeacherDescription string
	StudentDescription string
}

// BlocksInfoHeaders are the column titles of DumpBlocksInfo.
var BlocksInfoHeaders = []string{"Block name", "old block", "number params old blk", "new block", "number params new blk"}

func paramNames(b nn.Block) []string {
	named := nn.NamedParameters(b)
	names := make([]string, len(named))
	for i, p := range named {
		names[i] = p.Name
	}
	return names
}

// BlocksInfo returns one row per committed replacement, in order.
func (s *Student) BlocksInfo() []BlockInfo {
	rows := make([]BlockInfo, len(s.replacements))
	for i, r := range s.replacements {
		rows[i] = BlockInfo{
			Path:               r.Path,
			TeacherParams:      paramNames(r.TeacherBlock),
			TeacherNumParams:   nn.NumParameters(r.TeacherBlock),
			StudentParams:      paramNames(r.StudentBlock),
			StudentNumParams:   nn.NumParameters(r.StudentBlock),
			TeacherDescription: nn.Describe(r.TeacherBlock),
			StudentDescription: nn.Describe(r.StudentBlock),
		}
	}
	return rows
}

var (
	reportCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	reportNumberStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	reportHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
)

// DumpBlocksInfo renders BlocksInfo as a table.
func (s *Student) DumpBlocksInfo() string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers(BlocksInfoHeaders...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return reportHeaderStyle
			case col == 2 || col == 4:
				return reportNumberStyle
			}
			return reportCellStyle
		})
	for _, info := range s.BlocksInfo() {
		table.Row(
			info.Path,
			strings.Join(info.TeacherParams, "\n"),
			humanize.Comma(int64(info.TeacherNumParams)),
			strings.Join(info.StudentParams, "\n"),
			humanize.Comma(int64(info.StudentNumParams)),
		)
	}
	return table.String()
}
