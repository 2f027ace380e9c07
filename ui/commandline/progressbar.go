// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the epoch summary.
// It is called at the end of each epoch, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the minimum time between terminal updates of the progress bar.
var RefreshPeriod = time.Millisecond * 200

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "kdp.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	titleStyle        = lipgloss.NewStyle().Bold(true)
	tableBorderColor  = "#705090"
)

// progressBar displays one bar per epoch, followed by a summary table of the epoch.
type progressBar struct {
	out            io.Writer
	termenv        *termenv.Output
	bar            *progressbar.ProgressBar
	stepsPerEpoch  int
	epochStartStep int
	extraMetricFns []ExtraMetricFn
}

func (pBar *progressBar) onEpochStart(loop *train.Loop) error {
	pBar.epochStartStep = loop.LoopStep
	total := pBar.stepsPerEpoch
	if total == 0 {
		total = -1 // Unknown until the first epoch ends.
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", loop.Epoch+1, loop.NumEpochs)),
		progressbar.OptionSetWriter(pBar.out),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionThrottle(RefreshPeriod),
		progressbar.OptionSetPredictTime(false),
	)
	pBar.termenv.HideCursor()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []float64) error {
	if pBar.bar == nil {
		return nil
	}
	if len(metrics) > 0 {
		pBar.bar.Describe(fmt.Sprintf("Epoch %d/%d [loss=%s]", loop.Epoch+1, loop.NumEpochs, FormatMetric(metrics[0])))
	}
	return pBar.bar.Add(1)
}

func (pBar *progressBar) onEpochEnd(loop *train.Loop, metrics []float64) error {
	pBar.stepsPerEpoch = loop.LoopStep - pBar.epochStartStep
	if pBar.bar != nil {
		_ = pBar.bar.Finish()
		pBar.bar = nil
	}
	pBar.termenv.ShowCursor()
	_, err := fmt.Fprintf(pBar.out, "\n%s\n", EpochSummary(loop, metrics, pBar.extraMetricFns...))
	return err
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []float64) error {
	pBar.termenv.ShowCursor()
	return nil
}

// EpochSummary renders a table with the training metrics of the epoch that just finished, followed by
// the extra metrics.
func EpochSummary(loop *train.Loop, metrics []float64, extraMetrics ...ExtraMetricFn) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Global step", humanize.Comma(int64(loop.Trainer.GlobalStep())))
	table.Row("Median train step duration", FormatDuration(loop.MedianTrainStepDuration()))
	for i, name := range loop.Trainer.MetricNames() {
		if i >= len(metrics) {
			break
		}
		table.Row(name, FormatMetric(metrics[i]))
	}
	for _, extraMetric := range extraMetrics {
		name, value := extraMetric()
		table.Row(name, value)
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Epoch %d/%d", loop.Epoch+1, loop.NumEpochs)))
	sb.WriteString("\n")
	sb.WriteString(table.String())
	return sb.String()
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// every epoch run by Loop.RunEpochs displays a progress bar, followed by a summary of the metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at the end of every epoch and
// should return a name (title) and a value to be included in the summary.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	AttachProgressBarTo(loop, os.Stdout, extraMetrics...)
}

// AttachProgressBarTo is like AttachProgressBar, but writes to out.
func AttachProgressBarTo(loop *train.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		termenv:        termenv.NewOutput(out),
		extraMetricFns: extraMetrics,
	}
	// Large priority so the bar is updated after the other hooks ran.
	const priority = 1000
	loop.OnEpochStart(ProgressBarName, priority, pBar.onEpochStart)
	loop.OnStep(ProgressBarName, priority, pBar.onStep)
	loop.OnEpochEnd(ProgressBarName, priority, pBar.onEpochEnd)
	loop.OnEnd(ProgressBarName, priority, pBar.onEnd)
}
