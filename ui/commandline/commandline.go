// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"os"

	"github.com/gomlx/kdp/pkg/ml/train"
)

// ReportEval reports on the command line the results of evaluating the datasets using trainer.Eval.
func ReportEval(trainer *train.Trainer, datasets ...train.Dataset) error {
	return reportEval(os.Stdout, trainer, datasets...)
}

func reportEval(w io.Writer, trainer *train.Trainer, datasets ...train.Dataset) error {
	names := trainer.MetricNames()
	for _, ds := range datasets {
		metricsValues, err := trainer.Eval(ds)
		if err != nil {
			return err
		}
		WriteResults(w, ds.Name(), names, metricsValues)
	}
	return nil
}

// WriteResults writes one line per metric, under a "Results on <dsName>:" title.
func WriteResults(w io.Writer, dsName string, names []string, values []float64) {
	_, _ = fmt.Fprintf(w, "Results on %s:\n", dsName)
	for i, name := range names {
		_, _ = fmt.Fprintf(w, "\t%s: %s\n", name, FormatMetric(values[i]))
	}
}

// FormatMetric pretty prints a metric value.
func FormatMetric(value float64) string {
	return fmt.Sprintf("%.4g", value)
}
