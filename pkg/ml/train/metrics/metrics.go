// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics implementing train.Metric.
package metrics

import (
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Accuracy is the fraction of examples whose largest logit matches the label.
type Accuracy struct {
	correct, total int
}

var _ train.Metric = (*Accuracy)(nil)

// NewAccuracy creates an Accuracy metric.
func NewAccuracy() *Accuracy { return &Accuracy{} }

// Name implements train.Metric.
func (m *Accuracy) Name() string { return "accuracy" }

// Update implements train.Metric.
func (m *Accuracy) Update(outputs train.Outputs, _ float64) error {
	logits, labels := outputs.Student, outputs.Labels
	if !logits.Ok() || logits.Rank() != 2 {
		return errors.Errorf("Accuracy: logits must have shape [batchSize, numClasses], got %s", logits)
	}
	batchSize, numClasses := logits.Dim(0), logits.Dim(1)
	if !labels.Ok() || labels.Size() != batchSize {
		return errors.Errorf("Accuracy: labels must have %d elements, got %s", batchSize, labels)
	}
	data := logits.Data()
	for row, label := range labels.Data() {
		if floats.MaxIdx(data[row*numClasses:(row+1)*numClasses]) == int(label) {
			m.correct++
		}
	}
	m.total += batchSize
	return nil
}

// Value implements train.Metric. It is 0 if no example was seen.
func (m *Accuracy) Value() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.total)
}

// Reset implements train.Metric.
func (m *Accuracy) Reset() { m.correct, m.total = 0, 0 }

// Mean is the running mean of a per-batch value, weighted by the batch size.
type Mean struct {
	name  string
	fn    func(outputs train.Outputs, loss float64) float64
	sum   float64
	count float64
}

var _ train.Metric = (*Mean)(nil)

// NewMean creates a running mean of fn, evaluated on each batch.
func NewMean(name string, fn func(outputs train.Outputs, loss float64) float64) *Mean {
	return &Mean{name: name, fn: fn}
}

// NewMeanLoss creates a running mean of the batch loss.
func NewMeanLoss() *Mean {
	return NewMean("mean_loss", func(_ train.Outputs, loss float64) float64 { return loss })
}

// Name implements train.Metric.
func (m *Mean) Name() string { return m.name }

// Update implements train.Metric.
func (m *Mean) Update(outputs train.Outputs, loss float64) error {
	weight := 1.0
	if outputs.Student.Ok() && outputs.Student.Rank() > 0 {
		weight = float64(outputs.Student.Dim(0))
	}
	m.sum += weight * m.fn(outputs, loss)
	m.count += weight
	return nil
}

// Value implements train.Metric. It is 0 if no batch was seen.
func (m *Mean) Value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / m.count
}

// Reset implements train.Metric.
func (m *Mean) Reset() { m.sum, m.count = 0, 0 }
