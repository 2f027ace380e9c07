// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"

	"github.com/gomlx/kdp/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OptimizerSource provides the optimizer (and optional scheduler) to use at each step.
// The pruning controller is an OptimizerSource: the optimizer it returns changes after each
// pruning event.
type OptimizerSource interface {
	Optimizer() optimizers.Interface
	Scheduler() optimizers.Scheduler
}

// Static returns an OptimizerSource that always returns the given optimizer and scheduler (which may be nil).
func Static(opt optimizers.Interface, scheduler optimizers.Scheduler) OptimizerSource {
	return staticSource{opt: opt, scheduler: scheduler}
}

type staticSource struct {
	opt       optimizers.Interface
	scheduler optimizers.Scheduler
}

func (s staticSource) Optimizer() optimizers.Interface { return s.opt }
func (s staticSource) Scheduler() optimizers.Scheduler { return s.scheduler }

// Metric accumulates a value over the batches of an epoch or of an evaluation.
type Metric interface {
	// Name of the metric, used in reports.
	Name() string

	// Update the metric with the outputs and loss of one batch.
	Update(outputs Outputs, loss float64) error

	// Value of the metric over the batches seen since the last Reset.
	Value() float64

	// Reset the metric.
	Reset()
}

// Trainer executes one training step at a time: forward pass, loss, backward pass and optimizer update.
type Trainer struct {
	model      Model
	lossFn     LossFn
	source     OptimizerSource
	metrics    []Metric
	evalLossFn LossFn
	globalStep int
}

// NewTrainer creates a Trainer for model, using lossFn as the training loss and taking the optimizer
// from source at every step. The metrics are updated during training and are used by Eval.
func NewTrainer(model Model, lossFn LossFn, source OptimizerSource, metrics ...Metric) *Trainer {
	return &Trainer{
		model:   model,
		lossFn:  lossFn,
		source:  source,
		metrics: metrics,
	}
}

// WithEvalLoss sets the loss used by Eval, which runs only the model being trained (Outputs.Teacher and
// the hints are not available).
// If not set, Eval reports a loss of 0.
func (t *Trainer) WithEvalLoss(lossFn LossFn) *Trainer {
	t.evalLossFn = lossFn
	return t
}

// Model being trained.
func (t *Trainer) Model() Model { return t.model }

// Metrics returns the metrics updated by TrainStep and Eval.
func (t *Trainer) Metrics() []Metric { return t.metrics }

// MetricNames returns "loss" followed by the names of the metrics, in the order of the values
// returned by TrainStep and Eval.
func (t *Trainer) MetricNames() []string {
	names := make([]string, 0, len(t.metrics)+1)
	names = append(names, "loss")
	for _, m := range t.metrics {
		names = append(names, m.Name())
	}
	return names
}

// GlobalStep returns the number of training steps executed so far.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Optimizer currently used, as provided by the OptimizerSource.
func (t *Trainer) Optimizer() optimizers.Interface { return t.source.Optimizer() }

// ResetTrainMetrics resets all the metrics.
func (t *Trainer) ResetTrainMetrics() {
	for _, m := range t.metrics {
		m.Reset()
	}
}

// values returns the loss followed by the current metric values.
func (t *Trainer) values(loss float64) []float64 {
	values := make([]float64, 0, len(t.metrics)+1)
	values = append(values, loss)
	for _, m := range t.metrics {
		values = append(values, m.Value())
	}
	return values
}

// TrainStep runs one training step on batch, and returns the batch loss followed by the metric values.
//
// A NaN or infinite loss is returned as is, without updating the parameters, so the Loop can interrupt
// the training.
func (t *Trainer) TrainStep(batch Batch) ([]float64, error) {
	opt := t.source.Optimizer()
	if opt == nil {
		return nil, errors.Errorf("TrainStep(step=%d): no optimizer configured", t.globalStep)
	}
	t.model.ZeroGrad()
	outputs, err := t.model.Forward(batch.Inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "TrainStep(step=%d): forward pass", t.globalStep)
	}
	outputs.Labels = batch.Labels
	loss, grads, err := t.lossFn(outputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "TrainStep(step=%d): loss", t.globalStep)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return t.values(loss), nil
	}
	if err = t.model.Backward(grads); err != nil {
		return nil, errors.WithMessagef(err, "TrainStep(step=%d): backward pass", t.globalStep)
	}
	if err = opt.Step(); err != nil {
		return nil, errors.WithMessagef(err, "TrainStep(step=%d): optimizer %q", t.globalStep, opt.Name())
	}
	for _, m := range t.metrics {
		if err = m.Update(outputs, loss); err != nil {
			return nil, errors.WithMessagef(err, "TrainStep(step=%d): metric %q", t.globalStep, m.Name())
		}
	}
	t.globalStep++
	return t.values(loss), nil
}

// EndEpoch is called by the Loop at the end of each epoch: it steps the learning rate scheduler, if any.
func (t *Trainer) EndEpoch() {
	scheduler := t.source.Scheduler()
	opt := t.source.Optimizer()
	if scheduler == nil || opt == nil {
		return
	}
	scheduler.Step(opt)
	if klog.V(1).Enabled() {
		for i, group := range opt.ParamGroups() {
			klog.Infof("scheduler %q (epoch %d): param group #%d lr=%g", scheduler.Name(), scheduler.Epoch(), i, group.LR)
		}
	}
}

// Eval runs the model in inference mode over the whole dataset, and returns the mean evaluation loss
// (weighted by batch size) followed by the metric values. The dataset is reset at the end, and the
// metrics are reset at the start.
func (t *Trainer) Eval(ds Dataset) ([]float64, error) {
	t.ResetTrainMetrics()
	defer ds.Reset()
	var lossSum float64
	var count int
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Eval(%q): failed reading from dataset", ds.Name())
		}
		y, err := t.model.Predict(batch.Inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "Eval(%q)", ds.Name())
		}
		outputs := Outputs{Student: y, Labels: batch.Labels}
		var loss float64
		if t.evalLossFn != nil {
			if loss, _, err = t.evalLossFn(outputs); err != nil {
				return nil, errors.WithMessagef(err, "Eval(%q): loss", ds.Name())
			}
		}
		lossSum += loss * float64(batch.Size())
		count += batch.Size()
		for _, m := range t.metrics {
			if err = m.Update(outputs, loss); err != nil {
				return nil, errors.WithMessagef(err, "Eval(%q): metric %q", ds.Name(), m.Name())
			}
		}
	}
	if count == 0 {
		return nil, errors.Errorf("Eval(%q): dataset yielded no examples", ds.Name())
	}
	return t.values(lossSum / float64(count)), nil
}
