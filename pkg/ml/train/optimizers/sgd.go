// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SgdDefaultLearningRate = 0.1

// SGDArgs are the configuration arguments of the "sgd" optimizer.
type SGDArgs struct {
	LR          float64 `mapstructure:"lr"`
	Momentum    float64 `mapstructure:"momentum"`
	Dampening   float64 `mapstructure:"dampening"`
	WeightDecay float64 `mapstructure:"weight_decay"`
	Nesterov    bool    `mapstructure:"nesterov"`
}

// SGDConfig holds the configuration of a StochasticGradientDescent optimizer. Create it with
// StochasticGradientDescent and call Done.
type SGDConfig struct {
	args SGDArgs
}

// StochasticGradientDescent creates an optimizer configuration for SGD, optionally with momentum
// (heavy-ball or Nesterov) and L2 weight decay.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{args: SGDArgs{LR: SgdDefaultLearningRate}}
}

// FromArgs sets all arguments at once. A zero LR keeps the default.
func (c *SGDConfig) FromArgs(args SGDArgs) *SGDConfig {
	if args.LR == 0 {
		args.LR = c.args.LR
	}
	c.args = args
	return c
}

// LearningRate sets the default learning rate.
func (c *SGDConfig) LearningRate(lr float64) *SGDConfig {
	c.args.LR = lr
	return c
}

// Momentum sets the momentum factor. 0 disables momentum.
func (c *SGDConfig) Momentum(momentum float64) *SGDConfig {
	c.args.Momentum = momentum
	return c
}

// Nesterov enables Nesterov momentum.
func (c *SGDConfig) Nesterov(nesterov bool) *SGDConfig {
	c.args.Nesterov = nesterov
	return c
}

// WeightDecay sets the L2 penalty added to the gradients.
func (c *SGDConfig) WeightDecay(weightDecay float64) *SGDConfig {
	c.args.WeightDecay = weightDecay
	return c
}

// Done returns the optimizer, with no parameter groups.
func (c *SGDConfig) Done() (Interface, error) {
	a := c.args
	switch {
	case a.LR <= 0:
		return nil, errors.Errorf("sgd: lr must be > 0, got %g", a.LR)
	case a.Momentum < 0 || a.Dampening < 0 || a.WeightDecay < 0:
		return nil, errors.Errorf("sgd: momentum, dampening and weight_decay must be >= 0, got %+v", a)
	case a.Nesterov && (a.Momentum == 0 || a.Dampening != 0):
		return nil, errors.Errorf("sgd: nesterov requires momentum > 0 and zero dampening")
	}
	return &sgd{
		groups:   groups{name: "sgd", defaultLR: a.LR, weightDecay: a.WeightDecay},
		args:     a,
		momentum: make(map[*nn.Parameter]*tensors.Tensor),
	}, nil
}

type sgd struct {
	groups
	args     SGDArgs
	momentum map[*nn.Parameter]*tensors.Tensor
}

var _ Interface = (*sgd)(nil)

func (o *sgd) RemoveParams(params ...*nn.Parameter) int {
	removed := o.removeParams(params)
	for _, p := range removed {
		delete(o.momentum, p)
	}
	return len(removed)
}

func (o *sgd) Clone() Interface {
	c := &sgd{groups: o.groups.clone(), args: o.args, momentum: make(map[*nn.Parameter]*tensors.Tensor, len(o.momentum))}
	for p, buf := range o.momentum {
		c.momentum[p] = buf.Clone()
	}
	return c
}

func (o *sgd) Step() error {
	for _, group := range o.list {
		for _, p := range group.Params {
			if !p.Trainable || p.Grad == nil {
				continue
			}
			if !p.Grad.Shape().Equal(p.Value.Shape()) {
				return errors.Errorf("sgd: gradient shape %s doesn't match parameter %s", p.Grad.Shape(), p)
			}
			update := p.Grad.Clone()
			if group.WeightDecay != 0 {
				floats.AddScaled(update.Data(), group.WeightDecay, p.Value.Data())
			}
			if o.args.Momentum != 0 {
				buf, found := o.momentum[p]
				if !found {
					buf = update.Clone()
					o.momentum[p] = buf
				} else {
					buf.ScaleInPlace(o.args.Momentum)
					floats.AddScaled(buf.Data(), 1-o.args.Dampening, update.Data())
				}
				if o.args.Nesterov {
					floats.AddScaled(update.Data(), o.args.Momentum, buf.Data())
				} else {
					update = buf
				}
			}
			floats.AddScaled(p.Value.Data(), -group.LR, update.Data())
		}
	}
	return nil
}
