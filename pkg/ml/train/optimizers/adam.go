/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	"math"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// AdamArgs are the configuration arguments of the "adam" and "adamw" optimizers.
type AdamArgs struct {
	LR          float64   `mapstructure:"lr"`
	Betas       []float64 `mapstructure:"betas"`
	Eps         float64   `mapstructure:"eps"`
	WeightDecay float64   `mapstructure:"weight_decay"`
	AMSGrad     bool      `mapstructure:"amsgrad"`
}

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	amsGrad      bool
	weightDecay  float64
	decoupled    bool // Works as AdamW.
}

// FromArgs sets the configuration from decoded arguments. Zero values keep the current setting.
func (c *AdamConfig) FromArgs(args AdamArgs) *AdamConfig {
	if args.LR != 0 {
		c.learningRate = args.LR
	}
	if len(args.Betas) == 2 {
		c.Betas(args.Betas[0], args.Betas[1])
	} else if len(args.Betas) != 0 {
		c.beta1 = math.NaN() // Rejected by Done.
	}
	if args.Eps != 0 {
		c.epsilon = args.Eps
	}
	c.weightDecay = args.WeightDecay
	c.amsGrad = args.AMSGrad
	return c
}

// LearningRate sets the base learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (default to 0.9 and 0.999).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the optimizer to apply weight decay: as an L2 penalty on the gradients, or
// decoupled from the gradients (AdamW) if Decoupled is set.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Decoupled makes the weight decay decoupled from the moments, that is, AdamW.
func (c *AdamConfig) Decoupled(decoupled bool) *AdamConfig {
	c.decoupled = decoupled
	return c
}

// AMSGrad uses the maximum of past second moments (the "AMSGrad" variant).
func (c *AdamConfig) AMSGrad(amsGrad bool) *AdamConfig {
	c.amsGrad = amsGrad
	return c
}

// Done returns the optimizer, with no parameter groups.
func (c *AdamConfig) Done() (Interface, error) {
	switch {
	case c.learningRate <= 0:
		return nil, errors.Errorf("adam: lr must be > 0, got %g", c.learningRate)
	case !(c.beta1 >= 0 && c.beta1 < 1 && c.beta2 >= 0 && c.beta2 < 1):
		return nil, errors.Errorf("adam: betas must be two values in [0, 1), got %g, %g", c.beta1, c.beta2)
	case c.epsilon <= 0 || c.weightDecay < 0:
		return nil, errors.Errorf("adam: eps must be > 0 and weight_decay >= 0, got %g and %g", c.epsilon, c.weightDecay)
	}
	name := "adam"
	if c.decoupled {
		name = "adamw"
	}
	return &adam{
		groups: groups{name: name, defaultLR: c.learningRate, weightDecay: c.weightDecay},
		config: *c,
		state:  make(map[*nn.Parameter]*adamState),
	}, nil
}

type adamState struct {
	step             int
	moment1, moment2 *tensors.Tensor
	maxMoment2       *tensors.Tensor
}

func (s *adamState) clone() *adamState {
	return &adamState{step: s.step, moment1: s.moment1.Clone(), moment2: s.moment2.Clone(), maxMoment2: s.maxMoment2.Clone()}
}

type adam struct {
	groups
	config AdamConfig
	state  map[*nn.Parameter]*adamState
}

var _ Interface = (*adam)(nil)

func (o *adam) RemoveParams(params ...*nn.Parameter) int {
	removed := o.removeParams(params)
	for _, p := range removed {
		delete(o.state, p)
	}
	return len(removed)
}

func (o *adam) Clone() Interface {
	c := &adam{groups: o.groups.clone(), config: o.config, state: make(map[*nn.Parameter]*adamState, len(o.state))}
	for p, s := range o.state {
		c.state[p] = s.clone()
	}
	return c
}

func (o *adam) Step() error {
	cfg := &o.config
	for _, group := range o.list {
		for _, p := range group.Params {
			if !p.Trainable || p.Grad == nil {
				continue
			}
			if !p.Grad.Shape().Equal(p.Value.Shape()) {
				return errors.Errorf("%s: gradient shape %s doesn't match parameter %s", o.name, p.Grad.Shape(), p)
			}
			s, found := o.state[p]
			if !found {
				s = &adamState{moment1: tensors.ZerosLike(p.Value), moment2: tensors.ZerosLike(p.Value)}
				if cfg.amsGrad {
					s.maxMoment2 = tensors.ZerosLike(p.Value)
				}
				o.state[p] = s
			}
			s.step++
			correction1 := 1 - math.Pow(cfg.beta1, float64(s.step))
			correction2 := 1 - math.Pow(cfg.beta2, float64(s.step))
			values, grads := p.Value.Data(), p.Grad.Data()
			m1, m2 := s.moment1.Data(), s.moment2.Data()
			for i, g := range grads {
				if group.WeightDecay != 0 {
					if cfg.decoupled {
						values[i] -= group.LR * group.WeightDecay * values[i]
					} else {
						g += group.WeightDecay * values[i]
					}
				}
				m1[i] = cfg.beta1*m1[i] + (1-cfg.beta1)*g
				m2[i] = cfg.beta2*m2[i] + (1-cfg.beta2)*g*g
				second := m2[i]
				if cfg.amsGrad {
					maxM2 := s.maxMoment2.Data()
					maxM2[i] = max(maxM2[i], second)
					second = maxM2[i]
				}
				denominator := math.Sqrt(second/correction2) + cfg.epsilon
				values[i] -= group.LR * (m1[i] / correction1) / denominator
			}
		}
	}
	return nil
}
