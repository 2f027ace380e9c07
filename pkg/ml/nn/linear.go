// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/kdp/internal/workerspool"
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// LinearConfig is a builder for a Linear block. Create it with NewLinear and call Done.
type LinearConfig struct {
	inFeatures, outFeatures int
	bias, trainable         bool
}

// NewLinear prepares a linear (aka. dense) layer: y = x @ weight^T + bias.
// Defaults are: with bias, trainable.
func NewLinear(inFeatures, outFeatures int) *LinearConfig {
	return &LinearConfig{inFeatures: inFeatures, outFeatures: outFeatures, bias: true, trainable: true}
}

// Features sets the number of output features.
func (cfg *LinearConfig) Features(outFeatures int) *LinearConfig {
	cfg.outFeatures = outFeatures
	return cfg
}

// UseBias sets whether to add a bias term. Default is true.
func (cfg *LinearConfig) UseBias(useBias bool) *LinearConfig {
	cfg.bias = useBias
	return cfg
}

// Trainable sets whether the parameters are created trainable. Default is true.
func (cfg *LinearConfig) Trainable(trainable bool) *LinearConfig {
	cfg.trainable = trainable
	return cfg
}

// Done creates the Linear block. Weights are He-uniform initialized with rng, or zero if rng is nil.
//
// It panics if the configuration is invalid.
func (cfg *LinearConfig) Done(rng *rand.Rand) *Linear {
	if cfg.inFeatures <= 0 || cfg.outFeatures <= 0 {
		panic(errors.Errorf("Linear features must be > 0, got in=%d, out=%d", cfg.inFeatures, cfg.outFeatures))
	}
	l := &Linear{config: *cfg}
	weight := tensors.Zeros(cfg.outFeatures, cfg.inFeatures)
	HeUniform(rng, cfg.inFeatures, weight)
	l.Weight = NewParameter("weight", weight, cfg.trainable)
	if cfg.bias {
		bias := tensors.Zeros(cfg.outFeatures)
		Uniform(rng, 1/math.Sqrt(float64(cfg.inFeatures)), bias)
		l.Bias = NewParameter("bias", bias, cfg.trainable)
	}
	return l
}

// Linear is a fully connected layer over inputs shaped [batch, inFeatures].
type Linear struct {
	Base
	config LinearConfig

	// Weight is shaped [outFeatures, inFeatures].
	Weight *Parameter

	// Bias is shaped [outFeatures], or nil.
	Bias *Parameter

	input *tensors.Tensor
}

var _ Block = (*Linear)(nil)

// Config returns a copy of the configuration used to build the block.
func (l *Linear) Config() *LinearConfig {
	cfg := l.config
	return &cfg
}

// InFeatures returns the number of input features.
func (l *Linear) InFeatures() int { return l.config.inFeatures }

// OutFeatures returns the number of output features.
func (l *Linear) OutFeatures() int { return l.config.outFeatures }

// HasBias returns whether the layer has a bias term.
func (l *Linear) HasBias() bool { return l.Bias != nil }

// Parameters implements Block.
func (l *Linear) Parameters() []*Parameter {
	if l.Bias != nil {
		return []*Parameter{l.Weight, l.Bias}
	}
	return []*Parameter{l.Weight}
}

// String implements fmt.Stringer.
func (l *Linear) String() string {
	if l.Bias == nil {
		return fmt.Sprintf("Linear(%d, %d, bias=false)", l.config.inFeatures, l.config.outFeatures)
	}
	return fmt.Sprintf("Linear(%d, %d)", l.config.inFeatures, l.config.outFeatures)
}

// Clone implements Block.
func (l *Linear) Clone() Block {
	clone := &Linear{config: l.config, Weight: l.Weight.Clone()}
	if l.Bias != nil {
		clone.Bias = l.Bias.Clone()
	}
	return clone
}

// Release implements Block.
func (l *Linear) Release() {
	for _, p := range l.Parameters() {
		p.Release()
	}
	l.input = nil
}

// Forward implements Block.
func (l *Linear) Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error) {
	if !l.Weight.Value.Ok() {
		return nil, errors.New("Linear.Forward on a released block")
	}
	in, out := l.config.inFeatures, l.config.outFeatures
	if x.Rank() != 2 || x.Dim(1) != in {
		return nil, errors.Wrapf(ErrShape, "%s expects input shaped [batch, %d], got %s", l, in, x.Shape())
	}
	batch := x.Dim(0)
	y := tensors.Zeros(batch, out)
	weights := l.Weight.Value.Data()
	workerspool.Default.Run(batch, func(b int) {
		xRow, yRow := x.Row(b).Data(), y.Row(b).Data()
		for o := range out {
			yRow[o] = floats.Dot(weights[o*in:(o+1)*in], xRow)
		}
		if l.Bias != nil {
			floats.Add(yRow, l.Bias.Value.Data())
		}
	})
	if pass.Grad {
		l.input = x
	} else {
		l.input = nil
	}
	return y, nil
}

// Backward implements Block.
func (l *Linear) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	x := l.input
	if x == nil {
		return nil, errors.Wrapf(ErrNoForwardCache, "%s", l)
	}
	l.input = nil
	in, out := l.config.inFeatures, l.config.outFeatures
	batch := x.Dim(0)
	if err := grad.Shape().Check(batch, out); err != nil {
		return nil, errors.Wrapf(ErrShape, "%s.Backward: %v", l, err)
	}
	weights := l.Weight.Value.Data()
	dx := tensors.ZerosLike(x)
	workerspool.Default.Run(batch, func(b int) {
		gRow, dxRow := grad.Row(b).Data(), dx.Row(b).Data()
		for o := range out {
			floats.AddScaled(dxRow, gRow[o], weights[o*in:(o+1)*in])
		}
	})
	if l.Weight.Trainable {
		dW := tensors.ZerosLike(l.Weight.Value)
		dWData := dW.Data()
		for b := range batch {
			gRow, xRow := grad.Row(b).Data(), x.Row(b).Data()
			for o := range out {
				floats.AddScaled(dWData[o*in:(o+1)*in], gRow[o], xRow)
			}
		}
		l.Weight.AccumulateGrad(dW)
	}
	if l.Bias != nil && l.Bias.Trainable {
		dB := tensors.ZerosLike(l.Bias.Value)
		for b := range batch {
			floats.Add(dB.Data(), grad.Row(b).Data())
		}
		l.Bias.AccumulateGrad(dB)
	}
	return dx, nil
}
