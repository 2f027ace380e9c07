// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdp/internal/workerspool"
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Conv2DConfig is a builder for a Conv2D block. Create it with NewConv2D, set the desired
// parameters, and when all is set, call Done.
//
// Inputs are shaped [batch, channels, height, width] (channels first).
type Conv2DConfig struct {
	inChannels, outChannels int
	kernelSize, stride      int
	padding, dilation       int
	groups                  int
	bias, trainable         bool
}

// NewConv2D prepares a 2D convolution from inChannels to outChannels.
//
// The kernel size must be set with KernelSize before Done is called. The defaults are stride 1,
// no padding, dilation 1, one group, with bias, trainable.
func NewConv2D(inChannels, outChannels int) *Conv2DConfig {
	return &Conv2DConfig{
		inChannels:  inChannels,
		outChannels: outChannels,
		stride:      1,
		dilation:    1,
		groups:      1,
		bias:        true,
		trainable:   true,
	}
}

// Channels sets the number of output channels.
func (cfg *Conv2DConfig) Channels(outChannels int) *Conv2DConfig {
	cfg.outChannels = outChannels
	return cfg
}

// KernelSize sets the (square) kernel size. There is no default.
func (cfg *Conv2DConfig) KernelSize(size int) *Conv2DConfig {
	cfg.kernelSize = size
	return cfg
}

// Stride sets the stride for both spatial axes. Default is 1.
func (cfg *Conv2DConfig) Stride(stride int) *Conv2DConfig {
	cfg.stride = stride
	return cfg
}

// Padding sets the zero padding added to each side of both spatial axes. Default is 0.
func (cfg *Conv2DConfig) Padding(padding int) *Conv2DConfig {
	cfg.padding = padding
	return cfg
}

// PadSame sets the padding such that, with stride 1, the output has the same spatial size as the input.
// It must be called after KernelSize and Dilation, and requires an odd effective kernel.
func (cfg *Conv2DConfig) PadSame() *Conv2DConfig {
	effective := cfg.dilation * (cfg.kernelSize - 1)
	if effective%2 != 0 {
		exceptions.Panicf("Conv2D.PadSame() requires dilation*(kernelSize-1) to be even, got dilation=%d, kernelSize=%d",
			cfg.dilation, cfg.kernelSize)
	}
	cfg.padding = effective / 2
	return cfg
}

// Dilation sets the kernel dilation for both spatial axes. Default is 1.
func (cfg *Conv2DConfig) Dilation(dilation int) *Conv2DConfig {
	cfg.dilation = dilation
	return cfg
}

// Groups splits the input and output channels into groups convolved independently.
// Both channel counts must be divisible by it. Default is 1. Set it to the number of input
// channels for a depthwise convolution.
func (cfg *Conv2DConfig) Groups(groups int) *Conv2DConfig {
	cfg.groups = groups
	return cfg
}

// UseBias sets whether to add a bias term per output channel. Default is true.
func (cfg *Conv2DConfig) UseBias(useBias bool) *Conv2DConfig {
	cfg.bias = useBias
	return cfg
}

// Trainable sets whether the parameters are created trainable. Default is true.
func (cfg *Conv2DConfig) Trainable(trainable bool) *Conv2DConfig {
	cfg.trainable = trainable
	return cfg
}

func (cfg *Conv2DConfig) validate() error {
	switch {
	case cfg.inChannels <= 0 || cfg.outChannels <= 0:
		return errors.Errorf("Conv2D channels must be > 0, got in=%d, out=%d", cfg.inChannels, cfg.outChannels)
	case cfg.kernelSize <= 0:
		return errors.Errorf("Conv2D kernel size must be set and > 0, got %d", cfg.kernelSize)
	case cfg.stride <= 0 || cfg.dilation <= 0:
		return errors.Errorf("Conv2D stride and dilation must be > 0, got stride=%d, dilation=%d", cfg.stride, cfg.dilation)
	case cfg.padding < 0:
		return errors.Errorf("Conv2D padding must be >= 0, got %d", cfg.padding)
	case cfg.groups <= 0 || cfg.inChannels%cfg.groups != 0 || cfg.outChannels%cfg.groups != 0:
		return errors.Errorf("Conv2D groups (%d) must divide both input (%d) and output (%d) channels",
			cfg.groups, cfg.inChannels, cfg.outChannels)
	}
	return nil
}

// Done creates the Conv2D block. Weights are He-uniform initialized with rng, or zero if rng is nil.
//
// It panics if the configuration is invalid.
func (cfg *Conv2DConfig) Done(rng *rand.Rand) *Conv2D {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	c := &Conv2D{config: *cfg}
	fanIn := (cfg.inChannels / cfg.groups) * cfg.kernelSize * cfg.kernelSize
	weight := tensors.Zeros(cfg.outChannels, cfg.inChannels/cfg.groups, cfg.kernelSize, cfg.kernelSize)
	HeUniform(rng, fanIn, weight)
	c.Weight = NewParameter("weight", weight, cfg.trainable)
	if cfg.bias {
		bias := tensors.Zeros(cfg.outChannels)
		Uniform(rng, 1/math.Sqrt(float64(fanIn)), bias)
		c.Bias = NewParameter("bias", bias, cfg.trainable)
	}
	return c
}

// Conv2D is a 2D convolution over inputs shaped [batch, channels, height, width].
type Conv2D struct {
	Base
	config Conv2DConfig

	// Weight is shaped [outChannels, inChannels/groups, kernelSize, kernelSize].
	Weight *Parameter

	// Bias is shaped [outChannels], or nil if the convolution has no bias.
	Bias *Parameter

	input *tensors.Tensor
}

var _ Block = (*Conv2D)(nil)

// Config returns a copy of the configuration used to build the block, which can be modified to build similar blocks.
func (c *Conv2D) Config() *Conv2DConfig {
	cfg := c.config
	return &cfg
}

func (c *Conv2D) InChannels() int  { return c.config.inChannels }
func (c *Conv2D) OutChannels() int { return c.config.outChannels }
func (c *Conv2D) KernelSize() int  { return c.config.kernelSize }
func (c *Conv2D) Stride() int      { return c.config.stride }
func (c *Conv2D) Padding() int     { return c.config.padding }
func (c *Conv2D) Dilation() int    { return c.config.dilation }
func (c *Conv2D) Groups() int      { return c.config.groups }
func (c *Conv2D) HasBias() bool    { return c.Bias != nil }

// OutputSize returns the spatial output size for an input of the given spatial size.
func (c *Conv2D) OutputSize(height, width int) (int, int) {
	cfg := &c.config
	effective := cfg.dilation*(cfg.kernelSize-1) + 1
	outH := (height+2*cfg.padding-effective)/cfg.stride + 1
	outW := (width+2*cfg.padding-effective)/cfg.stride + 1
	return outH, outW
}

// Parameters implements Block.
func (c *Conv2D) Parameters() []*Parameter {
	if c.Bias != nil {
		return []*Parameter{c.Weight, c.Bias}
	}
	return []*Parameter{c.Weight}
}

// String implements fmt.Stringer.
func (c *Conv2D) String() string {
	cfg := &c.config
	s := fmt.Sprintf("Conv2D(%d, %d, kernel=%d, stride=%d, padding=%d", cfg.inChannels, cfg.outChannels,
		cfg.kernelSize, cfg.stride, cfg.padding)
	if cfg.dilation != 1 {
		s += fmt.Sprintf(", dilation=%d", cfg.dilation)
	}
	if cfg.groups != 1 {
		s += fmt.Sprintf(", groups=%d", cfg.groups)
	}
	if c.Bias == nil {
		s += ", bias=false"
	}
	return s + ")"
}

// Clone implements Block.
func (c *Conv2D) Clone() Block {
	clone := &Conv2D{config: c.config, Weight: c.Weight.Clone()}
	if c.Bias != nil {
		clone.Bias = c.Bias.Clone()
	}
	return clone
}

// Release implements Block.
func (c *Conv2D) Release() {
	for _, p := range c.Parameters() {
		p.Release()
	}
	c.input = nil
}

// Forward implements Block.
func (c *Conv2D) Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error) {
	if !c.Weight.Value.Ok() {
		return nil, errors.New("Conv2D.Forward on a released block")
	}
	if x.Rank() != 4 || x.Dim(1) != c.config.inChannels {
		return nil, errors.Wrapf(ErrShape, "Conv2D(in=%d) expects input shaped [batch, %d, height, width], got %s",
			c.config.inChannels, c.config.inChannels, x.Shape())
	}
	batch, height, width := x.Dim(0), x.Dim(2), x.Dim(3)
	outH, outW := c.OutputSize(height, width)
	if outH <= 0 || outW <= 0 {
		return nil, errors.Wrapf(ErrShape, "%s: input %s too small", c, x.Shape())
	}
	y := tensors.Zeros(batch, c.config.outChannels, outH, outW)
	workerspool.Default.Run(batch, func(b int) {
		c.forwardExample(x.Row(b).Data(), y.Row(b).Data(), height, width, outH, outW)
	})
	if pass.Grad {
		c.input = x
	} else {
		c.input = nil
	}
	return y, nil
}

func (c *Conv2D) forwardExample(x, y []float64, height, width, outH, outW int) {
	cfg := &c.config
	k := cfg.kernelSize
	inPerGroup := cfg.inChannels / cfg.groups
	outPerGroup := cfg.outChannels / cfg.groups
	weights := c.Weight.Value.Data()
	for oc := range cfg.outChannels {
		group := oc / outPerGroup
		yPlane := y[oc*outH*outW : (oc+1)*outH*outW]
		if c.Bias != nil {
			bias := c.Bias.Value.Data()[oc]
			for i := range yPlane {
				yPlane[i] = bias
			}
		}
		for icg := range inPerGroup {
			ic := group*inPerGroup + icg
			xPlane := x[ic*height*width : (ic+1)*height*width]
			wBase := (oc*inPerGroup + icg) * k * k
			for kh := range k {
				for kw := range k {
					wv := weights[wBase+kh*k+kw]
					for oy := range outH {
						iy := oy*cfg.stride - cfg.padding + kh*cfg.dilation
						if iy < 0 || iy >= height {
							continue
						}
						for ox := range outW {
							ix := ox*cfg.stride - cfg.padding + kw*cfg.dilation
							if ix < 0 || ix >= width {
								continue
							}
							yPlane[oy*outW+ox] += wv * xPlane[iy*width+ix]
						}
					}
				}
			}
		}
	}
}

// Backward implements Block.
func (c *Conv2D) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	x := c.input
	if x == nil {
		return nil, errors.Wrapf(ErrNoForwardCache, "%s", c)
	}
	c.input = nil
	batch, height, width := x.Dim(0), x.Dim(2), x.Dim(3)
	outH, outW := c.OutputSize(height, width)
	if err := grad.Shape().Check(batch, c.config.outChannels, outH, outW); err != nil {
		return nil, errors.Wrapf(ErrShape, "%s.Backward: %v", c, err)
	}

	dx := tensors.ZerosLike(x)
	computeWeights := c.Weight.Trainable
	computeBias := c.Bias != nil && c.Bias.Trainable
	var dWeights, dBiases []*tensors.Tensor
	if computeWeights {
		dWeights = make([]*tensors.Tensor, batch)
	}
	if computeBias {
		dBiases = make([]*tensors.Tensor, batch)
	}
	// Partial parameter gradients per example, summed in example order below.
	workerspool.Default.Run(batch, func(b int) {
		var dW, dB []float64
		if computeWeights {
			dWeights[b] = tensors.ZerosLike(c.Weight.Value)
			dW = dWeights[b].Data()
		}
		if computeBias {
			dBiases[b] = tensors.ZerosLike(c.Bias.Value)
			dB = dBiases[b].Data()
		}
		c.backwardExample(x.Row(b).Data(), grad.Row(b).Data(), dx.Row(b).Data(), dW, dB, height, width, outH, outW)
	})
	for b := range batch {
		if computeWeights {
			c.Weight.AccumulateGrad(dWeights[b])
		}
		if computeBias {
			c.Bias.AccumulateGrad(dBiases[b])
		}
	}
	return dx, nil
}

func (c *Conv2D) backwardExample(x, g, dx, dW, dB []float64, height, width, outH, outW int) {
	cfg := &c.config
	k := cfg.kernelSize
	inPerGroup := cfg.inChannels / cfg.groups
	outPerGroup := cfg.outChannels / cfg.groups
	weights := c.Weight.Value.Data()
	for oc := range cfg.outChannels {
		group := oc / outPerGroup
		gPlane := g[oc*outH*outW : (oc+1)*outH*outW]
		if dB != nil {
			for _, v := range gPlane {
				dB[oc] += v
			}
		}
		for icg := range inPerGroup {
			ic := group*inPerGroup + icg
			xPlane := x[ic*height*width : (ic+1)*height*width]
			dxPlane := dx[ic*height*width : (ic+1)*height*width]
			wBase := (oc*inPerGroup + icg) * k * k
			for kh := range k {
				for kw := range k {
					wIdx := wBase + kh*k + kw
					wv := weights[wIdx]
					var dwv float64
					for oy := range outH {
						iy := oy*cfg.stride - cfg.padding + kh*cfg.dilation
						if iy < 0 || iy >= height {
							continue
						}
						for ox := range outW {
							ix := ox*cfg.stride - cfg.padding + kw*cfg.dilation
							if ix < 0 || ix >= width {
								continue
							}
							gv := gPlane[oy*outW+ox]
							dxPlane[iy*width+ix] += wv * gv
							dwv += gv * xPlane[iy*width+ix]
						}
					}
					if dW != nil {
						dW[wIdx] += dwv
					}
				}
			}
		}
	}
}
