// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// SeparableConfig holds the hyper-parameters of the depthwise stage of a depthwise-separable convolution.
type SeparableConfig struct {
	KernelSize int `mapstructure:"kernel_size" yaml:"kernel_size"`
	Padding    int `mapstructure:"padding" yaml:"padding"`
	Dilation   int `mapstructure:"dilation" yaml:"dilation"`

	// Stride of the depthwise stage. 0 is taken as 1.
	Stride int `mapstructure:"stride" yaml:"stride"`
}

// DefaultSeparableConfig is a 3x3 kernel with padding 1 and no dilation.
var DefaultSeparableConfig = SeparableConfig{KernelSize: 3, Padding: 1, Dilation: 1, Stride: 1}

// Validate checks that the depthwise stage preserves the spatial size (for stride 1), that is
// 2*Padding == Dilation*(KernelSize-1).
func (cfg SeparableConfig) Validate() error {
	if cfg.KernelSize <= 0 || cfg.Dilation <= 0 || cfg.Padding < 0 || cfg.Stride < 0 {
		return errors.Errorf("invalid separable convolution config %+v", cfg)
	}
	if 2*cfg.Padding != cfg.Dilation*(cfg.KernelSize-1) {
		return errors.Errorf("separable convolution config %+v doesn't preserve spatial size: "+
			"2*padding (%d) != dilation*(kernel_size-1) (%d)", cfg, 2*cfg.Padding, cfg.Dilation*(cfg.KernelSize-1))
	}
	return nil
}

// NewDepthwiseSeparable creates Sequential{depthwise Conv2D(in, in, groups=in), pointwise Conv2D(in, out, kernel=1)},
// trainable and initialized with rng.
func NewDepthwiseSeparable(inChannels, outChannels int, cfg SeparableConfig, rng *rand.Rand) (*Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stride := max(cfg.Stride, 1)
	if inChannels <= 0 || outChannels <= 0 {
		return nil, errors.Errorf("NewDepthwiseSeparable: channels must be > 0, got in=%d, out=%d", inChannels, outChannels)
	}
	depthwise := NewConv2D(inChannels, inChannels).
		KernelSize(cfg.KernelSize).
		Stride(stride).
		Padding(cfg.Padding).
		Dilation(cfg.Dilation).
		Groups(inChannels).
		Done(rng)
	pointwise := NewConv2D(inChannels, outChannels).KernelSize(1).Done(rng)
	return NewSequential(depthwise, pointwise), nil
}
