// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models provides ready-made block trees to be used as teachers for distillation.
//
// The trees are laid out so that their convolutions can be addressed by path, e.g. "features.0",
// "features.2", which is what pruning plans and hint layers refer to.
package models

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
)

// CNNConfig describes a plain convolutional classifier:
//
//	features:   [Conv2D(KernelSize, PadSame, Strides[i]) -> ReLU] for each entry of Filters
//	classifier: Flatten -> [Linear(Hidden) -> ReLU] -> Linear(NumClasses)
//
// The classifier hidden layer is only present if Hidden > 0.
type CNNConfig struct {
	Channels   int    `yaml:"channels" mapstructure:"channels"`
	Height     int    `yaml:"height" mapstructure:"height"`
	Width      int    `yaml:"width" mapstructure:"width"`
	NumClasses int    `yaml:"num_classes" mapstructure:"num_classes"`
	Filters    []int  `yaml:"filters" mapstructure:"filters"`
	Strides    []int  `yaml:"strides" mapstructure:"strides"`
	KernelSize int    `yaml:"kernel_size" mapstructure:"kernel_size"`
	Hidden     int    `yaml:"hidden" mapstructure:"hidden"`
	Seed       uint64 `yaml:"seed" mapstructure:"seed"`
}

// DefaultCNNConfig returns a small CNN for 1x8x8 inputs and 4 classes.
func DefaultCNNConfig() CNNConfig {
	return CNNConfig{
		Channels:   1,
		Height:     8,
		Width:      8,
		NumClasses: 4,
		Filters:    []int{8, 16, 16},
		Strides:    []int{1, 2, 1},
		KernelSize: 3,
		Hidden:     32,
		Seed:       42,
	}
}

// Validate the configuration.
func (cfg CNNConfig) Validate() error {
	if cfg.Channels <= 0 || cfg.Height <= 0 || cfg.Width <= 0 || cfg.NumClasses <= 0 {
		return errors.Errorf("cnn model: channels, height, width and num_classes must be > 0, got %+v", cfg)
	}
	if len(cfg.Filters) == 0 {
		return errors.New("cnn model: at least one entry in filters is required")
	}
	if len(cfg.Strides) != 0 && len(cfg.Strides) != len(cfg.Filters) {
		return errors.Errorf("cnn model: strides (%d entries) must be empty or match filters (%d entries)",
			len(cfg.Strides), len(cfg.Filters))
	}
	if cfg.KernelSize <= 0 || cfg.KernelSize%2 == 0 {
		return errors.Errorf("cnn model: kernel_size must be odd and > 0, got %d", cfg.KernelSize)
	}
	if slices.ContainsFunc(cfg.Filters, func(f int) bool { return f <= 0 }) {
		return errors.Errorf("cnn model: filters must be > 0, got %v", cfg.Filters)
	}
	if slices.ContainsFunc(cfg.Strides, func(s int) bool { return s <= 0 }) {
		return errors.Errorf("cnn model: strides must be > 0, got %v", cfg.Strides)
	}
	if cfg.Hidden < 0 {
		return errors.Errorf("cnn model: hidden must be >= 0, got %d", cfg.Hidden)
	}
	return nil
}

func (cfg CNNConfig) stride(i int) int {
	if len(cfg.Strides) == 0 {
		return 1
	}
	return cfg.Strides[i]
}

// ConvPaths returns the paths of the convolutions of the model, in order.
func (cfg CNNConfig) ConvPaths() []string {
	paths := make([]string, len(cfg.Filters))
	for i := range cfg.Filters {
		paths[i] = fmt.Sprintf("features.%d", 2*i)
	}
	return paths
}

// NewCNN builds the model described by cfg, with weights initialized from cfg.Seed.
func NewCNN(cfg CNNConfig) (nn.Block, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var model nn.Block
	err := exceptions.TryCatch[error](func() { model = buildCNN(cfg) })
	if err != nil {
		return nil, errors.WithMessage(err, "building cnn model")
	}
	return model, nil
}

// buildCNN panics (exceptions.Panicf) on invalid layer configurations.
func buildCNN(cfg CNNConfig) nn.Block {
	rng := nn.NewRand(cfg.Seed)
	height, width, channels := cfg.Height, cfg.Width, cfg.Channels
	var children []nn.Block
	for i, filters := range cfg.Filters {
		conv := nn.NewConv2D(channels, filters).
			KernelSize(cfg.KernelSize).
			PadSame().
			Stride(cfg.stride(i)).
			Done(rng)
		height, width = conv.OutputSize(height, width)
		if height <= 0 || width <= 0 {
			exceptions.Panicf("convolution #%d reduces the spatial dimensions to %dx%d", i, height, width)
		}
		channels = filters
		children = append(children, conv, nn.NewReLU())
	}
	features := nn.NewSequential(children...)

	flat := channels * height * width
	classifier := []nn.Block{nn.NewFlatten()}
	if cfg.Hidden > 0 {
		classifier = append(classifier, nn.NewLinear(flat, cfg.Hidden).Done(rng), nn.NewReLU())
		flat = cfg.Hidden
	}
	classifier = append(classifier, nn.NewLinear(flat, cfg.NumClasses).Done(rng))
	return nn.NewModule().
		Add("features", features).
		Add("classifier", nn.NewSequential(classifier...))
}
