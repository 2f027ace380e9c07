// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
)

// SyntheticConfig describes a synthetic image classification dataset: each class has a random prototype
// image, and each example is its class prototype plus gaussian noise.
type SyntheticConfig struct {
	NumExamples int     `yaml:"num_examples" mapstructure:"num_examples"`
	NumClasses  int     `yaml:"num_classes" mapstructure:"num_classes"`
	Channels    int     `yaml:"channels" mapstructure:"channels"`
	Height      int     `yaml:"height" mapstructure:"height"`
	Width       int     `yaml:"width" mapstructure:"width"`
	Noise       float64 `yaml:"noise" mapstructure:"noise"`
	Seed        uint64  `yaml:"seed" mapstructure:"seed"`
}

// Validate the configuration.
func (cfg SyntheticConfig) Validate() error {
	if cfg.NumExamples <= 0 || cfg.NumClasses <= 0 || cfg.Channels <= 0 || cfg.Height <= 0 || cfg.Width <= 0 {
		return errors.Errorf("synthetic dataset: num_examples, num_classes, channels, height and width must be > 0, got %+v", cfg)
	}
	if cfg.Noise < 0 {
		return errors.Errorf("synthetic dataset: noise must be >= 0, got %g", cfg.Noise)
	}
	return nil
}

// Synthetic creates an InMemoryDataset with inputs shaped [NumExamples, Channels, Height, Width]. Example i
// has label i % NumClasses. The same configuration (including Seed) always generates the same data.
func Synthetic(name string, cfg SyntheticConfig) (*InMemoryDataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := nn.NewRand(cfg.Seed)
	exampleSize := cfg.Channels * cfg.Height * cfg.Width
	prototypes := make([]*tensors.Tensor, cfg.NumClasses)
	for class := range prototypes {
		prototypes[class] = tensors.Zeros(exampleSize)
		nn.Uniform(rng, 1, prototypes[class])
	}
	inputs := tensors.Zeros(cfg.NumExamples, cfg.Channels, cfg.Height, cfg.Width)
	labels := tensors.Zeros(cfg.NumExamples)
	data := inputs.Data()
	for i := range cfg.NumExamples {
		class := i % cfg.NumClasses
		labels.Data()[i] = float64(class)
		example := data[i*exampleSize : (i+1)*exampleSize]
		for j, v := range prototypes[class].Data() {
			example[j] = v + cfg.Noise*rng.NormFloat64()
		}
	}
	return InMemory(name, inputs, labels)
}
