// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCNN(t *testing.T) {
	cfg := DefaultCNNConfig()
	model := must.M1(NewCNN(cfg))
	assert.Equal(t, []string{"features.0", "features.2", "features.4"}, cfg.ConvPaths())
	for _, path := range cfg.ConvPaths() {
		_, isConv := must.M1(nn.Resolve(model, path)).(*nn.Conv2D)
		assert.True(t, isConv, "block at %q", path)
	}

	x := tensors.Zeros(3, 1, 8, 8)
	nn.Uniform(nn.NewRand(1), 1, x)
	y := must.M1(nn.Call(nn.NoGrad, model, x))
	assert.Equal(t, []int{3, 4}, y.Shape().Dimensions)

	// Same seed, same weights.
	again := must.M1(NewCNN(cfg))
	assert.True(t, tensors.InDelta(y, must.M1(nn.Call(nn.NoGrad, again, x)), 0))

	// Without hidden layer, classifier is Flatten -> Linear.
	cfg.Hidden = 0
	cfg.Strides = nil
	model = must.M1(NewCNN(cfg))
	linear, ok := must.M1(nn.Resolve(model, "classifier.1")).(*nn.Linear)
	require.True(t, ok)
	assert.Equal(t, 16*8*8, linear.InFeatures())
}

func TestCNNConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*CNNConfig){
		"no filters":     func(c *CNNConfig) { c.Filters = nil },
		"strides length": func(c *CNNConfig) { c.Strides = []int{1} },
		"even kernel":    func(c *CNNConfig) { c.KernelSize = 2 },
		"zero filter":    func(c *CNNConfig) { c.Filters[1] = 0 },
		"zero stride":    func(c *CNNConfig) { c.Strides[1] = 0 },
		"no classes":     func(c *CNNConfig) { c.NumClasses = 0 },
		"negative":       func(c *CNNConfig) { c.Hidden = -1 },
	} {
		cfg := DefaultCNNConfig()
		mutate(&cfg)
		_, err := NewCNN(cfg)
		assert.Error(t, err, name)
	}
}
