// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"testing"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPruner(t *testing.T) *Pruner {
	t.Helper()
	p, err := New(Config{CompressRate: 0.5, Transform: nn.DefaultSeparableConfig, Seed: 1})
	require.NoError(t, err)
	return p
}

func TestKeptUnits(t *testing.T) {
	linear := nn.NewLinear(1, 4).Done(nil)
	copy(linear.Weight.Value.Data(), []float64{1, 5, 2, 8})
	kept, err := KeptUnits(linear, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, kept)

	// Ties are broken by the lower index, and kept units are in ascending order.
	copy(linear.Weight.Value.Data(), []float64{3, -3, 1, 3})
	kept, err = KeptUnits(linear, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, kept)

	kept, err = KeptUnits(linear, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, kept)

	_, err = KeptUnits(linear, 0)
	require.ErrorIs(t, err, ErrInvalidPruneRatio)
	_, err = KeptUnits(linear, 5)
	require.ErrorIs(t, err, ErrInvalidPruneRatio)
}

func TestNormBasedPruning(t *testing.T) {
	pruner := newTestPruner(t)
	rng := nn.NewRand(3)
	conv := nn.NewConv2D(2, 4).KernelSize(3).Stride(2).Padding(1).Done(rng)
	// Make filter norms deterministic: filter i is scaled by a known factor.
	weights := conv.Weight.Value.Data()
	for filter, factor := range []float64{0.1, 10, 0.2, 20} {
		for i := range 2 * 9 {
			weights[filter*18+i] = factor * (1 + float64(i%3))
		}
	}
	prunedBlock, err := pruner.NormBasedPruning(conv, 2)
	require.NoError(t, err)
	pruned := prunedBlock.(*nn.Conv2D)
	assert.Equal(t, 2, pruned.OutChannels())
	assert.Equal(t, conv.InChannels(), pruned.InChannels())
	assert.Equal(t, conv.Stride(), pruned.Stride())
	assert.Equal(t, conv.Padding(), pruned.Padding())
	assert.True(t, pruned.HasBias())
	assert.Equal(t, weights[18:36], pruned.Weight.Value.Data()[:18])
	assert.Equal(t, weights[54:72], pruned.Weight.Value.Data()[18:])
	assert.Equal(t, []float64{conv.Bias.Value.Data()[1], conv.Bias.Value.Data()[3]}, pruned.Bias.Value.Data())
	for _, p := range pruned.Parameters() {
		assert.False(t, p.Trainable)
	}

	// Original is untouched.
	assert.Equal(t, 4, conv.OutChannels())
	assert.True(t, conv.Weight.Trainable)

	// Unsupported layers.
	_, err = pruner.NormBasedPruning(nn.NewReLU(), 1)
	require.ErrorIs(t, err, ErrUnsupportedLayer)
	grouped := nn.NewConv2D(4, 4).KernelSize(1).Groups(2).Done(rng)
	_, err = pruner.NormBasedPruning(grouped, 2)
	require.ErrorIs(t, err, ErrUnsupportedLayer)
	_, err = pruner.NormBasedPruning(nn.NewSequential(conv), 2)
	require.ErrorIs(t, err, ErrUnsupportedLayer)
}

func TestPruneShapes(t *testing.T) {
	pruner := newTestPruner(t)
	rng := nn.NewRand(5)
	x := tensors.Zeros(2, 3, 6, 6)
	nn.Uniform(rng, 1, x)

	conv := nn.NewConv2D(3, 8).KernelSize(3).Stride(2).Padding(1).Done(rng)
	linear := nn.NewLinear(6, 5).Done(rng)
	blocks, err := pruner.Prune([]nn.Block{conv, linear}, 0)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	yRef := must.M1(conv.Forward(nn.NoGrad, x))
	y := must.M1(nn.Call(nn.NoGrad, blocks[0], x))
	assert.Equal(t, yRef.Shape(), y.Shape())

	seq := blocks[0].(*nn.Sequential)
	require.Equal(t, 2, seq.Len())
	assert.Equal(t, 4, seq.At(0).(*nn.Conv2D).OutChannels())
	transform := seq.At(1).(*nn.Sequential)
	depthwise := transform.At(0).(*nn.Conv2D)
	assert.Equal(t, 4, depthwise.Groups())
	assert.Equal(t, 1, depthwise.Stride())
	assert.Equal(t, 8, transform.At(1).(*nn.Conv2D).OutChannels())
	assert.Equal(t, nn.NumParameters(transform), nn.NumTrainableParameters(blocks[0]))

	xl := tensors.Zeros(3, 6)
	nn.Uniform(rng, 1, xl)
	yl := must.M1(nn.Call(nn.NoGrad, blocks[1], xl))
	assert.Equal(t, []int{3, 5}, yl.Shape().Dimensions)
	lseq := blocks[1].(*nn.Sequential)
	assert.Equal(t, 2, lseq.At(0).(*nn.Linear).OutFeatures())
	_, isScale := lseq.At(1).(*nn.Sequential).At(0).(*nn.Scale)
	assert.True(t, isScale)

	// Invalid rates.
	for _, rate := range []float64{-0.5, 1.5, 0.1} {
		_, err = pruner.Prune([]nn.Block{conv}, rate)
		require.ErrorIs(t, err, ErrInvalidPruneRatio, "rate=%g", rate)
	}
	assert.Equal(t, 2, NumKept(0.29, 8))
}

func TestNewPrunerValidation(t *testing.T) {
	_, err := New(Config{CompressRate: 0.5, Transform: nn.SeparableConfig{KernelSize: 3, Padding: 0, Dilation: 1}})
	require.Error(t, err)
	_, err = New(Config{CompressRate: 0.5, Transform: nn.SeparableConfig{KernelSize: 3, Padding: 2}})
	require.Error(t, err, "dilation defaults to 1, so padding 2 doesn't preserve size")
	p, err := New(Config{CompressRate: 0.5, Transform: nn.SeparableConfig{KernelSize: 3, Padding: 2, Dilation: 2}})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.CompressRate())
	_, err = New(Config{CompressRate: 0, Transform: nn.DefaultSeparableConfig})
	require.ErrorIs(t, err, ErrInvalidPruneRatio)
}
