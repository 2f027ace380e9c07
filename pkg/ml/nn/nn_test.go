// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallCNN builds Module{features: Sequential{Conv2D, ReLU, Conv2D, ReLU}, classifier: Sequential{Flatten, Linear}}
// for inputs shaped [batch, 2, 4, 4].
func smallCNN(rng *rand.Rand) *Module {
	return NewModule().
		Add("features", NewSequential(
			NewConv2D(2, 4).KernelSize(3).PadSame().Done(rng),
			NewReLU(),
			NewConv2D(4, 3).KernelSize(3).Padding(1).Done(rng),
			NewReLU(),
		)).
		Add("classifier", NewSequential(
			NewFlatten(),
			NewLinear(3*4*4, 5).Done(rng),
		))
}

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.Zeros(dims...)
	for i := range t.Data() {
		t.Data()[i] = 2*rng.Float64() - 1
	}
	return t
}

func TestResolveReplace(t *testing.T) {
	model := smallCNN(NewRand(1))

	b, err := Resolve(model, "features.2")
	require.NoError(t, err)
	conv, ok := b.(*Conv2D)
	require.True(t, ok)
	assert.Equal(t, 4, conv.InChannels())

	root, err := Resolve(model, "")
	require.NoError(t, err)
	assert.Same(t, model, root)

	// Round-trip identity: replacing a block with itself is a no-op.
	require.NoError(t, Replace(model, "features.2", b))
	again, err := Resolve(model, "features.2")
	require.NoError(t, err)
	assert.Same(t, b, again)

	// Replacement.
	newConv := NewConv2D(4, 3).KernelSize(1).Done(NewRand(2))
	require.NoError(t, Replace(model, "features.2", newConv))
	got, err := Resolve(model, "features.2")
	require.NoError(t, err)
	assert.Same(t, newConv, got)

	// Errors.
	for _, path := range []string{"features.7", "features.x", "decoder", "features.0.weight", "features..1", "features.-1", "features.02", "features.+2"} {
		_, err = Resolve(model, path)
		require.ErrorIs(t, err, ErrPathResolution, "path=%q", path)
		var pathErr *PathError
		require.ErrorAs(t, err, &pathErr)
		assert.Equal(t, path, pathErr.Path)
	}
	require.ErrorIs(t, Replace(model, "features.9", newConv), ErrPathResolution)
	require.ErrorIs(t, Replace(model, "", newConv), ErrPathResolution)
	require.Error(t, Replace(model, "features.1", nil))
	got, err = Resolve(model, "features.2")
	require.NoError(t, err)
	assert.Same(t, newConv, got, "failed replacements must leave the tree unchanged")
}

func TestPathHelpers(t *testing.T) {
	segments, err := ParsePath("features.0.conv")
	require.NoError(t, err)
	assert.Equal(t, []string{"features", "0", "conv"}, segments)
	assert.Equal(t, "a.0.b", JoinPath("a", "", "0", "b"))
	assert.True(t, IsNested("features", "features.0"))
	assert.True(t, IsNested("features.0", "features"))
	assert.True(t, IsNested("features.0", "features.0"))
	assert.False(t, IsNested("features.1", "features.10"))
	assert.False(t, IsNested("features.0", "classifier.0"))

	// Indices have a single spelling.
	for _, path := range []string{"features.01", "features.00", "features.1.02"} {
		_, err = ParsePath(path)
		require.ErrorIs(t, err, ErrPathResolution, "path=%q", path)
	}
	segments, err = ParsePath("features.10.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"features", "10", "0"}, segments)
	seq := NewSequential(NewReLU(), NewReLU())
	_, found := seq.Child("01")
	assert.False(t, found)
}

func TestParametersAndFreeze(t *testing.T) {
	model := smallCNN(NewRand(1))
	named := NamedParameters(model)
	names := make([]string, len(named))
	for i, np := range named {
		names[i] = np.Name
	}
	assert.Equal(t, []string{
		"features.0.weight", "features.0.bias", "features.2.weight", "features.2.bias",
		"classifier.1.weight", "classifier.1.bias"}, names)
	total := 2*4*9 + 4 + 4*3*9 + 3 + 48*5 + 5
	assert.Equal(t, total, NumParameters(model))
	assert.Equal(t, total, NumTrainableParameters(model))

	Freeze(model)
	assert.Equal(t, 0, NumTrainableParameters(model))
	classifier, err := Resolve(model, "classifier")
	require.NoError(t, err)
	Unfreeze(classifier)
	assert.Equal(t, 48*5+5, NumTrainableParameters(model))
}

func TestCloneAndRelease(t *testing.T) {
	rng := NewRand(3)
	model := smallCNN(rng)
	x := randomTensor(rng, 2, 2, 4, 4)
	clone := Clone(model)
	y0, err := Call(NoGrad, model, x)
	require.NoError(t, err)
	y1, err := Call(NoGrad, clone, x)
	require.NoError(t, err)
	assert.True(t, tensors.InDelta(y0, y1, 0))

	// Parameters are independent.
	p0, p1 := AllParameters(model), AllParameters(clone)
	require.Len(t, p1, len(p0))
	for i := range p0 {
		assert.NotEqual(t, p0[i].ID(), p1[i].ID())
		assert.NotSame(t, p0[i].Value, p1[i].Value)
	}

	model.Probes().Add(func(*Pass, *tensors.Tensor) error { return nil })
	assert.Equal(t, 0, clone.Probes().Len(), "clones don't carry probes")
	Release(model)
	assert.Equal(t, 0, model.Probes().Len())
	for _, p := range p0 {
		assert.False(t, p.Value.Ok())
	}
	_, err = Call(NoGrad, model, x)
	require.Error(t, err)
	_, err = Call(NoGrad, clone, x)
	require.NoError(t, err)
}

func TestConv2DValues(t *testing.T) {
	conv := NewConv2D(1, 1).KernelSize(2).Done(nil)
	copy(conv.Weight.Value.Data(), []float64{1, 0, 0, 1})
	conv.Bias.Value.Data()[0] = 0.5
	x := tensors.FromValues([]float64{1, 2, 3, 4}, 1, 1, 2, 2)
	y, err := conv.Forward(NoGrad, x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1}, y.Shape().Dimensions)
	assert.Equal(t, 5.5, y.At(0, 0, 0, 0))

	_, err = conv.Forward(NoGrad, tensors.Zeros(1, 2, 2, 2))
	require.ErrorIs(t, err, ErrShape)
	_, err = conv.Backward(y)
	require.ErrorIs(t, err, ErrNoForwardCache)

	depthwise := NewConv2D(3, 3).KernelSize(3).Dilation(2).PadSame().Groups(3).Done(NewRand(1))
	assert.Equal(t, 2, depthwise.Padding())
	outH, outW := depthwise.OutputSize(5, 7)
	assert.Equal(t, 5, outH)
	assert.Equal(t, 7, outW)
	assert.Equal(t, []int{3, 1, 3, 3}, depthwise.Weight.Value.Shape().Dimensions)
	assert.Panics(t, func() { NewConv2D(3, 4).KernelSize(3).Groups(3).Done(nil) })
	assert.Panics(t, func() { NewConv2D(3, 4).Done(nil) })
}

// checkGradients compares the analytic gradients of block, for loss = sum(y * r),
// with central finite differences on the input and on every trainable parameter.
func checkGradients(t *testing.T, block Block, x *tensors.Tensor, rng *rand.Rand) {
	t.Helper()
	y, err := Call(Training, block, x)
	require.NoError(t, err)
	r := randomTensor(rng, y.Shape().Dimensions...)
	ZeroGrad(block)
	_, err = Call(Training, block, x)
	require.NoError(t, err)
	dx, err := Backprop(block, r)
	require.NoError(t, err)

	loss := func() float64 {
		out, err := Call(NoGrad, block, x)
		require.NoError(t, err)
		var sum float64
		for i, v := range out.Data() {
			sum += v * r.Data()[i]
		}
		return sum
	}
	const eps, tol = 1e-6, 1e-5
	numeric := func(values []float64, i int) float64 {
		orig := values[i]
		values[i] = orig + eps
		plus := loss()
		values[i] = orig - eps
		minus := loss()
		values[i] = orig
		return (plus - minus) / (2 * eps)
	}
	for i := range x.Data() {
		assert.InDelta(t, numeric(x.Data(), i), dx.Data()[i], tol, "input gradient #%d", i)
	}
	for _, p := range NamedParameters(block) {
		if !p.Trainable {
			assert.Nil(t, p.Grad, "frozen parameter %s must not accumulate gradients", p.Name)
			continue
		}
		require.NotNil(t, p.Grad, "parameter %s", p.Name)
		for i := range p.Value.Data() {
			assert.InDelta(t, numeric(p.Value.Data(), i), p.Grad.Data()[i], tol, "parameter %s #%d", p.Name, i)
		}
	}
}

func TestGradients(t *testing.T) {
	rng := NewRand(42)
	t.Run("Conv2D", func(t *testing.T) {
		conv := NewConv2D(2, 3).KernelSize(3).Stride(2).Padding(1).Done(rng)
		checkGradients(t, conv, randomTensor(rng, 2, 2, 5, 5), rng)
	})
	t.Run("Conv2D-grouped-dilated", func(t *testing.T) {
		conv := NewConv2D(4, 4).KernelSize(3).Dilation(2).PadSame().Groups(2).Done(rng)
		checkGradients(t, conv, randomTensor(rng, 2, 4, 5, 5), rng)
	})
	t.Run("Linear", func(t *testing.T) {
		checkGradients(t, NewLinear(4, 3).Done(rng), randomTensor(rng, 3, 4), rng)
	})
	t.Run("Scale", func(t *testing.T) {
		s := NewScale(3)
		Uniform(rng, 1, s.Weight.Value)
		checkGradients(t, s, randomTensor(rng, 2, 3, 2, 2), rng)
	})
	t.Run("Model", func(t *testing.T) {
		checkGradients(t, smallCNN(rng), randomTensor(rng, 2, 2, 4, 4), rng)
	})
	t.Run("FrozenConv", func(t *testing.T) {
		conv := NewConv2D(2, 2).KernelSize(3).PadSame().Trainable(false).Done(rng)
		checkGradients(t, conv, randomTensor(rng, 1, 2, 3, 3), rng)
	})
}

func TestProbes(t *testing.T) {
	rng := NewRand(7)
	model := smallCNN(rng)
	relu, err := Resolve(model, "features.1")
	require.NoError(t, err)

	var captured []*tensors.Tensor
	probe := relu.Probes().Add(func(_ *Pass, y *tensors.Tensor) error {
		captured = append(captured, y)
		return nil
	})
	x := randomTensor(rng, 2, 2, 4, 4)
	y, err := Call(Training, model, x)
	require.NoError(t, err)
	require.Len(t, captured, 1)
	assert.Equal(t, []int{2, 4, 4, 4}, captured[0].Shape().Dimensions)

	// Injecting a zero gradient changes nothing; injecting a non-zero one changes the input gradient.
	zeroOut := tensors.ZerosLike(y)
	require.NoError(t, probe.InjectGrad(tensors.ZerosLike(captured[0])))
	dx0, err := Backprop(model, zeroOut)
	require.NoError(t, err)
	assert.True(t, tensors.InDelta(dx0, tensors.ZerosLike(x), 0))

	_, err = Call(Training, model, x)
	require.NoError(t, err)
	require.NoError(t, probe.InjectGrad(tensors.Full(1, 2, 4, 4, 4)))
	dx1, err := Backprop(model, zeroOut)
	require.NoError(t, err)
	assert.False(t, tensors.InDelta(dx1, tensors.ZerosLike(x), 1e-12))

	// Wrong injected shape.
	_, err = Call(Training, model, x)
	require.NoError(t, err)
	require.NoError(t, probe.InjectGrad(tensors.Full(1, 3)))
	_, err = Backprop(model, zeroOut)
	require.ErrorIs(t, err, ErrShape)

	probe.Remove()
	probe.Remove()
	assert.False(t, probe.Attached())
	assert.Equal(t, 0, relu.Probes().Len())
	require.Error(t, probe.InjectGrad(tensors.Full(1, 3)))
}

func TestModuleAdd(t *testing.T) {
	m := NewModule().Add("a", NewReLU())
	assert.Panics(t, func() { m.Add("a", NewReLU()) })
	assert.Panics(t, func() { m.Add("0", NewReLU()) })
	assert.Panics(t, func() { m.Add("x.y", NewReLU()) })
	require.ErrorIs(t, m.SetChild("b", NewReLU()), ErrPathResolution)
	assert.Equal(t, "Module(a=ReLU())", m.String())
}
