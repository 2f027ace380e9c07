// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"testing"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTeacher takes inputs shaped [batch, 1, 3, 3].
func testTeacher() nn.Block {
	rng := nn.NewRand(1)
	return nn.NewModule().
		Add("block1", nn.NewConv2D(1, 2).KernelSize(3).PadSame().Done(rng)).
		Add("block2", nn.NewSequential(
			nn.NewReLU(),
			nn.NewConv2D(2, 2).KernelSize(1).Done(rng),
		)).
		Add("head", nn.NewSequential(
			nn.NewFlatten(),
			nn.NewLinear(2*3*3, 2).Done(rng),
		))
}

func testInput(seed uint64) *tensors.Tensor {
	x := tensors.Zeros(2, 1, 3, 3)
	nn.Uniform(nn.NewRand(seed), 1, x)
	return x
}

func TestNewStudent(t *testing.T) {
	teacher := testTeacher()
	s := New(teacher)
	assert.Zero(t, nn.NumTrainableParameters(s.Teacher()))
	assert.Equal(t, nn.NumParameters(teacher), s.NumTrainableParams())
	assert.Equal(t, "Trainable parameters: 64", s.DumpTrainableParams())

	// Teacher, frozen teacher and student don't share parameters.
	seen := make(map[*nn.Parameter]bool)
	for _, root := range []nn.Block{teacher, s.Teacher(), s.Model()} {
		for _, p := range nn.AllParameters(root) {
			assert.False(t, seen[p])
			seen[p] = true
		}
	}

	s.Freeze()
	assert.Zero(t, s.NumTrainableParams())
	require.ErrorIs(t, s.Unfreeze("block1", "nope"), nn.ErrPathResolution)
	assert.Zero(t, s.NumTrainableParams(), "Unfreeze is atomic")
	require.NoError(t, s.Unfreeze("block1"))
	assert.Equal(t, 2*1*3*3+2, s.NumTrainableParams())
}

func TestHookBuffers(t *testing.T) {
	s := New(testTeacher())
	require.NoError(t, s.RegisterHintLayers("block1", "block2"))
	assert.Equal(t, []string{"block1", "block2"}, s.Hooks().Paths())

	// Probes are not cloned, so the copy can be called without firing the hint layers.
	block1 := nn.Clone(must.M1(s.Block("block1")))
	var previous *tensors.Tensor
	for pass := range 2 {
		x := testInput(uint64(10 + pass))
		studentOut, teacherOut, err := s.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, studentOut.Shape().Dimensions)
		assert.True(t, tensors.InDelta(studentOut, teacherOut, 1e-12), "student starts as a copy of the teacher")

		studentHints, teacherHints := s.Hooks().StudentOutputs(), s.Hooks().TeacherOutputs()
		require.Len(t, studentHints, 2)
		require.Len(t, teacherHints, 2)
		want := must.M1(nn.Call(nn.NoGrad, block1, x))
		assert.True(t, tensors.InDelta(want, studentHints[0], 1e-12), "slot 0 is always block1")
		assert.True(t, tensors.InDelta(want, teacherHints[0], 1e-12))
		assert.NotSame(t, previous, studentHints[0], "buffers are cleared between passes")
		previous = studentHints[0]
	}
}

func TestHookNestedOrder(t *testing.T) {
	s := New(testTeacher())
	// The outer block2 fires after its inner ReLU, but buffers follow the registration order.
	require.NoError(t, s.RegisterHintLayers("block2", "block2.0"))
	x := testInput(3)
	_, _, err := s.Forward(x)
	require.NoError(t, err)
	hints := s.Hooks().StudentOutputs()

	features := must.M1(nn.Call(nn.NoGrad, must.M1(s.Block("block1")), x))
	relu := must.M1(nn.Call(nn.NoGrad, nn.NewReLU(), features))
	block2 := must.M1(nn.Call(nn.NoGrad, must.M1(s.Block("block2.1")), relu))
	assert.True(t, tensors.InDelta(block2, hints[0], 1e-12))
	assert.True(t, tensors.InDelta(relu, hints[1], 1e-12))
}

func TestHookErrors(t *testing.T) {
	s := New(testTeacher())
	require.ErrorIs(t, s.RegisterHintLayers("block1", "missing"), nn.ErrPathResolution)
	assert.Zero(t, s.Hooks().Len(), "Register is atomic")
	require.ErrorIs(t, s.RegisterHintLayers("block1", "block1"), ErrHookSignal)
	require.NoError(t, s.RegisterHintLayers("block1"))
	require.ErrorIs(t, s.RegisterHintLayers("block1"), ErrHookSignal)

	_, _, err := s.Forward(testInput(1))
	require.NoError(t, err)
	require.ErrorIs(t, s.Backward(tensors.Zeros(2, 2), []*tensors.Tensor{nil, nil}), ErrHookSignal)
	require.ErrorIs(t, s.Backward(tensors.Zeros(2, 2), []*tensors.Tensor{tensors.Zeros(2, 2)}), ErrHookSignal)

	s.Hooks().UnregisterAll()
	s.Hooks().UnregisterAll()
	assert.Zero(t, s.Hooks().Len())
	NewHookManager(s.Teacher(), s.Model()).UnregisterAll()

	// A block reached twice in one pass.
	shared := nn.NewReLU()
	teacher := nn.NewSequential(nn.NewReLU(), nn.NewReLU())
	student := nn.NewSequential(shared, shared)
	hooks := NewHookManager(teacher, student)
	require.NoError(t, hooks.Register("0"))
	hooks.Reset()
	_, err = nn.Call(nn.Training, student, tensors.Zeros(1, 2))
	require.ErrorIs(t, err, ErrHookSignal)
	require.ErrorIs(t, hooks.CheckFilled(true), ErrHookSignal, "teacher pass didn't run")
}

func TestForwardBackward(t *testing.T) {
	s := New(testTeacher())
	require.NoError(t, s.RegisterHintLayers("block1"))
	_, _, err := s.Forward(testInput(2))
	require.NoError(t, err)
	hint := s.Hooks().StudentOutputs()[0]
	require.NoError(t, s.Backward(tensors.Full(1, 2, 2), []*tensors.Tensor{tensors.Full(1, hint.Shape().Dimensions...)}))
	for _, np := range s.Parameters() {
		assert.NotNil(t, np.Grad, "parameter %q", np.Name)
	}
	for _, p := range nn.AllParameters(s.Teacher()) {
		assert.Nil(t, p.Grad)
	}

	// The hint gradient flows into block1's parameters.
	s.ZeroGrad()
	_, _, err = s.Forward(testInput(2))
	require.NoError(t, err)
	require.NoError(t, s.Backward(tensors.Zeros(2, 2), nil))
	noHint := must.M1(s.Block("block1")).Parameters()[0].Grad.Clone()
	s.ZeroGrad()
	_, _, err = s.Forward(testInput(2))
	require.NoError(t, err)
	require.NoError(t, s.Backward(tensors.Zeros(2, 2), []*tensors.Tensor{tensors.Full(1, hint.Shape().Dimensions...)}))
	withHint := must.M1(s.Block("block1")).Parameters()[0].Grad
	assert.False(t, tensors.InDelta(noHint, withHint, 1e-9))

	// A failed backward doesn't leak its hint gradients into the next one.
	s.ZeroGrad()
	_, _, err = s.Forward(testInput(2))
	require.NoError(t, err)
	require.Error(t, s.Backward(tensors.Zeros(2, 3), []*tensors.Tensor{tensors.Full(1, hint.Shape().Dimensions...)}))
	s.ZeroGrad()
	_, _, err = s.Forward(testInput(2))
	require.NoError(t, err)
	require.NoError(t, s.Backward(tensors.Zeros(2, 2), nil))
	assert.True(t, tensors.InDelta(noHint, must.M1(s.Block("block1")).Parameters()[0].Grad, 1e-9))

	// Same with a failed injection: the first hint gradient is dropped with the second.
	s.ZeroGrad()
	require.NoError(t, s.RegisterHintLayers("block2"))
	_, _, err = s.Forward(testInput(2))
	require.NoError(t, err)
	hints := s.Hooks().StudentOutputs()
	require.Error(t, s.Backward(tensors.Zeros(2, 2), []*tensors.Tensor{
		tensors.Full(1, hints[0].Shape().Dimensions...), tensors.Full(1, 7),
	}))
	require.NoError(t, s.Backward(tensors.Zeros(2, 2), nil))
	assert.True(t, tensors.InDelta(noHint, must.M1(s.Block("block1")).Parameters()[0].Grad, 1e-9))

	y, err := s.Inference(testInput(2))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, y.Shape().Dimensions)
}

func replacementConv(seed uint64) nn.Block {
	return nn.NewConv2D(1, 2).KernelSize(3).PadSame().Done(nn.NewRand(seed))
}

func TestUpdatePrunedLayers(t *testing.T) {
	s := New(testTeacher())
	require.NoError(t, s.RegisterHintLayers("block1"))
	old := must.M1(s.Block("block1")).(*nn.Conv2D)
	newBlock := replacementConv(5)
	require.NoError(t, s.Replace(DistillationArgs{OldBlockPath: "block1", NewBlock: newBlock, NewBlockPath: "block1"}))

	assert.Same(t, newBlock, must.M1(s.Block("block1")))
	assert.False(t, old.Weight.Value.Ok(), "displaced block is released")
	assert.True(t, s.IsReplaced("block1"))
	assert.False(t, s.IsReplaced("block2"))
	require.Len(t, s.Replacements(), 1)
	assert.Same(t, must.M1(s.TeacherBlock("block1")), s.Replacements()[0].TeacherBlock)

	// Hints are captured from the new block.
	x := testInput(4)
	_, _, err := s.Forward(x)
	require.NoError(t, err)
	assert.True(t, tensors.InDelta(must.M1(nn.Call(nn.NoGrad, nn.Clone(newBlock), x)), s.Hooks().StudentOutputs()[0], 1e-12))

	infos := s.BlocksInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, BlockInfo{
		Path:               "block1",
		TeacherParams:      []string{"weight", "bias"},
		TeacherNumParams:   20,
		StudentParams:      []string{"weight", "bias"},
		StudentNumParams:   20,
		TeacherDescription: "Conv2D(1, 2, kernel=3, stride=1, padding=1)",
		StudentDescription: "Conv2D(1, 2, kernel=3, stride=1, padding=1)",
	}, infos[0])
	dump := s.DumpBlocksInfo()
	for _, header := range BlocksInfoHeaders {
		assert.Contains(t, dump, header)
	}
	assert.Contains(t, dump, "block1")
	assert.Contains(t, s.String(), "Module(")

	// Re-replacing the same, an enclosing or a nested path is rejected.
	require.ErrorIs(t, s.Replace(DistillationArgs{OldBlockPath: "block1", NewBlock: replacementConv(6)}), ErrAlreadyPruned)
	assert.Same(t, newBlock, must.M1(s.Block("block1")))
}

func TestUpdatePrunedLayersValidation(t *testing.T) {
	s := New(testTeacher())
	conv := replacementConv(1)
	for name, args := range map[string][]DistillationArgs{
		"nil block":    {{OldBlockPath: "block1"}},
		"root":         {{OldBlockPath: "", NewBlock: conv}},
		"unresolved":   {{OldBlockPath: "block1", NewBlock: conv}, {OldBlockPath: "block9", NewBlock: replacementConv(2)}},
		"overlapping":  {{OldBlockPath: "block2", NewBlock: conv}, {OldBlockPath: "block2.1", NewBlock: replacementConv(2)}},
		"same block":   {{OldBlockPath: "block1", NewBlock: conv}, {OldBlockPath: "block2.1", NewBlock: conv}},
		"already used": {{OldBlockPath: "block1", NewBlock: must.M1(s.Block("head"))}},
		"inner block":  {{OldBlockPath: "block1", NewBlock: must.M1(s.Block("block2.1"))}},
		"spelling":     {{OldBlockPath: "block2.1", NewBlock: conv}, {OldBlockPath: "block2.01", NewBlock: replacementConv(2)}},
	} {
		require.Error(t, s.UpdatePrunedLayers(args, nil), "case %q", name)
	}
	err := s.Replace(DistillationArgs{OldBlockPath: "block1", NewBlock: conv, NewBlockPath: "block2"})
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Empty(t, s.Replacements())
}

func TestContains(t *testing.T) {
	s := New(testTeacher())
	assert.True(t, contains(s.Model(), s.Model()))
	assert.True(t, contains(s.Model(), must.M1(s.Block("block2.1"))))
	assert.False(t, contains(s.Model(), must.M1(s.TeacherBlock("block2.1"))))
	assert.False(t, contains(s.Model(), replacementConv(3)))
}

func TestUpdatePrunedLayersRollback(t *testing.T) {
	s := New(testTeacher())
	require.NoError(t, s.RegisterHintLayers("block1", "block2.1"))
	block1 := must.M1(s.Block("block1"))
	block21 := must.M1(s.Block("block2.1"))
	args := []DistillationArgs{
		{OldBlockPath: "block1", NewBlock: replacementConv(1)},
		{OldBlockPath: "block2.1", NewBlock: nn.NewConv2D(2, 2).KernelSize(1).Done(nn.NewRand(2))},
	}
	verifyCalls := 0
	err := s.UpdatePrunedLayers(args, func() error {
		verifyCalls++
		// Both blocks are installed when verify runs.
		assert.Same(t, args[0].NewBlock, must.M1(s.Block("block1")))
		assert.Same(t, args[1].NewBlock, must.M1(s.Block("block2.1")))
		return errors.New("forced failure")
	})
	require.ErrorContains(t, err, "forced failure")
	assert.Equal(t, 1, verifyCalls)
	assert.Same(t, block1, must.M1(s.Block("block1")))
	assert.Same(t, block21, must.M1(s.Block("block2.1")))
	assert.Empty(t, s.Replacements())
	assert.True(t, block1.(*nn.Conv2D).Weight.Value.Ok(), "nothing released on failure")

	x := testInput(7)
	_, _, err = s.Forward(x)
	require.NoError(t, err)
	assert.True(t, tensors.InDelta(must.M1(nn.Call(nn.NoGrad, nn.Clone(block1), x)), s.Hooks().StudentOutputs()[0], 1e-12),
		"probes rebound to the original blocks")
}

func TestReset(t *testing.T) {
	s := New(testTeacher())
	require.NoError(t, s.Replace(DistillationArgs{OldBlockPath: "block1", NewBlock: replacementConv(3)}))
	before := s.String()
	numTrainable := s.NumTrainableParams()
	block1 := must.M1(s.Block("block1"))

	for range 2 {
		require.ErrorIs(t, s.Reset(), ErrUnsupportedOperation)
	}
	assert.Equal(t, before, s.String())
	assert.Equal(t, numTrainable, s.NumTrainableParams())
	assert.Same(t, block1, must.M1(s.Block("block1")))
	assert.Len(t, s.Replacements(), 1)
}

func TestReplaceWithSeparable(t *testing.T) {
	s := New(testTeacher())
	require.NoError(t, s.ReplaceWithSeparable(nn.DefaultSeparableConfig, 3, "block1"))
	separable, ok := must.M1(s.Block("block1")).(*nn.Sequential)
	require.True(t, ok)
	require.Equal(t, 2, separable.Len())
	assert.Equal(t, 1, separable.At(0).(*nn.Conv2D).Groups())
	assert.Equal(t, 2, separable.At(1).(*nn.Conv2D).OutChannels())
	assert.Equal(t, nn.NumParameters(separable), nn.NumTrainableParameters(separable))

	y, err := s.Inference(testInput(1))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, y.Shape().Dimensions)

	require.ErrorIs(t, s.ReplaceWithSeparable(nn.DefaultSeparableConfig, 3, "block2"), ErrUnsupportedOperation)
}
