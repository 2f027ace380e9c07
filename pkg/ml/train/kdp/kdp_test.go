// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kdp

import (
	"math"
	"testing"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/datasets"
	"github.com/gomlx/kdp/pkg/ml/distill"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/gomlx/kdp/pkg/ml/pruning"
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/gomlx/kdp/pkg/ml/train/losses"
	"github.com/gomlx/kdp/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// teacherCNN takes inputs shaped [batch, 1, 4, 4] and has 3 classes.
func teacherCNN() nn.Block {
	rng := nn.NewRand(11)
	return nn.NewModule().
		Add("features", nn.NewSequential(
			nn.NewConv2D(1, 4).KernelSize(3).PadSame().Done(rng),
			nn.NewReLU(),
			nn.NewConv2D(4, 4).KernelSize(3).Padding(1).Done(rng),
			nn.NewReLU(),
		)).
		Add("classifier", nn.NewSequential(
			nn.NewFlatten(),
			nn.NewLinear(4*4*4, 3).Done(rng),
		))
}

func sgdFactory(t *testing.T) optimizers.Factory {
	factory, err := optimizers.Config{Type: "sgd", Args: map[string]any{"lr": 0.1, "momentum": 0.9}}.Factory()
	require.NoError(t, err)
	return factory
}

func newPruner(t *testing.T) *pruning.Pruner {
	return must.M1(pruning.New(pruning.Config{CompressRate: 0.5, Transform: nn.DefaultSeparableConfig, Seed: 7}))
}

func newController(t *testing.T, plan Plan, options Options) (*Controller, *distill.Student) {
	student := distill.New(teacherCNN())
	if options.NewOptimizer == nil {
		options.NewOptimizer = sgdFactory(t)
	}
	c, err := New(student, newPruner(t), plan, options)
	require.NoError(t, err)
	return c, student
}

func trainableFlags(root nn.Block) map[*nn.Parameter]bool {
	flags := make(map[*nn.Parameter]bool)
	for _, p := range nn.AllParameters(root) {
		flags[p] = p.Trainable
	}
	return flags
}

func TestPlanValidate(t *testing.T) {
	plan := Plan{
		{Name: "features.0", Epoch: 1},
		{Name: "features.2", Epoch: 3, CompressRate: ptr(0.25)},
		{Name: "classifier.1", Epoch: 1, LR: ptr(0.01)},
	}
	require.NoError(t, plan.Validate())
	due := plan.Due(1)
	require.Len(t, due, 2)
	assert.Equal(t, "features.0", due[0].Name)
	assert.Equal(t, "classifier.1", due[1].Name)
	assert.Empty(t, plan.Due(2))
	assert.Equal(t, []int{1, 3}, plan.Epochs())
	assert.Equal(t, 3, plan.LastEpoch())
	assert.Equal(t, 0, Plan{}.LastEpoch())

	for name, bad := range map[string]Plan{
		"duplicate":    {{Name: "features.0", Epoch: 1}, {Name: "features.0", Epoch: 2}},
		"nested":       {{Name: "features", Epoch: 1}, {Name: "features.2", Epoch: 2}},
		"epoch":        {{Name: "features.0", Epoch: 0}},
		"rate zero":    {{Name: "features.0", Epoch: 1, CompressRate: ptr(0.0)}},
		"rate above 1": {{Name: "features.0", Epoch: 1, CompressRate: ptr(1.5)}},
		"lr":           {{Name: "features.0", Epoch: 1, LR: ptr(-1.0)}},
		"empty name":   {{Name: "", Epoch: 1}},
		"bad path":     {{Name: "features..0", Epoch: 1}},
		"same block, different spelling": {
			{Name: "features.1", Epoch: 1}, {Name: "features.01", Epoch: 1},
		},
	} {
		require.Error(t, bad.Validate(), "plan %q should be invalid", name)
	}
}

func TestNew(t *testing.T) {
	student := distill.New(teacherCNN())
	_, err := New(student, newPruner(t), Plan{{Name: "features.9", Epoch: 1}}, Options{NewOptimizer: sgdFactory(t)})
	require.ErrorIs(t, err, nn.ErrPathResolution)
	_, err = New(student, newPruner(t), nil, Options{})
	require.Error(t, err)

	c := must.M1(New(student, newPruner(t), nil, Options{NewOptimizer: sgdFactory(t)}))
	require.NotNil(t, c.Optimizer())
	assert.Nil(t, c.Scheduler())
	require.NoError(t, optimizers.CheckConsistency(c.Optimizer(), student.Model()))
	assert.Equal(t, student.NumTrainableParams(), optimizers.NumTrainable(c.Optimizer()))
}

func TestPruneTwoEntries(t *testing.T) {
	plan := Plan{
		{Name: "features.0", Epoch: 1},
		{Name: "features.2", Epoch: 1, LR: ptr(0.05), CompressRate: ptr(0.75)},
	}
	c, student := newController(t, plan, Options{})
	initial := c.Optimizer()

	event, err := c.Prune(1)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, []string{"features.0", "features.2"}, event.Paths)
	assert.True(t, event.NewOptimizer)
	assert.True(t, student.IsReplaced("features.0"))
	assert.True(t, student.IsReplaced("features.2"))
	assert.NotSame(t, initial, c.Optimizer())

	groups := c.Optimizer().ParamGroups()
	require.Len(t, groups, 2)
	assert.InDelta(t, 0.1, groups[0].LR, 1e-12)
	assert.InDelta(t, 0.05, groups[1].LR, 1e-12)

	// The pruned layers are frozen, the transform stages trainable, everything else frozen.
	block0 := must.M1(student.Block("features.0")).(*nn.Sequential)
	assert.Equal(t, 2, block0.At(0).(*nn.Conv2D).OutChannels())
	assert.Zero(t, nn.NumTrainableParameters(block0.At(0)))
	assert.Equal(t, nn.NumParameters(block0.At(1)), nn.NumTrainableParameters(block0.At(1)))
	block2 := must.M1(student.Block("features.2")).(*nn.Sequential)
	assert.Equal(t, 3, block2.At(0).(*nn.Conv2D).OutChannels())
	assert.Zero(t, nn.NumTrainableParameters(must.M1(student.Block("classifier"))))

	// Trainable parameters match the optimizer groups.
	require.NoError(t, optimizers.CheckConsistency(c.Optimizer(), student.Model()))
	assert.Equal(t, student.NumTrainableParams(), optimizers.NumTrainable(c.Optimizer()))
	assert.Equal(t, event.NumTrainable, student.NumTrainableParams())
	assert.Len(t, c.Events(), 1)

	infos := student.BlocksInfo()
	require.Len(t, infos, 2)
	assert.Equal(t, "features.0", infos[0].Path)
	assert.Equal(t, nn.NumParameters(must.M1(student.TeacherBlock("features.0"))), infos[0].TeacherNumParams)

	// Re-running the same epoch is rejected: the blocks are already pruned. Nothing changes.
	version := c.Optimizer().Version()
	_, err = c.Prune(1)
	require.ErrorIs(t, err, distill.ErrAlreadyPruned)
	assert.Equal(t, version, c.Optimizer().Version())
	assert.Same(t, block0, must.M1(student.Block("features.0")))
}

func TestPruneAtomicFailure(t *testing.T) {
	for name, secondEntry := range map[string]PlanEntry{
		"invalid ratio":     {Name: "features.2", Epoch: 1, CompressRate: ptr(0.1)},
		"unsupported layer": {Name: "features.1", Epoch: 1},
	} {
		t.Run(name, func(t *testing.T) {
			c, student := newController(t, Plan{{Name: "features.0", Epoch: 1}, secondEntry}, Options{})
			block0 := must.M1(student.Block("features.0"))
			block2 := must.M1(student.Block("features.2"))
			flags := trainableFlags(student.Model())
			opt := c.Optimizer()
			version := opt.Version()

			event, err := c.Prune(1)
			require.Error(t, err)
			assert.Nil(t, event)
			assert.ErrorContains(t, err, secondEntry.Name)
			if name == "invalid ratio" {
				assert.ErrorIs(t, err, pruning.ErrInvalidPruneRatio)
			} else {
				assert.ErrorIs(t, err, pruning.ErrUnsupportedLayer)
			}

			assert.False(t, student.IsReplaced("features.0"))
			assert.Empty(t, student.Replacements())
			assert.Same(t, block0, must.M1(student.Block("features.0")))
			assert.Same(t, block2, must.M1(student.Block("features.2")))
			assert.Equal(t, flags, trainableFlags(student.Model()))
			assert.Same(t, opt, c.Optimizer())
			assert.Equal(t, version, opt.Version())
			assert.Empty(t, c.Events())
		})
	}
}

func TestPruneSurgeryFailureRollsBack(t *testing.T) {
	factory := sgdFactory(t)
	calls := 0
	failing := func(params []*nn.Parameter) (optimizers.Interface, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("out of optimizers")
		}
		return factory(params)
	}
	c, student := newController(t, Plan{{Name: "features.0", Epoch: 1}, {Name: "features.2", Epoch: 1}},
		Options{NewOptimizer: failing})
	require.NoError(t, student.RegisterHintLayers("features.0"))
	block0 := must.M1(student.Block("features.0"))
	flags := trainableFlags(student.Model())
	opt := c.Optimizer()

	_, err := c.Prune(1)
	require.ErrorContains(t, err, "out of optimizers")
	require.ErrorContains(t, err, "features.0")
	assert.Empty(t, student.Replacements())
	assert.Same(t, block0, must.M1(student.Block("features.0")))
	assert.Equal(t, flags, trainableFlags(student.Model()))
	assert.Same(t, opt, c.Optimizer())

	// The hint probes are bound back to the original block.
	x := randomInput(2)
	_, _, err = student.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, 4, student.Hooks().StudentOutputs()[0].Dim(1))
}

func TestPruneAddsParamGroup(t *testing.T) {
	plan := Plan{
		{Name: "features.0", Epoch: 1},
		{Name: "features.2", Epoch: 2, LR: ptr(0.01)},
	}
	c, student := newController(t, plan, Options{KeepReplacedTrainable: true})

	first := must.M1(c.Prune(1))
	require.NotNil(t, first)
	assert.True(t, first.NewOptimizer)
	opt1 := c.Optimizer()
	require.Len(t, opt1.ParamGroups(), 1)

	second := must.M1(c.Prune(2))
	require.NotNil(t, second)
	assert.False(t, second.NewOptimizer)
	opt2 := c.Optimizer()
	assert.NotSame(t, opt1, opt2, "surgery works on a copy")
	require.Len(t, opt1.ParamGroups(), 1)
	groups := opt2.ParamGroups()
	require.Len(t, groups, 2)
	assert.InDelta(t, 0.01, groups[1].LR, 1e-12)
	assert.Greater(t, second.OptimizerVersion, first.OptimizerVersion)

	// The transform stage of the first replacement stays trainable.
	block0 := must.M1(student.Block("features.0")).(*nn.Sequential)
	assert.Equal(t, nn.NumParameters(block0.At(1)), nn.NumTrainableParameters(block0.At(1)))
	require.NoError(t, optimizers.CheckConsistency(opt2, student.Model()))
	assert.Equal(t, student.NumTrainableParams(), optimizers.NumTrainable(opt2))

	// No plan entry: everything but the retained transform stages is frozen.
	event, err := c.Prune(3)
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Same(t, opt2, c.Optimizer())
	block2 := must.M1(student.Block("features.2")).(*nn.Sequential)
	assert.Equal(t, nn.NumTrainableParameters(block0.At(1))+nn.NumTrainableParameters(block2.At(1)),
		student.NumTrainableParams())
}

func TestPruneNoOpEpochFreezes(t *testing.T) {
	c, student := newController(t, Plan{{Name: "features.0", Epoch: 2}}, Options{})
	event, err := c.Prune(1)
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Zero(t, student.NumTrainableParams())
	assert.Empty(t, student.Replacements())
}

func TestSurgeryRemovesStaleParameters(t *testing.T) {
	c, student := newController(t, Plan{{Name: "features.2", Epoch: 1}}, Options{})
	initial := c.Optimizer()
	oldBlock := must.M1(student.Block("features.2"))
	oldParams := oldBlock.Parameters()
	nn.Freeze(student.Model())
	newBlock := must.M1(newPruner(t).PruneBlock(oldBlock, 0.5))
	args := []distill.DistillationArgs{{OldBlockPath: "features.2", NewBlock: newBlock}}

	var s *surgery
	err := student.UpdatePrunedLayers(args, func() error {
		var err error
		// Pretend the student had trainable parameters: groups are added to a copy of the initial optimizer.
		s, err = c.surgery(c.plan, args, 1, 1)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.False(t, s.created)
	require.NotEmpty(t, oldParams)
	for _, p := range oldParams {
		for _, group := range s.optimizer.ParamGroups() {
			assert.NotContains(t, group.Params, p)
		}
	}
	assert.Greater(t, s.optimizer.Version(), initial.Version())
	require.NoError(t, optimizers.CheckConsistency(s.optimizer, student.Model()))
}

func TestControllerWithLoop(t *testing.T) {
	ds := must.M1(datasets.Synthetic("synthetic", datasets.SyntheticConfig{
		NumExamples: 12, NumClasses: 3, Channels: 1, Height: 4, Width: 4, Noise: 0.1, Seed: 3,
	})).BatchSize(4, false)
	schedulerFactory := must.M1(optimizers.SchedulerConfig{Type: "step", Args: map[string]any{"step_size": 1, "gamma": 0.5}}.Factory())
	plan := Plan{
		{Name: "features.0", Epoch: 1},
		{Name: "features.2", Epoch: 2},
	}
	c, student := newController(t, plan, Options{NewScheduler: schedulerFactory, KeepReplacedTrainable: true})
	require.NoError(t, student.RegisterHintLayers("features.0", "features.2"))

	lossFn := losses.Weighted(
		losses.Term{Weight: 1, Loss: losses.CrossEntropy},
		losses.Term{Weight: 0.5, Loss: losses.KnowledgeDistillation(2)},
		losses.Term{Weight: 0.1, Loss: losses.Hint},
	)
	trainer := train.NewTrainer(train.DistillModel(student), lossFn, c)
	loop := train.NewLoop(trainer)
	c.Attach(loop)
	var optimizersSeen []optimizers.Interface
	loop.OnEpochEnd("check", 0, func(loop *train.Loop, metrics []float64) error {
		optimizersSeen = append(optimizersSeen, trainer.Optimizer())
		return optimizers.CheckConsistency(trainer.Optimizer(), student.Model())
	})
	metrics, err := loop.RunEpochs(ds, 3)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(metrics[0]))

	events := c.Events()
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Epoch)
	assert.Equal(t, 2, events[1].Epoch)
	require.Len(t, optimizersSeen, 3)
	assert.Same(t, optimizersSeen[1], optimizersSeen[2])
	assert.Equal(t, 3, c.Scheduler().Epoch())

	// Hints are captured from the new blocks, with the original number of channels restored.
	_, _, err = student.Forward(randomInput(2))
	require.NoError(t, err)
	hints := student.Hooks().StudentOutputs()
	require.Len(t, hints, 2)
	assert.Equal(t, []int{2, 4, 4, 4}, hints[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 4, 4}, hints[1].Shape().Dimensions)
}

func randomInput(batchSize int) *tensors.Tensor {
	x := tensors.Zeros(batchSize, 1, 4, 4)
	nn.Uniform(nn.NewRand(5), 1, x)
	return x
}
