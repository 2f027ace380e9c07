// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kdp implements knowledge distillation with progressive pruning: a Controller that, at the epochs
// named by a pruning Plan, replaces student blocks by pruned equivalents and keeps the optimizer in sync.
//
// A pruning event is all-or-nothing: the due blocks are pruned, installed in one atomic replacement, and the
// optimizer surgery is verified before anything is committed. On failure the student, its trainable flags
// and the optimizer are left as they were.
//
// Example:
//
//	controller, err := kdp.New(student, pruner, plan, kdp.Options{NewOptimizer: factory})
//	if err != nil { ... }
//	trainer := train.NewTrainer(train.DistillModel(student), lossFn, controller)
//	loop := train.NewLoop(trainer)
//	controller.Attach(loop)
//	_, err = loop.RunEpochs(ds, numEpochs)
package kdp

import (
	"slices"
	"strings"

	"github.com/gomlx/kdp/pkg/ml/distill"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/gomlx/kdp/pkg/ml/pruning"
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/gomlx/kdp/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of a Controller.
type Options struct {
	// NewOptimizer creates optimizers: the initial one, over the trainable student parameters, and the
	// one replacing it when a pruning event starts with no trainable parameters. Required.
	NewOptimizer optimizers.Factory

	// NewScheduler creates the learning rate scheduler paired with each new optimizer. Optional.
	NewScheduler optimizers.SchedulerFactory

	// KeepReplacedTrainable keeps the transform stage of previously replaced blocks trainable across
	// pruning events, instead of freezing them with the rest of the student.
	KeepReplacedTrainable bool
}

// Event describes a committed pruning event.
type Event struct {
	Epoch            int
	Paths            []string
	NewOptimizer     bool
	NumTrainable     int
	OptimizerVersion int
}

// Controller drives the progressive pruning of a student. It implements train.OptimizerSource, so the
// Trainer always uses the optimizer of the last committed event.
type Controller struct {
	student *distill.Student
	pruner  *pruning.Pruner
	plan    Plan
	options Options

	optimizer optimizers.Interface
	scheduler optimizers.Scheduler
	events    []Event

	// replaced holds the blocks installed by the controller: Sequential{pruned, transform}.
	replaced []*nn.Sequential
}

var _ train.OptimizerSource = (*Controller)(nil)

// New creates a Controller for student. The plan is validated and every entry must resolve in the student.
// The initial optimizer (and scheduler) are created with the factories over the trainable student parameters.
func New(student *distill.Student, pruner *pruning.Pruner, plan Plan, options Options) (*Controller, error) {
	if student == nil || pruner == nil {
		return nil, errors.New("kdp.New: student and pruner are required")
	}
	if options.NewOptimizer == nil {
		return nil, errors.New("kdp.New: Options.NewOptimizer is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	for i, entry := range plan {
		if _, err := student.Block(entry.Name); err != nil {
			return nil, errors.WithMessagef(err, "pruning plan entry #%d (epoch %d)", i, entry.Epoch)
		}
	}
	c := &Controller{
		student: student,
		pruner:  pruner,
		plan:    slices.Clone(plan),
		options: options,
	}
	var err error
	c.optimizer, c.scheduler, err = c.newOptimizer(student.TrainableParameters())
	if err != nil {
		return nil, errors.WithMessagef(err, "kdp.New: creating initial optimizer")
	}
	return c, nil
}

func (c *Controller) newOptimizer(params []*nn.Parameter) (optimizers.Interface, optimizers.Scheduler, error) {
	opt, err := c.options.NewOptimizer(params)
	if err != nil {
		return nil, nil, err
	}
	if c.options.NewScheduler == nil {
		return opt, nil, nil
	}
	scheduler, err := c.options.NewScheduler()
	if err != nil {
		return nil, nil, err
	}
	return opt, scheduler, nil
}

// Student being pruned.
func (c *Controller) Student() *distill.Student { return c.student }

// Plan returns a copy of the pruning plan.
func (c *Controller) Plan() Plan { return slices.Clone(c.plan) }

// Optimizer implements train.OptimizerSource.
func (c *Controller) Optimizer() optimizers.Interface { return c.optimizer }

// Scheduler implements train.OptimizerSource.
func (c *Controller) Scheduler() optimizers.Scheduler { return c.scheduler }

// Events returns the committed pruning events, in order.
func (c *Controller) Events() []Event { return slices.Clone(c.events) }

// Attach registers the controller to prune at the start of each epoch of loop. The Loop epochs start at 0,
// the plan epochs at 1.
func (c *Controller) Attach(loop *train.Loop) {
	loop.OnEpochStart("kdp.Controller", -100, c.OnEpochStart)
}

// OnEpochStart is a train.OnEpochStartFn that calls Prune for the starting epoch.
func (c *Controller) OnEpochStart(loop *train.Loop) error {
	_, err := c.Prune(loop.Epoch + 1)
	return err
}

// trainableSnapshot holds the trainable flags of a tree.
type trainableSnapshot map[*nn.Parameter]bool

func snapshotTrainable(root nn.Block) trainableSnapshot {
	snapshot := make(trainableSnapshot)
	for _, p := range nn.AllParameters(root) {
		snapshot[p] = p.Trainable
	}
	return snapshot
}

func (s trainableSnapshot) restore() {
	for p, trainable := range s {
		p.Trainable = trainable
	}
}

// retainReplaced re-unfreezes the transform stage of the blocks replaced so far by the controller.
func (c *Controller) retainReplaced() {
	for _, seq := range c.replaced {
		nn.Unfreeze(seq.At(1))
	}
}

// Prune runs the pruning event of epoch (epochs start at 1), before the epoch's first training step:
//
//  1. All student parameters are frozen (and, with Options.KeepReplacedTrainable, the transform stages
//     of previous replacements unfrozen). If no plan entry is due, it returns nil.
//  2. Each due block is pruned, with the entry compress rate or the pruner default.
//  3. All new blocks are installed in one atomic replacement.
//  4. Optimizer surgery, in plan order: if the event starts with no trainable parameters, a new optimizer
//     (and scheduler) is created for the first new block, otherwise each new block is added to (a copy of)
//     the current optimizer as a new parameter group. Parameters no longer in the student are then removed,
//     and the optimizer consistency is checked.
//
// Any failure restores the trainable flags, the student blocks and the optimizer, and is returned with the
// failing plan entry. Failures are not retried.
func (c *Controller) Prune(epoch int) (event *Event, err error) {
	model := c.student.Model()
	snapshot := snapshotTrainable(model)
	defer func() {
		if err != nil {
			snapshot.restore()
		}
	}()
	nn.Freeze(model)
	if c.options.KeepReplacedTrainable {
		c.retainReplaced()
	}

	due := c.plan.Due(epoch)
	if len(due) == 0 {
		return nil, nil
	}
	paths := make([]string, len(due))
	for i, entry := range due {
		paths[i] = entry.Name
	}
	klog.Infof("epoch %d: pruning layer(s) %q", epoch, paths)
	numTrainableBefore := nn.NumTrainableParameters(model)

	args := make([]distill.DistillationArgs, len(due))
	newBlocks := make([]*nn.Sequential, len(due))
	for i, entry := range due {
		if c.student.IsReplaced(entry.Name) {
			return nil, entryError(errors.Wrap(distill.ErrAlreadyPruned, "block already replaced"), epoch, entry)
		}
		block, err := c.student.Block(entry.Name)
		if err != nil {
			return nil, entryError(err, epoch, entry)
		}
		rate := c.pruner.CompressRate()
		if entry.CompressRate != nil {
			rate = *entry.CompressRate
		}
		newBlock, err := c.pruner.PruneBlock(block, rate)
		if err != nil {
			return nil, entryError(err, epoch, entry)
		}
		klog.V(1).Infof("%s compress rate: %g", nn.Describe(block), rate)
		args[i] = distill.DistillationArgs{OldBlockPath: entry.Name, NewBlock: newBlock}
		newBlocks[i] = newBlock
	}

	var s *surgery
	verify := func() error {
		var err error
		s, err = c.surgery(due, args, numTrainableBefore, epoch)
		return err
	}
	if err = c.student.UpdatePrunedLayers(args, verify); err != nil {
		return nil, errors.WithMessagef(err, "pruning event at epoch %d (%s)", epoch, strings.Join(paths, ", "))
	}

	// Commit.
	c.optimizer, c.scheduler = s.optimizer, s.scheduler
	c.replaced = append(c.replaced, newBlocks...)
	event = &Event{
		Epoch:            epoch,
		Paths:            paths,
		NewOptimizer:     s.created,
		NumTrainable:     c.student.NumTrainableParams(),
		OptimizerVersion: c.optimizer.Version(),
	}
	c.events = append(c.events, *event)
	klog.Infof("%s", c.student.DumpTrainableParams())
	klog.Infof("Replaced blocks:\n%s", c.student.DumpBlocksInfo())
	return event, nil
}

func entryError(err error, epoch int, entry PlanEntry) error {
	return errors.WithMessagef(err, "pruning plan entry %q (epoch %d)", entry.Name, epoch)
}

// surgery is the result of an optimizer surgery, not yet committed.
type surgery struct {
	optimizer optimizers.Interface
	scheduler optimizers.Scheduler
	created   bool
}

// surgery builds the optimizer for the student once the new blocks are installed. The current optimizer
// is never changed: groups are added to a clone.
func (c *Controller) surgery(due []PlanEntry, args []distill.DistillationArgs, numTrainableBefore, epoch int) (*surgery, error) {
	s := &surgery{scheduler: c.scheduler}
	for i, entry := range due {
		params := nn.AllParameters(args[i].NewBlock)
		var lr float64
		if entry.LR != nil {
			lr = *entry.LR
		}
		if i == 0 && numTrainableBefore == 0 {
			klog.V(1).Infof("epoch %d: no trainable parameters left, creating new optimizer for %q", epoch, entry.Name)
			opt, scheduler, err := c.newOptimizer(params)
			if err != nil {
				return nil, entryError(errors.WithMessagef(err, "creating new optimizer"), epoch, entry)
			}
			if entry.LR != nil {
				opt.SetLR(lr)
			}
			s.optimizer, s.scheduler, s.created = opt, scheduler, true
			continue
		}
		if s.optimizer == nil {
			if c.optimizer == nil {
				return nil, entryError(errors.Wrap(optimizers.ErrOptimizerInconsistency, "no optimizer to add the parameters to"), epoch, entry)
			}
			s.optimizer = c.optimizer.Clone()
		}
		if err := s.optimizer.AddParamGroup(params, lr); err != nil {
			return nil, entryError(errors.WithMessagef(err, "adding parameter group"), epoch, entry)
		}
	}

	// Remove parameters of the displaced blocks.
	live := make(map[*nn.Parameter]bool)
	for _, p := range nn.AllParameters(c.student.Model()) {
		live[p] = true
	}
	var stale []*nn.Parameter
	for _, group := range s.optimizer.ParamGroups() {
		for _, p := range group.Params {
			if !live[p] {
				stale = append(stale, p)
			}
		}
	}
	if len(stale) > 0 {
		removed := s.optimizer.RemoveParams(stale...)
		klog.V(1).Infof("epoch %d: removed %d stale parameters from optimizer %q", epoch, removed, s.optimizer.Name())
	}
	if err := optimizers.CheckConsistency(s.optimizer, c.student.Model()); err != nil {
		return nil, errors.WithMessagef(err, "epoch %d: after optimizer surgery", epoch)
	}
	return s, nil
}
