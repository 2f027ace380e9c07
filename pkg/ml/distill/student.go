// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distill implements the teacher/student wrapper used for knowledge distillation with
// progressive block replacement.
//
// A Student owns two deep copies of a teacher tree: a frozen teacher and a trainable student. Blocks of
// the student can be replaced in place (see Student.UpdatePrunedLayers) while the paired hint layers
// (see Student.RegisterHintLayers) keep capturing features from the blocks currently installed.
package distill

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnsupportedOperation is returned by operations the Student doesn't support, like Reset
	// or relocating a block to a different path.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrAlreadyPruned is returned when replacing a path equal to, enclosing or nested inside a path
	// that was already replaced.
	ErrAlreadyPruned = errors.New("block already replaced")
)

// DistillationArgs describes one block replacement.
type DistillationArgs struct {
	// OldBlockPath is the path of the student block to replace.
	OldBlockPath string

	// NewBlock to install.
	NewBlock nn.Block

	// NewBlockPath where to install NewBlock. If empty it defaults to OldBlockPath.
	// Relocating a block to a different path is not supported.
	NewBlockPath string
}

// Replacement records a committed replacement, for reporting.
type Replacement struct {
	Path string

	// TeacherBlock is the block at Path in the teacher tree.
	TeacherBlock nn.Block

	// StudentBlock is the block installed at Path in the student tree.
	StudentBlock nn.Block
}

// Student wraps a frozen teacher and a student derived from it.
//
// It is meant to be used in a single goroutine: structural operations (replacements, hint registration)
// must not run concurrently with passes.
type Student struct {
	teacher, student nn.Block
	hooks            *HookManager
	replacements     []Replacement
}

// New creates a Student from teacher. The teacher is deep-cloned twice: once as the frozen teacher,
// once as the trainable student. The given tree is not referenced afterwards.
func New(teacher nn.Block) *Student {
	s := &Student{
		teacher: nn.Clone(teacher),
		student: nn.Clone(teacher),
	}
	nn.Freeze(s.teacher)
	nn.Unfreeze(s.student)
	s.hooks = NewHookManager(s.teacher, s.student)
	return s
}

// Teacher returns the root of the frozen teacher tree.
func (s *Student) Teacher() nn.Block { return s.teacher }

// Model returns the root of the student tree.
func (s *Student) Model() nn.Block { return s.student }

// Hooks returns the HookManager of the hint layers.
func (s *Student) Hooks() *HookManager { return s.hooks }

// Block resolves path in the student tree.
func (s *Student) Block(path string) (nn.Block, error) {
	return nn.Resolve(s.student, path)
}

// TeacherBlock resolves path in the teacher tree.
func (s *Student) TeacherBlock(path string) (nn.Block, error) {
	return nn.Resolve(s.teacher, path)
}

// RegisterHintLayers registers paired probes on the teacher and student blocks at the given paths.
// See HookManager.Register.
func (s *Student) RegisterHintLayers(paths ...string) error {
	return s.hooks.Register(paths...)
}

// Unfreeze marks the parameters of the student blocks at the given paths as trainable.
// All paths are resolved first: on error no parameter is changed.
func (s *Student) Unfreeze(paths ...string) error {
	blocks := make([]nn.Block, len(paths))
	for i, path := range paths {
		var err error
		if blocks[i], err = s.Block(path); err != nil {
			return errors.WithMessagef(err, "Student.Unfreeze")
		}
	}
	for _, b := range blocks {
		nn.Unfreeze(b)
	}
	return nil
}

// Freeze marks every parameter of the student as not trainable.
func (s *Student) Freeze() {
	nn.Freeze(s.student)
}

// IsReplaced returns whether path is equal to, or inside, a replaced path.
func (s *Student) IsReplaced(path string) bool {
	for _, r := range s.replacements {
		if path == r.Path || strings.HasPrefix(path, r.Path+".") {
			return true
		}
	}
	return false
}

// Replacements returns the committed replacements, in order.
func (s *Student) Replacements() []Replacement {
	return slices.Clone(s.replacements)
}

// Replace is UpdatePrunedLayers without a verification callback.
func (s *Student) Replace(args ...DistillationArgs) error {
	return s.UpdatePrunedLayers(args, nil)
}

// pendingReplacement is one validated entry of UpdatePrunedLayers.
type pendingReplacement struct {
	path                 string
	newBlock             nn.Block
	oldBlock, teacherBlk nn.Block
	installed            bool
}

// UpdatePrunedLayers installs all new blocks of args into the student, as one atomic operation.
//
// Every entry is validated first: paths must resolve on both trees, no two entries may address the same
// or nested paths, no entry may touch an already replaced path (ErrAlreadyPruned), and a new block can't
// be relocated to a different path (ErrUnsupportedOperation). Then the new blocks are installed, the hint
// probes rebound to the new block objects, and verify (if not nil) is called.
//
// If anything fails all installed blocks are rolled back and the student is left as it was. Only once
// everything succeeded the replacements are recorded and the displaced student blocks are released.
func (s *Student) UpdatePrunedLayers(args []DistillationArgs, verify func() error) (err error) {
	if len(args) == 0 {
		return nil
	}
	pending, err := s.validate(args)
	if err != nil {
		return err
	}

	defer func() {
		if err == nil {
			return
		}
		s.rollback(pending)
	}()

	for _, p := range pending {
		if err = nn.Replace(s.student, p.path, p.newBlock); err != nil {
			return errors.WithMessagef(err, "installing replacement blocks")
		}
		p.installed = true
	}
	if err = s.hooks.Rebind(); err != nil {
		return errors.WithMessagef(err, "rebinding hint layers after replacement")
	}
	if verify != nil {
		if err = verify(); err != nil {
			return errors.WithMessagef(err, "verifying replacement")
		}
	}

	// Commit.
	for _, p := range pending {
		s.replacements = append(s.replacements, Replacement{Path: p.path, TeacherBlock: p.teacherBlk, StudentBlock: p.newBlock})
		nn.Release(p.oldBlock)
		klog.V(1).Infof("replaced student block %q: %s -> %s", p.path, nn.Describe(p.teacherBlk), nn.Describe(p.newBlock))
	}
	return nil
}

func (s *Student) validate(args []DistillationArgs) ([]*pendingReplacement, error) {
	pending := make([]*pendingReplacement, 0, len(args))
	for i, arg := range args {
		path := arg.OldBlockPath
		if arg.NewBlock == nil {
			return nil, errors.Errorf("replacement #%d (%q): nil NewBlock", i, path)
		}
		if arg.NewBlockPath != "" && arg.NewBlockPath != path {
			return nil, errors.Wrapf(ErrUnsupportedOperation, "replacement #%d: relocating %q to %q", i, path, arg.NewBlockPath)
		}
		if path == "" {
			return nil, &nn.PathError{Path: path, Reason: "the root block can't be replaced"}
		}
		for _, r := range s.replacements {
			if nn.IsNested(path, r.Path) {
				return nil, errors.Wrapf(ErrAlreadyPruned, "replacement #%d: %q overlaps replaced block %q", i, path, r.Path)
			}
		}
		for _, other := range pending {
			if nn.IsNested(path, other.path) {
				return nil, errors.Errorf("replacement #%d: %q overlaps %q in the same update", i, path, other.path)
			}
			if other.newBlock == arg.NewBlock {
				return nil, errors.Errorf("replacement #%d: the same new block is used for %q and %q", i, other.path, path)
			}
		}
		oldBlock, err := s.Block(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "replacement #%d", i)
		}
		teacherBlock, err := s.TeacherBlock(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "replacement #%d", i)
		}
		if contains(s.student, arg.NewBlock) {
			return nil, errors.Errorf("replacement #%d (%q): new block is already part of the student", i, path)
		}
		pending = append(pending, &pendingReplacement{path: path, newBlock: arg.NewBlock, oldBlock: oldBlock, teacherBlk: teacherBlock})
	}
	return pending, nil
}

// contains returns whether block is part of the tree rooted at root.
func contains(root, block nn.Block) bool {
	found := false
	err := nn.Walk(root, func(_ string, b nn.Block) error {
		if b == block {
			found = true
			return nn.ErrStopWalk
		}
		return nil
	})
	return err == nil && found
}

// rollback re-installs the displaced blocks, in reverse order, and rebinds the hint probes to them.
func (s *Student) rollback(pending []*pendingReplacement) {
	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		if !p.installed {
			continue
		}
		if err := nn.Replace(s.student, p.path, p.oldBlock); err != nil {
			// Replace only fails on paths that don't resolve, and this one resolved moments ago.
			klog.Errorf("rolling back replacement of %q: %+v", p.path, err)
		}
		p.installed = false
	}
	if err := s.hooks.Rebind(); err != nil {
		klog.Errorf("rebinding hint layers after rollback: %+v", err)
	}
}

// ReplaceWithSeparable replaces the student convolutions at paths with depthwise-separable blocks sized
// from the corresponding teacher convolutions (same input/output channels and stride).
// The new blocks are freshly initialized and trainable, and installed atomically as with Replace.
func (s *Student) ReplaceWithSeparable(cfg nn.SeparableConfig, seed uint64, paths ...string) error {
	rng := nn.NewRand(seed)
	args := make([]DistillationArgs, len(paths))
	for i, path := range paths {
		teacherBlock, err := s.TeacherBlock(path)
		if err != nil {
			return errors.WithMessagef(err, "ReplaceWithSeparable")
		}
		conv, ok := teacherBlock.(*nn.Conv2D)
		if !ok {
			return errors.Wrapf(ErrUnsupportedOperation, "ReplaceWithSeparable(%q): block is %s, not a Conv2D",
				path, nn.Describe(teacherBlock))
		}
		blockCfg := cfg
		blockCfg.Stride = conv.Stride()
		separable, err := nn.NewDepthwiseSeparable(conv.InChannels(), conv.OutChannels(), blockCfg, rng)
		if err != nil {
			return errors.WithMessagef(err, "ReplaceWithSeparable(%q)", path)
		}
		args[i] = DistillationArgs{OldBlockPath: path, NewBlock: separable}
	}
	return s.Replace(args...)
}

// Forward runs the teacher (without backward caches) and then the student on x, capturing hint features.
// It returns the student and teacher outputs.
func (s *Student) Forward(x *tensors.Tensor) (studentOut, teacherOut *tensors.Tensor, err error) {
	s.hooks.Reset()
	err = exceptions.TryCatch[error](func() {
		var callErr error
		teacherOut, callErr = nn.Call(nn.NoGrad, s.teacher, x)
		if callErr != nil {
			panic(errors.WithMessagef(callErr, "teacher forward"))
		}
		studentOut, callErr = nn.Call(nn.Training, s.student, x)
		if callErr != nil {
			panic(errors.WithMessagef(callErr, "student forward"))
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if err = s.hooks.CheckFilled(true); err != nil {
		return nil, nil, err
	}
	return studentOut, teacherOut, nil
}

// Inference runs only the student, without backward caches.
func (s *Student) Inference(x *tensors.Tensor) (y *tensors.Tensor, err error) {
	s.hooks.Reset()
	err = exceptions.TryCatch[error](func() {
		var callErr error
		y, callErr = nn.Call(nn.NoGrad, s.student, x)
		if callErr != nil {
			panic(callErr)
		}
	})
	return
}

// Backward backpropagates grad (the gradient of the loss with respect to the student output) through the
// student, plus the hint gradients with respect to the captured student features (hintGrads may be nil,
// or have one entry per hint layer, with nil entries skipped).
func (s *Student) Backward(grad *tensors.Tensor, hintGrads []*tensors.Tensor) error {
	if hintGrads != nil {
		if err := s.hooks.InjectStudentGrads(hintGrads); err != nil {
			return err
		}
	}
	err := exceptions.TryCatch[error](func() {
		if _, err := nn.Backprop(s.student, grad); err != nil {
			panic(errors.WithMessagef(err, "student backward"))
		}
	})
	if err != nil {
		// Hinted blocks not reached keep their injected gradients otherwise.
		s.hooks.ClearStudentGrads()
	}
	return err
}

// ZeroGrad clears the gradients of the student.
func (s *Student) ZeroGrad() { nn.ZeroGrad(s.student) }

// Reset would undo the replacements, reverting the student to the teacher's blocks.
// It is not supported and always returns ErrUnsupportedOperation, without changing anything.
func (s *Student) Reset() error {
	return errors.Wrap(ErrUnsupportedOperation, "Student.Reset: reverting replaced blocks")
}

// Parameters returns the named parameters of the student.
func (s *Student) Parameters() []nn.NamedParameter { return nn.NamedParameters(s.student) }

// TrainableParameters returns the trainable parameters of the student.
func (s *Student) TrainableParameters() []*nn.Parameter { return nn.TrainableParameters(s.student) }

// NumTrainableParams returns the number of trainable elements (scalars) in the student.
func (s *Student) NumTrainableParams() int { return nn.NumTrainableParameters(s.student) }

// DumpTrainableParams returns a one-line report of the number of trainable parameters.
func (s *Student) DumpTrainableParams() string {
	return fmt.Sprintf("Trainable parameters: %d", s.NumTrainableParams())
}

// String implements fmt.Stringer: the student tree followed by the replacements table.
func (s *Student) String() string {
	return nn.Describe(s.student) + "\n" + s.DumpBlocksInfo()
}
