// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distill

import (
	"slices"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrHookSignal is wrapped by errors in capturing hint features or injecting hint gradients.
var ErrHookSignal = errors.New("hint hook failure")

// HookManager captures the outputs of paired teacher and student blocks (the "hint layers")
// during a forward pass.
//
// Each registered path gets one slot in the teacher buffer and one in the student buffer, in
// registration order. A probe always writes to the slot of its registration index, so nested
// hint blocks (an outer block fires after the blocks inside it) still produce buffers in
// registration order.
//
// Teacher captures are detached copies. Student captures are the live outputs, and gradients for
// them (from a hint loss) can be fed back with InjectStudentGrads before the student's backward pass.
type HookManager struct {
	teacher, student nn.Block

	paths                        []string
	teacherProbes, studentProbes []*nn.Probe

	teacherOutputs, studentOutputs []*tensors.Tensor
}

// NewHookManager creates a HookManager for the given trees.
func NewHookManager(teacher, student nn.Block) *HookManager {
	return &HookManager{teacher: teacher, student: student}
}

// Len returns the number of registered paths.
func (h *HookManager) Len() int { return len(h.paths) }

// Paths returns the registered paths, in registration order.
func (h *HookManager) Paths() []string { return slices.Clone(h.paths) }

// Register adds hint paths, resolved on both trees.
//
// It is atomic: if any path fails to resolve on either tree, or is already registered (or repeated),
// nothing is attached.
func (h *HookManager) Register(paths ...string) error {
	type pair struct{ teacher, student nn.Block }
	pairs := make([]pair, len(paths))
	for i, path := range paths {
		if slices.Contains(h.paths, path) || slices.Contains(paths[:i], path) {
			return errors.Wrapf(ErrHookSignal, "hint path %q registered twice", path)
		}
		tBlock, err := nn.Resolve(h.teacher, path)
		if err != nil {
			return errors.WithMessagef(err, "registering teacher hint")
		}
		sBlock, err := nn.Resolve(h.student, path)
		if err != nil {
			return errors.WithMessagef(err, "registering student hint")
		}
		pairs[i] = pair{tBlock, sBlock}
	}
	for i, path := range paths {
		slot := len(h.paths)
		h.paths = append(h.paths, path)
		h.teacherProbes = append(h.teacherProbes, h.attach(pairs[i].teacher, slot, true))
		h.studentProbes = append(h.studentProbes, h.attach(pairs[i].student, slot, false))
	}
	h.teacherOutputs = make([]*tensors.Tensor, len(h.paths))
	h.studentOutputs = make([]*tensors.Tensor, len(h.paths))
	klog.V(1).Infof("registered hint layers %q", paths)
	return nil
}

func (h *HookManager) attach(block nn.Block, slot int, teacher bool) *nn.Probe {
	return block.Probes().Add(func(_ *nn.Pass, y *tensors.Tensor) error {
		buffer, side := h.studentOutputs, "student"
		if teacher {
			buffer, side = h.teacherOutputs, "teacher"
		}
		if slot >= len(buffer) {
			return errors.Wrapf(ErrHookSignal, "%s hint slot %d out of range", side, slot)
		}
		if buffer[slot] != nil {
			return errors.Wrapf(ErrHookSignal, "%s hint %q fired twice in one pass: a block must appear once in the tree",
				side, h.paths[slot])
		}
		if teacher {
			y = y.Clone()
		}
		buffer[slot] = y
		return nil
	})
}

// UnregisterAll detaches every probe and forgets every path. It can be called multiple times.
func (h *HookManager) UnregisterAll() {
	h.detach()
	h.paths = nil
	h.teacherProbes, h.studentProbes = nil, nil
	h.teacherOutputs, h.studentOutputs = nil, nil
}

func (h *HookManager) detach() {
	for _, p := range h.teacherProbes {
		p.Remove()
	}
	for _, p := range h.studentProbes {
		p.Remove()
	}
}

// Rebind re-attaches the probes to the blocks currently at the registered paths, which is needed after
// any block on a hint path was replaced.
//
// It is atomic: if any path no longer resolves, the current probes are left untouched.
func (h *HookManager) Rebind() error {
	teacherBlocks := make([]nn.Block, len(h.paths))
	studentBlocks := make([]nn.Block, len(h.paths))
	for i, path := range h.paths {
		var err error
		if teacherBlocks[i], err = nn.Resolve(h.teacher, path); err != nil {
			return errors.WithMessagef(err, "rebinding teacher hint")
		}
		if studentBlocks[i], err = nn.Resolve(h.student, path); err != nil {
			return errors.WithMessagef(err, "rebinding student hint")
		}
	}
	h.detach()
	for i := range h.paths {
		h.teacherProbes[i] = h.attach(teacherBlocks[i], i, true)
		h.studentProbes[i] = h.attach(studentBlocks[i], i, false)
	}
	h.Reset()
	return nil
}

// Reset clears both buffers. It must be called once at the start of each forward pass.
func (h *HookManager) Reset() {
	clear(h.teacherOutputs)
	clear(h.studentOutputs)
}

// TeacherOutputs returns the captured teacher features, in registration order.
func (h *HookManager) TeacherOutputs() []*tensors.Tensor { return slices.Clone(h.teacherOutputs) }

// StudentOutputs returns the captured student features, in registration order.
func (h *HookManager) StudentOutputs() []*tensors.Tensor { return slices.Clone(h.studentOutputs) }

// CheckFilled returns an error if any slot wasn't captured during the last pass.
// If teacher is false only the student buffer is checked.
func (h *HookManager) CheckFilled(teacher bool) error {
	for i, path := range h.paths {
		if teacher && h.teacherOutputs[i] == nil {
			return errors.Wrapf(ErrHookSignal, "teacher hint %q was not captured in the forward pass", path)
		}
		if h.studentOutputs[i] == nil {
			return errors.Wrapf(ErrHookSignal, "student hint %q was not captured in the forward pass", path)
		}
	}
	return nil
}

// InjectStudentGrads feeds the gradients of a hint loss with respect to the captured student features
// back to the student blocks. It must be called before the student backward pass.
// A nil entry is skipped. On error, nothing is left injected.
func (h *HookManager) InjectStudentGrads(grads []*tensors.Tensor) (err error) {
	defer func() {
		if err != nil {
			h.ClearStudentGrads()
		}
	}()
	if len(grads) != len(h.paths) {
		return errors.Wrapf(ErrHookSignal, "got %d hint gradients for %d hint layers", len(grads), len(h.paths))
	}
	for i, g := range grads {
		if g == nil {
			continue
		}
		if captured := h.studentOutputs[i]; captured != nil && !captured.Shape().Equal(g.Shape()) {
			return errors.Wrapf(ErrHookSignal, "hint gradient for %q shaped %s, but captured feature is shaped %s",
				h.paths[i], g.Shape(), captured.Shape())
		}
		if err := h.studentProbes[i].InjectGrad(g); err != nil {
			return errors.Wrapf(ErrHookSignal, "hint %q: %v", h.paths[i], err)
		}
	}
	return nil
}

// ClearStudentGrads drops the hint gradients injected and not yet consumed by a student backward pass.
func (h *HookManager) ClearStudentGrads() {
	for _, p := range h.studentProbes {
		p.ClearGrad()
	}
}
