// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/kdp/pkg/core/tensors"
)

// Parameter holds a learnable value (aka. weight) of a Block, and the gradient accumulated for it
// during a backward pass.
//
// A Parameter has a process-unique id, which optimizers use to key their per-parameter state:
// a parameter is identified by the object, not by its name.
type Parameter struct {
	// Name of the parameter, local to the block that owns it (e.g.: "weight", "bias").
	// See NamedParameters for the full dotted name relative to some root block.
	Name string

	// Value is the current value of the parameter.
	Value *tensors.Tensor

	// Grad holds the accumulated gradient. It is nil until the first backward pass that reaches
	// the parameter, or after ZeroGrad.
	Grad *tensors.Tensor

	// Trainable indicates whether the parameter is trainable.
	// If set to false, blocks don't accumulate gradients for it and optimizers won't update it.
	Trainable bool

	id uint64
}

var parameterIDs atomic.Uint64

// NewParameter creates a new Parameter with a fresh id.
func NewParameter(name string, value *tensors.Tensor, trainable bool) *Parameter {
	return &Parameter{
		Name:      name,
		Value:     value,
		Trainable: trainable,
		id:        parameterIDs.Add(1),
	}
}

// ID returns the process-unique id of the parameter.
func (p *Parameter) ID() uint64 { return p.id }

// Size returns the number of elements of the parameter value.
func (p *Parameter) Size() int {
	if !p.Value.Ok() {
		return 0
	}
	return p.Value.Size()
}

// AccumulateGrad adds g to the parameter's gradient. It is a no-op if the parameter is not trainable.
func (p *Parameter) AccumulateGrad(g *tensors.Tensor) {
	if !p.Trainable {
		return
	}
	if p.Grad == nil {
		p.Grad = g.Clone()
		return
	}
	p.Grad.AddInPlace(g)
}

// ZeroGrad drops the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
}

// Clone returns a deep copy of the parameter value with a new id. Gradients are not copied.
func (p *Parameter) Clone() *Parameter {
	return NewParameter(p.Name, p.Value.Clone(), p.Trainable)
}

// Release drops the value and gradient of the parameter. The parameter is no longer usable afterwards.
func (p *Parameter) Release() {
	p.Value.Finalize()
	p.Value = nil
	p.Grad = nil
}

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	var shape tensors.Shape
	if p.Value.Ok() {
		shape = p.Value.Shape()
	}
	return fmt.Sprintf("%s%s(trainable=%v)", p.Name, shape, p.Trainable)
}
