// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn implements a small CPU neural network library built as a mutable tree of blocks.
//
// Blocks are either leaves (Conv2D, Linear, ReLU, Flatten, Scale) or containers (Sequential, Module)
// that address their children by index or by attribute name. Any block in a tree can be
// located by a dotted BlockPath (see Resolve) and swapped in place (see Replace), while the
// rest of the tree, its parameters and its probes stay valid.
//
// Probes are per-block observers: whenever a block is run through Call, its output is routed to
// its probes in registration order, and gradients injected through a probe are added to the
// block output gradient by Backprop. They are the mechanism used to capture intermediate features
// and to feed back hint losses.
//
// Each block caches what it needs for the backward pass during Forward (if Pass.Grad is set),
// hence a block object must appear at most once in a tree.
package nn

import (
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Pass configures one forward pass.
type Pass struct {
	// Grad indicates that a backward pass will follow, so blocks must cache their inputs.
	// With Grad set to false, no backward caches are kept.
	Grad bool
}

var (
	// Training is a Pass that keeps backward caches.
	Training = &Pass{Grad: true}

	// NoGrad is a Pass that doesn't keep backward caches, used for inference and for frozen teachers.
	NoGrad = &Pass{Grad: false}
)

var (
	// ErrShape is returned when a block is given an input with an unexpected shape.
	ErrShape = errors.New("shape mismatch")

	// ErrNoForwardCache is returned by Backward when no Forward with Pass.Grad set preceded it.
	ErrNoForwardCache = errors.New("backward called without a preceding forward pass with gradients")
)

// Block is a node of the model tree.
type Block interface {
	// Forward computes the output of the block. Containers should call their children through Call,
	// so probes are notified.
	Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error)

	// Backward takes the gradient with respect to the output of the last Forward, accumulates the
	// gradients of its trainable parameters and returns the gradient with respect to the input.
	// Containers should call their children through Backprop.
	Backward(grad *tensors.Tensor) (*tensors.Tensor, error)

	// Parameters returns the parameters owned directly by the block, not including its children's.
	// See NamedParameters to enumerate the parameters of a whole tree.
	Parameters() []*Parameter

	// Probes of the block.
	Probes() *ProbeSet

	// Clone returns a deep copy of the block, including its children, with new parameters and no probes.
	Clone() Block

	// Release drops the parameters and caches owned directly by the block.
	// See the function Release to release a whole tree.
	Release()
}

// Container is a Block with addressable children.
//
// Implementations must guard their child slots so that SetChild is a single atomic assignment:
// either the child is fully replaced or nothing changes.
type Container interface {
	Block

	// ChildNames returns the child segments in forward order.
	ChildNames() []string

	// Child returns the child for the segment, and whether it exists.
	Child(segment string) (Block, bool)

	// SetChild replaces an existing child. It fails (and the container is unchanged) if
	// the segment doesn't name an existing child, or if block is nil.
	SetChild(segment string, block Block) error
}

// Base implements the probes bookkeeping of a Block. It's meant to be embedded.
type Base struct {
	probes ProbeSet
}

// Probes implements Block.Probes.
func (b *Base) Probes() *ProbeSet { return &b.probes }

// Call runs block.Forward and routes the output to the block's probes, in registration order.
func Call(pass *Pass, block Block, x *tensors.Tensor) (*tensors.Tensor, error) {
	y, err := block.Forward(pass, x)
	if err != nil {
		return nil, err
	}
	if err := block.Probes().notify(pass, y); err != nil {
		return nil, err
	}
	return y, nil
}

// Backprop adds any gradient injected through the block's probes to grad, and then runs block.Backward.
// The grad tensor given is not modified.
func Backprop(block Block, grad *tensors.Tensor) (*tensors.Tensor, error) {
	g, err := block.Probes().collectInjected(grad)
	if err != nil {
		return nil, err
	}
	return block.Backward(g)
}
