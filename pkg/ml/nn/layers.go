// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ReLU activation: max(x, 0).
type ReLU struct {
	Base
	mask []bool
}

var _ Block = (*ReLU)(nil)

// NewReLU creates a ReLU block.
func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Parameters() []*Parameter { return nil }
func (r *ReLU) Clone() Block             { return &ReLU{} }
func (r *ReLU) Release()                 { r.mask = nil }
func (r *ReLU) String() string           { return "ReLU()" }

// Forward implements Block.
func (r *ReLU) Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error) {
	y := x.Clone()
	data := y.Data()
	var mask []bool
	if pass.Grad {
		mask = make([]bool, len(data))
	}
	for i, v := range data {
		if v > 0 {
			if mask != nil {
				mask[i] = true
			}
		} else {
			data[i] = 0
		}
	}
	r.mask = mask
	return y, nil
}

// Backward implements Block.
func (r *ReLU) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	if r.mask == nil {
		return nil, errors.Wrapf(ErrNoForwardCache, "%s", r)
	}
	if grad.Size() != len(r.mask) {
		return nil, errors.Wrapf(ErrShape, "ReLU.Backward: gradient %s doesn't match forward output size %d",
			grad.Shape(), len(r.mask))
	}
	dx := grad.Clone()
	data := dx.Data()
	for i, keep := range r.mask {
		if !keep {
			data[i] = 0
		}
	}
	r.mask = nil
	return dx, nil
}

// Flatten reshapes [batch, ...] inputs to [batch, features].
type Flatten struct {
	Base
	inputShape *tensors.Shape
}

var _ Block = (*Flatten)(nil)

// NewFlatten creates a Flatten block.
func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Parameters() []*Parameter { return nil }
func (f *Flatten) Clone() Block             { return &Flatten{} }
func (f *Flatten) Release()                 { f.inputShape = nil }
func (f *Flatten) String() string           { return "Flatten()" }

// Forward implements Block.
func (f *Flatten) Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() < 1 {
		return nil, errors.Wrapf(ErrShape, "Flatten requires a batch axis, got scalar")
	}
	batch := x.Dim(0)
	features := 1
	if batch > 0 {
		features = x.Size() / batch
	}
	if pass.Grad {
		shape := x.Shape().Clone()
		f.inputShape = &shape
	} else {
		f.inputShape = nil
	}
	return x.Clone().Reshape(batch, features), nil
}

// Backward implements Block.
func (f *Flatten) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	if f.inputShape == nil {
		return nil, errors.Wrapf(ErrNoForwardCache, "%s", f)
	}
	shape := *f.inputShape
	f.inputShape = nil
	if grad.Size() != shape.Size() {
		return nil, errors.Wrapf(ErrShape, "Flatten.Backward: gradient %s doesn't match input %s", grad.Shape(), shape)
	}
	return grad.Clone().Reshape(shape.Dimensions...), nil
}

// Scale multiplies each feature (axis 1) by a learned factor.
// It accepts inputs shaped [batch, features, ...].
type Scale struct {
	Base

	// Weight is shaped [features], initialized to ones.
	Weight *Parameter

	input *tensors.Tensor
}

var _ Block = (*Scale)(nil)

// NewScale creates a trainable Scale block over the given number of features, initialized to the identity.
func NewScale(features int) *Scale {
	return &Scale{Weight: NewParameter("weight", tensors.Full(1, features), true)}
}

// Features returns the number of scaled features.
func (s *Scale) Features() int { return s.Weight.Value.Size() }

func (s *Scale) Parameters() []*Parameter { return []*Parameter{s.Weight} }
func (s *Scale) String() string           { return fmt.Sprintf("Scale(%d)", s.Features()) }

// Clone implements Block.
func (s *Scale) Clone() Block { return &Scale{Weight: s.Weight.Clone()} }

// Release implements Block.
func (s *Scale) Release() {
	s.Weight.Release()
	s.input = nil
}

// Forward implements Block.
func (s *Scale) Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error) {
	if !s.Weight.Value.Ok() {
		return nil, errors.New("Scale.Forward on a released block")
	}
	features := s.Features()
	if x.Rank() < 2 || x.Dim(1) != features {
		return nil, errors.Wrapf(ErrShape, "%s expects input shaped [batch, %d, ...], got %s", s, features, x.Shape())
	}
	y := x.Clone()
	if x.Size() > 0 {
		data, factors := y.Data(), s.Weight.Value.Data()
		inner := x.Size() / (x.Dim(0) * features)
		for i := range data {
			data[i] *= factors[(i/inner)%features]
		}
	}
	if pass.Grad {
		s.input = x
	} else {
		s.input = nil
	}
	return y, nil
}

// Backward implements Block.
func (s *Scale) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	x := s.input
	if x == nil {
		return nil, errors.Wrapf(ErrNoForwardCache, "%s", s)
	}
	s.input = nil
	if !grad.Shape().Equal(x.Shape()) {
		return nil, errors.Wrapf(ErrShape, "%s.Backward: gradient %s doesn't match input %s", s, grad.Shape(), x.Shape())
	}
	dx := grad.Clone()
	if x.Size() == 0 {
		return dx, nil
	}
	features := s.Features()
	inner := x.Size() / (x.Dim(0) * features)
	factors := s.Weight.Value.Data()
	dxData, xData, gData := dx.Data(), x.Data(), grad.Data()
	var dW *tensors.Tensor
	if s.Weight.Trainable {
		dW = tensors.ZerosLike(s.Weight.Value)
	}
	for i := range dxData {
		f := (i / inner) % features
		dxData[i] *= factors[f]
		if dW != nil {
			dW.Data()[f] += gData[i] * xData[i]
		}
	}
	if dW != nil {
		s.Weight.AccumulateGrad(dW)
	}
	return dx, nil
}
