// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a dense multidimensional array of float64 values stored
// locally in row-major order.
//
// It is the value type flowing through the blocks of package nn: activations, weights and
// gradients are all Tensors.
//
// There are a few ways to construct a Tensor:
//
//   - Zeros(dimensions...): a tensor with the given dimensions, filled with zeros.
//   - Full(value, dimensions...): a tensor filled with the given value.
//   - FromData(data, dimensions...): takes ownership of a flat slice of float64.
//   - FromValues(values, dimensions...): converts a flat slice of any integer or float type.
//
// Programmer errors, like mismatched sizes, panic with an error (see github.com/gomlx/exceptions).
// Public entry points of higher level packages convert those back to errors.
package tensors

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

var panicf = exceptions.Panicf

// Tensor is a dense multidimensional array of float64.
type Tensor struct {
	shape Shape
	data  []float64
}

// Zeros creates a Tensor with the given dimensions filled with zeros.
func Zeros(dimensions ...int) *Tensor {
	shape := MakeShape(dimensions...)
	return &Tensor{shape: shape, data: make([]float64, shape.Size())}
}

// ZerosLike creates a Tensor with the same shape as t, filled with zeros.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.shape.Dimensions...)
}

// Full creates a Tensor with the given dimensions filled with value.
func Full(value float64, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	t.Fill(value)
	return t
}

// FromData creates a Tensor that takes ownership of data. The size of data must match the dimensions.
func FromData(data []float64, dimensions ...int) *Tensor {
	shape := MakeShape(dimensions...)
	if shape.Size() != len(data) {
		panicf("tensors.FromData: data has %d elements, but dimensions %v require %d", len(data), dimensions, shape.Size())
	}
	return &Tensor{shape: shape, data: data}
}

// FromValues converts values of any numeric type into a new Tensor with the given dimensions.
// If no dimensions are given, the Tensor is 1D with len(values) elements.
func FromValues[T constraints.Integer | constraints.Float](values []T, dimensions ...int) *Tensor {
	if len(dimensions) == 0 {
		dimensions = []int{len(values)}
	}
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return FromData(data, dimensions...)
}

// Ok returns whether the tensor is non-nil and holds data.
func (t *Tensor) Ok() bool {
	return t != nil && t.data != nil
}

// Shape of the tensor.
func (t *Tensor) Shape() Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the flat underlying data. It is not a copy: changes are reflected in the Tensor.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: t.shape.Clone(), data: data}
}

// Reshape returns a tensor sharing the same data with new dimensions. The total size must not change.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := MakeShape(dimensions...)
	if shape.Size() != t.Size() {
		panicf("Tensor.Reshape(%v): size %d doesn't match tensor size %d (shape=%s)",
			dimensions, shape.Size(), t.Size(), t.shape)
	}
	return &Tensor{shape: shape, data: t.data}
}

// Row returns a view (sharing data) of the i-th slice along the first axis.
func (t *Tensor) Row(i int) *Tensor {
	if t.Rank() == 0 || i < 0 || i >= t.shape.Dimensions[0] {
		panicf("Tensor.Row(%d) out-of-bounds for shape %s", i, t.shape)
	}
	rowSize := t.Size() / t.shape.Dimensions[0]
	return &Tensor{
		shape: MakeShape(t.shape.Dimensions[1:]...),
		data:  t.data[i*rowSize : (i+1)*rowSize],
	}
}

// flatIndex converts indices to the position in the flat data.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.Rank() {
		panicf("Tensor index %v has %d indices, tensor has rank %d", indices, len(indices), t.Rank())
	}
	idx := 0
	for axis, i := range indices {
		dim := t.shape.Dimensions[axis]
		if i < 0 || i >= dim {
			panicf("Tensor index %v out-of-bounds for shape %s", indices, t.shape)
		}
		idx = idx*dim + i
	}
	return idx
}

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set the value at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

// AddInPlace adds other to t, element-wise. Shapes must have the same size.
func (t *Tensor) AddInPlace(other *Tensor) {
	if t.Size() != other.Size() {
		panicf("Tensor.AddInPlace: shapes %s and %s don't match", t.shape, other.shape)
	}
	floats.Add(t.data, other.data)
}

// ScaleInPlace multiplies every element of t by factor.
func (t *Tensor) ScaleInPlace(factor float64) {
	floats.Scale(factor, t.data)
}

// Finalize drops the tensor data immediately, so it doesn't wait for the garbage collector
// to free a tensor that is no longer referenced elsewhere. The tensor becomes invalid (Ok() == false).
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.data = nil
}

// HasNaNOrInf returns whether any element is NaN or infinite.
func (t *Tensor) HasNaNOrInf() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// InDelta returns whether a and b have the same shape and all elements are within delta of each other.
func InDelta(a, b *Tensor, delta float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	return floats.EqualApprox(a.data, b.data, delta)
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "<invalid tensor>"
	}
	const maxValues = 16
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s{", t.shape)
	for i, v := range t.data {
		if i == maxValues {
			fmt.Fprintf(&sb, ", ... (%d more)", len(t.data)-maxValues)
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}
