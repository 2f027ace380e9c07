// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Shape represents the dimensions of a Tensor, one per axis, in row-major order.
//
// A Shape with no dimensions is a scalar (Size of 1).
type Shape struct {
	Dimensions []int
}

// MakeShape returns a Shape with the given dimensions. Dimensions must be >= 0.
func MakeShape(dimensions ...int) Shape {
	for _, dim := range dimensions {
		if dim < 0 {
			panicf("invalid shape dimensions %v: dimensions must be >= 0", dimensions)
		}
	}
	return Shape{Dimensions: slices.Clone(dimensions)}
}

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. A negative axis counts from the end,
// so Dim(-1) is the last axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Size returns the number of elements of the shape.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Equal compares two shapes.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// Check returns an error if the shape doesn't match the given dimensions.
func (s Shape) Check(dimensions ...int) error {
	if !slices.Equal(s.Dimensions, dimensions) {
		return errors.Errorf("shape %s doesn't match dimensions %v", s, dimensions)
	}
	return nil
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	parts := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
