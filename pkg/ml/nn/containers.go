// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Sequential runs its children in order, feeding the output of one to the next.
// Children are addressed by their index: "0", "1", ...
type Sequential struct {
	Base
	mu       sync.RWMutex
	children []Block
}

var _ Container = (*Sequential)(nil)

// NewSequential creates a Sequential with the given children.
func NewSequential(children ...Block) *Sequential {
	for i, child := range children {
		if child == nil {
			exceptions.Panicf("NewSequential: child #%d is nil", i)
		}
	}
	return &Sequential{children: slices.Clone(children)}
}

// Len returns the number of children.
func (s *Sequential) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.children)
}

// At returns the i-th child.
func (s *Sequential) At(i int) Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.children[i]
}

// Children returns a copy of the list of children.
func (s *Sequential) Children() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.children)
}

// ChildNames implements Container.
func (s *Sequential) ChildNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.children))
	for i := range s.children {
		names[i] = strconv.Itoa(i)
	}
	return names
}

func (s *Sequential) index(segment string) (int, bool) {
	idx, err := strconv.Atoi(segment)
	if err != nil || idx < 0 || idx >= len(s.children) || segment != strconv.Itoa(idx) {
		return 0, false
	}
	return idx, true
}

// Child implements Container.
func (s *Sequential) Child(segment string) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index(segment)
	if !ok {
		return nil, false
	}
	return s.children[idx], true
}

// SetChild implements Container.
func (s *Sequential) SetChild(segment string, block Block) error {
	if block == nil {
		return errors.Errorf("Sequential.SetChild(%q): nil block", segment)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index(segment)
	if !ok {
		return &PathError{Path: segment, Segment: segment,
			Reason: fmt.Sprintf("index out of range for Sequential of length %d", len(s.children))}
	}
	s.children[idx] = block
	return nil
}

func (s *Sequential) Parameters() []*Parameter { return nil }

// Clone implements Block.
func (s *Sequential) Clone() Block {
	children := s.Children()
	clones := make([]Block, len(children))
	for i, child := range children {
		clones[i] = child.Clone()
	}
	return &Sequential{children: clones}
}

// Release implements Block. Children are released by the function Release.
func (s *Sequential) Release() {}

// String implements fmt.Stringer.
func (s *Sequential) String() string {
	children := s.Children()
	parts := make([]string, len(children))
	for i, child := range children {
		parts[i] = blockString(child)
	}
	return "Sequential(" + strings.Join(parts, ", ") + ")"
}

// Forward implements Block.
func (s *Sequential) Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error) {
	var err error
	for i, child := range s.Children() {
		x, err = Call(pass, child, x)
		if err != nil {
			return nil, errors.WithMessagef(err, "Sequential child #%d", i)
		}
	}
	return x, nil
}

// Backward implements Block.
func (s *Sequential) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	children := s.Children()
	var err error
	for i := len(children) - 1; i >= 0; i-- {
		grad, err = Backprop(children[i], grad)
		if err != nil {
			return nil, errors.WithMessagef(err, "Sequential child #%d", i)
		}
	}
	return grad, nil
}

// Module runs named children in the order they were added, feeding the output of one to the next.
// Children are addressed by their attribute name.
type Module struct {
	Base
	mu       sync.RWMutex
	names    []string
	children map[string]Block
}

var _ Container = (*Module)(nil)

// NewModule creates an empty Module. Add children with Add.
func NewModule() *Module {
	return &Module{children: make(map[string]Block)}
}

// Add appends a named child and returns the module, so calls can be cascaded.
// It panics if the name is invalid or already used.
func (m *Module) Add(name string, block Block) *Module {
	if block == nil {
		exceptions.Panicf("Module.Add(%q): nil block", name)
	}
	if name == "" || strings.Contains(name, ".") || (name[0] >= '0' && name[0] <= '9') || name[0] == '-' || name[0] == '+' {
		exceptions.Panicf("Module.Add(%q): invalid attribute name", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.children[name]; found {
		exceptions.Panicf("Module.Add(%q): name already used", name)
	}
	m.names = append(m.names, name)
	m.children[name] = block
	return m
}

// ChildNames implements Container.
func (m *Module) ChildNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.names)
}

// Child implements Container.
func (m *Module) Child(segment string) (Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	child, found := m.children[segment]
	return child, found
}

// SetChild implements Container.
func (m *Module) SetChild(segment string, block Block) error {
	if block == nil {
		return errors.Errorf("Module.SetChild(%q): nil block", segment)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.children[segment]; !found {
		return &PathError{Path: segment, Segment: segment, Reason: "no such attribute in Module"}
	}
	m.children[segment] = block
	return nil
}

func (m *Module) orderedChildren() []Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	children := make([]Block, len(m.names))
	for i, name := range m.names {
		children[i] = m.children[name]
	}
	return children
}

func (m *Module) Parameters() []*Parameter { return nil }

// Clone implements Block.
func (m *Module) Clone() Block {
	names := m.ChildNames()
	children := m.orderedChildren()
	clone := NewModule()
	for i, name := range names {
		clone.Add(name, children[i].Clone())
	}
	return clone
}

// Release implements Block. Children are released by the function Release.
func (m *Module) Release() {}

// String implements fmt.Stringer.
func (m *Module) String() string {
	names := m.ChildNames()
	children := m.orderedChildren()
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + blockString(children[i])
	}
	return "Module(" + strings.Join(parts, ", ") + ")"
}

// Forward implements Block.
func (m *Module) Forward(pass *Pass, x *tensors.Tensor) (*tensors.Tensor, error) {
	names := m.ChildNames()
	var err error
	for i, child := range m.orderedChildren() {
		x, err = Call(pass, child, x)
		if err != nil {
			return nil, errors.WithMessagef(err, "Module child %q", names[i])
		}
	}
	return x, nil
}

// Backward implements Block.
func (m *Module) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	names := m.ChildNames()
	children := m.orderedChildren()
	var err error
	for i := len(children) - 1; i >= 0; i-- {
		grad, err = Backprop(children[i], grad)
		if err != nil {
			return nil, errors.WithMessagef(err, "Module child %q", names[i])
		}
	}
	return grad, nil
}

// blockString returns the block description, or its type if it doesn't implement fmt.Stringer.
func blockString(block Block) string {
	if s, ok := block.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", block)
}

// Describe returns a short description of the block: its String() if it implements fmt.Stringer,
// or its type otherwise.
func Describe(block Block) string {
	if block == nil {
		return "<nil>"
	}
	return blockString(block)
}
