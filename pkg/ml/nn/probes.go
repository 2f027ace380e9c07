// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"slices"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ProbeFn is called with the output of a block every time the block is run through Call.
// An error aborts the forward pass.
type ProbeFn func(pass *Pass, output *tensors.Tensor) error

// Probe is a handle to an observer attached to a block. Remove detaches it.
type Probe struct {
	set      *ProbeSet
	fn       ProbeFn
	injected *tensors.Tensor
}

// ProbeSet is the ordered list of probes of a block.
type ProbeSet struct {
	probes []*Probe
}

// Add attaches a new probe and returns its handle.
func (s *ProbeSet) Add(fn ProbeFn) *Probe {
	p := &Probe{set: s, fn: fn}
	s.probes = append(s.probes, p)
	return p
}

// Len returns the number of attached probes.
func (s *ProbeSet) Len() int { return len(s.probes) }

// Clear detaches all probes.
func (s *ProbeSet) Clear() {
	for _, p := range s.probes {
		p.set = nil
		p.injected = nil
	}
	s.probes = nil
}

func (s *ProbeSet) notify(pass *Pass, y *tensors.Tensor) error {
	for _, p := range s.probes {
		if err := p.fn(pass, y); err != nil {
			return err
		}
	}
	return nil
}

// collectInjected returns grad plus all injected gradients, and clears the injected values.
// If nothing was injected grad itself is returned.
func (s *ProbeSet) collectInjected(grad *tensors.Tensor) (*tensors.Tensor, error) {
	g := grad
	for _, p := range s.probes {
		if p.injected == nil {
			continue
		}
		injected := p.injected
		p.injected = nil
		if !injected.Shape().Equal(grad.Shape()) {
			return nil, errors.Wrapf(ErrShape, "injected gradient shape %s doesn't match output gradient shape %s",
				injected.Shape(), grad.Shape())
		}
		if g == grad {
			g = grad.Clone()
		}
		g.AddInPlace(injected)
	}
	return g, nil
}

// Attached returns whether the probe is still attached to a block.
func (p *Probe) Attached() bool { return p.set != nil }

// Remove detaches the probe from its block. It's a no-op if already removed.
func (p *Probe) Remove() {
	if p.set == nil {
		return
	}
	p.set.probes = slices.DeleteFunc(p.set.probes, func(other *Probe) bool { return other == p })
	p.set = nil
	p.injected = nil
}

// ClearGrad drops any gradient injected since the last Backprop of the block.
func (p *Probe) ClearGrad() { p.injected = nil }

// InjectGrad adds g to the gradient of the block output, to be used by the next Backprop of the block.
// Multiple injections before a Backprop accumulate.
func (p *Probe) InjectGrad(g *tensors.Tensor) error {
	if p.set == nil {
		return errors.New("InjectGrad on a detached probe")
	}
	if p.injected == nil {
		p.injected = g.Clone()
		return nil
	}
	if !p.injected.Shape().Equal(g.Shape()) {
		return errors.Wrapf(ErrShape, "injected gradients with different shapes %s and %s", p.injected.Shape(), g.Shape())
	}
	p.injected.AddInPlace(g)
	return nil
}
