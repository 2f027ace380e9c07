// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kdp

import (
	"slices"

	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/pkg/errors"
)

// PlanEntry schedules the pruning of one student block.
type PlanEntry struct {
	// Name is the path of the block to prune, e.g. "features.3".
	Name string `yaml:"name" mapstructure:"name"`

	// Epoch at which the block is pruned, starting at 1. The pruning happens before the epoch's first step.
	Epoch int `yaml:"epoch" mapstructure:"epoch"`

	// CompressRate overrides the pruner default: the fraction of output units kept, in (0, 1].
	CompressRate *float64 `yaml:"compress_rate,omitempty" mapstructure:"compress_rate"`

	// LR overrides the optimizer default learning rate for the parameters of the new block.
	LR *float64 `yaml:"lr,omitempty" mapstructure:"lr"`
}

// Plan is the ordered list of pruning entries. Entries due in the same epoch are pruned in plan order.
type Plan []PlanEntry

// Validate checks that every entry has a valid path, epoch, compress rate and learning rate, and that no two
// entries address the same block or nested blocks.
func (p Plan) Validate() error {
	for i, entry := range p {
		if entry.Name == "" {
			return errors.Errorf("pruning plan entry #%d: empty block name", i)
		}
		if _, err := nn.ParsePath(entry.Name); err != nil {
			return errors.WithMessagef(err, "pruning plan entry #%d", i)
		}
		if entry.Epoch < 1 {
			return errors.Errorf("pruning plan entry #%d (%q): epoch must be >= 1, got %d", i, entry.Name, entry.Epoch)
		}
		if entry.CompressRate != nil && (*entry.CompressRate <= 0 || *entry.CompressRate > 1) {
			return errors.Errorf("pruning plan entry #%d (%q): compress_rate must be in (0, 1], got %g",
				i, entry.Name, *entry.CompressRate)
		}
		if entry.LR != nil && *entry.LR <= 0 {
			return errors.Errorf("pruning plan entry #%d (%q): lr must be > 0, got %g", i, entry.Name, *entry.LR)
		}
		for j, other := range p[:i] {
			if entry.Name == other.Name {
				return errors.Errorf("pruning plan entries #%d and #%d both prune %q", j, i, entry.Name)
			}
			if nn.IsNested(entry.Name, other.Name) {
				return errors.Errorf("pruning plan entries #%d (%q) and #%d (%q) address nested blocks",
					j, other.Name, i, entry.Name)
			}
		}
	}
	return nil
}

// Due returns the entries scheduled for epoch, in plan order.
func (p Plan) Due(epoch int) []PlanEntry {
	var due []PlanEntry
	for _, entry := range p {
		if entry.Epoch == epoch {
			due = append(due, entry)
		}
	}
	return due
}

// Epochs returns the sorted list of epochs with pruning events.
func (p Plan) Epochs() []int {
	epochs := make([]int, 0, len(p))
	for _, entry := range p {
		epochs = append(epochs, entry.Epoch)
	}
	slices.Sort(epochs)
	return slices.Compact(epochs)
}

// LastEpoch returns the last epoch with a pruning event, or 0 for an empty plan.
func (p Plan) LastEpoch() int {
	epochs := p.Epochs()
	if len(epochs) == 0 {
		return 0
	}
	return epochs[len(epochs)-1]
}
