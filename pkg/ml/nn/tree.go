// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/pkg/errors"
)

// ErrStopWalk can be returned by a Walk callback to stop the walk without an error.
var ErrStopWalk = errors.New("stop walk")

// Walk visits root and all its descendants in pre-order (forward order for containers),
// calling fn with the path of each block. The root has the empty path.
func Walk(root Block, fn func(path string, block Block) error) error {
	err := walk("", root, fn)
	if errors.Is(err, ErrStopWalk) {
		return nil
	}
	return err
}

func walk(path string, block Block, fn func(path string, block Block) error) error {
	if err := fn(path, block); err != nil {
		return err
	}
	container, ok := block.(Container)
	if !ok {
		return nil
	}
	for _, name := range container.ChildNames() {
		child, found := container.Child(name)
		if !found {
			continue
		}
		if err := walk(JoinPath(path, name), child, fn); err != nil {
			return err
		}
	}
	return nil
}

// NamedParameter is a parameter with its dotted name relative to the block it was enumerated from.
type NamedParameter struct {
	Name string
	*Parameter
}

// NamedParameters enumerates all parameters of the tree in pre-order, with names like "features.0.weight".
func NamedParameters(root Block) []NamedParameter {
	var params []NamedParameter
	_ = Walk(root, func(path string, block Block) error {
		for _, p := range block.Parameters() {
			params = append(params, NamedParameter{Name: JoinPath(path, p.Name), Parameter: p})
		}
		return nil
	})
	return params
}

// AllParameters returns all parameters of the tree in pre-order.
func AllParameters(root Block) []*Parameter {
	named := NamedParameters(root)
	params := make([]*Parameter, len(named))
	for i, np := range named {
		params[i] = np.Parameter
	}
	return params
}

// TrainableParameters returns the trainable parameters of the tree in pre-order.
func TrainableParameters(root Block) []*Parameter {
	var params []*Parameter
	for _, p := range AllParameters(root) {
		if p.Trainable {
			params = append(params, p)
		}
	}
	return params
}

// NumParameters returns the total number of elements of the parameters of the tree.
func NumParameters(root Block) int {
	var n int
	for _, p := range AllParameters(root) {
		n += p.Size()
	}
	return n
}

// NumTrainableParameters returns the total number of elements of the trainable parameters of the tree.
func NumTrainableParameters(root Block) int {
	var n int
	for _, p := range TrainableParameters(root) {
		n += p.Size()
	}
	return n
}

// SetTrainable sets the trainable flag of every parameter in the tree.
func SetTrainable(root Block, trainable bool) {
	for _, p := range AllParameters(root) {
		p.Trainable = trainable
	}
}

// Freeze marks every parameter of the tree as not trainable.
func Freeze(root Block) { SetTrainable(root, false) }

// Unfreeze marks every parameter of the tree as trainable.
func Unfreeze(root Block) { SetTrainable(root, true) }

// ZeroGrad drops the accumulated gradients of every parameter of the tree.
func ZeroGrad(root Block) {
	for _, p := range AllParameters(root) {
		p.ZeroGrad()
	}
}

// Clone returns a deep copy of the tree: new parameters (with new ids), no probes and no caches.
func Clone(root Block) Block {
	return root.Clone()
}

// Release drops values, gradients, caches and probes of every block of the tree.
// The tree is no longer usable afterwards.
func Release(root Block) {
	var blocks []Block
	_ = Walk(root, func(_ string, block Block) error {
		blocks = append(blocks, block)
		return nil
	})
	for _, block := range blocks {
		block.Probes().Clear()
		block.Release()
	}
}
