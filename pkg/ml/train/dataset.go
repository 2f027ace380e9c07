// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import "github.com/gomlx/kdp/pkg/core/tensors"

// Batch is one yield of a Dataset: the model inputs and the labels.
type Batch struct {
	Inputs *tensors.Tensor
	Labels *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if !b.Inputs.Ok() || b.Inputs.Rank() == 0 {
		return 0
	}
	return b.Inputs.Dim(0)
}

// Dataset for a train.Loop or for evaluation.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Yield one batch. At the end of the dataset (an epoch) it returns io.EOF, and it shouldn't be
	// called again until Reset is called.
	Yield() (Batch, error)

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another evaluation on a test dataset.
	Reset()
}
