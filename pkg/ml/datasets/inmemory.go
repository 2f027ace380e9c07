/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package datasets

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/kdp/pkg/core/tensors"
	"github.com/gomlx/kdp/pkg/ml/nn"
	"github.com/gomlx/kdp/pkg/ml/train"
	"github.com/pkg/errors"
)

// InMemoryDataset represents a Dataset that is completely held in memory: one inputs tensor and one labels
// tensor, whose first axis is the example index.
//
// It supports batching and (seeded) shuffling. It yields io.EOF at the end of each epoch, and the order is
// reshuffled at each Reset.
type InMemoryDataset struct {
	name string

	inputs, labels *tensors.Tensor
	numExamples    int

	muSampling          sync.Mutex
	batchSize           int
	dropIncompleteBatch bool
	rng                 *rand.Rand
	shuffle             []int
	next                int
}

var _ train.Dataset = (*InMemoryDataset)(nil)

// InMemory creates an InMemoryDataset from inputs and labels. labels must have one element per example
// (the first axis of inputs).
//
// The dataset is initially not shuffled and yields batches of 1 example.
func InMemory(name string, inputs, labels *tensors.Tensor) (*InMemoryDataset, error) {
	if !inputs.Ok() || inputs.Rank() == 0 || inputs.Dim(0) == 0 {
		return nil, errors.Errorf("InMemory(%q): inputs must have at least one example, got %s", name, inputs)
	}
	if !labels.Ok() || labels.Size() != inputs.Dim(0) {
		return nil, errors.Errorf("InMemory(%q): %d examples in inputs, but labels is %s", name, inputs.Dim(0), labels)
	}
	return &InMemoryDataset{
		name:        name,
		inputs:      inputs,
		labels:      labels.Reshape(labels.Size()),
		numExamples: inputs.Dim(0),
		batchSize:   1,
	}, nil
}

// Name implements `train.Dataset`
func (mds *InMemoryDataset) Name() string { return mds.name }

// NumExamples held by the dataset.
func (mds *InMemoryDataset) NumExamples() int { return mds.numExamples }

// Reset implements `train.Dataset`
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()

	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// BatchSize configures the InMemoryDataset to return batches of the given size. dropIncompleteBatch is set to true,
// it will simply drop examples if there are not enough to fill a batch -- this can only happen on the last
// batch of an epoch. Otherwise, it will return a partially filled batch.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = max(n, 1)
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// Shuffle configures the InMemoryDataset to shuffle the order of the data, using a random number generator
// seeded with seed, so the order is repeatable.
// At each call to Reset() it is reshuffled.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Shuffle(seed uint64) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = nn.NewRand(seed)
	mds.shuffleLocked()
	return mds
}

// shuffleLocked shuffles dataset yield order. It assumed muSampling is locked.
func (mds *InMemoryDataset) shuffleLocked() {
	if mds.shuffle == nil {
		mds.shuffle = make([]int, mds.numExamples)
	}
	for ii := range mds.shuffle {
		mds.shuffle[ii] = ii
	}
	mds.rng.Shuffle(mds.numExamples, func(i, j int) {
		mds.shuffle[i], mds.shuffle[j] = mds.shuffle[j], mds.shuffle[i]
	})
}

// indicesNextYield retrieve the indices for the next Yield call.
func (mds *InMemoryDataset) indicesNextYield() (indices []int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.next == -1 {
		return // dataset already exhausted.
	}
	indices = make([]int, 0, mds.batchSize)
	for mds.next < mds.numExamples && len(indices) < mds.batchSize {
		if len(mds.shuffle) > 0 {
			indices = append(indices, mds.shuffle[mds.next])
		} else {
			indices = append(indices, mds.next)
		}
		mds.next++
	}
	if len(indices) < mds.batchSize && mds.dropIncompleteBatch {
		// Drop the incomplete batch.
		indices = nil
	}
	if mds.next >= mds.numExamples {
		mds.next = -1
	}
	return
}

// Yield implements `train.Dataset`. It gathers the examples of the next batch into new tensors.
func (mds *InMemoryDataset) Yield() (batch train.Batch, err error) {
	indices := mds.indicesNextYield()
	if len(indices) == 0 {
		err = io.EOF
		return
	}
	exampleDims := mds.inputs.Shape().Dimensions[1:]
	exampleSize := mds.inputs.Size() / mds.numExamples
	inputs := tensors.Zeros(append([]int{len(indices)}, exampleDims...)...)
	labels := tensors.Zeros(len(indices))
	src, dst, srcLabels := mds.inputs.Data(), inputs.Data(), mds.labels.Data()
	for i, idx := range indices {
		copy(dst[i*exampleSize:(i+1)*exampleSize], src[idx*exampleSize:(idx+1)*exampleSize])
		labels.Data()[i] = srcLabels[idx]
	}
	return train.Batch{Inputs: inputs, Labels: labels}, nil
}
