// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements train.Dataset sources for the training loop: InMemoryDataset, the Synthetic
// generator, and Take to cap the number of batches per epoch.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/kdp/pkg/ml/train"
)

// Take returns a train.Dataset yielding at most numBatches batches of ds per epoch. The epoch also ends if
// ds runs out first. Reset resets ds, so a shuffled ds yields a different subset at every epoch.
//
// If numBatches <= 0, ds is returned unchanged.
func Take(ds train.Dataset, numBatches int) train.Dataset {
	if numBatches <= 0 {
		return ds
	}
	return &limited{ds: ds, maxBatches: numBatches}
}

type limited struct {
	ds                  train.Dataset
	maxBatches, yielded int
}

func (l *limited) Name() string {
	return fmt.Sprintf("%s [Take %d]", l.ds.Name(), l.maxBatches)
}

func (l *limited) Reset() {
	l.yielded = 0
	l.ds.Reset()
}

func (l *limited) Yield() (train.Batch, error) {
	if l.yielded == l.maxBatches {
		return train.Batch{}, io.EOF
	}
	batch, err := l.ds.Yield()
	if err == nil {
		l.yielded++
	}
	return batch, err
}
