// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/kdp/pkg/core/tensors"
)

// NewRand returns a deterministic random number generator for the given seed, to be used with
// the layer builders.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// HeUniform fills t with values drawn uniformly from [-sqrt(6/fanIn), sqrt(6/fanIn)].
// If rng is nil, t is left untouched.
func HeUniform(rng *rand.Rand, fanIn int, t *tensors.Tensor) {
	Uniform(rng, math.Sqrt(6.0/float64(max(fanIn, 1))), t)
}

// Uniform fills t with values drawn uniformly from [-bound, bound].
// If rng is nil, t is left untouched.
func Uniform(rng *rand.Rand, bound float64, t *tensors.Tensor) {
	if rng == nil {
		return
	}
	data := t.Data()
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * bound
	}
}
