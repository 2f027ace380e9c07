// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, metrics []float64) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNSteps registers a OnStep hook on the loop that is called every N times.
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(%d, %q): n must be > 0", n, name)
	}
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, eN.onStep)
}

// EveryNEpochs registers a OnEpochEnd hook on the loop that is called at the end of every N-th epoch,
// and always at the end of the last epoch.
func EveryNEpochs(loop *Loop, n int, name string, priority Priority, fn OnEpochEndFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNEpochs(%d, %q): n must be > 0", n, name)
	}
	fullName := fmt.Sprintf("EveryNEpochs(%d): %s", n, name)
	loop.OnEpochEnd(fullName, priority, func(loop *Loop, metrics []float64) error {
		if (loop.Epoch+1)%n != 0 && loop.Epoch != loop.NumEpochs-1 {
			return nil
		}
		return fn(loop, metrics)
	})
}
