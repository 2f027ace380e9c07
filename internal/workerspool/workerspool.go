// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool fans out independent pieces of work (typically one per batch example)
// over a bounded number of goroutines.
//
// Every call is synchronous: it returns only once all tasks finished, so callers see the
// same ordering guarantees as a plain loop. Tasks write their results into pre-allocated,
// disjoint positions, and results are then deterministic regardless of the parallelism.
package workerspool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool of workers. The zero value is not usable, create it with New.
type Pool struct {
	// maxParallelism is the limit of concurrent tasks.
	// 0 disables parallelism (tasks are run inline) and -1 means unlimited.
	maxParallelism int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// Default pool shared by the layers of package nn.
var Default = New()

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of concurrent tasks.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism while no work is running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// ForEach calls task(i) for i in [0, n), and waits for all of them to finish.
//
// It returns the first error returned by a task. Once a task fails, tasks not yet started are skipped.
// If parallelism is disabled, or n <= 1, tasks are run inline in order.
func (w *Pool) ForEach(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	if !w.IsEnabled() || n == 1 {
		for i := range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := task(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	if !w.IsUnlimited() {
		g.SetLimit(w.maxParallelism)
	}
	for i := range n {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return task(gCtx, i)
		})
	}
	return g.Wait()
}

// Run is a convenience wrapper around ForEach for tasks that can't fail and don't need a context.
func (w *Pool) Run(n int, task func(i int)) {
	_ = w.ForEach(context.Background(), n, func(_ context.Context, i int) error {
		task(i)
		return nil
	})
}
