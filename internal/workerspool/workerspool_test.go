package workerspool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 17
		results := make([]int, n)
		var count atomic.Int32
		err := pool.ForEach(context.Background(), n, func(_ context.Context, i int) error {
			results[i] = i * i
			count.Add(1)
			return nil
		})
		require.NoError(t, err, "parallelism=%d", parallelism)
		assert.Equal(t, int32(n), count.Load())
		for i, r := range results {
			assert.Equal(t, i*i, r)
		}
	}
}

func TestPool_ForEachError(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	errBoom := errors.New("boom")
	err := pool.ForEach(context.Background(), 10, func(_ context.Context, i int) error {
		if i == 3 {
			return errBoom
		}
		return nil
	})
	require.ErrorIs(t, err, errBoom)

	// No parallelism: tasks after the failure are skipped.
	pool.SetMaxParallelism(0)
	var ran atomic.Int32
	err = pool.ForEach(context.Background(), 10, func(_ context.Context, i int) error {
		ran.Add(1)
		if i == 3 {
			return errBoom
		}
		return nil
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(4), ran.Load())
}

func TestPool_Run(t *testing.T) {
	pool := New()
	assert.True(t, pool.IsEnabled())
	assert.False(t, pool.IsUnlimited())
	var sum atomic.Int64
	pool.Run(100, func(i int) { sum.Add(int64(i)) })
	assert.Equal(t, int64(4950), sum.Load())
}
