package batchloader_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-queryloader/pkg/batchloader"
)

// countingFetch records every batch it is asked for and resolves each key to
// a derived value.
type countingFetch struct {
	mu      sync.Mutex
	batches [][]int
	calls   atomic.Int32
}

func (f *countingFetch) fetch(_ context.Context, keys []int) ([]string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batches = append(f.batches, append([]int(nil), keys...))
	f.mu.Unlock()

	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = "value-" + string(rune('0'+key))
	}
	return values, nil
}

func TestNew(t *testing.T) {
	t.Run("Nil fetch function is rejected", func(t *testing.T) {
		// Act
		_, err := batchloader.New[int, string](batchloader.Config{}, nil, zerolog.Nop())

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fetch function cannot be nil")
	})
}

func TestLoader_Coalescing(t *testing.T) {
	ctx := context.Background()

	t.Run("Concurrent loads share one deduplicated fetch", func(t *testing.T) {
		// Arrange
		f := &countingFetch{}
		loader, err := batchloader.New(batchloader.Config{Wait: 20 * time.Millisecond}, f.fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act: 12 concurrent loads over 4 distinct keys.
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			key := i % 4
			wg.Add(1)
			go func() {
				defer wg.Done()
				value, loadErr := loader.Load(ctx, key)
				assert.NoError(t, loadErr)
				assert.Equal(t, "value-"+string(rune('0'+key)), value)
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, int32(1), f.calls.Load(), "All loads before the window closes should share one fetch")
		require.Len(t, f.batches, 1)
		assert.ElementsMatch(t, []int{0, 1, 2, 3}, f.batches[0])
	})

	t.Run("Window keys keep issue order", func(t *testing.T) {
		// Arrange
		f := &countingFetch{}
		loader, err := batchloader.New(batchloader.Config{Wait: 20 * time.Millisecond}, f.fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act: enqueue thunks from one goroutine, then await them.
		thunks := []func() (string, error){
			loader.LoadThunk(ctx, 3),
			loader.LoadThunk(ctx, 1),
			loader.LoadThunk(ctx, 2),
			loader.LoadThunk(ctx, 1),
		}
		for _, thunk := range thunks {
			_, thunkErr := thunk()
			require.NoError(t, thunkErr)
		}

		// Assert
		require.Len(t, f.batches, 1)
		assert.Equal(t, []int{3, 1, 2}, f.batches[0], "Keys should be deduplicated in insertion order")
	})

	t.Run("LoadMany deduplicates repeated keys", func(t *testing.T) {
		// Arrange
		f := &countingFetch{}
		loader, err := batchloader.New(batchloader.Config{Wait: 5 * time.Millisecond}, f.fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act
		values, err := loader.LoadMany(ctx, []int{7, 8, 7})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"value-7", "value-8", "value-7"}, values)
		require.Len(t, f.batches, 1)
		assert.Equal(t, []int{7, 8}, f.batches[0])
	})

	t.Run("MaxBatch closes a window early", func(t *testing.T) {
		// Arrange
		f := &countingFetch{}
		loader, err := batchloader.New(batchloader.Config{Wait: 20 * time.Millisecond, MaxBatch: 2}, f.fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act
		_, err = loader.LoadMany(ctx, []int{1, 2, 3})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int32(2), f.calls.Load(), "Three keys with MaxBatch 2 should dispatch two windows")
		require.Len(t, f.batches, 2)
		assert.Equal(t, []int{1, 2}, f.batches[0])
		assert.Equal(t, []int{3}, f.batches[1])
	})

	t.Run("Misses during an in-flight fetch open a new window", func(t *testing.T) {
		// Arrange: a fetch that signals entry and blocks until released.
		entered := make(chan struct{})
		release := make(chan struct{})
		var calls atomic.Int32
		var batches [][]int
		var mu sync.Mutex
		fetch := func(_ context.Context, keys []int) ([]string, error) {
			mu.Lock()
			batches = append(batches, append([]int(nil), keys...))
			mu.Unlock()
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
			values := make([]string, len(keys))
			return values, nil
		}
		loader, err := batchloader.New(batchloader.Config{Wait: time.Millisecond}, fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act
		firstDone := make(chan struct{})
		go func() {
			defer close(firstDone)
			_, loadErr := loader.Load(ctx, 1)
			assert.NoError(t, loadErr)
		}()
		<-entered

		secondDone := make(chan struct{})
		go func() {
			defer close(secondDone)
			_, loadErr := loader.Load(ctx, 2)
			assert.NoError(t, loadErr)
		}()
		// The second load must not join the dispatched window.
		close(release)
		<-firstDone
		<-secondDone

		// Assert
		assert.Equal(t, int32(2), calls.Load())
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, batches, 2)
		assert.Equal(t, []int{1}, batches[0])
		assert.Equal(t, []int{2}, batches[1])
	})
}

func TestLoader_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("Resolved keys never re-fetch", func(t *testing.T) {
		// Arrange
		f := &countingFetch{}
		loader, err := batchloader.New(batchloader.Config{Wait: 5 * time.Millisecond}, f.fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act 1
		first, err := loader.Load(ctx, 4)
		require.NoError(t, err)

		// Act 2: same key again.
		second, err := loader.Load(ctx, 4)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), f.calls.Load(), "A resolved key should be served from cache")
	})

	t.Run("Prime installs without fetching and never clobbers", func(t *testing.T) {
		// Arrange
		f := &countingFetch{}
		loader, err := batchloader.New(batchloader.Config{Wait: 5 * time.Millisecond}, f.fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act 1
		primed := loader.Prime(9, "primed")
		value, err := loader.Load(ctx, 9)

		// Assert 1
		require.NoError(t, err)
		assert.True(t, primed)
		assert.Equal(t, "primed", value)
		assert.Equal(t, int32(0), f.calls.Load(), "A primed key should not trigger a fetch")

		// Act 2: priming again must keep the existing entry.
		rePrimed := loader.Prime(9, "clobbered")
		value, err = loader.Load(ctx, 9)

		// Assert 2
		require.NoError(t, err)
		assert.False(t, rePrimed)
		assert.Equal(t, "primed", value)
	})
}

func TestLoader_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("Fetch error reaches every caller and is not cached", func(t *testing.T) {
		// Arrange: fail the first window, succeed afterwards.
		expectedErr := errors.New("source is down")
		var calls atomic.Int32
		fetch := func(_ context.Context, keys []int) ([]string, error) {
			if calls.Add(1) == 1 {
				return nil, expectedErr
			}
			values := make([]string, len(keys))
			for i := range keys {
				values[i] = "recovered"
			}
			return values, nil
		}
		loader, err := batchloader.New(batchloader.Config{Wait: 10 * time.Millisecond}, fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act 1: two callers share the failing window.
		thunkA := loader.LoadThunk(ctx, 1)
		thunkB := loader.LoadThunk(ctx, 2)
		_, errA := thunkA()
		_, errB := thunkB()

		// Assert 1
		require.ErrorIs(t, errA, expectedErr)
		require.ErrorIs(t, errB, expectedErr)

		// Act 2: a later load retries unconditionally.
		value, err := loader.Load(ctx, 1)

		// Assert 2
		require.NoError(t, err)
		assert.Equal(t, "recovered", value)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("Misaligned fetch result fails the window", func(t *testing.T) {
		// Arrange
		fetch := func(_ context.Context, keys []int) ([]string, error) {
			return []string{"only-one"}, nil
		}
		loader, err := batchloader.New(batchloader.Config{Wait: time.Millisecond}, fetch, zerolog.Nop())
		require.NoError(t, err)

		// Act
		_, err = loader.LoadMany(ctx, []int{1, 2})

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "returned 1 values for 2 keys")
	})
}
