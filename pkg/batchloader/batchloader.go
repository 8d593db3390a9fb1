// Package batchloader provides a generic, concurrency-safe loader that
// coalesces individual keyed requests into batched fetches and memoizes the
// results for the lifetime of the loader.
//
// A loader is created once per owning scope (a request, a session) and shared
// by every call site in that scope. Concurrent Load calls arriving within one
// coalescing window are deduplicated and dispatched as a single call to the
// supplied fetch function; resolved values are cached so repeated lookups of
// the same key never re-fetch.
package batchloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FetchFunc loads a batch of values for the given keys.
//
// The returned slice MUST have exactly one value per key, in key order. The
// key slice is already deduplicated and insertion-ordered by the loader.
// Fetchers working from raw record sets can be aligned with the reconcile
// package before being handed to a loader.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

// Config holds the configuration for a Loader.
type Config struct {
	// Wait is the duration a collecting window stays open after its first
	// miss before the batch is dispatched.
	Wait time.Duration
	// MaxBatch closes a window early once it holds this many distinct keys.
	// Zero means unbounded.
	MaxBatch int
}

// Loader coalesces keyed requests into batched fetches and caches results.
// It is safe for concurrent use by multiple goroutines.
type Loader[K comparable, V any] struct {
	fetch    FetchFunc[K, V]
	wait     time.Duration
	maxBatch int
	logger   zerolog.Logger

	// mu guards the cache map and the current collecting window. The fetch
	// itself always runs outside the lock.
	mu     sync.Mutex
	cache  map[K]V
	window *fetchWindow[K, V]
}

// New creates a Loader around the given fetch function.
func New[K comparable, V any](cfg Config, fetch FetchFunc[K, V], logger zerolog.Logger) (*Loader[K, V], error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch function cannot be nil")
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 1 * time.Millisecond
	}
	if cfg.MaxBatch < 0 {
		cfg.MaxBatch = 0
	}

	return &Loader[K, V]{
		fetch:    fetch,
		wait:     cfg.Wait,
		maxBatch: cfg.MaxBatch,
		logger:   logger.With().Str("component", "BatchLoader").Logger(),
		cache:    make(map[K]V),
	}, nil
}

// fetchWindow is one coalescing window: the set of distinct keys accumulated
// between the first cache miss and the single batch dispatch that resolves
// them. Its fields other than done/values/err are only mutated while the
// window is still reachable from the loader, under the loader's lock.
type fetchWindow[K comparable, V any] struct {
	id    string
	ctx   context.Context
	keys  []K
	index map[K]int

	closing bool
	done    chan struct{}
	values  []V
	err     error
}

// Load fetches a single value by key, blocking until the value is resolved.
// It returns the cached value if the key has been resolved before.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, error) {
	return l.LoadThunk(ctx, key)()
}

// LoadThunk registers the key with the current coalescing window and returns
// a function that blocks until the window's fetch completes. Cached keys
// resolve immediately without joining a window.
//
// The thunk form lets one goroutine enqueue keys across several loaders
// before blocking on any of them.
func (l *Loader[K, V]) LoadThunk(ctx context.Context, key K) func() (V, error) {
	l.mu.Lock()
	if value, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return func() (V, error) { return value, nil }
	}

	if l.window == nil {
		l.window = &fetchWindow[K, V]{
			id:    uuid.NewString(),
			ctx:   ctx,
			index: make(map[K]int),
			done:  make(chan struct{}),
		}
	}
	w := l.window

	pos, pending := w.index[key]
	if !pending {
		pos = len(w.keys)
		w.keys = append(w.keys, key)
		w.index[key] = pos

		if len(w.keys) == 1 {
			// First miss of the window arms its flush timer.
			go l.flushAfterWait(w)
		}
		if l.maxBatch > 0 && len(w.keys) >= l.maxBatch {
			w.closing = true
			l.window = nil
			go l.dispatch(w)
		}
	}
	l.mu.Unlock()

	return func() (V, error) {
		<-w.done
		if w.err != nil {
			var zero V
			return zero, w.err
		}
		return w.values[pos], nil
	}
}

// LoadMany fetches many values at once, returning them in key order.
// Duplicate keys in one call share a single pending request. If any key's
// window fails, LoadMany returns that error.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) ([]V, error) {
	thunks := make([]func() (V, error), len(keys))
	for i, key := range keys {
		thunks[i] = l.LoadThunk(ctx, key)
	}

	values := make([]V, len(keys))
	for i, thunk := range thunks {
		value, err := thunk()
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}

// Prime installs a value for a key without invoking the fetch function. It
// never overwrites: if the key already has a cache entry the existing entry
// is kept and Prime reports false. Keys pending in an open window are not
// affected; their window resolves them as usual.
func (l *Loader[K, V]) Prime(key K, value V) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cache[key]; ok {
		return false
	}
	l.cache[key] = value
	return true
}

// flushAfterWait closes the window at the end of its coalescing interval,
// unless a MaxBatch overflow already dispatched it.
func (l *Loader[K, V]) flushAfterWait(w *fetchWindow[K, V]) {
	time.Sleep(l.wait)

	l.mu.Lock()
	if w.closing {
		l.mu.Unlock()
		return
	}
	w.closing = true
	l.window = nil
	l.mu.Unlock()

	l.dispatch(w)
}

// dispatch performs the window's single batch fetch and resolves every
// pending thunk. On success each key's value is written to the cache; on
// failure the cache is left untouched so a later Load retries.
func (l *Loader[K, V]) dispatch(w *fetchWindow[K, V]) {
	started := time.Now()
	l.logger.Debug().Str("window_id", w.id).Int("key_count", len(w.keys)).Msg("Dispatching batch fetch.")

	values, err := l.fetch(w.ctx, w.keys)
	if err == nil && len(values) != len(w.keys) {
		err = fmt.Errorf("fetch returned %d values for %d keys", len(values), len(w.keys))
	}
	if err != nil {
		l.logger.Error().Err(err).Str("window_id", w.id).Msg("Batch fetch failed.")
		w.err = err
		close(w.done)
		return
	}

	l.mu.Lock()
	for i, key := range w.keys {
		l.cache[key] = values[i]
	}
	l.mu.Unlock()

	w.values = values
	close(w.done)
	l.logger.Debug().Str("window_id", w.id).Dur("duration", time.Since(started)).Msg("Batch fetch complete.")
}
