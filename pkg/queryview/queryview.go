// Package queryview binds one source-of-truth query to a set of named views,
// each view a coalescing, cached access path over the same records keyed by a
// different extraction (by id, by slug, by owner grouped).
//
// When the source query executes, typically because some view missed its
// cache, the results are broadcast to every registered view's cache. A later
// lookup through a sibling view for data already seen needs no further query,
// so the views stay cache-coherent with each other.
//
// An owning object (a store, a service) constructs its registry and views
// once at creation time and exposes them as plain fields; see the package
// tests for the pattern.
package queryview

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-queryloader/pkg/batchloader"
	"github.com/illmade-knight/go-queryloader/pkg/reconcile"
)

// QueryFunc is the source-of-truth query a registry is built around. It is
// invoked once per Execute call with the caller's argument value and may
// return records in any order.
type QueryFunc[A any, T any] func(ctx context.Context, args A) ([]T, error)

// RecordFetchFunc is a view's batch load: given the view's miss keys it
// returns matching records in any order, with any multiplicity per key.
// It is typically implemented by calling back into the registry's Execute
// with arguments derived from the keys.
type RecordFetchFunc[K comparable, T any] func(ctx context.Context, keys []K) ([]T, error)

// primer is the capability a registry needs from a view: accepting a
// broadcast of records observed by the source query. Group views implement
// it as a no-op by contract.
type primer[T any] interface {
	primeMany(records []T)
}

// Registry owns a source query function and the set of views bound to it.
type Registry[A any, T any] struct {
	query  QueryFunc[A, T]
	logger zerolog.Logger

	mu       sync.Mutex
	executed bool
	views    []primer[T]
}

// NewRegistry creates a registry around the given source query.
func NewRegistry[A any, T any](query QueryFunc[A, T], logger zerolog.Logger) (*Registry[A, T], error) {
	if query == nil {
		return nil, fmt.Errorf("query function cannot be nil")
	}
	return &Registry[A, T]{
		query:  query,
		logger: logger.With().Str("component", "QueryRegistry").Logger(),
	}, nil
}

// Execute invokes the source query once with the given arguments and primes
// every registered view with the returned records before returning them.
// Queries are never batched across separate Execute calls.
func (r *Registry[A, T]) Execute(ctx context.Context, args A) ([]T, error) {
	r.mu.Lock()
	r.executed = true
	views := slices.Clone(r.views)
	r.mu.Unlock()

	records, err := r.query(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("source query failed: %w", err)
	}

	for _, view := range views {
		view.primeMany(records)
	}
	r.logger.Debug().Int("record_count", len(records)).Int("view_count", len(views)).Msg("Broadcast query results to views.")
	return records, nil
}

// register adds a view to the broadcast set. Views must all be registered
// before the registry first executes.
func (r *Registry[A, T]) register(view primer[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executed {
		return fmt.Errorf("cannot register a view after the registry has executed")
	}
	r.views = append(r.views, view)
	return nil
}

// ExactView is a view expecting at most one record per key. Lookups for keys
// with no matching record resolve to nil.
type ExactView[K comparable, T any] struct {
	loader *batchloader.Loader[K, *T]
	keyOf  func(T) K
}

// NewExactView creates an exact-mode view on the registry. The view's cache
// coalesces misses into batched calls to fetch and aligns the results onto
// the requested keys with reconcile.MatchExact.
func NewExactView[K comparable, A any, T any](
	reg *Registry[A, T],
	cfg batchloader.Config,
	keyOf func(T) K,
	fetch RecordFetchFunc[K, T],
	logger zerolog.Logger,
) (*ExactView[K, T], error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if keyOf == nil || fetch == nil {
		return nil, fmt.Errorf("key extractor and fetch function cannot be nil")
	}

	aligned := func(ctx context.Context, keys []K) ([]*T, error) {
		records, err := fetch(ctx, keys)
		if err != nil {
			return nil, err
		}
		return reconcile.MatchExact(keys, records, keyOf), nil
	}
	loader, err := batchloader.New(cfg, aligned, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create loader for exact view: %w", err)
	}

	view := &ExactView[K, T]{loader: loader, keyOf: keyOf}
	if err := reg.register(view); err != nil {
		return nil, err
	}
	return view, nil
}

// Load fetches the record for a single key, or nil if none exists.
func (v *ExactView[K, T]) Load(ctx context.Context, key K) (*T, error) {
	return v.loader.Load(ctx, key)
}

// LoadMany fetches records for many keys, in key order, with nil for keys
// that have no record.
func (v *ExactView[K, T]) LoadMany(ctx context.Context, keys []K) ([]*T, error) {
	return v.loader.LoadMany(ctx, keys)
}

// primeMany installs each record under its extracted key. Existing entries
// are kept as-is, and absence is never primed: a broadcast only proves a
// record exists, never that some key has none.
func (v *ExactView[K, T]) primeMany(records []T) {
	for i := range records {
		record := records[i]
		v.loader.Prime(v.keyOf(record), &record)
	}
}

// GroupView is a view expecting zero or more records per key, returned as a
// deterministically ordered slice.
type GroupView[K comparable, T any] struct {
	loader *batchloader.Loader[K, []T]
}

// NewGroupView creates a group-mode view on the registry. The view's cache
// coalesces misses into batched calls to fetch and partitions the results
// onto the requested keys with reconcile.GroupBy, sorting each group
// ascending by sortOf.
func NewGroupView[K comparable, S cmp.Ordered, A any, T any](
	reg *Registry[A, T],
	cfg batchloader.Config,
	keyOf func(T) K,
	sortOf func(T) S,
	fetch RecordFetchFunc[K, T],
	logger zerolog.Logger,
) (*GroupView[K, T], error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if keyOf == nil || sortOf == nil || fetch == nil {
		return nil, fmt.Errorf("key extractor, sort extractor and fetch function cannot be nil")
	}

	aligned := func(ctx context.Context, keys []K) ([][]T, error) {
		records, err := fetch(ctx, keys)
		if err != nil {
			return nil, err
		}
		return reconcile.GroupBy(keys, records, keyOf, sortOf), nil
	}
	loader, err := batchloader.New(cfg, aligned, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create loader for group view: %w", err)
	}

	view := &GroupView[K, T]{loader: loader}
	if err := reg.register(view); err != nil {
		return nil, err
	}
	return view, nil
}

// Load fetches the group of records for a single key. Keys with no matching
// records yield an empty slice.
func (v *GroupView[K, T]) Load(ctx context.Context, key K) ([]T, error) {
	return v.loader.Load(ctx, key)
}

// LoadMany fetches the groups for many keys, in key order.
func (v *GroupView[K, T]) LoadMany(ctx context.Context, keys []K) ([][]T, error) {
	return v.loader.LoadMany(ctx, keys)
}

// primeMany is a no-op for group views. Records sighted through another
// view's query can never prove a group is complete, so grouped lookups must
// always go back to their own source of truth.
func (v *GroupView[K, T]) primeMany(_ []T) {}
