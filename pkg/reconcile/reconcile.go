// Package reconcile provides pure functions for aligning the results of a
// batch fetch (unordered, possibly partial, possibly duplicated) back onto
// the ordered list of keys that requested them.
package reconcile

import (
	"cmp"
	"slices"
)

// MatchExact matches values to keys in the order of the keys, expecting at
// most one value per key. The output always has the same length as keys; a
// key with no matching value yields nil.
//
// If several values share a key, the last one in values wins. This mirrors a
// map-building reduction and downstream callers depend on it.
func MatchExact[K comparable, T any](keys []K, values []T, keyOf func(T) K) []*T {
	items := make(map[K]*T, len(values))
	for i := range values {
		items[keyOf(values[i])] = &values[i]
	}

	matched := make([]*T, len(keys))
	for i, key := range keys {
		matched[i] = items[key]
	}
	return matched
}

// GroupBy partitions values by key and returns one group per input key, in
// key order. The output always has the same length as keys; a key with no
// matching values yields an empty group.
//
// Each group is sorted ascending by sortOf, with ties keeping their original
// relative order. The sort exists solely to make grouped output deterministic:
// the fetch function's result order carries no meaning.
func GroupBy[K comparable, T any, S cmp.Ordered](keys []K, values []T, keyOf func(T) K, sortOf func(T) S) [][]T {
	groups := make(map[K][]T, len(keys))
	for _, value := range values {
		k := keyOf(value)
		groups[k] = append(groups[k], value)
	}
	for _, group := range groups {
		slices.SortStableFunc(group, func(a, b T) int {
			return cmp.Compare(sortOf(a), sortOf(b))
		})
	}

	grouped := make([][]T, len(keys))
	for i, key := range keys {
		if group, ok := groups[key]; ok {
			grouped[i] = group
		} else {
			grouped[i] = []T{}
		}
	}
	return grouped
}
