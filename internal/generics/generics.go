// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SliceMapErr is like SliceMap, but fn can fail. It stops at the first error, and returns it.
func SliceMapErr[In, Out any](in []In, fn func(e In) (Out, error)) (out []Out, err error) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii], err = fn(e)
		if err != nil {
			return nil, err
		}
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}

// SortedKeysAndValues returns an interator over keys and values of a map m in a sorted fashion by the keys.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeysAndValues[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return func(yield func(K, V) bool) {
		for _, key := range sortedKeys {
			if !yield(key, m[key]) {
				break
			}
		}
	}
}

// SplitSizes splits total into numParts contiguous parts whose sizes differ by at most one,
// the larger ones first. Parts of size 0 are not returned, so it never returns more than total parts.
func SplitSizes(total, numParts int) []int {
	if numParts <= 0 || total <= 0 {
		return nil
	}
	numParts = min(numParts, total)
	sizes := make([]int, numParts)
	base, extra := total/numParts, total%numParts
	for ii := range sizes {
		sizes[ii] = base
		if ii < extra {
			sizes[ii]++
		}
	}
	return sizes
}

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// SetWith creates a Set[T] with the given elements inserted.
func SetWith[T comparable](elements ...T) Set[T] {
	s := make(Set[T], len(elements))
	for _, element := range elements {
		s[element] = struct{}{}
	}
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}
