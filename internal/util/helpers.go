// Package util holds small helpers for the HTTP handlers.
package util

// =============================================================================
// Slice Utilities
// =============================================================================

// LimitSlice returns the first n elements of a slice, or the entire slice if
// it has fewer than n elements. Safe to call with n <= 0 (returns empty slice).
func LimitSlice[T any](slice []T, n int) []T {
	if n <= 0 {
		return nil
	}
	if len(slice) <= n {
		return slice
	}
	return slice[:n]
}

// FilterSlice returns a new slice containing only elements that satisfy the predicate.
// The original slice is not modified.
func FilterSlice[T any](items []T, predicate func(T) bool) []T {
	result := make([]T, 0, len(items))
	for _, item := range items {
		if predicate(item) {
			result = append(result, item)
		}
	}
	return result
}

// OrEmpty turns a nil slice into an empty one so it encodes as [] not null
func OrEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
