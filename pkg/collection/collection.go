// Package collection implements the ordered-collection merge used by
// every manager: remove-then-insert-then-sort upserts that stay
// idempotent under duplicated or replayed change events, and the order
// reassignment rule for reordering a visible subset of a larger
// collection.
package collection

import "sort"

// Upsert merges item into items: any existing element with the same id is
// removed, item is appended, and the result is re-sorted with less.
// Applying the same upsert twice yields the same collection as applying
// it once. The input slice is never modified.
func Upsert[T any](items []T, item T, id func(T) string, less func(a, b T) bool) []T {
	out := make([]T, 0, len(items)+1)
	key := id(item)
	for _, it := range items {
		if id(it) != key {
			out = append(out, it)
		}
	}
	out = append(out, item)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Remove deletes the element with the given id. A missing id is not an
// error; the input is returned copied either way.
func Remove[T any](items []T, key string, id func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if id(it) != key {
			out = append(out, it)
		}
	}
	return out
}

// Find returns the element with the given id.
func Find[T any](items []T, key string, id func(T) string) (T, bool) {
	for _, it := range items {
		if id(it) == key {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Sort returns a sorted copy of items.
func Sort[T any](items []T, less func(a, b T) bool) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// OrderAssignment pairs a record id with its newly assigned order value.
type OrderAssignment struct {
	ID    string
	Order int
}

// ReassignOrders computes new order values for a reordered sequence that
// may be only a subset of the full collection. The order values the
// sequence's items already hold are collected, sorted ascending, and
// handed back out in that same ascending sequence to the new positions.
// Items outside the sequence keep their orders untouched, so the subset's
// interleaving with hidden or filtered items is preserved and nothing
// else needs renumbering.
func ReassignOrders[T any](seq []T, id func(T) string, order func(T) int) []OrderAssignment {
	orders := make([]int, len(seq))
	for i, it := range seq {
		orders[i] = order(it)
	}
	sort.Ints(orders)

	out := make([]OrderAssignment, len(seq))
	for i, it := range seq {
		out[i] = OrderAssignment{ID: id(it), Order: orders[i]}
	}
	return out
}

// NextOrder returns an order value placing a new item after every
// existing one. Gaps in existing values are tolerated.
func NextOrder[T any](items []T, order func(T) int) int {
	next := 0
	for _, it := range items {
		if o := order(it); o >= next {
			next = o + 1
		}
	}
	return next
}
