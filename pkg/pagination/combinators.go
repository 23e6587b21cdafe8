package pagination

import (
	"errors"
	"iter"
)

var (
	// ErrNotFound is returned by First and Single when the sequence is empty.
	ErrNotFound = errors.New("no matching resource")

	// ErrAmbiguous is returned by Single when more than one item matches.
	ErrAmbiguous = errors.New("more than one matching resource")
)

// Filter yields the items for which keep returns true. Errors pass through.
func Filter[T any](seq iter.Seq2[T, error], keep func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for item, err := range seq {
			if err != nil {
				yield(item, err)
				return
			}
			if keep(item) && !yield(item, nil) {
				return
			}
		}
	}
}

// Map projects every item through fn. Errors pass through.
func Map[T, U any](seq iter.Seq2[T, error], fn func(T) U) iter.Seq2[U, error] {
	return func(yield func(U, error) bool) {
		for item, err := range seq {
			if err != nil {
				var zero U
				yield(zero, err)
				return
			}
			if !yield(fn(item), nil) {
				return
			}
		}
	}
}

// First returns the first item, fetching no further than needed.
func First[T any](seq iter.Seq2[T, error]) (T, error) {
	var zero T
	for item, err := range seq {
		if err != nil {
			return zero, err
		}
		return item, nil
	}
	return zero, ErrNotFound
}

// Single returns the only item of seq. It stops as soon as a second item shows
// up and reports ErrAmbiguous; an empty sequence reports ErrNotFound.
func Single[T any](seq iter.Seq2[T, error]) (T, error) {
	var (
		zero  T
		found T
		seen  bool
	)
	for item, err := range seq {
		if err != nil {
			return zero, err
		}
		if seen {
			return zero, ErrAmbiguous
		}
		found, seen = item, true
	}
	if !seen {
		return zero, ErrNotFound
	}
	return found, nil
}

// Collect drains seq into a slice. On error it returns the items gathered so
// far together with the error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
