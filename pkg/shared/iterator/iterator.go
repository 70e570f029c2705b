/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package iterator provides the pull based sequences used between the
// operator, the user functions and the state store.
package iterator

import "context"

// Iterator is a pull based sequence. Next advances to the next element and
// reports whether there is one. Once Next returns false, Err reports whether
// the sequence ended because of a failure.
type Iterator[T any] interface {
	Next(ctx context.Context) bool
	Value() T
	Err() error
}

type sliceIterator[T any] struct {
	items []T
	idx   int
}

// FromSlice returns an iterator over items.
func FromSlice[T any](items ...T) Iterator[T] {
	return &sliceIterator[T]{items: items, idx: -1}
}

func (s *sliceIterator[T]) Next(_ context.Context) bool {
	if s.idx+1 >= len(s.items) {
		s.idx = len(s.items)
		return false
	}
	s.idx++
	return true
}

func (s *sliceIterator[T]) Value() T {
	return s.items[s.idx]
}

func (s *sliceIterator[T]) Err() error {
	return nil
}

// Empty returns an iterator without elements.
func Empty[T any]() Iterator[T] {
	return FromSlice[T]()
}

type funcIterator[T any] struct {
	fn   func(ctx context.Context) (T, bool, error)
	cur  T
	err  error
	done bool
}

// Func returns an iterator backed by fn. fn reports false when the sequence is
// exhausted, a non nil error ends the sequence as well.
func Func[T any](fn func(ctx context.Context) (T, bool, error)) Iterator[T] {
	return &funcIterator[T]{fn: fn}
}

func (f *funcIterator[T]) Next(ctx context.Context) bool {
	if f.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		f.err, f.done = err, true
		return false
	}
	v, ok, err := f.fn(ctx)
	if err != nil || !ok {
		var zero T
		f.cur, f.err, f.done = zero, err, true
		return false
	}
	f.cur = v
	return true
}

func (f *funcIterator[T]) Value() T {
	return f.cur
}

func (f *funcIterator[T]) Err() error {
	return f.err
}

// Map returns an iterator applying fn to every element of it.
func Map[T, U any](it Iterator[T], fn func(T) (U, error)) Iterator[U] {
	return Func(func(ctx context.Context) (U, bool, error) {
		var zero U
		if !it.Next(ctx) {
			return zero, false, it.Err()
		}
		u, err := fn(it.Value())
		if err != nil {
			return zero, false, err
		}
		return u, true, nil
	})
}

// Filter returns an iterator over the elements of it that satisfy keep.
func Filter[T any](it Iterator[T], keep func(T) bool) Iterator[T] {
	return Func(func(ctx context.Context) (T, bool, error) {
		for it.Next(ctx) {
			if v := it.Value(); keep(v) {
				return v, true, nil
			}
		}
		var zero T
		return zero, false, it.Err()
	})
}

// Collect drains it into a slice.
func Collect[T any](ctx context.Context, it Iterator[T]) ([]T, error) {
	var out []T
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}
