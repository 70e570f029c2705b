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

// Package grouping splits a stream of rows clustered by key into one group
// per run of equal keys.
package grouping

import (
	"bytes"
	"context"

	"github.com/numaproj/statefulflow/pkg/shared/iterator"
)

// Iterator yields the groups of a clustered row stream. Rows of one key must
// be contiguous, a key seen again after another key starts a new group.
type Iterator[R any] struct {
	src     iterator.Iterator[R]
	keyOf   func(R) []byte
	peek    R
	peekKey []byte
	hasPeek bool
	srcDone bool
	err     error
	current *Values[R]
}

// New returns the groups of src keyed by keyOf.
func New[R any](src iterator.Iterator[R], keyOf func(R) []byte) *Iterator[R] {
	return &Iterator[R]{src: src, keyOf: keyOf}
}

// Next advances to the next group. Rows of the previous group that were not
// read are skipped.
func (g *Iterator[R]) Next(ctx context.Context) bool {
	if g.current != nil {
		for g.current.Next(ctx) {
		}
		g.current.done = true
		g.current = nil
	}
	if !g.fill(ctx) {
		return false
	}
	g.current = &Values[R]{group: g, key: g.peekKey}
	return true
}

// Key returns the key of the current group.
func (g *Iterator[R]) Key() []byte {
	return g.current.key
}

// Values returns the rows of the current group.
func (g *Iterator[R]) Values() *Values[R] {
	return g.current
}

// Err returns the error that ended the source, if any.
func (g *Iterator[R]) Err() error {
	return g.err
}

func (g *Iterator[R]) fill(ctx context.Context) bool {
	if g.hasPeek {
		return true
	}
	if g.srcDone {
		return false
	}
	if !g.src.Next(ctx) {
		g.srcDone = true
		g.err = g.src.Err()
		return false
	}
	g.peek = g.src.Value()
	g.peekKey = g.keyOf(g.peek)
	g.hasPeek = true
	return true
}

// Values are the rows of one group.
type Values[R any] struct {
	group *Iterator[R]
	key   []byte
	cur   R
	done  bool
}

var _ iterator.Iterator[int] = (*Values[int])(nil)

func (v *Values[R]) Next(ctx context.Context) bool {
	if v.done {
		return false
	}
	g := v.group
	if !g.fill(ctx) || !bytes.Equal(g.peekKey, v.key) {
		v.done = true
		return false
	}
	v.cur = g.peek
	g.hasPeek = false
	return true
}

func (v *Values[R]) Value() R {
	return v.cur
}

func (v *Values[R]) Err() error {
	return v.group.err
}
