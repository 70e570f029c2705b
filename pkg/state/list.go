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

package state

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/statestore"
)

// List holds an ordered list of values per grouping key. Elements are stored
// one entry each, keyed by the grouping key and an append sequence number,
// and expire one by one.
type List[T any] struct {
	col   *column
	codec codec.Codec[T]
}

// NewList declares a list variable. A zero ttl disables expiry.
func NewList[T any](s *Store, name string, c codec.Codec[T], ttl time.Duration) (*List[T], error) {
	col, err := s.declare(schema.ColumnFamilySchema{
		Name:        name,
		Kind:        schema.KindList,
		ValueSchema: schema.Describe(c.Type()),
		Encoder:     schema.EncoderPrefixKey,
	}, ttl)
	if err != nil {
		return nil, err
	}
	return &List[T]{col: col, codec: c}, nil
}

type listEntry struct {
	storeKey []byte
	seq      uint64
	payload  []byte
	visible  bool
}

func (l *List[T]) scan(ctx context.Context, key []byte) ([]listEntry, error) {
	it, err := l.col.store.txn.PrefixScan(l.col.name, statestore.GroupingPrefix(key))
	if err != nil {
		return nil, err
	}
	var out []listEntry
	for it.Next(ctx) {
		kv := it.Value()
		_, suffix, err := statestore.SplitPrefixedKey(kv.Key)
		if err != nil {
			return nil, err
		}
		if len(suffix) != 8 {
			return nil, fmt.Errorf("list %s has an element key of %d bytes", l.col.name, len(suffix))
		}
		expiresAt, payload, err := decodeEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, listEntry{
			storeKey: kv.Key,
			seq:      binary.BigEndian.Uint64(suffix),
			payload:  payload,
			visible:  l.col.visible(expiresAt),
		})
	}
	return out, it.Err()
}

// Get returns the live elements of the scope key in append order.
func (l *List[T]) Get(ctx context.Context, scope KeyScope) (iterator.Iterator[T], error) {
	key, err := scopeKey(scope)
	if err != nil {
		return nil, err
	}
	entries, err := l.scan(ctx, key)
	if err != nil {
		return nil, err
	}
	live := iterator.Filter(iterator.FromSlice(entries...), func(e listEntry) bool { return e.visible })
	return iterator.Map(live, func(e listEntry) (T, error) { return l.codec.Decode(e.payload) }), nil
}

// Exists reports whether the scope key has at least one live element.
func (l *List[T]) Exists(ctx context.Context, scope KeyScope) (bool, error) {
	key, err := scopeKey(scope)
	if err != nil {
		return false, err
	}
	entries, err := l.scan(ctx, key)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.visible {
			return true, nil
		}
	}
	return false, nil
}

// Put replaces the list of the scope key with values.
func (l *List[T]) Put(ctx context.Context, scope KeyScope, values []T) error {
	if err := l.Clear(ctx, scope); err != nil {
		return err
	}
	return l.AppendList(ctx, scope, values)
}

// AppendValue appends one element to the list of the scope key.
func (l *List[T]) AppendValue(ctx context.Context, scope KeyScope, value T) error {
	return l.AppendList(ctx, scope, []T{value})
}

// AppendList appends values to the list of the scope key.
func (l *List[T]) AppendList(ctx context.Context, scope KeyScope, values []T) error {
	if len(values) == 0 {
		return nil
	}
	key, err := scopeKey(scope)
	if err != nil {
		return err
	}
	entries, err := l.scan(ctx, key)
	if err != nil {
		return err
	}
	var next uint64
	if n := len(entries); n > 0 {
		next = entries[n-1].seq + 1
	}
	for _, v := range values {
		payload, err := l.codec.Encode(v)
		if err != nil {
			return err
		}
		if err := l.col.put(statestore.PrefixedKey(key, binary.BigEndian.AppendUint64(nil, next)), payload); err != nil {
			return err
		}
		next++
	}
	return nil
}

// Clear removes every element of the scope key.
func (l *List[T]) Clear(ctx context.Context, scope KeyScope) error {
	key, err := scopeKey(scope)
	if err != nil {
		return err
	}
	entries, err := l.scan(ctx, key)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := l.col.delete(e.storeKey); err != nil {
			return err
		}
	}
	return nil
}
