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
	"time"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/statestore"
)

// Entry is one user key and value of a map variable.
type Entry[K, V any] struct {
	Key   K
	Value V
}

// Map holds a map of user keys to values per grouping key. Entries expire
// per user key.
type Map[K, V any] struct {
	col        *column
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]
}

// NewMap declares a map variable. A zero ttl disables expiry.
func NewMap[K, V any](s *Store, name string, kc codec.Codec[K], vc codec.Codec[V], ttl time.Duration) (*Map[K, V], error) {
	userKey := schema.Describe(kc.Type())
	col, err := s.declare(schema.ColumnFamilySchema{
		Name:          name,
		Kind:          schema.KindMap,
		ValueSchema:   schema.Describe(vc.Type()),
		UserKeySchema: &userKey,
		Encoder:       schema.EncoderPrefixKey,
	}, ttl)
	if err != nil {
		return nil, err
	}
	return &Map[K, V]{col: col, keyCodec: kc, valueCodec: vc}, nil
}

func (m *Map[K, V]) storeKey(scope KeyScope, k K) ([]byte, error) {
	key, err := scopeKey(scope)
	if err != nil {
		return nil, err
	}
	userKey, err := m.keyCodec.Encode(k)
	if err != nil {
		return nil, err
	}
	return statestore.PrefixedKey(key, userKey), nil
}

// GetValue returns the value of k, false if absent or expired.
func (m *Map[K, V]) GetValue(scope KeyScope, k K) (V, bool, error) {
	var zero V
	sk, err := m.storeKey(scope, k)
	if err != nil {
		return zero, false, err
	}
	payload, ok, err := m.col.get(sk)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := m.valueCodec.Decode(payload)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// ContainsKey reports whether k has a live value.
func (m *Map[K, V]) ContainsKey(scope KeyScope, k K) (bool, error) {
	_, ok, err := m.GetValue(scope, k)
	return ok, err
}

// UpdateValue sets the value of k.
func (m *Map[K, V]) UpdateValue(scope KeyScope, k K, v V) error {
	sk, err := m.storeKey(scope, k)
	if err != nil {
		return err
	}
	payload, err := m.valueCodec.Encode(v)
	if err != nil {
		return err
	}
	return m.col.put(sk, payload)
}

// RemoveKey deletes k.
func (m *Map[K, V]) RemoveKey(scope KeyScope, k K) error {
	sk, err := m.storeKey(scope, k)
	if err != nil {
		return err
	}
	return m.col.delete(sk)
}

type rawEntry struct {
	storeKey []byte
	userKey  []byte
	payload  []byte
}

func (m *Map[K, V]) live(ctx context.Context, scope KeyScope) (iterator.Iterator[rawEntry], error) {
	key, err := scopeKey(scope)
	if err != nil {
		return nil, err
	}
	scan, err := m.col.store.txn.PrefixScan(m.col.name, statestore.GroupingPrefix(key))
	if err != nil {
		return nil, err
	}
	return iterator.Func(func(ctx context.Context) (rawEntry, bool, error) {
		for scan.Next(ctx) {
			kv := scan.Value()
			expiresAt, payload, err := decodeEntry(kv.Value)
			if err != nil {
				return rawEntry{}, false, err
			}
			if !m.col.visible(expiresAt) {
				continue
			}
			_, userKey, err := statestore.SplitPrefixedKey(kv.Key)
			if err != nil {
				return rawEntry{}, false, err
			}
			return rawEntry{storeKey: kv.Key, userKey: userKey, payload: payload}, true, nil
		}
		return rawEntry{}, false, scan.Err()
	}), nil
}

// Iterator returns the live entries of the scope key in encoded user key order.
func (m *Map[K, V]) Iterator(ctx context.Context, scope KeyScope) (iterator.Iterator[Entry[K, V]], error) {
	it, err := m.live(ctx, scope)
	if err != nil {
		return nil, err
	}
	return iterator.Map(it, func(e rawEntry) (Entry[K, V], error) {
		k, err := m.keyCodec.Decode(e.userKey)
		if err != nil {
			return Entry[K, V]{}, err
		}
		v, err := m.valueCodec.Decode(e.payload)
		if err != nil {
			return Entry[K, V]{}, err
		}
		return Entry[K, V]{Key: k, Value: v}, nil
	}), nil
}

// Keys returns the live user keys of the scope key.
func (m *Map[K, V]) Keys(ctx context.Context, scope KeyScope) (iterator.Iterator[K], error) {
	it, err := m.live(ctx, scope)
	if err != nil {
		return nil, err
	}
	return iterator.Map(it, func(e rawEntry) (K, error) { return m.keyCodec.Decode(e.userKey) }), nil
}

// Values returns the live values of the scope key.
func (m *Map[K, V]) Values(ctx context.Context, scope KeyScope) (iterator.Iterator[V], error) {
	it, err := m.live(ctx, scope)
	if err != nil {
		return nil, err
	}
	return iterator.Map(it, func(e rawEntry) (V, error) { return m.valueCodec.Decode(e.payload) }), nil
}

// Exists reports whether the scope key has at least one live entry.
func (m *Map[K, V]) Exists(ctx context.Context, scope KeyScope) (bool, error) {
	it, err := m.live(ctx, scope)
	if err != nil {
		return false, err
	}
	return it.Next(ctx), it.Err()
}

// Clear removes every entry of the scope key.
func (m *Map[K, V]) Clear(ctx context.Context, scope KeyScope) error {
	key, err := scopeKey(scope)
	if err != nil {
		return err
	}
	scan, err := m.col.store.txn.PrefixScan(m.col.name, statestore.GroupingPrefix(key))
	if err != nil {
		return err
	}
	for scan.Next(ctx) {
		if err := m.col.delete(scan.Value().Key); err != nil {
			return err
		}
	}
	return scan.Err()
}
