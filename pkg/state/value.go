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
	"time"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/schema"
)

// Value holds one value per grouping key.
type Value[T any] struct {
	col   *column
	codec codec.Codec[T]
}

// NewValue declares a value variable. A zero ttl disables expiry.
func NewValue[T any](s *Store, name string, c codec.Codec[T], ttl time.Duration) (*Value[T], error) {
	col, err := s.declare(schema.ColumnFamilySchema{
		Name:        name,
		Kind:        schema.KindValue,
		ValueSchema: schema.Describe(c.Type()),
		Encoder:     schema.EncoderNoPrefix,
	}, ttl)
	if err != nil {
		return nil, err
	}
	return &Value[T]{col: col, codec: c}, nil
}

// Get returns the value of the scope key, false if absent or expired.
func (v *Value[T]) Get(scope KeyScope) (T, bool, error) {
	var zero T
	key, err := scopeKey(scope)
	if err != nil {
		return zero, false, err
	}
	payload, ok, err := v.col.get(key)
	if err != nil || !ok {
		return zero, false, err
	}
	val, err := v.codec.Decode(payload)
	if err != nil {
		return zero, false, err
	}
	return val, true, nil
}

// Exists reports whether the scope key has a value.
func (v *Value[T]) Exists(scope KeyScope) (bool, error) {
	_, ok, err := v.Get(scope)
	return ok, err
}

// Update replaces the value of the scope key.
func (v *Value[T]) Update(scope KeyScope, val T) error {
	key, err := scopeKey(scope)
	if err != nil {
		return err
	}
	payload, err := v.codec.Encode(val)
	if err != nil {
		return err
	}
	return v.col.put(key, payload)
}

// Clear removes the value of the scope key.
func (v *Value[T]) Clear(scope KeyScope) error {
	key, err := scopeKey(scope)
	if err != nil {
		return err
	}
	return v.col.delete(key)
}
