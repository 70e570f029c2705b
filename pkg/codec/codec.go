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

// Package codec converts grouping keys, row values and state values to and
// from the bytes kept in rows and in the state store.
package codec

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
)

// Codec encodes and decodes values of one type.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
	// Type returns the Go type the codec handles.
	Type() reflect.Type
}

// JSON is a Codec using the JSON encoding.
type JSON[T any] struct{}

var _ Codec[int] = JSON[int]{}

// NewJSON returns a JSON codec for T.
func NewJSON[T any]() JSON[T] {
	return JSON[T]{}
}

func (JSON[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T, %w", v, err)
	}
	return b, nil
}

func (JSON[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("failed to decode %T, %w", v, err)
	}
	return v, nil
}

func (JSON[T]) Type() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Bytes passes raw bytes through unchanged.
type Bytes struct{}

var _ Codec[[]byte] = Bytes{}

func (Bytes) Encode(v []byte) ([]byte, error) {
	return v, nil
}

func (Bytes) Decode(b []byte) ([]byte, error) {
	return b, nil
}

func (Bytes) Type() reflect.Type {
	return reflect.TypeOf([]byte(nil))
}

// String encodes strings as their UTF-8 bytes, so the byte order of encoded
// keys is the string order.
type String struct{}

var _ Codec[string] = String{}

func (String) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Decode(b []byte) (string, error) {
	return string(b), nil
}

func (String) Type() reflect.Type {
	return reflect.TypeOf("")
}
