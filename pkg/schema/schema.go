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

// Package schema describes the column families a stateful operator keeps in
// the state store, checks a newly declared set against the persisted one and
// persists the result.
package schema

import (
	"reflect"
	"strings"
)

// DefaultColumnFamilyName is the column family describing the grouping key alone.
const DefaultColumnFamilyName = "default"

// Kind is the kind of data a column family holds.
type Kind string

const (
	KindDefault  Kind = "default"
	KindValue    Kind = "value"
	KindList     Kind = "list"
	KindMap      Kind = "map"
	KindTimers   Kind = "timers"
	KindTTLIndex Kind = "ttlIndex"
)

// Encoder names how the store keys of a column family are laid out.
type Encoder string

const (
	// EncoderNoPrefix keys entries by the grouping key alone.
	EncoderNoPrefix Encoder = "noPrefix"
	// EncoderPrefixKey keys entries by the grouping key followed by a user key.
	EncoderPrefixKey Encoder = "prefixKey"
	// EncoderTimestampPrefix keys entries by a timestamp followed by the grouping key.
	EncoderTimestampPrefix Encoder = "timestampPrefix"
)

// Field is one field of a struct schema.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema describes a Go type stored in the state store.
type Schema struct {
	Type   string  `json:"type"`
	Fields []Field `json:"fields,omitempty"`
}

// Equal reports whether s and o describe the same type.
func (s Schema) Equal(o Schema) bool {
	if s.Type != o.Type || len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// ColumnFamilySchema is the persisted description of one column family.
type ColumnFamilySchema struct {
	Name          string  `json:"name"`
	Kind          Kind    `json:"kind"`
	KeySchemaID   int     `json:"keySchemaId"`
	KeySchema     Schema  `json:"keySchema"`
	ValueSchemaID int     `json:"valueSchemaId"`
	ValueSchema   Schema  `json:"valueSchema"`
	UserKeySchema *Schema `json:"userKeySchema,omitempty"`
	Encoder       Encoder `json:"encoder"`
	TTL           bool    `json:"ttl"`
}

// Internal reports whether the column family is maintained by the engine
// rather than declared by a user state variable.
func (c ColumnFamilySchema) Internal() bool {
	return strings.HasPrefix(c.Name, "$") || c.Name == DefaultColumnFamilyName
}

// Default returns the synthetic column family describing the grouping key.
func Default(keyType reflect.Type) ColumnFamilySchema {
	return ColumnFamilySchema{
		Name:        DefaultColumnFamilyName,
		Kind:        KindDefault,
		KeySchema:   Describe(keyType),
		ValueSchema: Schema{Type: "empty"},
		Encoder:     EncoderNoPrefix,
	}
}

// Describe derives the schema of a Go type. Struct types list their exported
// fields under the names they are encoded with.
func Describe(t reflect.Type) Schema {
	if t == nil {
		return Schema{Type: "nil"}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	s := Schema{Type: t.String()}
	if t.Kind() != reflect.Struct {
		return s
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		s.Fields = append(s.Fields, Field{Name: name, Type: f.Type.String()})
	}
	return s
}

// TypeOf is a convenience for Describe(reflect.TypeOf((*T)(nil)).Elem()).
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
