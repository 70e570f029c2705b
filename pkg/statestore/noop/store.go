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

// Package noop implements a state store that keeps nothing. It backs the
// driver side dry run of the user function that only harvests the declared
// column families.
package noop

import (
	"context"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/statestore"
)

// Provider hands out noop transactions.
type Provider struct{}

var _ statestore.Provider = Provider{}

func (Provider) Open(_ context.Context, partitionID int32, version int64) (statestore.Txn, error) {
	return NewTxn(partitionID, version), nil
}

func (Provider) Name() string {
	return "noop"
}

func (Provider) Close() error {
	return nil
}

// Txn records the registered column families and drops every write.
type Txn struct {
	partitionID int32
	version     int64
	registered  []schema.ColumnFamilySchema
}

var _ statestore.Txn = (*Txn)(nil)

// NewTxn returns a noop transaction.
func NewTxn(partitionID int32, version int64) *Txn {
	return &Txn{partitionID: partitionID, version: version}
}

func (t *Txn) PartitionID() int32 {
	return t.partitionID
}

func (t *Txn) Version() int64 {
	return t.version
}

func (t *Txn) RegisterColumnFamily(cf schema.ColumnFamilySchema) error {
	t.registered = append(t.registered, cf)
	return nil
}

// Registered returns the column families registered so far.
func (t *Txn) Registered() []schema.ColumnFamilySchema {
	return t.registered
}

func (t *Txn) Get(string, []byte) ([]byte, error) {
	return nil, statestore.ErrKeyNotFound
}

func (t *Txn) Put(string, []byte, []byte) error {
	return nil
}

func (t *Txn) Delete(string, []byte) error {
	return nil
}

func (t *Txn) PrefixScan(string, []byte) (iterator.Iterator[statestore.KV], error) {
	return iterator.Empty[statestore.KV](), nil
}

func (t *Txn) Commit() (int64, error) {
	return t.version, nil
}

func (t *Txn) Abort() error {
	return nil
}

func (t *Txn) Stats() statestore.Stats {
	return statestore.Stats{}
}
