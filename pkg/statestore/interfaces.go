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

// Package statestore defines the versioned key-value store the stateful
// operator keeps its state in. A Provider opens one transaction per partition
// per batch at a given version, the transaction either commits the next
// version or aborts.
package statestore

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_statestore.go -package=mocks

import (
	"context"
	"errors"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

var (
	// ErrKeyNotFound is returned by Get when the key is absent.
	ErrKeyNotFound = errors.New("key not found")
	// ErrUnknownColumnFamily is returned when a column family was not registered in the transaction.
	ErrUnknownColumnFamily = udferr.New(udferr.CodeStateStore, "unknown column family")
	// ErrColumnFamilyConflict is returned when a column family is registered twice with different schemas.
	ErrColumnFamilyConflict = udferr.New(udferr.CodeStateStore, "column family registered with a different schema")
	// ErrTxnResolved is returned when a committed or aborted transaction is used.
	ErrTxnResolved = udferr.New(udferr.CodeStateStore, "transaction already committed or aborted")
	// ErrVersionNotFound is returned when the requested version was never committed.
	ErrVersionNotFound = udferr.New(udferr.CodeStateStore, "state store version not found")
	// ErrProviderClosed is returned when a closed provider is used.
	ErrProviderClosed = udferr.New(udferr.CodeStateStore, "state store provider closed")
)

// KV is one entry returned by a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Stats are the store statistics reported once per batch.
type Stats struct {
	// NumKeys is the number of keys in the partition after the transaction.
	NumKeys int64
	// Puts is the number of writes issued in the transaction.
	Puts int64
	// Deletes is the number of deletes issued in the transaction.
	Deletes int64
}

// Txn is a transaction over one partition of the store at one version.
type Txn interface {
	// PartitionID returns the partition the transaction belongs to.
	PartitionID() int32
	// Version returns the version the transaction was opened at.
	Version() int64
	// RegisterColumnFamily makes a column family usable in the transaction.
	// Registering the same schema twice is a no-op.
	RegisterColumnFamily(cf schema.ColumnFamilySchema) error
	// Get returns the value of key, ErrKeyNotFound if absent.
	Get(cf string, key []byte) ([]byte, error)
	// Put writes key.
	Put(cf string, key, value []byte) error
	// Delete removes key, a missing key is not an error.
	Delete(cf string, key []byte) error
	// PrefixScan returns the entries whose key starts with prefix in ascending
	// key order. The scan observes the transaction as of the call.
	PrefixScan(cf string, prefix []byte) (iterator.Iterator[KV], error)
	// Commit persists every write of the transaction and returns the new version.
	Commit() (int64, error)
	// Abort discards every write of the transaction.
	Abort() error
	// Stats returns the statistics of the transaction.
	Stats() Stats
}

// Provider opens transactions on the partitions of a store.
type Provider interface {
	// Open returns a transaction on partitionID reading the state as of version.
	Open(ctx context.Context, partitionID int32, version int64) (Txn, error)
	// Name returns the backend name.
	Name() string
	// Close releases every resource held by the provider.
	Close() error
}

// VersionedProvider is a Provider that knows the last committed version of
// each partition.
type VersionedProvider interface {
	Provider
	// LatestVersion returns the last committed version of partitionID, 0 if none.
	LatestVersion(partitionID int32) (int64, error)
}
