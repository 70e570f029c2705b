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

// Package testutils holds the behaviour every statestore.Provider must share,
// run by the tests of each backend.
package testutils

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/statestore"
)

// TestColumnFamily is a value column family keyed by strings.
func TestColumnFamily(name string) schema.ColumnFamilySchema {
	return schema.ColumnFamilySchema{
		Name:        name,
		Kind:        schema.KindValue,
		KeySchema:   schema.Schema{Type: "string"},
		ValueSchema: schema.Schema{Type: "int64"},
		Encoder:     schema.EncoderNoPrefix,
	}
}

// OpenTxn opens partitionID of p at version with the given column families registered.
func OpenTxn(t *testing.T, p statestore.Provider, partitionID int32, version int64, cfs ...string) statestore.Txn {
	t.Helper()
	txn, err := p.Open(context.Background(), partitionID, version)
	require.NoError(t, err)
	for _, cf := range cfs {
		require.NoError(t, txn.RegisterColumnFamily(TestColumnFamily(cf)))
	}
	return txn
}

// Keys drains a scan into its keys.
func Keys(t *testing.T, it iterator.Iterator[statestore.KV]) []string {
	t.Helper()
	kvs, err := iterator.Collect(context.Background(), it)
	require.NoError(t, err)
	var keys []string
	for _, kv := range kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys
}

// RunConformance runs the shared provider behaviour against the providers built by newProvider.
func RunConformance(t *testing.T, newProvider func(t *testing.T) statestore.VersionedProvider) {
	t.Run("get put delete", func(t *testing.T) {
		p := newProvider(t)
		txn := OpenTxn(t, p, 0, 0, "a")
		_, err := txn.Get("a", []byte("k"))
		assert.True(t, errors.Is(err, statestore.ErrKeyNotFound))
		require.NoError(t, txn.Put("a", []byte("k"), []byte("v1")))
		got, err := txn.Get("a", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		require.NoError(t, txn.Delete("a", []byte("k")))
		require.NoError(t, txn.Delete("a", []byte("missing")))
		_, err = txn.Get("a", []byte("k"))
		assert.True(t, errors.Is(err, statestore.ErrKeyNotFound))
		assert.Equal(t, int64(1), txn.Stats().Puts)
		assert.Equal(t, int64(2), txn.Stats().Deletes)
		require.NoError(t, txn.Abort())
	})

	t.Run("column families", func(t *testing.T) {
		p := newProvider(t)
		txn := OpenTxn(t, p, 0, 0, "a")
		assert.NoError(t, txn.RegisterColumnFamily(TestColumnFamily("a")))
		other := TestColumnFamily("a")
		other.Kind = schema.KindList
		assert.True(t, errors.Is(txn.RegisterColumnFamily(other), statestore.ErrColumnFamilyConflict))
		_, err := txn.Get("b", []byte("k"))
		assert.True(t, errors.Is(err, statestore.ErrUnknownColumnFamily))
		assert.True(t, errors.Is(txn.Put("b", []byte("k"), nil), statestore.ErrUnknownColumnFamily))
		require.NoError(t, txn.Abort())
	})

	t.Run("column families are isolated", func(t *testing.T) {
		p := newProvider(t)
		txn := OpenTxn(t, p, 0, 0, "a", "ab")
		require.NoError(t, txn.Put("a", []byte("bk"), []byte("1")))
		require.NoError(t, txn.Put("ab", []byte("k"), []byte("2")))
		it, err := txn.PrefixScan("a", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"bk"}, Keys(t, it))
		require.NoError(t, txn.Abort())
	})

	t.Run("prefix scan", func(t *testing.T) {
		p := newProvider(t)
		txn := OpenTxn(t, p, 0, 0, "a")
		for _, k := range []string{"k2", "x", "k10", "k1", "k"} {
			require.NoError(t, txn.Put("a", []byte(k), []byte(k)))
		}
		it, err := txn.PrefixScan("a", []byte("k"))
		require.NoError(t, err)
		// writes after the scan was opened are not observed
		require.NoError(t, txn.Put("a", []byte("k3"), nil))
		assert.Equal(t, []string{"k", "k1", "k10", "k2"}, Keys(t, it))
		require.NoError(t, txn.Abort())
	})

	t.Run("commit and reopen", func(t *testing.T) {
		p := newProvider(t)
		txn := OpenTxn(t, p, 3, 0, "a")
		require.NoError(t, txn.Put("a", []byte("k"), []byte("v1")))
		version, err := txn.Commit()
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
		latest, err := p.LatestVersion(3)
		require.NoError(t, err)
		assert.Equal(t, int64(1), latest)

		_, err = txn.Commit()
		assert.True(t, errors.Is(err, statestore.ErrTxnResolved))
		_, err = txn.Get("a", []byte("k"))
		assert.True(t, errors.Is(err, statestore.ErrTxnResolved))

		txn = OpenTxn(t, p, 3, 1, "a")
		got, err := txn.Get("a", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		require.NoError(t, txn.Put("a", []byte("k"), []byte("v2")))
		require.NoError(t, txn.Abort())
		assert.True(t, errors.Is(txn.Abort(), statestore.ErrTxnResolved))

		// an aborted transaction leaves the version untouched
		txn = OpenTxn(t, p, 3, 1, "a")
		got, err = txn.Get("a", []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		require.NoError(t, txn.Abort())

		latest, err = p.LatestVersion(4)
		require.NoError(t, err)
		assert.Equal(t, int64(0), latest)
	})

	t.Run("unknown version", func(t *testing.T) {
		p := newProvider(t)
		_, err := p.Open(context.Background(), 0, 5)
		assert.True(t, errors.Is(err, statestore.ErrVersionNotFound))
	})

	t.Run("closed provider", func(t *testing.T) {
		p := newProvider(t)
		require.NoError(t, p.Close())
		_, err := p.Open(context.Background(), 0, 0)
		assert.True(t, errors.Is(err, statestore.ErrProviderClosed))
	})
}
