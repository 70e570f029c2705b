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

package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/statestore/testutils"
)

func newTestProvider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	p, err := NewProvider(context.Background(), opts...)
	require.NoError(t, err)
	return p
}

func TestProvider_Conformance(t *testing.T) {
	testutils.RunConformance(t, func(t *testing.T) statestore.VersionedProvider {
		return newTestProvider(t)
	})
}

func TestProvider_RetainedVersions(t *testing.T) {
	_, err := NewProvider(context.Background(), WithRetainedVersions(0))
	assert.Error(t, err)

	p := newTestProvider(t, WithRetainedVersions(2))
	for v := int64(0); v < 4; v++ {
		txn := testutils.OpenTxn(t, p, 0, v, "a")
		require.NoError(t, txn.Put("a", []byte("k"), []byte{byte(v)}))
		_, err := txn.Commit()
		require.NoError(t, err)
	}
	_, err = p.Open(context.Background(), 0, 2)
	assert.True(t, errors.Is(err, statestore.ErrVersionNotFound))
	txn := testutils.OpenTxn(t, p, 0, 3, "a")
	got, err := txn.Get("a", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got)
	assert.Equal(t, int64(1), txn.Stats().NumKeys)
	require.NoError(t, txn.Abort())
}

func TestProvider_RecommitOlderVersion(t *testing.T) {
	p := newTestProvider(t)
	for v := int64(0); v < 3; v++ {
		txn := testutils.OpenTxn(t, p, 0, v, "a")
		require.NoError(t, txn.Put("a", []byte("k"), []byte{byte(v)}))
		_, err := txn.Commit()
		require.NoError(t, err)
	}
	// retrying batch 1 replaces versions 2 and 3
	txn := testutils.OpenTxn(t, p, 0, 1, "a")
	require.NoError(t, txn.Put("a", []byte("k"), []byte("retry")))
	version, err := txn.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	latest, err := p.LatestVersion(0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
	_, err = p.Open(context.Background(), 0, 3)
	assert.True(t, errors.Is(err, statestore.ErrVersionNotFound))
}
