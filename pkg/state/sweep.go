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
	"errors"
	"fmt"

	"github.com/numaproj/statefulflow/pkg/statestore"
)

// Sweeper removes expired entries of the TTL variables of a Store.
type Sweeper struct {
	store   *Store
	columns []*column
	removed int64
}

// Run deletes every entry whose expiry is at or before nowMs and returns the
// number of entries removed. It visits only the expired part of each TTL index.
func (s *Sweeper) Run(ctx context.Context, nowMs int64) (int, error) {
	total := 0
	for _, col := range s.columns {
		n, err := s.sweep(ctx, col, nowMs)
		total += n
		s.removed += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s, %w", col.name, err)
		}
	}
	return total, nil
}

func (s *Sweeper) sweep(ctx context.Context, col *column, nowMs int64) (int, error) {
	txn := s.store.txn
	index := ttlIndexName(col.name)
	scan, err := txn.PrefixScan(index, nil)
	if err != nil {
		return 0, err
	}
	removed := 0
	for scan.Next(ctx) {
		indexKey := scan.Value().Key
		expiresAt, storeKey, err := splitTTLIndexKey(indexKey)
		if err != nil {
			return removed, err
		}
		if expiresAt > nowMs {
			break
		}
		// the entry may have been rewritten with a later expiry, or removed
		raw, err := txn.Get(col.name, storeKey)
		switch {
		case errors.Is(err, statestore.ErrKeyNotFound):
		case err != nil:
			return removed, err
		default:
			current, _, err := decodeEntry(raw)
			if err != nil {
				return removed, err
			}
			if current <= nowMs {
				if err := txn.Delete(col.name, storeKey); err != nil {
					return removed, err
				}
				removed++
			}
		}
		if err := txn.Delete(index, indexKey); err != nil {
			return removed, err
		}
	}
	return removed, scan.Err()
}
