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

/*
Package timers keeps the per key timers of a stateful operator in the state
store transaction of the partition.

Every timer is written to two column families. The key to timestamp family
lists the timers of one grouping key, the timestamp to key family orders all
timers by expiry then by key bytes, which is the order expired timers fire in.
*/
package timers

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/statestore"
)

const (
	// KeyToTimestampColumnFamily lists the timers of one grouping key.
	KeyToTimestampColumnFamily = "$timers_key_ts"
	// TimestampToKeyColumnFamily orders every timer by expiry.
	TimestampToKeyColumnFamily = "$timers_ts_key"
)

// Timer is one registered timer.
type Timer struct {
	Key         []byte
	TimestampMs int64
}

// Metrics are the timer counters of one registry.
type Metrics struct {
	Registered int64
	Deleted    int64
	Expired    int64
}

// ColumnFamilies returns the column families a registry keeps its timers in.
func ColumnFamilies(keySchema schema.Schema) []schema.ColumnFamilySchema {
	tsSchema := schema.Schema{Type: "timestamp"}
	return []schema.ColumnFamilySchema{
		{
			Name:        KeyToTimestampColumnFamily,
			Kind:        schema.KindTimers,
			KeySchema:   keySchema,
			ValueSchema: tsSchema,
			Encoder:     schema.EncoderPrefixKey,
		},
		{
			Name:        TimestampToKeyColumnFamily,
			Kind:        schema.KindTimers,
			KeySchema:   tsSchema,
			ValueSchema: keySchema,
			Encoder:     schema.EncoderTimestampPrefix,
		},
	}
}

// Registry is the timer registry of one partition transaction.
type Registry struct {
	txn     statestore.Txn
	metrics Metrics
}

// NewRegistry registers the timer column families in txn.
func NewRegistry(txn statestore.Txn, keySchema schema.Schema) (*Registry, error) {
	for _, cf := range ColumnFamilies(keySchema) {
		if err := txn.RegisterColumnFamily(cf); err != nil {
			return nil, fmt.Errorf("failed to register timer column family %s, %w", cf.Name, err)
		}
	}
	return &Registry{txn: txn}, nil
}

func keyToTimestamp(key []byte, tsMs int64) []byte {
	return statestore.PrefixedKey(key, statestore.EncodeTimestamp(tsMs))
}

func timestampToKey(key []byte, tsMs int64) []byte {
	return append(statestore.EncodeTimestamp(tsMs), key...)
}

// Register adds the timer (key, tsMs). Registering an existing timer is a no-op.
func (r *Registry) Register(key []byte, tsMs int64) error {
	exists, err := r.exists(key, tsMs)
	if err != nil || exists {
		return err
	}
	if err := r.txn.Put(KeyToTimestampColumnFamily, keyToTimestamp(key, tsMs), nil); err != nil {
		return err
	}
	if err := r.txn.Put(TimestampToKeyColumnFamily, timestampToKey(key, tsMs), nil); err != nil {
		return err
	}
	r.metrics.Registered++
	return nil
}

// Delete removes the timer (key, tsMs), a missing timer is a no-op.
func (r *Registry) Delete(key []byte, tsMs int64) error {
	removed, err := r.remove(key, tsMs)
	if removed {
		r.metrics.Deleted++
	}
	return err
}

// Expire removes a timer whose expiry was dispatched.
func (r *Registry) Expire(t Timer) error {
	removed, err := r.remove(t.Key, t.TimestampMs)
	if removed {
		r.metrics.Expired++
	}
	return err
}

func (r *Registry) remove(key []byte, tsMs int64) (bool, error) {
	exists, err := r.exists(key, tsMs)
	if err != nil || !exists {
		return false, err
	}
	if err := r.txn.Delete(KeyToTimestampColumnFamily, keyToTimestamp(key, tsMs)); err != nil {
		return false, err
	}
	if err := r.txn.Delete(TimestampToKeyColumnFamily, timestampToKey(key, tsMs)); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) exists(key []byte, tsMs int64) (bool, error) {
	_, err := r.txn.Get(KeyToTimestampColumnFamily, keyToTimestamp(key, tsMs))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, statestore.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns the timers of key in ascending timestamp order.
func (r *Registry) List(ctx context.Context, key []byte) ([]int64, error) {
	scan, err := r.txn.PrefixScan(KeyToTimestampColumnFamily, statestore.GroupingPrefix(key))
	if err != nil {
		return nil, err
	}
	var out []int64
	for scan.Next(ctx) {
		_, suffix, err := statestore.SplitPrefixedKey(scan.Value().Key)
		if err != nil {
			return nil, err
		}
		ts, err := statestore.DecodeTimestamp(suffix)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, scan.Err()
}

// DueBefore returns the timers expiring at or before thresholdMs in ascending
// timestamp order, ties in key byte order. The store is scanned on the first
// call to Next, timers registered after that are not returned. Timers deleted
// after the scan started are skipped. Returned timers stay registered until
// they are expired or deleted.
func (r *Registry) DueBefore(thresholdMs int64) iterator.Iterator[Timer] {
	var scan iterator.Iterator[statestore.KV]
	return iterator.Func(func(ctx context.Context) (Timer, bool, error) {
		if scan == nil {
			s, err := r.txn.PrefixScan(TimestampToKeyColumnFamily, nil)
			if err != nil {
				return Timer{}, false, err
			}
			scan = s
		}
		for scan.Next(ctx) {
			k := scan.Value().Key
			ts, err := statestore.DecodeTimestamp(k)
			if err != nil {
				return Timer{}, false, err
			}
			if ts > thresholdMs {
				return Timer{}, false, nil
			}
			t := Timer{Key: bytes.Clone(k[8:]), TimestampMs: ts}
			// the scan reads a snapshot, a timer deleted since must not fire
			live, err := r.exists(t.Key, t.TimestampMs)
			if err != nil {
				return Timer{}, false, err
			}
			if live {
				return t, true, nil
			}
		}
		return Timer{}, false, scan.Err()
	})
}

// Metrics returns the counters of the registry.
func (r *Registry) Metrics() Metrics {
	return r.metrics
}
