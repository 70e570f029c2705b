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
Package inmem implements a versioned state store kept in memory. Every commit
keeps a full snapshot of the partition, so it is meant for tests and for
ephemeral batch execution.
*/
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/shared/logging"
	"github.com/numaproj/statefulflow/pkg/statestore"
)

type snapshot map[string][]byte

// options for the in memory provider
type options struct {
	// retainedVersions is the number of committed versions kept per partition
	retainedVersions int
}

type Option func(*options) error

// WithRetainedVersions sets how many committed versions are kept per partition.
func WithRetainedVersions(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("retained versions must be positive, got %d", n)
		}
		o.retainedVersions = n
		return nil
	}
}

// Provider is an in memory statestore.Provider.
type Provider struct {
	lock     sync.RWMutex
	versions map[int32]map[int64]snapshot
	latest   map[int32]int64
	isClosed bool
	opts     *options
	log      *zap.SugaredLogger
}

var _ statestore.VersionedProvider = (*Provider)(nil)

// NewProvider returns an in memory Provider.
func NewProvider(ctx context.Context, opts ...Option) (*Provider, error) {
	o := &options{retainedVersions: 10}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return &Provider{
		versions: make(map[int32]map[int64]snapshot),
		latest:   make(map[int32]int64),
		opts:     o,
		log:      logging.FromContext(ctx).With("backend", "inmem"),
	}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string {
	return "inmem"
}

// Open returns a transaction over a private copy of the requested version.
func (p *Provider) Open(_ context.Context, partitionID int32, version int64) (statestore.Txn, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.isClosed {
		return nil, statestore.ErrProviderClosed
	}
	base := snapshot{}
	if version > 0 {
		snap, ok := p.versions[partitionID][version]
		if !ok {
			return nil, fmt.Errorf("%w: partition %d version %d", statestore.ErrVersionNotFound, partitionID, version)
		}
		base = snap
	}
	working := make(snapshot, len(base))
	for k, v := range base {
		working[k] = v
	}
	return &txn{
		provider:    p,
		partitionID: partitionID,
		version:     version,
		data:        working,
		cfs:         statestore.NewColumnFamilies(),
	}, nil
}

// LatestVersion returns the last committed version of a partition, 0 if none.
func (p *Provider) LatestVersion(partitionID int32) (int64, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.isClosed {
		return 0, statestore.ErrProviderClosed
	}
	return p.latest[partitionID], nil
}

func (p *Provider) commit(partitionID int32, version int64, data snapshot) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.isClosed {
		return statestore.ErrProviderClosed
	}
	versions, ok := p.versions[partitionID]
	if !ok {
		versions = make(map[int64]snapshot)
		p.versions[partitionID] = versions
	}
	// committing on top of an older version discards the versions after it
	for v := range versions {
		if v >= version {
			delete(versions, v)
		}
	}
	versions[version] = data
	p.latest[partitionID] = version
	for v := range versions {
		if v <= version-int64(p.opts.retainedVersions) {
			delete(versions, v)
		}
	}
	p.log.Debugw("Committed partition", zap.Int32("partition", partitionID), zap.Int64("version", version), zap.Int("keys", len(data)))
	return nil
}

// Close drops every version.
func (p *Provider) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.isClosed = true
	p.versions = nil
	return nil
}

// txn is a transaction over a private copy of one version.
type txn struct {
	provider    *Provider
	partitionID int32
	version     int64
	data        snapshot
	cfs         *statestore.ColumnFamilies
	resolved    bool
	stats       statestore.Stats
}

var _ statestore.Txn = (*txn)(nil)

func (t *txn) PartitionID() int32 {
	return t.partitionID
}

func (t *txn) Version() int64 {
	return t.version
}

func (t *txn) RegisterColumnFamily(cf schema.ColumnFamilySchema) error {
	if t.resolved {
		return statestore.ErrTxnResolved
	}
	return t.cfs.Register(cf)
}

func (t *txn) check(cf string) error {
	if t.resolved {
		return statestore.ErrTxnResolved
	}
	return t.cfs.Check(cf)
}

func (t *txn) Get(cf string, key []byte) ([]byte, error) {
	if err := t.check(cf); err != nil {
		return nil, err
	}
	val, ok := t.data[string(statestore.EncodeKey(cf, key))]
	if !ok {
		return nil, statestore.ErrKeyNotFound
	}
	return statestore.Copy(val), nil
}

func (t *txn) Put(cf string, key, value []byte) error {
	if err := t.check(cf); err != nil {
		return err
	}
	t.data[string(statestore.EncodeKey(cf, key))] = statestore.Copy(value)
	t.stats.Puts++
	return nil
}

func (t *txn) Delete(cf string, key []byte) error {
	if err := t.check(cf); err != nil {
		return err
	}
	delete(t.data, string(statestore.EncodeKey(cf, key)))
	t.stats.Deletes++
	return nil
}

// PrefixScan copies the matching entries, so writes issued while the scan is
// consumed are not observed by it.
func (t *txn) PrefixScan(cf string, prefix []byte) (iterator.Iterator[statestore.KV], error) {
	if err := t.check(cf); err != nil {
		return nil, err
	}
	physicalPrefix := string(statestore.EncodeKey(cf, prefix))
	keys := make([]string, 0)
	for k := range t.data {
		if strings.HasPrefix(k, physicalPrefix) {
			keys = append(keys, k)
		}
	}
	// strings compare bytewise, which is the key order of the store
	sort.Strings(keys)
	entries := make([]statestore.KV, 0, len(keys))
	for _, k := range keys {
		_, userKey, err := statestore.DecodeKey([]byte(k))
		if err != nil {
			return nil, err
		}
		entries = append(entries, statestore.KV{Key: userKey, Value: statestore.Copy(t.data[k])})
	}
	return iterator.FromSlice(entries...), nil
}

func (t *txn) Commit() (int64, error) {
	if t.resolved {
		return 0, statestore.ErrTxnResolved
	}
	t.resolved = true
	next := t.version + 1
	if err := t.provider.commit(t.partitionID, next, t.data); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *txn) Abort() error {
	if t.resolved {
		return statestore.ErrTxnResolved
	}
	t.resolved = true
	t.data = nil
	return nil
}

func (t *txn) Stats() statestore.Stats {
	s := t.stats
	s.NumKeys = int64(len(t.data))
	return s
}
