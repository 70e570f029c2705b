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

// Package badgerstore implements the durable state store on badger running in
// managed mode. Every partition is a separate database, and state store
// version v is the snapshot read at badger timestamp v+1, so committing the
// transaction opened at version v writes at timestamp v+2.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/shared/logging"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

// ErrStaleVersion is returned when a version older than the latest committed one is opened.
var ErrStaleVersion = udferr.New(udferr.CodeStateStore, "state store version is older than the latest committed version")

const txnTooBigMsg = "partition transaction holds more writes than one batch allows, raise the memtable size"

// ErrTxnTooBig is returned when a write does not fit in the partition
// transaction. The batch of the partition cannot commit.
var ErrTxnTooBig = udferr.New(udferr.CodeStateStore, txnTooBigMsg)

// writeError classifies a failed write, err stays in the chain.
func writeError(err error, format string, args ...any) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return udferr.Wrapf(udferr.CodeStateStore, err, txnTooBigMsg)
	}
	return udferr.Wrapf(udferr.CodeStateStore, err, format, args...)
}

var metaVersionKey = statestore.EncodeKey("$meta", []byte("version"))

func readTs(version int64) uint64 {
	return uint64(version) + 1
}

// partitionDB is an open partition database. A database evicted from the
// cache while a transaction is running is closed when the transaction ends.
type partitionDB struct {
	db      *badger.DB
	mu      sync.Mutex
	active  int
	evicted bool
}

func (p *partitionDB) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return false
	}
	p.active++
	return true
}

func (p *partitionDB) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	if p.evicted && p.active == 0 {
		return p.db.Close()
	}
	return nil
}

func (p *partitionDB) evict() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return nil
	}
	p.evicted = true
	if p.active == 0 {
		return p.db.Close()
	}
	return nil
}

// Provider is a statestore.Provider backed by badger.
type Provider struct {
	dir      string
	opts     *options
	lock     sync.Mutex
	cache    *lru.Cache[int32, *partitionDB]
	isClosed bool
	log      *zap.SugaredLogger
}

var _ statestore.VersionedProvider = (*Provider)(nil)

// NewProvider returns a Provider keeping partition i under dir/partition-i.
func NewProvider(ctx context.Context, dir string, opts ...Option) (*Provider, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	size := o.cacheSize
	if o.inMemory {
		// an evicted in memory partition would lose its state
		size = math.MaxInt32
	}
	p := &Provider{
		dir:  dir,
		opts: o,
		log:  logging.FromContext(ctx).With("backend", "badger", "dir", dir),
	}
	cache, err := lru.NewWithEvict[int32, *partitionDB](size, func(partitionID int32, pdb *partitionDB) {
		if err := pdb.evict(); err != nil {
			p.log.Errorw("Failed to close evicted partition database", zap.Int32("partition", partitionID), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create partition cache, %w", err)
	}
	p.cache = cache
	return p, nil
}

// Name returns the backend name.
func (p *Provider) Name() string {
	return "badger"
}

func (p *Provider) partition(partitionID int32) (*partitionDB, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.isClosed {
		return nil, statestore.ErrProviderClosed
	}
	if pdb, ok := p.cache.Get(partitionID); ok && pdb.acquire() {
		return pdb, nil
	}
	var bopts badger.Options
	if p.opts.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(filepath.Join(p.dir, fmt.Sprintf("partition-%d", partitionID)))
	}
	bopts = bopts.WithSyncWrites(p.opts.syncWrites).
		WithMemTableSize(p.opts.memTableSize).
		WithValueLogFileSize(p.opts.valueLogFileSize).
		WithLogger(nil)
	db, err := badger.OpenManaged(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %d, %w", partitionID, err)
	}
	pdb := &partitionDB{db: db}
	pdb.acquire()
	p.cache.Add(partitionID, pdb)
	p.log.Debugw("Opened partition database", zap.Int32("partition", partitionID))
	return pdb, nil
}

// LatestVersion returns the last committed version of a partition, 0 if none.
func (p *Provider) LatestVersion(partitionID int32) (int64, error) {
	pdb, err := p.partition(partitionID)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rErr := pdb.release(); rErr != nil {
			p.log.Errorw("Failed to release partition database", zap.Error(rErr))
		}
	}()
	return latestVersion(pdb.db)
}

func latestVersion(db *badger.DB) (int64, error) {
	rtxn := db.NewTransactionAt(math.MaxUint64, false)
	defer rtxn.Discard()
	item, err := rtxn.Get(metaVersionKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int64
	err = item.Value(func(val []byte) error {
		version = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return version, err
}

// Open returns a read-write transaction reading the partition as of version.
// Only the latest committed version can be opened, badger timestamps cannot
// be rewritten.
func (p *Provider) Open(ctx context.Context, partitionID int32, version int64) (statestore.Txn, error) {
	pdb, err := p.partition(partitionID)
	if err != nil {
		return nil, err
	}
	latest, err := latestVersion(pdb.db)
	if err != nil {
		_ = pdb.release()
		return nil, fmt.Errorf("failed to read latest version of partition %d, %w", partitionID, err)
	}
	switch {
	case version > latest:
		_ = pdb.release()
		return nil, fmt.Errorf("%w: partition %d version %d, latest %d", statestore.ErrVersionNotFound, partitionID, version, latest)
	case version < latest:
		_ = pdb.release()
		return nil, fmt.Errorf("%w: partition %d version %d, latest %d", ErrStaleVersion, partitionID, version, latest)
	}
	return &txn{
		pdb:         pdb,
		txn:         pdb.db.NewTransactionAt(readTs(version), true),
		partitionID: partitionID,
		version:     version,
		cfs:         statestore.NewColumnFamilies(),
		countKeys:   p.opts.countKeys,
		log:         logging.FromContext(ctx).With("partition", partitionID, "version", version),
	}, nil
}

// Close closes every open partition database.
func (p *Provider) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.isClosed {
		return nil
	}
	p.isClosed = true
	var errs error
	for _, partitionID := range p.cache.Keys() {
		pdb, ok := p.cache.Peek(partitionID)
		if !ok {
			continue
		}
		errs = multierr.Append(errs, pdb.evict())
	}
	// the entries are already closed, purging must not close them again
	p.cache.Purge()
	return errs
}

type txn struct {
	pdb         *partitionDB
	txn         *badger.Txn
	partitionID int32
	version     int64
	cfs         *statestore.ColumnFamilies
	resolved    bool
	countKeys   bool
	stats       statestore.Stats
	log         *zap.SugaredLogger
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
	item, err := t.txn.Get(statestore.EncodeKey(cf, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, statestore.ErrKeyNotFound
	}
	if err != nil {
		return nil, udferr.Wrapf(udferr.CodeStateStore, err, "failed to get key from %s", cf)
	}
	return item.ValueCopy(nil)
}

func (t *txn) Put(cf string, key, value []byte) error {
	if err := t.check(cf); err != nil {
		return err
	}
	if err := t.txn.Set(statestore.EncodeKey(cf, key), statestore.Copy(value)); err != nil {
		return writeError(err, "failed to put key into %s", cf)
	}
	t.stats.Puts++
	return nil
}

func (t *txn) Delete(cf string, key []byte) error {
	if err := t.check(cf); err != nil {
		return err
	}
	if err := t.txn.Delete(statestore.EncodeKey(cf, key)); err != nil {
		return writeError(err, "failed to delete key from %s", cf)
	}
	t.stats.Deletes++
	return nil
}

// PrefixScan materializes the matching entries. A read-write badger
// transaction allows a single open iterator, and the scans of the operator
// overlap with reads issued by user functions.
func (t *txn) PrefixScan(cf string, prefix []byte) (iterator.Iterator[statestore.KV], error) {
	if err := t.check(cf); err != nil {
		return nil, err
	}
	physicalPrefix := statestore.EncodeKey(cf, prefix)
	iopts := badger.DefaultIteratorOptions
	iopts.Prefix = physicalPrefix
	it := t.txn.NewIterator(iopts)
	defer it.Close()

	var entries []statestore.KV
	for it.Seek(physicalPrefix); it.ValidForPrefix(physicalPrefix); it.Next() {
		item := it.Item()
		_, userKey, err := statestore.DecodeKey(item.KeyCopy(nil))
		if err != nil {
			return nil, err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, udferr.Wrapf(udferr.CodeStateStore, err, "failed to read value from %s", cf)
		}
		entries = append(entries, statestore.KV{Key: userKey, Value: val})
	}
	return iterator.FromSlice(entries...), nil
}

func (t *txn) Commit() (int64, error) {
	if t.resolved {
		return 0, statestore.ErrTxnResolved
	}
	t.resolved = true
	defer t.releaseDB()

	next := t.version + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := t.txn.Set(metaVersionKey, buf); err != nil {
		t.txn.Discard()
		return 0, writeError(err, "failed to write version marker")
	}
	if err := t.txn.CommitAt(readTs(next), nil); err != nil {
		return 0, udferr.Wrapf(udferr.CodeStateStore, err, "failed to commit partition %d version %d", t.partitionID, next)
	}
	if t.countKeys {
		n, err := t.count(next)
		if err != nil {
			t.log.Warnw("Failed to count partition keys", zap.Error(err))
		}
		t.stats.NumKeys = n
	}
	return next, nil
}

func (t *txn) count(version int64) (int64, error) {
	rtxn := t.pdb.db.NewTransactionAt(readTs(version), false)
	defer rtxn.Discard()
	iopts := badger.DefaultIteratorOptions
	iopts.PrefetchValues = false
	it := rtxn.NewIterator(iopts)
	defer it.Close()
	var n int64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	// the version marker is not a state key
	return n - 1, nil
}

func (t *txn) Abort() error {
	if t.resolved {
		return statestore.ErrTxnResolved
	}
	t.resolved = true
	t.txn.Discard()
	t.releaseDB()
	return nil
}

func (t *txn) releaseDB() {
	if err := t.pdb.release(); err != nil {
		t.log.Errorw("Failed to release partition database", zap.Error(err))
	}
}

func (t *txn) Stats() statestore.Stats {
	return t.stats
}
