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

package badgerstore

import "fmt"

type options struct {
	// inMemory keeps every partition in memory, nothing is written under dir
	inMemory bool
	// syncWrites fsyncs every commit
	syncWrites bool
	// cacheSize is the number of partition databases kept open
	cacheSize int
	// countKeys computes the number of keys of a partition after every commit
	countKeys bool
	// memTableSize bounds the writes of one transaction
	memTableSize int64
	// valueLogFileSize is the size of one value log file
	valueLogFileSize int64
}

type Option func(*options) error

func defaultOptions() *options {
	return &options{
		syncWrites: true,
		cacheSize:  64,
		countKeys:  true,
		// twice the badger default, about 200k writes per partition per batch
		memTableSize:     128 << 20,
		valueLogFileSize: 1<<30 - 1,
	}
}

// WithInMemory keeps the partitions in memory.
func WithInMemory(inMemory bool) Option {
	return func(o *options) error {
		o.inMemory = inMemory
		return nil
	}
}

// WithSyncWrites sets whether every commit is synced to disk.
func WithSyncWrites(sync bool) Option {
	return func(o *options) error {
		o.syncWrites = sync
		return nil
	}
}

// WithCacheSize sets the number of partition databases kept open.
func WithCacheSize(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("cache size must be positive, got %d", n)
		}
		o.cacheSize = n
		return nil
	}
}

// WithKeyCount sets whether the key count of a partition is computed after each commit.
func WithKeyCount(count bool) Option {
	return func(o *options) error {
		o.countKeys = count
		return nil
	}
}

// WithMemTableSize sets the badger memtable size. A transaction holds at most
// 15% of it, roughly one write per 100 bytes of memtable for small entries, so
// it bounds the writes one partition can issue in a batch. A TTL write and a
// timer registration count twice.
func WithMemTableSize(size int64) Option {
	return func(o *options) error {
		// the batch limit must stay above the 1MB value threshold of badger
		if size < 8<<20 {
			return fmt.Errorf("memtable size must be at least 8MB, got %d", size)
		}
		o.memTableSize = size
		return nil
	}
}

// WithValueLogFileSize sets the size of one badger value log file.
func WithValueLogFileSize(size int64) Option {
	return func(o *options) error {
		if size < 1<<20 || size >= 2<<30 {
			return fmt.Errorf("value log file size must be in [1MB, 2GB), got %d", size)
		}
		o.valueLogFileSize = size
		return nil
	}
}
