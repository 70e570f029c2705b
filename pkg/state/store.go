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
Package state implements the typed state variables of a stateful operator
over one partition transaction.

Every operation takes the KeyScope it runs for, there is no current key.
Variables declared with a TTL stamp every written entry with
batchTimestamp + TTL; an entry is absent to reads from the moment the batch
timestamp reaches its expiry, and the Sweeper removes it from the store.
*/
package state

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

var (
	// ErrDuplicateVariable is returned when two variables share a name.
	ErrDuplicateVariable = udferr.New(udferr.CodeContract, "state variable already declared")
	// ErrReservedName is returned for names the engine reserves.
	ErrReservedName = udferr.New(udferr.CodeContract, "state variable name is reserved")
	// ErrTTLWithoutTimestamp is returned when a TTL variable is used in a batch without a batch timestamp.
	ErrTTLWithoutTimestamp = udferr.New(udferr.CodeConfig, "state variable with ttl needs a batch timestamp")
	// ErrInvalidTTL is returned for a non positive TTL.
	ErrInvalidTTL = udferr.New(udferr.CodeContract, "ttl must be positive")
)

// noExpiry is the expiry stamped on entries of variables without TTL.
const noExpiry = math.MaxInt64

// KeyScope scopes state operations to one grouping key.
type KeyScope interface {
	// GroupingKey returns the encoded grouping key, or an error once the scope
	// is no longer valid.
	GroupingKey() ([]byte, error)
}

// BytesKey is a KeyScope over a fixed grouping key.
type BytesKey []byte

func (k BytesKey) GroupingKey() ([]byte, error) {
	return k, nil
}

// Metrics are the state counters of one partition transaction.
type Metrics struct {
	// Variables counts declared variables by kind, suffixed with "_ttl" when TTL is set.
	Variables map[string]int
	// TTLRemoved is the number of entries removed by the sweep.
	TTLRemoved int64
}

// Store declares state variables on a transaction.
type Store struct {
	txn       statestore.Txn
	keySchema schema.Schema
	nowMs     *int64
	names     map[string]bool
	schemas   []schema.ColumnFamilySchema
	sweeper   *Sweeper
	counts    map[string]int
}

// NewStore returns a Store over txn. batchTimestampMs is the time TTL
// variables stamp and expire entries at, nil when the batch has no timestamp.
func NewStore(txn statestore.Txn, keySchema schema.Schema, batchTimestampMs *int64) *Store {
	s := &Store{
		txn:       txn,
		keySchema: keySchema,
		nowMs:     batchTimestampMs,
		names:     make(map[string]bool),
		counts:    make(map[string]int),
	}
	s.sweeper = &Sweeper{store: s}
	return s
}

// ColumnFamilies returns the column families of every declared variable,
// TTL index families included.
func (s *Store) ColumnFamilies() []schema.ColumnFamilySchema {
	out := make([]schema.ColumnFamilySchema, len(s.schemas))
	copy(out, s.schemas)
	return out
}

// Sweeper returns the TTL sweeper of the store.
func (s *Store) Sweeper() *Sweeper {
	return s.sweeper
}

// Metrics returns the state counters.
func (s *Store) Metrics() Metrics {
	vars := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		vars[k] = v
	}
	return Metrics{Variables: vars, TTLRemoved: s.sweeper.removed}
}

// declare validates and registers the column family of a new variable.
func (s *Store) declare(cf schema.ColumnFamilySchema, ttl time.Duration) (*column, error) {
	if cf.Name == "" || strings.HasPrefix(cf.Name, "$") || cf.Name == schema.DefaultColumnFamilyName {
		return nil, fmt.Errorf("%w: %q", ErrReservedName, cf.Name)
	}
	if s.names[cf.Name] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateVariable, cf.Name)
	}
	if ttl < 0 || (ttl > 0 && ttl.Milliseconds() == 0) {
		return nil, fmt.Errorf("%w: %s has ttl %s", ErrInvalidTTL, cf.Name, ttl)
	}
	cf.KeySchema = s.keySchema
	cf.TTL = ttl > 0
	toRegister := []schema.ColumnFamilySchema{cf}
	if cf.TTL {
		toRegister = append(toRegister, ttlIndexSchema(cf.Name))
	}
	for _, c := range toRegister {
		if err := s.txn.RegisterColumnFamily(c); err != nil {
			return nil, fmt.Errorf("failed to register column family %s, %w", c.Name, err)
		}
	}
	s.names[cf.Name] = true
	s.schemas = append(s.schemas, toRegister...)
	kind := string(cf.Kind)
	if cf.TTL {
		kind += "_ttl"
	}
	s.counts[kind]++
	col := &column{store: s, name: cf.Name, ttlMs: ttl.Milliseconds()}
	if cf.TTL {
		s.sweeper.columns = append(s.sweeper.columns, col)
	}
	return col, nil
}

// column is the column family of one variable.
type column struct {
	store *Store
	name  string
	ttlMs int64
}

func (c *column) ttl() bool {
	return c.ttlMs > 0
}

// now returns the time reads are evaluated at.
func (c *column) now() int64 {
	if c.store.nowMs == nil {
		return math.MinInt64
	}
	return *c.store.nowMs
}

func (c *column) expiry() (int64, error) {
	if !c.ttl() {
		return noExpiry, nil
	}
	if c.store.nowMs == nil {
		return 0, fmt.Errorf("%w: %s", ErrTTLWithoutTimestamp, c.name)
	}
	return *c.store.nowMs + c.ttlMs, nil
}

func (c *column) visible(expiresAt int64) bool {
	return c.now() < expiresAt
}

// get returns the payload of storeKey, false if absent or expired.
func (c *column) get(storeKey []byte) ([]byte, bool, error) {
	raw, err := c.store.txn.Get(c.name, storeKey)
	if errors.Is(err, statestore.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	expiresAt, payload, err := decodeEntry(raw)
	if err != nil {
		return nil, false, err
	}
	if !c.visible(expiresAt) {
		return nil, false, nil
	}
	return payload, true, nil
}

// put writes payload at storeKey stamped with the expiry of the variable.
func (c *column) put(storeKey, payload []byte) error {
	expiresAt, err := c.expiry()
	if err != nil {
		return err
	}
	if err := c.store.txn.Put(c.name, storeKey, encodeEntry(expiresAt, payload)); err != nil {
		return err
	}
	if c.ttl() {
		return c.store.txn.Put(ttlIndexName(c.name), ttlIndexKey(expiresAt, storeKey), nil)
	}
	return nil
}

func (c *column) delete(storeKey []byte) error {
	return c.store.txn.Delete(c.name, storeKey)
}

func scopeKey(scope KeyScope) ([]byte, error) {
	if scope == nil {
		return nil, udferr.New(udferr.CodeContract, "state operation without a key scope")
	}
	return scope.GroupingKey()
}
