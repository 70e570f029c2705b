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

package statestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/numaproj/statefulflow/pkg/schema"
)

var errMalformedKey = errors.New("malformed store key")

// EncodeKey lays out the physical key of a column family entry. The column
// family name is length prefixed, so the encoding of a prefix of key is a
// prefix of the encoding of key.
func EncodeKey(cf string, key []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(cf)+len(key))
	buf = binary.AppendUvarint(buf, uint64(len(cf)))
	buf = append(buf, cf...)
	return append(buf, key...)
}

// DecodeKey splits a physical key into its column family and key.
func DecodeKey(physical []byte) (string, []byte, error) {
	n, size := binary.Uvarint(physical)
	if size <= 0 || uint64(len(physical)-size) < n {
		return "", nil, fmt.Errorf("%w: %x", errMalformedKey, physical)
	}
	cf := string(physical[size : size+int(n)])
	return cf, physical[size+int(n):], nil
}

// EncodeTimestamp encodes ts in 8 big endian bytes with the sign bit flipped,
// so the byte order of encoded timestamps is their numeric order.
func EncodeTimestamp(ts int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(ts)^(1<<63))
}

// DecodeTimestamp reverses EncodeTimestamp on the first 8 bytes of b.
func DecodeTimestamp(b []byte) (int64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: timestamp needs 8 bytes, got %d", errMalformedKey, len(b))
	}
	return int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63)), nil
}

// GroupingPrefix returns the length prefixed grouping key. Entries of one
// grouping key laid out as GroupingPrefix(key) followed by a suffix never share
// the prefix of another grouping key.
func GroupingPrefix(groupingKey []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(groupingKey))
	buf = binary.AppendUvarint(buf, uint64(len(groupingKey)))
	return append(buf, groupingKey...)
}

// PrefixedKey appends suffix to the grouping prefix of groupingKey.
func PrefixedKey(groupingKey, suffix []byte) []byte {
	return append(GroupingPrefix(groupingKey), suffix...)
}

// SplitPrefixedKey splits a key built by PrefixedKey.
func SplitPrefixedKey(k []byte) ([]byte, []byte, error) {
	n, size := binary.Uvarint(k)
	if size <= 0 || uint64(len(k)-size) < n {
		return nil, nil, fmt.Errorf("%w: %x", errMalformedKey, k)
	}
	return k[size : size+int(n)], k[size+int(n):], nil
}

// ColumnFamilyPrefix returns the physical prefix shared by every key of cf.
func ColumnFamilyPrefix(cf string) []byte {
	return EncodeKey(cf, nil)
}

// HasKeyPrefix reports whether the decoded key of physical starts with prefix.
func HasKeyPrefix(physical []byte, cf string, prefix []byte) bool {
	return bytes.HasPrefix(physical, EncodeKey(cf, prefix))
}

// Copy returns a copy of b, the store never hands out slices it still owns.
func Copy(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// ColumnFamilies tracks the column families registered in one transaction.
type ColumnFamilies struct {
	cfs map[string]schema.ColumnFamilySchema
}

// NewColumnFamilies returns an empty registry.
func NewColumnFamilies() *ColumnFamilies {
	return &ColumnFamilies{cfs: make(map[string]schema.ColumnFamilySchema)}
}

// Register adds cf, registering an identical schema twice is a no-op.
func (c *ColumnFamilies) Register(cf schema.ColumnFamilySchema) error {
	if prev, ok := c.cfs[cf.Name]; ok {
		if prev.Kind != cf.Kind || !prev.KeySchema.Equal(cf.KeySchema) || !prev.ValueSchema.Equal(cf.ValueSchema) {
			return fmt.Errorf("%w: %s", ErrColumnFamilyConflict, cf.Name)
		}
		return nil
	}
	c.cfs[cf.Name] = cf
	return nil
}

// Check returns ErrUnknownColumnFamily unless name was registered.
func (c *ColumnFamilies) Check(name string) error {
	if _, ok := c.cfs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownColumnFamily, name)
	}
	return nil
}
