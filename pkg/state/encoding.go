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
	"encoding/binary"
	"fmt"

	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/statestore"
)

const entryHeaderLen = 8

// encodeEntry lays out a stored value as its expiry followed by the payload.
func encodeEntry(expiresAt int64, payload []byte) []byte {
	buf := make([]byte, entryHeaderLen, entryHeaderLen+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt))
	return append(buf, payload...)
}

func decodeEntry(raw []byte) (int64, []byte, error) {
	if len(raw) < entryHeaderLen {
		return 0, nil, fmt.Errorf("state entry of %d bytes has no expiry header", len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), raw[entryHeaderLen:], nil
}

func ttlIndexName(name string) string {
	return "$ttl_" + name
}

func ttlIndexSchema(name string) schema.ColumnFamilySchema {
	return schema.ColumnFamilySchema{
		Name:        ttlIndexName(name),
		Kind:        schema.KindTTLIndex,
		KeySchema:   schema.Schema{Type: "timestamp"},
		ValueSchema: schema.Schema{Type: "empty"},
		Encoder:     schema.EncoderTimestampPrefix,
	}
}

// ttlIndexKey orders index entries by expiry so the sweep stops at the first
// entry that has not expired.
func ttlIndexKey(expiresAt int64, storeKey []byte) []byte {
	return append(statestore.EncodeTimestamp(expiresAt), storeKey...)
}

func splitTTLIndexKey(k []byte) (int64, []byte, error) {
	ts, err := statestore.DecodeTimestamp(k)
	if err != nil {
		return 0, nil, err
	}
	return ts, k[8:], nil
}
