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

package shuffle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	key string
	seq int
}

func TestShuffleRows(t *testing.T) {
	_, err := NewShuffle(0)
	assert.Error(t, err)

	tests := []struct {
		name       string
		partitions int32
		rows       int
	}{
		{name: "MoreRowsThanPartitions", partitions: 4, rows: 10000},
		{name: "MorePartitionsThanRows", partitions: 100, rows: 10},
		{name: "SinglePartition", partitions: 1, rows: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewShuffle(tt.partitions)
			require.NoError(t, err)
			var rows []row
			for i := 0; i < tt.rows; i++ {
				// every key shows up three times
				rows = append(rows, row{key: fmt.Sprintf("key_%d", i%(tt.rows/3+1)), seq: i})
			}
			shuffled := ShuffleRows(s, rows, func(r row) []byte { return []byte(r.key) })

			sum := 0
			owner := make(map[string]int32)
			for p, rs := range shuffled {
				assert.True(t, p >= 0 && p < tt.partitions)
				sum += len(rs)
				for i, r := range rs {
					if prev, ok := owner[r.key]; ok {
						assert.Equal(t, prev, p, "key %s in two partitions", r.key)
					}
					owner[r.key] = p
					if i > 0 {
						assert.Less(t, rs[i-1].seq, r.seq)
					}
				}
			}
			assert.Equal(t, tt.rows, sum)
		})
	}
}

func TestPartitionOf_Stable(t *testing.T) {
	s, err := NewShuffle(8)
	require.NoError(t, err)
	assert.Equal(t, s.PartitionOf([]byte("user-1")), s.PartitionOf([]byte("user-1")))
	assert.Equal(t, int32(8), s.Partitions())
}
