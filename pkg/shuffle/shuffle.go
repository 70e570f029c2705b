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

// Package shuffle routes rows to the partitions of a stateful operator by the
// hash of their grouping key, so every row of a key lands in one partition.
package shuffle

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Shuffle assigns grouping keys to partitions.
type Shuffle struct {
	partitions int32
}

// NewShuffle returns a Shuffle over the given number of partitions.
func NewShuffle(partitions int32) (*Shuffle, error) {
	if partitions < 1 {
		return nil, fmt.Errorf("number of partitions must be positive, got %d", partitions)
	}
	return &Shuffle{partitions: partitions}, nil
}

// Partitions returns the number of partitions.
func (s *Shuffle) Partitions() int32 {
	return s.partitions
}

// PartitionOf returns the partition of a grouping key.
func (s *Shuffle) PartitionOf(key []byte) int32 {
	// hash of the key mod the partition count decides the partition
	return int32(murmur3.Sum32(key) % uint32(s.partitions))
}

// ShuffleRows groups rows by partition, keeping the order of the rows of each partition.
func ShuffleRows[R any](s *Shuffle, rows []R, keyOf func(R) []byte) map[int32][]R {
	out := make(map[int32][]R)
	for _, r := range rows {
		p := s.PartitionOf(keyOf(r))
		out[p] = append(out[p], r)
	}
	return out
}
