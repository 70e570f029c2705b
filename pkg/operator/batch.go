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

package operator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/statefulflow/pkg/shared/iterator"
)

// PartitionInput is the input of one partition in a batch.
type PartitionInput struct {
	// Version is the state store version the partition reads.
	Version      int64
	Rows         iterator.Iterator[Row]
	InitialState iterator.Iterator[Row]
}

// PartitionResult is the outcome of one partition in a batch.
type PartitionResult struct {
	// Version is the state store version to read in the next batch.
	Version   int64
	Committed bool
	Metrics   PartitionMetrics
}

// Sink receives the output rows of a batch. It is called concurrently for
// different partitions.
type Sink[O any] func(ctx context.Context, partitionID int32, row O) error

// RunBatch executes every partition of a batch in parallel and drains each
// into sink. The first failing partition cancels the others, none of the
// failed partitions commit.
func (o *Operator[K, V, O]) RunBatch(ctx context.Context, batch BatchInfo, inputs map[int32]PartitionInput, sink Sink[O]) (map[int32]PartitionResult, error) {
	if err := o.ValidateBatch(batch); err != nil {
		return nil, err
	}
	var (
		lock    sync.Mutex
		results = make(map[int32]PartitionResult, len(inputs))
	)
	g, gCtx := errgroup.WithContext(ctx)
	for partitionID, input := range inputs {
		partitionID, input := partitionID, input
		g.Go(func() error {
			it, err := o.ExecutePartition(gCtx, partitionID, input.Version, input.Rows, input.InitialState, batch)
			if err != nil {
				return err
			}
			for it.Next(gCtx) {
				if err := sink(gCtx, partitionID, it.Value()); err != nil {
					if closeErr := it.Close(gCtx); closeErr != nil {
						o.log.Debugw("Closed partition after a sink failure", zap.Int32("partition", partitionID), zap.Error(closeErr))
					}
					return fmt.Errorf("failed to write output of partition %d, %w", partitionID, err)
				}
			}
			if err := it.Err(); err != nil {
				return fmt.Errorf("partition %d failed, %w", partitionID, err)
			}
			version, committed := it.CommittedVersion()
			if !committed {
				version = input.Version
			}
			lock.Lock()
			results[partitionID] = PartitionResult{Version: version, Committed: committed, Metrics: it.Metrics()}
			lock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	o.batches.Inc()
	o.log.Infow("Batch done", zap.Int64("batch", batch.BatchID), zap.Int("partitions", len(results)))
	return results, nil
}
