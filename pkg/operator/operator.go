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
Package operator runs a stateful processor over the partitions of a keyed
stream, one micro-batch at a time.

Per partition per batch the operator opens one state store transaction and
one processor handle, then pulls the output of the partition through a
PartitionIterator whose stages run strictly in order: initial state priming,
new data, expired timers, then TTL cleanup and commit. Nothing is committed
unless the iterator is drained to the end.
*/
package operator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/schema/driver"
	"github.com/numaproj/statefulflow/pkg/shared/logging"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

var (
	// ErrPartitionBusy is returned when a partition is executed while a previous
	// execution of it is still running.
	ErrPartitionBusy = udferr.New(udferr.CodeContract, "partition is already being executed")
	// ErrPartialDrain is returned when a PartitionIterator is closed before it was drained.
	ErrPartialDrain = udferr.New(udferr.CodeContract, "partition output closed before it was fully drained")
)

// Row is a binary input row.
type Row struct {
	Key   []byte
	Value []byte
}

// BatchInfo describes the micro-batch being executed.
type BatchInfo struct {
	// BatchID is the sequence number of the batch, 0 for the first batch of the query.
	BatchID int64
	// BatchTimestampMs is the processing time of the batch.
	BatchTimestampMs *int64
	// LateEventWatermarkMs drops input rows whose event time is at or before it.
	LateEventWatermarkMs *int64
	// EvictionWatermarkMs is the event time timers expire against.
	EvictionWatermarkMs *int64
}

// Config configures an Operator. K is the grouping key, V the input row and
// O the output row of the processor.
type Config[K, V, O any] struct {
	OperatorID string
	// QueryID identifies the query across restarts, a random one is used when unset.
	QueryID    uuid.UUID
	TimeMode   processor.TimeMode
	OutputMode processor.OutputMode
	Variant    processor.Variant[K, V, O]
	KeyCodec   codec.Codec[K]
	ValueCodec codec.Codec[V]
	// EventTime extracts the event time of a row, required in event time mode.
	EventTime func(V) int64
	Provider  statestore.Provider
	// Ephemeral discards the state of every batch instead of committing it.
	Ephemeral bool
}

// Operator is a stateful operator.
type Operator[K, V, O any] struct {
	cfg       Config[K, V, O]
	keySchema schema.Schema
	runID     uuid.UUID
	log       *zap.SugaredLogger

	busyLock sync.Mutex
	busy     map[int32]bool

	// eviction watermark of the last completed batch, nil until one completed
	evictionWatermark *atomic.Pointer[int64]
	batches           *atomic.Int64
}

// New returns an Operator.
func New[K, V, O any](ctx context.Context, cfg Config[K, V, O]) (*Operator[K, V, O], error) {
	switch {
	case cfg.OperatorID == "":
		return nil, udferr.New(udferr.CodeConfig, "operator id is required")
	case !cfg.Variant.Valid():
		return nil, udferr.New(udferr.CodeConfig, "operator %s has no processor", cfg.OperatorID)
	case cfg.KeyCodec == nil || cfg.ValueCodec == nil:
		return nil, udferr.New(udferr.CodeConfig, "operator %s needs a key and a value codec", cfg.OperatorID)
	case cfg.Provider == nil:
		return nil, udferr.New(udferr.CodeConfig, "operator %s has no state store provider", cfg.OperatorID)
	case cfg.TimeMode == processor.TimeModeEventTime && cfg.EventTime == nil:
		return nil, udferr.New(udferr.CodeConfig, "operator %s runs in event time without an event time extractor", cfg.OperatorID)
	}
	if cfg.QueryID == uuid.Nil {
		cfg.QueryID = uuid.New()
	}
	o := &Operator[K, V, O]{
		cfg:               cfg,
		keySchema:         schema.Describe(cfg.KeyCodec.Type()),
		runID:             uuid.New(),
		busy:              make(map[int32]bool),
		evictionWatermark: atomic.NewPointer[int64](nil),
		batches:           atomic.NewInt64(0),
	}
	o.log = logging.FromContext(ctx).With(logging.FieldOperator, cfg.OperatorID, "runId", o.runID.String())
	return o, nil
}

// queryInfo returns the query metadata of one partition execution.
func (o *Operator[K, V, O]) queryInfo(batchID int64, partitionID int32) processor.QueryInfo {
	return processor.QueryInfo{
		QueryID:     o.cfg.QueryID,
		RunID:       o.runID,
		BatchID:     batchID,
		OperatorID:  o.cfg.OperatorID,
		PartitionID: partitionID,
	}
}

// ValidateBatch checks that the batch carries the times the time mode needs.
func (o *Operator[K, V, O]) ValidateBatch(b BatchInfo) error {
	switch o.cfg.TimeMode {
	case processor.TimeModeProcessingTime:
		if b.BatchTimestampMs == nil {
			return udferr.New(udferr.CodeConfig, "batch %d has no batch timestamp, processing time mode needs one", b.BatchID)
		}
	case processor.TimeModeEventTime:
		if b.EvictionWatermarkMs == nil {
			return udferr.New(udferr.CodeConfig, "batch %d has no eviction watermark, event time mode needs one", b.BatchID)
		}
	}
	return nil
}

// PrepareSchema introspects the declared column families, checks them against
// the ones persisted in ms and persists the result.
func (o *Operator[K, V, O]) PrepareSchema(ctx context.Context, ms *schema.MetadataStore) ([]schema.ColumnFamilySchema, error) {
	ctx = logging.WithLogger(ctx, o.log)
	declared, err := driver.Introspect(ctx, o.cfg.Variant, o.queryInfo(0, -1), o.cfg.OutputMode, o.cfg.TimeMode, o.cfg.KeyCodec.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to introspect state schema, %w", err)
	}
	result := declared
	persisted, ok, err := ms.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		if result, err = schema.CheckCompatibility(ctx, persisted, declared); err != nil {
			return nil, err
		}
	}
	if err := ms.Save(result); err != nil {
		return nil, err
	}
	o.log.Infow("State schema ready", zap.Int("columnFamilies", len(result)), zap.String("path", ms.Path()))
	return result, nil
}

// ShouldRunAnotherBatch reports whether a batch without new data should run
// to fire timers. Processing time timers may always be pending. In event time
// with append or update output a batch is needed once the watermark moved
// past the eviction watermark of the last completed batch.
func (o *Operator[K, V, O]) ShouldRunAnotherBatch(newWatermarkMs int64) bool {
	switch o.cfg.TimeMode {
	case processor.TimeModeProcessingTime:
		return true
	case processor.TimeModeEventTime:
		if o.cfg.OutputMode != processor.OutputModeAppend && o.cfg.OutputMode != processor.OutputModeUpdate {
			return false
		}
		last := o.evictionWatermark.Load()
		return last != nil && newWatermarkMs > *last
	default:
		return false
	}
}

// ProduceOutputWatermark returns the watermark the operator propagates
// downstream. Processing time output carries no watermark.
func (o *Operator[K, V, O]) ProduceOutputWatermark(inputWatermarkMs int64) (int64, bool) {
	if o.cfg.TimeMode == processor.TimeModeProcessingTime {
		return 0, false
	}
	return inputWatermarkMs, true
}

// observe records the eviction watermark of a batch once one of its
// partitions completed.
func (o *Operator[K, V, O]) observe(b BatchInfo) {
	if b.EvictionWatermarkMs != nil {
		wm := *b.EvictionWatermarkMs
		o.evictionWatermark.Store(&wm)
	}
}

// Batches returns the number of batches RunBatch completed.
func (o *Operator[K, V, O]) Batches() int64 {
	return o.batches.Load()
}

func (o *Operator[K, V, O]) acquire(partitionID int32) error {
	o.busyLock.Lock()
	defer o.busyLock.Unlock()
	if o.busy[partitionID] {
		return fmt.Errorf("%w: %d", ErrPartitionBusy, partitionID)
	}
	o.busy[partitionID] = true
	return nil
}

func (o *Operator[K, V, O]) release(partitionID int32) {
	o.busyLock.Lock()
	defer o.busyLock.Unlock()
	delete(o.busy, partitionID)
}
