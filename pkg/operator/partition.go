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
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/numaproj/statefulflow/pkg/grouping"
	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/shared/logging"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/timers"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

type stage int

const (
	stagePrime stage = iota
	stageNewData
	stageTimers
	stageCleanupAndCommit
	stageDone
	stageFailed
)

func (s stage) String() string {
	switch s {
	case stagePrime:
		return "prime"
	case stageNewData:
		return "newData"
	case stageTimers:
		return "timers"
	case stageCleanupAndCommit:
		return "cleanupAndCommit"
	case stageDone:
		return "done"
	default:
		return "failed"
	}
}

// PartitionMetrics are the counters of one partition execution.
type PartitionMetrics struct {
	PartitionID      int32
	RowsIn           int64
	RowsDroppedLate  int64
	RowsOut          int64
	InitialStateRows int64
	Groups           int64
	TimersRegistered int64
	TimersDeleted    int64
	TimersExpired    int64
	TTLRemoved       int64
	// StateVariables counts declared variables by kind.
	StateVariables map[string]int
	StageDurations map[string]time.Duration
	Store          statestore.Stats
}

type decodedRow[V any] struct {
	key   []byte
	value V
}

// PartitionIterator is the output of one partition execution. It must be
// drained until Next returns false; Close before that aborts the execution.
type PartitionIterator[K, V, O any] struct {
	op     *Operator[K, V, O]
	log    *zap.SugaredLogger
	txn    statestore.Txn
	handle *processor.Handle
	proc   processor.Instance[K, V, O]
	batch  BatchInfo
	tv     processor.TimerValues

	input   iterator.Iterator[Row]
	initial iterator.Iterator[Row]

	stage        stage
	stageStart   time.Time
	groups       *grouping.Iterator[decodedRow[V]]
	dueTimers    iterator.Iterator[timers.Timer]
	out          iterator.Iterator[O]
	outCallback  udferr.Callback
	outKC        *processor.KeyContext
	outTimer     *timers.Timer
	cur          O
	err          error
	resolved     bool
	committed    bool
	version      int64
	metrics      PartitionMetrics
	partitionTag string
}

// ExecutePartition starts the execution of one partition for one batch over
// the state store as of version. input must be clustered by key, so must
// initialState, which is only used in batch 0.
func (o *Operator[K, V, O]) ExecutePartition(ctx context.Context, partitionID int32, version int64, input, initialState iterator.Iterator[Row], batch BatchInfo) (*PartitionIterator[K, V, O], error) {
	if err := o.ValidateBatch(batch); err != nil {
		return nil, err
	}
	if initialState != nil && !o.cfg.Variant.HasInitialState() {
		return nil, udferr.New(udferr.CodeConfig, "operator %s got an initial state input but its processor does not handle initial state", o.cfg.OperatorID)
	}
	if err := o.acquire(partitionID); err != nil {
		return nil, err
	}
	ctx, log := logging.WithPartition(logging.WithLogger(ctx, o.log), partitionID, batch.BatchID, version)

	txn, err := o.cfg.Provider.Open(ctx, partitionID, version)
	if err != nil {
		o.release(partitionID)
		return nil, fmt.Errorf("failed to open partition %d at version %d, %w", partitionID, version, err)
	}
	if input == nil {
		input = iterator.Empty[Row]()
	}
	it := &PartitionIterator[K, V, O]{
		op:           o,
		log:          log,
		txn:          txn,
		handle:       processor.NewHandle(o.queryInfo(batch.BatchID, partitionID), o.cfg.TimeMode, o.keySchema),
		proc:         o.cfg.Variant.New(),
		batch:        batch,
		tv:           processor.NewTimerValues(batch.BatchTimestampMs, batch.EvictionWatermarkMs),
		input:        input,
		initial:      initialState,
		stage:        stagePrime,
		stageStart:   time.Now(),
		partitionTag: strconv.Itoa(int(partitionID)),
		metrics: PartitionMetrics{
			PartitionID:    partitionID,
			StageDurations: make(map[string]time.Duration),
		},
	}
	if err := it.handle.Attach(txn, batch.BatchTimestampMs); err != nil {
		it.fail(ctx, err)
		return nil, err
	}
	if err := it.proc.Processor().Init(ctx, it.handle, o.cfg.OutputMode, o.cfg.TimeMode); err != nil {
		err = udferr.Wrap(udferr.CallbackInit, err)
		it.fail(ctx, err)
		return nil, err
	}
	if err := it.handle.SetState(processor.Initialized); err != nil {
		it.fail(ctx, err)
		return nil, err
	}
	it.recordStateVariables()
	return it, nil
}

// Next advances to the next output row, running the stages of the partition
// as the previous ones are exhausted. It returns false once the partition was
// committed or failed, Err tells which.
func (it *PartitionIterator[K, V, O]) Next(ctx context.Context) bool {
	for {
		switch it.stage {
		case stagePrime:
			if err := it.prime(ctx); err != nil {
				return it.fail(ctx, err)
			}
			it.groups = grouping.New(it.decodeInput(), func(r decodedRow[V]) []byte { return r.key })
			it.advance(stageNewData)
		case stageNewData:
			if it.out != nil {
				ok, err := it.pull(ctx)
				if err != nil {
					return it.fail(ctx, err)
				}
				if ok {
					return true
				}
			}
			if it.groups.Next(ctx) {
				if err := it.dispatchGroup(ctx); err != nil {
					return it.fail(ctx, err)
				}
				continue
			}
			if err := it.groups.Err(); err != nil {
				return it.fail(ctx, err)
			}
			if err := it.handle.SetState(processor.DataProcessed); err != nil {
				return it.fail(ctx, err)
			}
			it.advance(stageTimers)
		case stageTimers:
			if it.dueTimers == nil {
				// opened only now so the scan observes every write of the new data stage
				it.dueTimers = it.openTimers()
			}
			if it.out != nil {
				ok, err := it.pull(ctx)
				if err != nil {
					return it.fail(ctx, err)
				}
				if ok {
					return true
				}
			}
			if it.dueTimers.Next(ctx) {
				if err := it.dispatchTimer(ctx, it.dueTimers.Value()); err != nil {
					return it.fail(ctx, err)
				}
				continue
			}
			if err := it.dueTimers.Err(); err != nil {
				return it.fail(ctx, err)
			}
			if err := it.handle.SetState(processor.TimerProcessed); err != nil {
				return it.fail(ctx, err)
			}
			it.advance(stageCleanupAndCommit)
		case stageCleanupAndCommit:
			if err := it.finish(ctx); err != nil {
				return it.fail(ctx, err)
			}
			return false
		default:
			return false
		}
	}
}

// advance closes the timing of the current stage.
func (it *PartitionIterator[K, V, O]) advance(next stage) {
	elapsed := time.Since(it.stageStart)
	it.metrics.StageDurations[it.stage.String()] += elapsed
	stageDuration.WithLabelValues(it.op.cfg.OperatorID, it.stage.String()).Observe(elapsed.Seconds())
	it.stage = next
	it.stageStart = time.Now()
}

// pull moves the output of the current dispatch forward. Once the output is
// exhausted the key context of the dispatch is released and a dispatched
// timer is removed.
func (it *PartitionIterator[K, V, O]) pull(ctx context.Context) (bool, error) {
	if it.out.Next(ctx) {
		it.cur = it.out.Value()
		it.metrics.RowsOut++
		return true, nil
	}
	if err := it.out.Err(); err != nil {
		return false, udferr.Wrap(it.outCallback, err)
	}
	it.outKC.Release()
	it.out, it.outKC = nil, nil
	if t := it.outTimer; t != nil {
		it.outTimer = nil
		if err := it.handle.Timers().Expire(*t); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (it *PartitionIterator[K, V, O]) setOutput(out iterator.Iterator[O], cb udferr.Callback, kc *processor.KeyContext) {
	if out == nil {
		out = iterator.Empty[O]()
	}
	it.out, it.outCallback, it.outKC = out, cb, kc
}

// prime seeds the state from the initial state input in the first batch.
func (it *PartitionIterator[K, V, O]) prime(ctx context.Context) error {
	if it.initial == nil {
		return nil
	}
	if it.batch.BatchID != 0 {
		it.log.Debugw("Skipping initial state, not the first batch")
		return nil
	}
	groups := grouping.New(it.initial, func(r Row) []byte { return r.Key })
	for groups.Next(ctx) {
		key, err := it.op.cfg.KeyCodec.Decode(groups.Key())
		if err != nil {
			return fmt.Errorf("failed to decode initial state key, %w", err)
		}
		kc := it.handle.KeyContext(groups.Key())
		rows := groups.Values()
		for rows.Next(ctx) {
			it.metrics.InitialStateRows++
			if err := it.proc.HandleInitialState(ctx, key, rows.Value().Value, kc, it.tv); err != nil {
				return udferr.Wrap(udferr.CallbackHandleInitialState, err)
			}
		}
		kc.Release()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return groups.Err()
}

// decodeInput decodes the input rows and drops the late ones.
func (it *PartitionIterator[K, V, O]) decodeInput() iterator.Iterator[decodedRow[V]] {
	cfg := it.op.cfg
	rows := iterator.Map(it.input, func(r Row) (decodedRow[V], error) {
		it.metrics.RowsIn++
		v, err := cfg.ValueCodec.Decode(r.Value)
		if err != nil {
			return decodedRow[V]{}, fmt.Errorf("failed to decode input row, %w", err)
		}
		return decodedRow[V]{key: r.Key, value: v}, nil
	})
	late := it.batch.LateEventWatermarkMs
	if cfg.TimeMode != processor.TimeModeEventTime || late == nil {
		return rows
	}
	threshold := *late
	return iterator.Filter(rows, func(r decodedRow[V]) bool {
		if cfg.EventTime(r.value) <= threshold {
			it.metrics.RowsDroppedLate++
			return false
		}
		return true
	})
}

func (it *PartitionIterator[K, V, O]) dispatchGroup(ctx context.Context) error {
	it.metrics.Groups++
	keyBytes := it.groups.Key()
	key, err := it.op.cfg.KeyCodec.Decode(keyBytes)
	if err != nil {
		return fmt.Errorf("failed to decode grouping key, %w", err)
	}
	kc := it.handle.KeyContext(keyBytes)
	values := iterator.Map[decodedRow[V], V](it.groups.Values(), func(r decodedRow[V]) (V, error) { return r.value, nil })
	out, err := it.proc.Processor().HandleInputRows(ctx, key, values, kc, it.tv)
	if err != nil {
		return udferr.Wrap(udferr.CallbackHandleInputRows, err)
	}
	it.setOutput(out, udferr.CallbackHandleInputRows, kc)
	return nil
}

// openTimers returns the timers due in this batch. Processing time timers
// expire against the batch timestamp, event time timers against the
// eviction watermark.
func (it *PartitionIterator[K, V, O]) openTimers() iterator.Iterator[timers.Timer] {
	registry := it.handle.Timers()
	var threshold *int64
	switch it.op.cfg.TimeMode {
	case processor.TimeModeProcessingTime:
		threshold = it.batch.BatchTimestampMs
	case processor.TimeModeEventTime:
		threshold = it.batch.EvictionWatermarkMs
	}
	if registry == nil || threshold == nil {
		return iterator.Empty[timers.Timer]()
	}
	return registry.DueBefore(*threshold)
}

func (it *PartitionIterator[K, V, O]) dispatchTimer(ctx context.Context, t timers.Timer) error {
	key, err := it.op.cfg.KeyCodec.Decode(t.Key)
	if err != nil {
		return fmt.Errorf("failed to decode timer key, %w", err)
	}
	kc := it.handle.KeyContext(t.Key)
	out, err := it.proc.Processor().HandleExpiredTimer(ctx, key, kc, it.tv, processor.ExpiredTimerInfo{ExpiryTimeMs: t.TimestampMs})
	if err != nil {
		return udferr.Wrap(udferr.CallbackHandleExpiredTimer, err)
	}
	it.setOutput(out, udferr.CallbackHandleExpiredTimer, kc)
	it.outTimer = &t
	return nil
}

// finish sweeps expired state, resolves the transaction, records the
// metrics and closes the processor and the handle.
func (it *PartitionIterator[K, V, O]) finish(ctx context.Context) error {
	if now := it.batch.BatchTimestampMs; now != nil {
		n, err := it.handle.Store().Sweeper().Run(ctx, *now)
		if err != nil {
			return err
		}
		it.metrics.TTLRemoved = int64(n)
	}
	cfg := it.op.cfg
	if cfg.Ephemeral {
		it.resolved = true
		if err := it.txn.Abort(); err != nil {
			return err
		}
		txnCount.WithLabelValues(cfg.OperatorID, "abort").Inc()
	} else {
		it.resolved = true
		v, err := it.txn.Commit()
		if err != nil {
			return fmt.Errorf("failed to commit partition %d, %w", it.metrics.PartitionID, err)
		}
		it.version, it.committed = v, true
		txnCount.WithLabelValues(cfg.OperatorID, "commit").Inc()
	}
	it.recordMetrics()
	it.op.observe(it.batch)

	closeErr := it.proc.Processor().Close(ctx)
	if err := it.handle.SetState(processor.Closed); err != nil {
		return err
	}
	it.stage = stageDone
	it.op.release(it.metrics.PartitionID)
	if closeErr != nil {
		return udferr.Wrap(udferr.CallbackClose, closeErr)
	}
	it.log.Debugw("Partition done", zap.Bool("committed", it.committed), zap.Int64("newVersion", it.version),
		zap.Int64("rowsIn", it.metrics.RowsIn), zap.Int64("rowsOut", it.metrics.RowsOut))
	return nil
}

// fail ends the execution with err. The transaction is aborted unless it was
// already resolved, and teardown errors are only logged.
func (it *PartitionIterator[K, V, O]) fail(ctx context.Context, err error) bool {
	if it.stage == stageFailed {
		return false
	}
	cfg := it.op.cfg
	if cb, ok := udferr.CallbackOf(err); ok {
		userFunctionErrorCount.WithLabelValues(cfg.OperatorID, string(cb)).Inc()
	}
	if it.outKC != nil {
		it.outKC.Release()
	}
	if !it.resolved {
		it.resolved = true
		if abortErr := it.txn.Abort(); abortErr != nil {
			it.log.Errorw("Failed to abort partition transaction", zap.Error(abortErr))
		}
		txnCount.WithLabelValues(cfg.OperatorID, "abort").Inc()
	}
	if it.handle.State() != processor.Closed {
		if it.handle.State() != processor.PreInit {
			if closeErr := it.proc.Processor().Close(ctx); closeErr != nil {
				it.log.Errorw("Failed to close processor of a failed partition", zap.Error(closeErr))
			}
		}
		if stateErr := it.handle.SetState(processor.Closed); stateErr != nil {
			it.log.Debugw("Failed to close the handle of a failed partition", zap.Error(stateErr))
		}
	}
	if it.stage != stageDone {
		it.op.release(it.metrics.PartitionID)
	}
	it.err = err
	it.stage = stageFailed
	it.log.Errorw("Partition failed", zap.Error(err))
	return false
}

func (it *PartitionIterator[K, V, O]) recordStateVariables() {
	it.metrics.StateVariables = it.handle.Store().Metrics().Variables
	for kind, n := range it.metrics.StateVariables {
		stateVariables.WithLabelValues(it.op.cfg.OperatorID, kind).Set(float64(n))
	}
}

func (it *PartitionIterator[K, V, O]) recordMetrics() {
	id := it.op.cfg.OperatorID
	if r := it.handle.Timers(); r != nil {
		tm := r.Metrics()
		it.metrics.TimersRegistered, it.metrics.TimersDeleted, it.metrics.TimersExpired = tm.Registered, tm.Deleted, tm.Expired
		timersCount.WithLabelValues(id, "registered").Add(float64(tm.Registered))
		timersCount.WithLabelValues(id, "deleted").Add(float64(tm.Deleted))
		timersCount.WithLabelValues(id, "expired").Add(float64(tm.Expired))
	}
	it.metrics.Store = it.txn.Stats()
	rowsReadCount.WithLabelValues(id, it.partitionTag).Add(float64(it.metrics.RowsIn))
	rowsDroppedLateCount.WithLabelValues(id, it.partitionTag).Add(float64(it.metrics.RowsDroppedLate))
	rowsEmittedCount.WithLabelValues(id, it.partitionTag).Add(float64(it.metrics.RowsOut))
	ttlRemovedCount.WithLabelValues(id).Add(float64(it.metrics.TTLRemoved))
	storeKeys.WithLabelValues(id, it.partitionTag, it.op.cfg.Provider.Name()).Set(float64(it.metrics.Store.NumKeys))
}

// Value returns the current output row.
func (it *PartitionIterator[K, V, O]) Value() O {
	return it.cur
}

// Err returns the error that ended the execution.
func (it *PartitionIterator[K, V, O]) Err() error {
	return it.err
}

// Close ends the execution. Closing an iterator that was not drained aborts
// the transaction and returns ErrPartialDrain.
func (it *PartitionIterator[K, V, O]) Close(ctx context.Context) error {
	if it.stage == stageDone || it.stage == stageFailed {
		return nil
	}
	it.fail(ctx, ErrPartialDrain)
	return ErrPartialDrain
}

// Metrics returns the counters of the execution.
func (it *PartitionIterator[K, V, O]) Metrics() PartitionMetrics {
	return it.metrics
}

// CommittedVersion returns the version the execution committed, false if it
// did not commit.
func (it *PartitionIterator[K, V, O]) CommittedVersion() (int64, bool) {
	return it.version, it.committed
}
