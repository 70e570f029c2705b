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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/state"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/statestore/inmem"
	"github.com/numaproj/statefulflow/pkg/statestore/mocks"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testRow struct {
	V int   `json:"v"`
	T int64 `json:"t"`
}

type fired struct {
	key string
	ts  int64
}

// recorder sums the rows of each key into a value state and records every callback.
type recorder struct {
	mu       sync.Mutex
	total    *state.Value[int]
	seen     map[string][]int
	initial  map[string][]int
	fired    []fired
	timerAt  map[string]int64
	failIn   udferr.Callback
	failWith error
	closed   int
	lastKC   *processor.KeyContext
	// onRows and onTimer run inside the callbacks with the key context of the call
	onRows  func(kc *processor.KeyContext) error
	onTimer func(kc *processor.KeyContext, info processor.ExpiredTimerInfo) error
}

var _ processor.InitialStateHandler[string, testRow, string, int] = (*recorder)(nil)

func newRecorder() *recorder {
	return &recorder{seen: map[string][]int{}, initial: map[string][]int{}, timerAt: map[string]int64{}}
}

func (r *recorder) fail(cb udferr.Callback) error {
	if r.failIn == cb {
		if r.failWith != nil {
			return r.failWith
		}
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) Init(_ context.Context, h *processor.Handle, _ processor.OutputMode, _ processor.TimeMode) error {
	if err := r.fail(udferr.CallbackInit); err != nil {
		return err
	}
	var err error
	r.total, err = processor.ValueState[int](h, "total", codec.NewJSON[int]())
	return err
}

func (r *recorder) HandleInitialState(_ context.Context, key string, initial int, kc *processor.KeyContext, _ processor.TimerValues) error {
	if err := r.fail(udferr.CallbackHandleInitialState); err != nil {
		return err
	}
	r.mu.Lock()
	r.initial[key] = append(r.initial[key], initial)
	r.mu.Unlock()
	cur, _, err := r.total.Get(kc)
	if err != nil {
		return err
	}
	return r.total.Update(kc, cur+initial)
}

func (r *recorder) HandleInputRows(ctx context.Context, key string, rows iterator.Iterator[testRow], kc *processor.KeyContext, _ processor.TimerValues) (iterator.Iterator[string], error) {
	if err := r.fail(udferr.CallbackHandleInputRows); err != nil {
		return nil, err
	}
	cur, _, err := r.total.Get(kc)
	if err != nil {
		return nil, err
	}
	for rows.Next(ctx) {
		r.mu.Lock()
		r.seen[key] = append(r.seen[key], rows.Value().V)
		r.mu.Unlock()
		cur += rows.Value().V
	}
	if err := r.total.Update(kc, cur); err != nil {
		return nil, err
	}
	if ts, ok := r.timerAt[key]; ok {
		if err := kc.RegisterTimer(ts); err != nil {
			return nil, err
		}
	}
	if r.onRows != nil {
		if err := r.onRows(kc); err != nil {
			return nil, err
		}
	}
	r.lastKC = kc
	return iterator.FromSlice(fmt.Sprintf("%s=%d", key, cur), fmt.Sprintf("%s.done", key)), nil
}

func (r *recorder) HandleExpiredTimer(_ context.Context, key string, kc *processor.KeyContext, _ processor.TimerValues, info processor.ExpiredTimerInfo) (iterator.Iterator[string], error) {
	if err := r.fail(udferr.CallbackHandleExpiredTimer); err != nil {
		return nil, err
	}
	if r.onTimer != nil {
		if err := r.onTimer(kc, info); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	r.fired = append(r.fired, fired{key: key, ts: info.ExpiryTimeMs})
	r.mu.Unlock()
	return iterator.FromSlice(fmt.Sprintf("timer %s@%d", key, info.ExpiryTimeMs)), nil
}

func (r *recorder) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return r.fail(udferr.CallbackClose)
}

func rows(t *testing.T, kvs ...any) iterator.Iterator[Row] {
	t.Helper()
	var out []Row
	for i := 0; i < len(kvs); i += 2 {
		b, err := codec.NewJSON[testRow]().Encode(kvs[i+1].(testRow))
		require.NoError(t, err)
		out = append(out, Row{Key: []byte(kvs[i].(string)), Value: b})
	}
	return iterator.FromSlice(out...)
}

func initialRows(kvs ...any) iterator.Iterator[Row] {
	var out []Row
	for i := 0; i < len(kvs); i += 2 {
		out = append(out, Row{Key: []byte(kvs[i].(string)), Value: []byte(fmt.Sprint(kvs[i+1]))})
	}
	return iterator.FromSlice(out...)
}

func ms(v int64) *int64 {
	return &v
}

type fixture struct {
	op       *Operator[string, testRow, string]
	rec      *recorder
	provider *inmem.Provider
}

func newFixture(t *testing.T, id string, mode processor.TimeMode, mutate ...func(*Config[string, testRow, string])) *fixture {
	t.Helper()
	ctx := context.Background()
	p, err := inmem.NewProvider(ctx)
	require.NoError(t, err)
	rec := newRecorder()
	cfg := Config[string, testRow, string]{
		OperatorID: id,
		TimeMode:   mode,
		OutputMode: processor.OutputModeAppend,
		Variant: processor.WithInitialState[string, testRow, string, int](func() processor.InitialStateHandler[string, testRow, string, int] {
			return rec
		}, codec.NewJSON[int]()),
		KeyCodec:   codec.String{},
		ValueCodec: codec.NewJSON[testRow](),
		EventTime:  func(r testRow) int64 { return r.T },
		Provider:   p,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	op, err := New(ctx, cfg)
	require.NoError(t, err)
	return &fixture{op: op, rec: rec, provider: p}
}

func drain(t *testing.T, it *PartitionIterator[string, testRow, string]) ([]string, error) {
	t.Helper()
	var out []string
	for it.Next(context.Background()) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}

func (f *fixture) latest(t *testing.T, partitionID int32) int64 {
	t.Helper()
	v, err := f.provider.LatestVersion(partitionID)
	require.NoError(t, err)
	return v
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config[string, testRow, string]{})
	code, ok := udferr.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, udferr.CodeConfig, code)
}

func TestValidateBatch(t *testing.T) {
	tests := []struct {
		name  string
		mode  processor.TimeMode
		batch BatchInfo
		ok    bool
	}{
		{name: "processing time with timestamp", mode: processor.TimeModeProcessingTime, batch: BatchInfo{BatchTimestampMs: ms(1)}, ok: true},
		{name: "processing time without timestamp", mode: processor.TimeModeProcessingTime, batch: BatchInfo{EvictionWatermarkMs: ms(1)}},
		{name: "event time with watermark", mode: processor.TimeModeEventTime, batch: BatchInfo{EvictionWatermarkMs: ms(1)}, ok: true},
		{name: "event time without watermark", mode: processor.TimeModeEventTime, batch: BatchInfo{BatchTimestampMs: ms(1)}},
		{name: "no time mode", mode: processor.TimeModeNone, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "validate", tt.mode)
			err := f.op.ValidateBatch(tt.batch)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			code, ok := udferr.FromError(err)
			assert.True(t, ok)
			assert.Equal(t, udferr.CodeConfig, code)
		})
	}
}

func TestExecutePartition_LateRowsDropped(t *testing.T) {
	f := newFixture(t, "late", processor.TimeModeEventTime)
	it, err := f.op.ExecutePartition(context.Background(), 0, 0,
		rows(t, "1", testRow{V: 10, T: 100}, "1", testRow{V: 20, T: 90}), nil,
		BatchInfo{LateEventWatermarkMs: ms(95), EvictionWatermarkMs: ms(95)})
	require.NoError(t, err)
	out, err := drain(t, it)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1=10", "1.done"}, out)
	assert.Equal(t, map[string][]int{"1": {10}}, f.rec.seen)
	assert.Equal(t, int64(2), it.Metrics().RowsIn)
	assert.Equal(t, int64(1), it.Metrics().RowsDroppedLate)
}

func TestExecutePartition_LateFilterOnlyInEventTime(t *testing.T) {
	f := newFixture(t, "late-pt", processor.TimeModeProcessingTime)
	it, err := f.op.ExecutePartition(context.Background(), 0, 0,
		rows(t, "1", testRow{V: 10, T: 100}, "1", testRow{V: 20, T: 90}), nil,
		BatchInfo{BatchTimestampMs: ms(0), LateEventWatermarkMs: ms(95)})
	require.NoError(t, err)
	_, err = drain(t, it)
	assert.NoError(t, err)
	assert.Equal(t, map[string][]int{"1": {10, 20}}, f.rec.seen)
}

func TestExecutePartition_TimerFiresOnceAcrossBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "timer-once", processor.TimeModeEventTime)
	f.rec.timerAt["a"] = 500

	it, err := f.op.ExecutePartition(ctx, 0, 0, rows(t, "a", testRow{V: 1, T: 10}), nil, BatchInfo{BatchID: 0, EvictionWatermarkMs: ms(0)})
	require.NoError(t, err)
	_, err = drain(t, it)
	require.NoError(t, err)
	v, ok := it.CommittedVersion()
	require.True(t, ok)
	assert.Empty(t, f.rec.fired)
	delete(f.rec.timerAt, "a")

	it, err = f.op.ExecutePartition(ctx, 0, v, nil, nil, BatchInfo{BatchID: 1, EvictionWatermarkMs: ms(600)})
	require.NoError(t, err)
	out, err := drain(t, it)
	require.NoError(t, err)
	assert.Equal(t, []string{"timer a@500"}, out)
	assert.Equal(t, []fired{{key: "a", ts: 500}}, f.rec.fired)
	assert.Equal(t, int64(1), it.Metrics().TimersExpired)
	v, _ = it.CommittedVersion()

	it, err = f.op.ExecutePartition(ctx, 0, v, nil, nil, BatchInfo{BatchID: 2, EvictionWatermarkMs: ms(600)})
	require.NoError(t, err)
	out, err = drain(t, it)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Len(t, f.rec.fired, 1)
}

func TestExecutePartition_TimerDeletedByEarlierTimer(t *testing.T) {
	f := newFixture(t, "timer-deleted", processor.TimeModeProcessingTime)
	f.rec.onRows = func(kc *processor.KeyContext) error {
		if err := kc.RegisterTimer(100); err != nil {
			return err
		}
		return kc.RegisterTimer(200)
	}
	f.rec.onTimer = func(kc *processor.KeyContext, info processor.ExpiredTimerInfo) error {
		if info.ExpiryTimeMs == 100 {
			return kc.DeleteTimer(200)
		}
		return nil
	}
	it, err := f.op.ExecutePartition(context.Background(), 0, 0, rows(t, "a", testRow{V: 1}), nil, BatchInfo{BatchTimestampMs: ms(300)})
	require.NoError(t, err)
	out, err := drain(t, it)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "a.done", "timer a@100"}, out)
	assert.Equal(t, []fired{{key: "a", ts: 100}}, f.rec.fired)
	assert.Equal(t, int64(1), it.Metrics().TimersDeleted)
	assert.Equal(t, int64(1), it.Metrics().TimersExpired)
}

func TestExecutePartition_NewDataBeforeTimers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "order", processor.TimeModeProcessingTime)
	f.rec.timerAt["a"] = 5
	it, err := f.op.ExecutePartition(ctx, 0, 0, rows(t, "a", testRow{V: 1}, "b", testRow{V: 2}), nil, BatchInfo{BatchTimestampMs: ms(10)})
	require.NoError(t, err)
	out, err := drain(t, it)
	assert.NoError(t, err)
	// the timer registered by the new data is already due in the same batch
	assert.Equal(t, []string{"a=1", "a.done", "b=2", "b.done", "timer a@5"}, out)
	assert.Equal(t, int64(2), it.Metrics().Groups)
	assert.Equal(t, int64(1), it.Metrics().TimersRegistered)
}

func TestExecutePartition_UserErrorAborts(t *testing.T) {
	for _, cb := range []udferr.Callback{udferr.CallbackHandleInputRows, udferr.CallbackHandleExpiredTimer, udferr.CallbackHandleInitialState} {
		t.Run(string(cb), func(t *testing.T) {
			f := newFixture(t, "fail-"+string(cb), processor.TimeModeProcessingTime)
			f.rec.failIn = cb
			f.rec.timerAt["a"] = 1
			it, err := f.op.ExecutePartition(context.Background(), 0, 0, rows(t, "a", testRow{V: 1}), initialRows("a", 3), BatchInfo{BatchTimestampMs: ms(10)})
			require.NoError(t, err)
			_, err = drain(t, it)
			require.Error(t, err)

			got, ok := udferr.CallbackOf(err)
			assert.True(t, ok)
			assert.Equal(t, cb, got)
			assert.Equal(t, "boom", errors.Unwrap(err).Error())
			_, committed := it.CommittedVersion()
			assert.False(t, committed)
			assert.Zero(t, f.latest(t, 0))
			assert.Equal(t, 1, f.rec.closed)
			assert.Equal(t, processor.Closed, it.handle.State())
			assert.Equal(t, float64(1), testutil.ToFloat64(userFunctionErrorCount.WithLabelValues("fail-"+string(cb), string(cb))))
			assert.Equal(t, float64(1), testutil.ToFloat64(txnCount.WithLabelValues("fail-"+string(cb), "abort")))
			assert.Zero(t, testutil.ToFloat64(txnCount.WithLabelValues("fail-"+string(cb), "commit")))
		})
	}
}

func TestExecutePartition_ClassifiedErrorUnchanged(t *testing.T) {
	f := newFixture(t, "classified", processor.TimeModeNone)
	classified := udferr.New(udferr.CodeStateStore, "disk gone")
	f.rec.failIn = udferr.CallbackHandleInputRows
	f.rec.failWith = classified
	it, err := f.op.ExecutePartition(context.Background(), 0, 0, rows(t, "a", testRow{V: 1}), nil, BatchInfo{})
	require.NoError(t, err)
	_, err = drain(t, it)
	assert.Same(t, classified, err)
}

func TestExecutePartition_InitFails(t *testing.T) {
	f := newFixture(t, "init-fails", processor.TimeModeNone)
	f.rec.failIn = udferr.CallbackInit
	_, err := f.op.ExecutePartition(context.Background(), 0, 0, nil, nil, BatchInfo{})
	cb, ok := udferr.CallbackOf(err)
	assert.True(t, ok)
	assert.Equal(t, udferr.CallbackInit, cb)
	assert.Equal(t, 1, f.rec.closed)

	// the partition is free again
	f.rec.failIn = ""
	it, err := f.op.ExecutePartition(context.Background(), 0, 0, nil, nil, BatchInfo{})
	require.NoError(t, err)
	_, err = drain(t, it)
	assert.NoError(t, err)
}

func TestExecutePartition_PrimingOnlyInFirstBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "priming", processor.TimeModeNone)

	it, err := f.op.ExecutePartition(ctx, 0, 0, rows(t, "a", testRow{V: 1}), initialRows("a", 3, "a", 4, "b", 5), BatchInfo{BatchID: 0})
	require.NoError(t, err)
	out, err := drain(t, it)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=8", "a.done"}, out)
	assert.Equal(t, map[string][]int{"a": {3, 4}, "b": {5}}, f.rec.initial)
	assert.Equal(t, int64(3), it.Metrics().InitialStateRows)
	v, _ := it.CommittedVersion()

	it, err = f.op.ExecutePartition(ctx, 0, v, rows(t, "b", testRow{V: 1}), initialRows("b", 100), BatchInfo{BatchID: 1})
	require.NoError(t, err)
	out, err = drain(t, it)
	require.NoError(t, err)
	assert.Equal(t, []string{"b=6", "b.done"}, out)
	assert.Equal(t, map[string][]int{"a": {3, 4}, "b": {5}}, f.rec.initial)
}

func TestExecutePartition_InitialStateNeedsHandler(t *testing.T) {
	f := newFixture(t, "plain", processor.TimeModeNone, func(c *Config[string, testRow, string]) {
		c.Variant = processor.Plain(func() processor.StatefulProcessor[string, testRow, string] {
			return newRecorder()
		})
	})
	_, err := f.op.ExecutePartition(context.Background(), 0, 0, nil, initialRows("a", 1), BatchInfo{})
	code, ok := udferr.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, udferr.CodeConfig, code)
}

func TestExecutePartition_PartialDrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "partial", processor.TimeModeNone)
	it, err := f.op.ExecutePartition(ctx, 0, 0, rows(t, "a", testRow{V: 1}), nil, BatchInfo{})
	require.NoError(t, err)
	assert.True(t, it.Next(ctx))

	_, err = f.op.ExecutePartition(ctx, 0, 0, nil, nil, BatchInfo{})
	assert.True(t, errors.Is(err, ErrPartitionBusy))

	assert.True(t, errors.Is(it.Close(ctx), ErrPartialDrain))
	assert.True(t, errors.Is(it.Err(), ErrPartialDrain))
	assert.False(t, it.Next(ctx))
	assert.NoError(t, it.Close(ctx))
	assert.Zero(t, f.latest(t, 0))
	assert.Equal(t, 1, f.rec.closed)

	it, err = f.op.ExecutePartition(ctx, 0, 0, nil, nil, BatchInfo{})
	require.NoError(t, err)
	_, err = drain(t, it)
	assert.NoError(t, err)
}

func TestExecutePartition_KeyContextReleased(t *testing.T) {
	f := newFixture(t, "released", processor.TimeModeNone)
	it, err := f.op.ExecutePartition(context.Background(), 0, 0, rows(t, "a", testRow{V: 1}), nil, BatchInfo{})
	require.NoError(t, err)
	_, err = drain(t, it)
	require.NoError(t, err)

	_, err = f.rec.lastKC.GroupingKey()
	assert.True(t, errors.Is(err, processor.ErrKeyContextReleased))
	err = f.rec.total.Update(f.rec.lastKC, 1)
	assert.True(t, errors.Is(err, processor.ErrKeyContextReleased))
}

func TestExecutePartition_Ephemeral(t *testing.T) {
	f := newFixture(t, "ephemeral", processor.TimeModeNone, func(c *Config[string, testRow, string]) {
		c.Ephemeral = true
	})
	it, err := f.op.ExecutePartition(context.Background(), 0, 0, rows(t, "a", testRow{V: 1}), nil, BatchInfo{})
	require.NoError(t, err)
	out, err := drain(t, it)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a=1", "a.done"}, out)
	_, committed := it.CommittedVersion()
	assert.False(t, committed)
	assert.Zero(t, f.latest(t, 0))
	assert.Equal(t, float64(1), testutil.ToFloat64(txnCount.WithLabelValues("ephemeral", "abort")))
}

func TestExecutePartition_StateAcrossBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "across", processor.TimeModeNone)
	version := int64(0)
	var out []string
	for batch := int64(0); batch < 3; batch++ {
		it, err := f.op.ExecutePartition(ctx, 0, version, rows(t, "a", testRow{V: 2}), nil, BatchInfo{BatchID: batch})
		require.NoError(t, err)
		o, err := drain(t, it)
		require.NoError(t, err)
		out = append(out, o[0])
		version, _ = it.CommittedVersion()
	}
	assert.Equal(t, []string{"a=2", "a=4", "a=6"}, out)
	assert.Equal(t, int64(3), version)
}

func TestShouldRunAnotherBatch(t *testing.T) {
	ctx := context.Background()
	pt := newFixture(t, "should-pt", processor.TimeModeProcessingTime)
	assert.True(t, pt.op.ShouldRunAnotherBatch(0))

	none := newFixture(t, "should-none", processor.TimeModeNone)
	assert.False(t, none.op.ShouldRunAnotherBatch(100))

	et := newFixture(t, "should-et", processor.TimeModeEventTime)
	assert.False(t, et.op.ShouldRunAnotherBatch(100))
	it, err := et.op.ExecutePartition(ctx, 0, 0, nil, nil, BatchInfo{EvictionWatermarkMs: ms(100)})
	require.NoError(t, err)
	// the watermark counts once the partition completed
	assert.False(t, et.op.ShouldRunAnotherBatch(101))
	_, err = drain(t, it)
	require.NoError(t, err)
	assert.False(t, et.op.ShouldRunAnotherBatch(100))
	assert.True(t, et.op.ShouldRunAnotherBatch(101))

	complete := newFixture(t, "should-complete", processor.TimeModeEventTime, func(c *Config[string, testRow, string]) {
		c.OutputMode = processor.OutputModeComplete
	})
	it, err = complete.op.ExecutePartition(ctx, 0, 0, nil, nil, BatchInfo{EvictionWatermarkMs: ms(100)})
	require.NoError(t, err)
	_, err = drain(t, it)
	require.NoError(t, err)
	assert.False(t, complete.op.ShouldRunAnotherBatch(200))

	failed := newFixture(t, "should-failed", processor.TimeModeEventTime)
	failed.rec.failIn = udferr.CallbackHandleInputRows
	it, err = failed.op.ExecutePartition(ctx, 0, 0, rows(t, "a", testRow{V: 1, T: 10}), nil, BatchInfo{EvictionWatermarkMs: ms(100)})
	require.NoError(t, err)
	_, err = drain(t, it)
	require.Error(t, err)
	assert.False(t, failed.op.ShouldRunAnotherBatch(200))
}

func TestProduceOutputWatermark(t *testing.T) {
	pt := newFixture(t, "wm-pt", processor.TimeModeProcessingTime)
	for _, in := range []int64{0, 100, 1 << 40} {
		_, ok := pt.op.ProduceOutputWatermark(in)
		assert.False(t, ok)
	}
	et := newFixture(t, "wm-et", processor.TimeModeEventTime)
	for _, in := range []int64{0, 100, 1 << 40} {
		out, ok := et.op.ProduceOutputWatermark(in)
		assert.True(t, ok)
		assert.Equal(t, in, out)
	}
}

func TestRunBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "run-batch", processor.TimeModeNone, func(c *Config[string, testRow, string]) {
		c.Variant = processor.Plain(func() processor.StatefulProcessor[string, testRow, string] {
			return newRecorder()
		})
	})
	var (
		mu  sync.Mutex
		got = map[int32][]string{}
	)
	sink := func(_ context.Context, partitionID int32, row string) error {
		mu.Lock()
		defer mu.Unlock()
		got[partitionID] = append(got[partitionID], row)
		return nil
	}
	results, err := f.op.RunBatch(ctx, BatchInfo{}, map[int32]PartitionInput{
		0: {Rows: rows(t, "a", testRow{V: 1})},
		1: {Rows: rows(t, "b", testRow{V: 2}, "c", testRow{V: 3})},
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, map[int32][]string{0: {"a=1", "a.done"}, 1: {"b=2", "b.done", "c=3", "c.done"}}, got)
	assert.Equal(t, int64(1), results[0].Version)
	assert.True(t, results[1].Committed)
	assert.Equal(t, int64(2), results[1].Metrics.Groups)
	assert.Equal(t, int64(1), f.op.Batches())
}

func TestRunBatch_SinkFailure(t *testing.T) {
	f := newFixture(t, "sink-fails", processor.TimeModeNone)
	boom := errors.New("sink down")
	_, err := f.op.RunBatch(context.Background(), BatchInfo{}, map[int32]PartitionInput{
		0: {Rows: rows(t, "a", testRow{V: 1})},
	}, func(context.Context, int32, string) error { return boom })
	assert.True(t, errors.Is(err, boom))
	assert.Zero(t, f.latest(t, 0))
	assert.Zero(t, f.op.Batches())
}

func TestPrepareSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := newFixture(t, "schema", processor.TimeModeProcessingTime)
	ms := schema.NewMetadataStore(dir, "schema")

	cfs, err := f.op.PrepareSchema(ctx, ms)
	require.NoError(t, err)
	var names []string
	for _, cf := range cfs {
		names = append(names, cf.Name)
	}
	assert.Equal(t, []string{"$timers_key_ts", "$timers_ts_key", "default", "total"}, names)
	assert.Equal(t, 1, f.rec.closed)

	persisted, ok, err := ms.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cfs, persisted)

	// a value type change is incompatible
	incompatible := newFixture(t, "schema", processor.TimeModeProcessingTime, func(c *Config[string, testRow, string]) {
		c.Variant = processor.Plain(func() processor.StatefulProcessor[string, testRow, string] {
			return &stringTotal{recorder: newRecorder()}
		})
	})
	_, err = incompatible.op.PrepareSchema(ctx, ms)
	var ie *schema.IncompatibleError
	assert.True(t, errors.As(err, &ie))
	assert.Equal(t, "total", ie.ColumnFamily)
}

// stringTotal declares total with another value type.
type stringTotal struct {
	*recorder
}

func (s *stringTotal) Init(_ context.Context, h *processor.Handle, _ processor.OutputMode, _ processor.TimeMode) error {
	_, err := processor.ValueState[string](h, "total", codec.String{})
	return err
}

func TestExecutePartition_CommitFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	txn := mocks.NewMockTxn(ctrl)
	txn.EXPECT().RegisterColumnFamily(gomock.Any()).Return(nil).AnyTimes()
	txn.EXPECT().PartitionID().Return(int32(0)).AnyTimes()
	txn.EXPECT().Version().Return(int64(0)).AnyTimes()
	// a failed commit resolves the transaction, it is never aborted afterwards
	txn.EXPECT().Commit().Return(int64(0), udferr.New(udferr.CodeStateStore, "disk full"))
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("mock").AnyTimes()
	provider.EXPECT().Open(gomock.Any(), int32(0), int64(0)).Return(txn, nil)

	f := newFixture(t, "commit-failure", processor.TimeModeNone, func(c *Config[string, testRow, string]) {
		c.Provider = provider
	})
	it, err := f.op.ExecutePartition(context.Background(), 0, 0, nil, nil, BatchInfo{})
	require.NoError(t, err)
	_, err = drain(t, it)
	code, ok := udferr.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, udferr.CodeStateStore, code)
	_, committed := it.CommittedVersion()
	assert.False(t, committed)
	assert.Equal(t, 1, f.rec.closed)
	assert.Equal(t, float64(0), testutil.ToFloat64(txnCount.WithLabelValues("commit-failure", "abort")))
}

func TestExecutePartition_StoreWriteFailureAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	txn := mocks.NewMockTxn(ctrl)
	txn.EXPECT().RegisterColumnFamily(gomock.Any()).Return(nil).AnyTimes()
	txn.EXPECT().PartitionID().Return(int32(0)).AnyTimes()
	txn.EXPECT().Version().Return(int64(0)).AnyTimes()
	txn.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, statestore.ErrKeyNotFound).AnyTimes()
	tooBig := udferr.Wrapf(udferr.CodeStateStore, errors.New("Txn is too big to fit into one request"), "failed to put key into total")
	txn.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(tooBig)
	txn.EXPECT().Abort().Return(nil)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return("mock").AnyTimes()
	provider.EXPECT().Open(gomock.Any(), int32(0), int64(0)).Return(txn, nil)

	f := newFixture(t, "write-failure", processor.TimeModeNone, func(c *Config[string, testRow, string]) {
		c.Provider = provider
	})
	it, err := f.op.ExecutePartition(context.Background(), 0, 0, rows(t, "a", testRow{V: 1}), nil, BatchInfo{})
	require.NoError(t, err)
	_, err = drain(t, it)
	// a classified store error is not reported as a user function failure
	assert.Same(t, tooBig, err)
	_, isUser := udferr.CallbackOf(err)
	assert.False(t, isUser)
	_, committed := it.CommittedVersion()
	assert.False(t, committed)
	assert.Equal(t, float64(1), testutil.ToFloat64(txnCount.WithLabelValues("write-failure", "abort")))
}
