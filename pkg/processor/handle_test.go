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

package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/statestore/inmem"
)

var keySchema = schema.Schema{Type: "string"}

func openTxn(t *testing.T) statestore.Txn {
	t.Helper()
	p, err := inmem.NewProvider(context.Background())
	require.NoError(t, err)
	txn, err := p.Open(context.Background(), 0, 0)
	require.NoError(t, err)
	return txn
}

func TestHandle_SetState(t *testing.T) {
	all := []HandleState{PreInit, Created, Initialized, DataProcessed, TimerProcessed, Closed}
	legal := map[[2]HandleState]bool{
		{PreInit, Created}:              true,
		{Created, Initialized}:          true,
		{Initialized, DataProcessed}:    true,
		{DataProcessed, TimerProcessed}: true,
		{TimerProcessed, Closed}:        true,
		{PreInit, Closed}:               true,
		{Created, Closed}:               true,
		{Initialized, Closed}:           true,
		{DataProcessed, Closed}:         true,
	}
	for _, from := range all {
		for _, to := range all {
			h := &Handle{state: from}
			err := h.SetState(to)
			if legal[[2]HandleState{from, to}] {
				assert.NoError(t, err, "%s to %s", from, to)
				assert.Equal(t, to, h.State())
			} else {
				assert.True(t, errors.Is(err, ErrIllegalTransition), "%s to %s", from, to)
				assert.Equal(t, from, h.State())
			}
		}
	}
}

func TestHandle_Lifecycle(t *testing.T) {
	h := NewHandle(QueryInfo{OperatorID: "op"}, TimeModeProcessingTime, keySchema)
	assert.Equal(t, PreInit, h.State())
	assert.Nil(t, h.Timers())

	require.NoError(t, h.Attach(openTxn(t), nil))
	assert.Equal(t, Created, h.State())
	assert.NotNil(t, h.Timers())
	assert.True(t, errors.Is(h.Attach(openTxn(t), nil), ErrInvalidHandleState))

	_, err := ValueState[int](h, "v", codec.NewJSON[int]())
	assert.NoError(t, err)
	require.NoError(t, h.SetState(Initialized))
	_, err = ValueState[int](h, "w", codec.NewJSON[int]())
	assert.True(t, errors.Is(err, ErrInvalidHandleState))
}

func TestHandle_DeclareInPreInit(t *testing.T) {
	h := NewHandle(QueryInfo{}, TimeModeNone, keySchema)
	_, err := ValueState[int](h, "v", codec.NewJSON[int](), WithTTL(time.Minute))
	require.NoError(t, err)
	_, err = ListState[string](h, "l", codec.String{})
	require.NoError(t, err)
	_, err = MapState[string, int](h, "m", codec.String{}, codec.NewJSON[int]())
	require.NoError(t, err)
	_, err = MapState[string, int](h, "m", codec.String{}, codec.NewJSON[int]())
	assert.Error(t, err)

	var names []string
	for _, cf := range h.Store().ColumnFamilies() {
		names = append(names, cf.Name)
	}
	assert.Equal(t, []string{"v", "$ttl_v", "l", "m"}, names)
}

func TestKeyContext(t *testing.T) {
	ctx := context.Background()
	h := NewHandle(QueryInfo{}, TimeModeEventTime, keySchema)
	require.NoError(t, h.Attach(openTxn(t), nil))
	v, err := ValueState[int](h, "v", codec.NewJSON[int]())
	require.NoError(t, err)

	kc := h.KeyContext([]byte("a"))
	// not initialized yet
	_, err = kc.GroupingKey()
	assert.True(t, errors.Is(err, ErrInvalidHandleState))

	require.NoError(t, h.SetState(Initialized))
	assert.NoError(t, v.Update(kc, 1))
	assert.NoError(t, kc.RegisterTimer(20))
	assert.NoError(t, kc.RegisterTimer(10))
	ts, err := kc.ListTimers(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, ts)
	assert.NoError(t, kc.DeleteTimer(20))
	ts, err = kc.ListTimers(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []int64{10}, ts)

	kc.Release()
	assert.Equal(t, []byte("a"), kc.Key())
	assert.True(t, errors.Is(v.Update(kc, 2), ErrKeyContextReleased))
	assert.True(t, errors.Is(kc.RegisterTimer(1), ErrKeyContextReleased))

	other := h.KeyContext([]byte("b"))
	require.NoError(t, h.SetState(DataProcessed))
	require.NoError(t, h.SetState(TimerProcessed))
	assert.NoError(t, v.Update(other, 3))
	require.NoError(t, h.SetState(Closed))
	assert.True(t, errors.Is(v.Update(other, 4), ErrInvalidHandleState))
}

func TestKeyContext_TimersNeedTimeMode(t *testing.T) {
	h := NewHandle(QueryInfo{}, TimeModeNone, keySchema)
	require.NoError(t, h.Attach(openTxn(t), nil))
	require.NoError(t, h.SetState(Initialized))
	kc := h.KeyContext([]byte("a"))
	assert.True(t, errors.Is(kc.RegisterTimer(1), ErrTimersNotSupported))
	assert.True(t, errors.Is(kc.DeleteTimer(1), ErrTimersNotSupported))
	_, err := kc.ListTimers(context.Background())
	assert.True(t, errors.Is(err, ErrTimersNotSupported))
}

func TestParseModes(t *testing.T) {
	for _, m := range []TimeMode{TimeModeNone, TimeModeProcessingTime, TimeModeEventTime} {
		got, err := ParseTimeMode(m.String())
		assert.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseTimeMode("wallclock")
	assert.Error(t, err)
	for _, m := range []OutputMode{OutputModeAppend, OutputModeUpdate, OutputModeComplete} {
		got, err := ParseOutputMode(m.String())
		assert.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestTimerValues(t *testing.T) {
	ts := int64(5)
	tv := NewTimerValues(&ts, nil)
	pt, ok := tv.ProcessingTime()
	assert.True(t, ok)
	assert.Equal(t, int64(5), pt)
	_, ok = tv.Watermark()
	assert.False(t, ok)
}
