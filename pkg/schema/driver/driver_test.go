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

package driver

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/processor/builtin"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

func names(cfs []schema.ColumnFamilySchema) []string {
	var out []string
	for _, cf := range cfs {
		out = append(out, cf.Name)
	}
	return out
}

func TestIntrospect(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		builtin  string
		timeMode processor.TimeMode
		want     []string
	}{
		{
			name:     "count with timers",
			builtin:  "count",
			timeMode: processor.TimeModeProcessingTime,
			want:     []string{"$timers_key_ts", "$timers_ts_key", "$ttl_count", "count", "default", "pendingTimer"},
		},
		{
			name:     "dedup without timers",
			builtin:  "dedup",
			timeMode: processor.TimeModeNone,
			want:     []string{"$ttl_seen", "default", "seen"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			variant, err := builtin.New(tt.builtin, builtin.Args{TTL: time.Minute})
			require.NoError(t, err)
			cfs, err := Introspect(ctx, variant, processor.QueryInfo{OperatorID: "op"}, processor.OutputModeAppend, tt.timeMode, reflect.TypeOf(""))
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(cfs))
			for _, cf := range cfs {
				if cf.Name == schema.DefaultColumnFamilyName {
					assert.Equal(t, schema.KindDefault, cf.Kind)
					assert.Equal(t, "string", cf.KeySchema.Type)
				}
			}
		})
	}
}

type failingInit struct {
	closed bool
}

func (f *failingInit) Init(context.Context, *processor.Handle, processor.OutputMode, processor.TimeMode) error {
	return errors.New("no init")
}

func (f *failingInit) HandleInputRows(context.Context, string, iterator.Iterator[string], *processor.KeyContext, processor.TimerValues) (iterator.Iterator[string], error) {
	return nil, nil
}

func (f *failingInit) HandleExpiredTimer(context.Context, string, *processor.KeyContext, processor.TimerValues, processor.ExpiredTimerInfo) (iterator.Iterator[string], error) {
	return nil, nil
}

func (f *failingInit) Close(context.Context) error {
	f.closed = true
	return nil
}

func TestIntrospect_InitFails(t *testing.T) {
	p := &failingInit{}
	variant := processor.Plain(func() processor.StatefulProcessor[string, string, string] { return p })
	_, err := Introspect(context.Background(), variant, processor.QueryInfo{}, processor.OutputModeAppend, processor.TimeModeNone, reflect.TypeOf(""))
	cb, ok := udferr.CallbackOf(err)
	assert.True(t, ok)
	assert.Equal(t, udferr.CallbackInit, cb)
	assert.True(t, p.closed)
}
