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

package builtin

import (
	"context"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/state"
)

// Dedup emits the first row of every id of a key. Ids are remembered for TTL.
type Dedup struct {
	args Args
	seen *state.Map[string, int64]
}

var _ processor.StatefulProcessor[string, Event, Result] = (*Dedup)(nil)

// NewDedup returns a Dedup processor.
func NewDedup(args Args) *Dedup {
	return &Dedup{args: args}
}

func (d *Dedup) Init(_ context.Context, h *processor.Handle, _ processor.OutputMode, _ processor.TimeMode) error {
	var opts []processor.StateOption
	if d.args.TTL > 0 {
		opts = append(opts, processor.WithTTL(d.args.TTL))
	}
	var err error
	d.seen, err = processor.MapState[string, int64](h, "seen", codec.String{}, codec.NewJSON[int64](), opts...)
	return err
}

// HandleInputRows filters the rows lazily, so kc is used while the output is drained.
func (d *Dedup) HandleInputRows(_ context.Context, key string, rows iterator.Iterator[Event], kc *processor.KeyContext, _ processor.TimerValues) (iterator.Iterator[Result], error) {
	return iterator.Func(func(ctx context.Context) (Result, bool, error) {
		for rows.Next(ctx) {
			e := rows.Value()
			seen, err := d.seen.ContainsKey(kc, e.ID)
			if err != nil {
				return Result{}, false, err
			}
			if seen {
				continue
			}
			if err := d.seen.UpdateValue(kc, e.ID, e.EventTimeMs); err != nil {
				return Result{}, false, err
			}
			return Result{Key: key, Kind: "unique", ID: e.ID, Event: e.Payload}, true, nil
		}
		return Result{}, false, rows.Err()
	}), nil
}

func (d *Dedup) HandleExpiredTimer(context.Context, string, *processor.KeyContext, processor.TimerValues, processor.ExpiredTimerInfo) (iterator.Iterator[Result], error) {
	return iterator.Empty[Result](), nil
}

func (d *Dedup) Close(context.Context) error {
	return nil
}
