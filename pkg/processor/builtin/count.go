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

// Seed is the initial state row of Count.
type Seed struct {
	Count int64 `json:"count"`
}

// Count keeps a running count per key and emits it after every batch. With a
// time mode it emits a final count and clears the key once no row arrived for
// Timeout.
type Count struct {
	args    Args
	count   *state.Value[int64]
	pending *state.Value[int64]
}

var _ processor.InitialStateHandler[string, Event, Result, Seed] = (*Count)(nil)

// NewCount returns a Count processor.
func NewCount(args Args) *Count {
	return &Count{args: args}
}

func (c *Count) Init(_ context.Context, h *processor.Handle, _ processor.OutputMode, _ processor.TimeMode) error {
	var opts []processor.StateOption
	if c.args.TTL > 0 {
		opts = append(opts, processor.WithTTL(c.args.TTL))
	}
	var err error
	if c.count, err = processor.ValueState[int64](h, "count", codec.NewJSON[int64](), opts...); err != nil {
		return err
	}
	// expiry of the inactivity timer currently registered for the key
	c.pending, err = processor.ValueState[int64](h, "pendingTimer", codec.NewJSON[int64]())
	return err
}

func (c *Count) HandleInitialState(_ context.Context, _ string, initial Seed, kc *processor.KeyContext, _ processor.TimerValues) error {
	current, _, err := c.count.Get(kc)
	if err != nil {
		return err
	}
	return c.count.Update(kc, current+initial.Count)
}

func (c *Count) HandleInputRows(ctx context.Context, key string, rows iterator.Iterator[Event], kc *processor.KeyContext, tv processor.TimerValues) (iterator.Iterator[Result], error) {
	current, _, err := c.count.Get(kc)
	if err != nil {
		return nil, err
	}
	for rows.Next(ctx) {
		current++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := c.count.Update(kc, current); err != nil {
		return nil, err
	}
	if err := c.rearm(kc, tv); err != nil {
		return nil, err
	}
	return iterator.FromSlice(Result{Key: key, Kind: "count", Count: current}), nil
}

// rearm moves the inactivity timer of the key to Timeout after the current time.
func (c *Count) rearm(kc *processor.KeyContext, tv processor.TimerValues) error {
	if c.args.Timeout <= 0 {
		return nil
	}
	now, ok := tv.ProcessingTime()
	if kc.TimeMode() == processor.TimeModeEventTime {
		now, ok = tv.Watermark()
	}
	if !ok {
		return nil
	}
	prev, had, err := c.pending.Get(kc)
	if err != nil {
		return err
	}
	if had {
		if err := kc.DeleteTimer(prev); err != nil {
			return err
		}
	}
	next := now + c.args.Timeout.Milliseconds()
	if err := kc.RegisterTimer(next); err != nil {
		return err
	}
	return c.pending.Update(kc, next)
}

func (c *Count) HandleExpiredTimer(_ context.Context, key string, kc *processor.KeyContext, _ processor.TimerValues, _ processor.ExpiredTimerInfo) (iterator.Iterator[Result], error) {
	current, _, err := c.count.Get(kc)
	if err != nil {
		return nil, err
	}
	if err := c.count.Clear(kc); err != nil {
		return nil, err
	}
	if err := c.pending.Clear(kc); err != nil {
		return nil, err
	}
	return iterator.FromSlice(Result{Key: key, Kind: "final", Count: current}), nil
}

func (c *Count) Close(context.Context) error {
	return nil
}
