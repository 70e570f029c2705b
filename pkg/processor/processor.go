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

// Package processor is the API user transformations of the stateful operator
// implement, and the handle they see the operator through.
package processor

import (
	"context"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
)

// StatefulProcessor transforms the rows of each grouping key. K is the
// grouping key, V the input row and O the output row.
type StatefulProcessor[K, V, O any] interface {
	// Init declares the state variables on h. It runs once per partition per
	// batch, and once more on the driver to collect the declared schemas.
	Init(ctx context.Context, h *Handle, outputMode OutputMode, timeMode TimeMode) error
	// HandleInputRows is called once per grouping key with the new rows of the key.
	// kc stays valid until the returned iterator is drained.
	HandleInputRows(ctx context.Context, key K, rows iterator.Iterator[V], kc *KeyContext, tv TimerValues) (iterator.Iterator[O], error)
	// HandleExpiredTimer is called once per expired timer.
	HandleExpiredTimer(ctx context.Context, key K, kc *KeyContext, tv TimerValues, info ExpiredTimerInfo) (iterator.Iterator[O], error)
	// Close is called once the partition is done, on success and on failure.
	Close(ctx context.Context) error
}

// InitialStateHandler is a StatefulProcessor seeded from an initial state input
// of S rows in the first batch of the query.
type InitialStateHandler[K, V, O, S any] interface {
	StatefulProcessor[K, V, O]
	// HandleInitialState is called once per initial state row of the key.
	HandleInitialState(ctx context.Context, key K, initial S, kc *KeyContext, tv TimerValues) error
}

// Variant creates the processor of each partition execution, with or
// without initial state handling. Partitions run in parallel, so every
// execution gets its own processor.
type Variant[K, V, O any] struct {
	newInstance func() Instance[K, V, O]
	initial     bool
}

// Instance is the processor of one partition execution.
type Instance[K, V, O any] struct {
	processor StatefulProcessor[K, V, O]
	initial   func(ctx context.Context, key K, raw []byte, kc *KeyContext, tv TimerValues) error
}

// Plain returns the Variant of a processor without initial state.
func Plain[K, V, O any](newProcessor func() StatefulProcessor[K, V, O]) Variant[K, V, O] {
	return Variant[K, V, O]{
		newInstance: func() Instance[K, V, O] {
			return Instance[K, V, O]{processor: newProcessor()}
		},
	}
}

// WithInitialState returns the Variant of a processor that is seeded from
// initial state rows decoded by c.
func WithInitialState[K, V, O, S any](newProcessor func() InitialStateHandler[K, V, O, S], c codec.Codec[S]) Variant[K, V, O] {
	return Variant[K, V, O]{
		initial: true,
		newInstance: func() Instance[K, V, O] {
			p := newProcessor()
			return Instance[K, V, O]{
				processor: p,
				initial: func(ctx context.Context, key K, raw []byte, kc *KeyContext, tv TimerValues) error {
					s, err := c.Decode(raw)
					if err != nil {
						return err
					}
					return p.HandleInitialState(ctx, key, s, kc, tv)
				},
			}
		},
	}
}

// Valid reports whether the variant was built by Plain or WithInitialState.
func (v Variant[K, V, O]) Valid() bool {
	return v.newInstance != nil
}

// HasInitialState reports whether the processor handles initial state.
func (v Variant[K, V, O]) HasInitialState() bool {
	return v.initial
}

// New returns a new processor instance.
func (v Variant[K, V, O]) New() Instance[K, V, O] {
	return v.newInstance()
}

// Processor returns the processor.
func (i Instance[K, V, O]) Processor() StatefulProcessor[K, V, O] {
	return i.processor
}

// HandleInitialState decodes raw and hands it to the processor. It is a no-op
// for a processor without initial state.
func (i Instance[K, V, O]) HandleInitialState(ctx context.Context, key K, raw []byte, kc *KeyContext, tv TimerValues) error {
	if i.initial == nil {
		return nil
	}
	return i.initial(ctx, key, raw, kc, tv)
}
