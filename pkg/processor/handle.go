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
	"fmt"
	"time"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/state"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/statestore/noop"
	"github.com/numaproj/statefulflow/pkg/timers"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

var (
	// ErrIllegalTransition is returned by SetState for a transition the lifecycle does not have.
	ErrIllegalTransition = udferr.New(udferr.CodeIllegalState, "illegal processor handle transition")
	// ErrInvalidHandleState is returned when an operation is used in the wrong handle state.
	ErrInvalidHandleState = udferr.New(udferr.CodeIllegalState, "operation not allowed in the current handle state")
)

// HandleState is the lifecycle state of a Handle.
type HandleState int

const (
	// PreInit is a new handle, without a live transaction.
	PreInit HandleState = iota
	// Created is a handle attached to the partition transaction.
	Created
	// Initialized is a handle whose processor ran Init.
	Initialized
	// DataProcessed is a handle that dispatched every group of new data.
	DataProcessed
	// TimerProcessed is a handle that dispatched every expired timer.
	TimerProcessed
	// Closed is a handle whose processor was closed and transaction resolved.
	Closed
)

func (s HandleState) String() string {
	switch s {
	case PreInit:
		return "PRE_INIT"
	case Created:
		return "CREATED"
	case Initialized:
		return "INITIALIZED"
	case DataProcessed:
		return "DATA_PROCESSED"
	case TimerProcessed:
		return "TIMER_PROCESSED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("HandleState(%d)", int(s))
	}
}

// transitions lists the forward lifecycle. Every state but Closed may also
// move to Closed, which is how failed executions and the schema dry run end.
var transitions = map[HandleState]HandleState{
	PreInit:        Created,
	Created:        Initialized,
	Initialized:    DataProcessed,
	DataProcessed:  TimerProcessed,
	TimerProcessed: Closed,
}

// Handle is the capability a StatefulProcessor declares its state variables
// with. One handle exists per partition per batch.
type Handle struct {
	state     HandleState
	info      QueryInfo
	timeMode  TimeMode
	keySchema schema.Schema
	store     *state.Store
	timers    *timers.Registry
}

// NewHandle returns a PreInit handle. Variables declared before Attach are
// only recorded.
func NewHandle(info QueryInfo, timeMode TimeMode, keySchema schema.Schema) *Handle {
	return &Handle{
		state:     PreInit,
		info:      info,
		timeMode:  timeMode,
		keySchema: keySchema,
		store:     state.NewStore(noop.NewTxn(info.PartitionID, 0), keySchema, nil),
	}
}

// Attach binds the handle to the partition transaction and moves it to Created.
func (h *Handle) Attach(txn statestore.Txn, batchTimestampMs *int64) error {
	if h.state != PreInit {
		return fmt.Errorf("%w: attach in %s", ErrInvalidHandleState, h.state)
	}
	h.store = state.NewStore(txn, h.keySchema, batchTimestampMs)
	if h.timeMode != TimeModeNone {
		r, err := timers.NewRegistry(txn, h.keySchema)
		if err != nil {
			return err
		}
		h.timers = r
	}
	return h.SetState(Created)
}

// SetState moves the handle to next.
func (h *Handle) SetState(next HandleState) error {
	if h.state == Closed || (transitions[h.state] != next && next != Closed) {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, h.state, next)
	}
	h.state = next
	return nil
}

// State returns the lifecycle state.
func (h *Handle) State() HandleState {
	return h.state
}

// Info returns the query metadata of the execution.
func (h *Handle) Info() QueryInfo {
	return h.info
}

// TimeMode returns the time mode of the operator.
func (h *Handle) TimeMode() TimeMode {
	return h.timeMode
}

// Store returns the state variables declared on the handle.
func (h *Handle) Store() *state.Store {
	return h.store
}

// Timers returns the timer registry, nil without a time mode or before Attach.
func (h *Handle) Timers() *timers.Registry {
	return h.timers
}

// KeyContext returns the capability to operate on the state and timers of
// one grouping key.
func (h *Handle) KeyContext(groupingKey []byte) *KeyContext {
	return &KeyContext{handle: h, key: groupingKey}
}

func (h *Handle) checkDeclare(name string) error {
	if h.state != PreInit && h.state != Created {
		return fmt.Errorf("%w: state variable %s declared in %s", ErrInvalidHandleState, name, h.state)
	}
	return nil
}

func (h *Handle) checkActive() error {
	if h.state < Initialized || h.state > TimerProcessed {
		return fmt.Errorf("%w: %s", ErrInvalidHandleState, h.state)
	}
	return nil
}

// StateOption configures a state variable.
type StateOption func(*stateOptions)

type stateOptions struct {
	ttl time.Duration
}

// WithTTL expires every entry of the variable ttl after the batch it was written in.
func WithTTL(ttl time.Duration) StateOption {
	return func(o *stateOptions) {
		o.ttl = ttl
	}
}

func buildStateOptions(opts []StateOption) stateOptions {
	var o stateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ValueState declares a value state variable.
func ValueState[T any](h *Handle, name string, c codec.Codec[T], opts ...StateOption) (*state.Value[T], error) {
	if err := h.checkDeclare(name); err != nil {
		return nil, err
	}
	return state.NewValue(h.store, name, c, buildStateOptions(opts).ttl)
}

// ListState declares a list state variable.
func ListState[T any](h *Handle, name string, c codec.Codec[T], opts ...StateOption) (*state.List[T], error) {
	if err := h.checkDeclare(name); err != nil {
		return nil, err
	}
	return state.NewList(h.store, name, c, buildStateOptions(opts).ttl)
}

// MapState declares a map state variable.
func MapState[K, V any](h *Handle, name string, kc codec.Codec[K], vc codec.Codec[V], opts ...StateOption) (*state.Map[K, V], error) {
	if err := h.checkDeclare(name); err != nil {
		return nil, err
	}
	return state.NewMap(h.store, name, kc, vc, buildStateOptions(opts).ttl)
}
