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
	"fmt"

	"github.com/numaproj/statefulflow/pkg/state"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

var (
	// ErrKeyContextReleased is returned when a key context is used after the
	// output of its group was drained.
	ErrKeyContextReleased = udferr.New(udferr.CodeIllegalState, "key context used after its group was processed")
	// ErrTimersNotSupported is returned by timer operations of an operator without a time mode.
	ErrTimersNotSupported = udferr.New(udferr.CodeContract, "timers need a processing time or event time mode")
)

// KeyContext scopes state and timer operations to one grouping key. It is
// valid until the output of its group is drained.
type KeyContext struct {
	handle   *Handle
	key      []byte
	released bool
}

var _ state.KeyScope = (*KeyContext)(nil)

// Key returns the encoded grouping key.
func (k *KeyContext) Key() []byte {
	return k.key
}

// TimeMode returns the time mode of the operator.
func (k *KeyContext) TimeMode() TimeMode {
	return k.handle.timeMode
}

// GroupingKey returns the encoded grouping key while the context is valid.
func (k *KeyContext) GroupingKey() ([]byte, error) {
	if k.released {
		return nil, ErrKeyContextReleased
	}
	if err := k.handle.checkActive(); err != nil {
		return nil, err
	}
	return k.key, nil
}

// Release invalidates the context.
func (k *KeyContext) Release() {
	k.released = true
}

func (k *KeyContext) checkTimers() ([]byte, error) {
	key, err := k.GroupingKey()
	if err != nil {
		return nil, err
	}
	if k.handle.timeMode == TimeModeNone || k.handle.timers == nil {
		return nil, fmt.Errorf("%w: time mode %s", ErrTimersNotSupported, k.handle.timeMode)
	}
	return key, nil
}

// RegisterTimer registers a timer for the key expiring at tsMs.
func (k *KeyContext) RegisterTimer(tsMs int64) error {
	key, err := k.checkTimers()
	if err != nil {
		return err
	}
	return k.handle.timers.Register(key, tsMs)
}

// DeleteTimer deletes the timer of the key expiring at tsMs.
func (k *KeyContext) DeleteTimer(tsMs int64) error {
	key, err := k.checkTimers()
	if err != nil {
		return err
	}
	return k.handle.timers.Delete(key, tsMs)
}

// ListTimers returns the expiry of every timer of the key in ascending order.
func (k *KeyContext) ListTimers(ctx context.Context) ([]int64, error) {
	key, err := k.checkTimers()
	if err != nil {
		return nil, err
	}
	return k.handle.timers.List(ctx, key)
}
