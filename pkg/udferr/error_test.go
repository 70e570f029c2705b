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

package udferr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError(t *testing.T) {
	err := New(CodeConfig, "bad value %d", 3)
	assert.Equal(t, "[CONFIG] bad value 3", err.Error())
	assert.True(t, errors.Is(fmt.Errorf("outer, %w", err), New(CodeConfig, "bad value 3")))
	assert.False(t, errors.Is(err, New(CodeIllegalState, "bad value 3")))

	cause := errors.New("disk full")
	wrapped := Wrapf(CodeStateStore, cause, "commit failed")
	assert.True(t, errors.Is(wrapped, cause))
	code, ok := FromError(fmt.Errorf("outer, %w", wrapped))
	assert.True(t, ok)
	assert.Equal(t, CodeStateStore, code)

	_, ok = FromError(cause)
	assert.False(t, ok)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(CallbackInit, nil))

	cause := errors.New("boom")
	err := Wrap(CallbackHandleInputRows, cause)
	var fe *FunctionError
	assert.True(t, errors.As(err, &fe))
	assert.True(t, errors.Is(err, cause))
	cb, ok := CallbackOf(err)
	assert.True(t, ok)
	assert.Equal(t, CallbackHandleInputRows, cb)

	// classified errors are passed through
	classified := New(CodeIllegalState, "released")
	assert.Same(t, classified, Wrap(CallbackHandleExpiredTimer, classified))
	_, ok = CallbackOf(classified)
	assert.False(t, ok)

	// already wrapped errors keep their callback
	assert.Equal(t, err, Wrap(CallbackClose, err))
}
