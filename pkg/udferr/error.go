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

// Package udferr classifies the errors surfaced by the stateful operator.
// Errors raised by the engine carry a Code, anything else coming out of a
// user callback is wrapped in a FunctionError naming the callback.
package udferr

import (
	"errors"
	"fmt"
)

// Code is the structured error code carried by engine classified errors.
type Code string

const (
	// CodeConfig is a time mode declared without the timestamp or watermark it needs.
	CodeConfig Code = "CONFIG"
	// CodeSchemaIncompatible is a state schema that cannot replace the persisted one.
	CodeSchemaIncompatible Code = "SCHEMA_INCOMPATIBLE"
	// CodeIllegalState is a handle or key context used outside of its lifecycle.
	CodeIllegalState Code = "ILLEGAL_STATE"
	// CodeStateStore is a failure inside the state store collaborator.
	CodeStateStore Code = "STATE_STORE"
	// CodeContract is a misuse of the partition iterator by the caller.
	CodeContract Code = "CONTRACT_VIOLATION"
)

// Callback names the user callback that was executing when an error was raised.
type Callback string

const (
	CallbackInit               Callback = "init"
	CallbackHandleInputRows    Callback = "handleInputRows"
	CallbackHandleInitialState Callback = "handleInitialState"
	CallbackHandleExpiredTimer Callback = "handleExpiredTimer"
	CallbackClose              Callback = "close"
)

// Classified is implemented by errors that already carry an engine error code.
type Classified interface {
	error
	ErrorCode() Code
}

// EngineError is an error raised by the engine itself.
type EngineError struct {
	code Code
	msg  string
	err  error
}

var _ Classified = (*EngineError)(nil)

// New returns an EngineError with the given code.
func New(code Code, format string, args ...any) *EngineError {
	return &EngineError{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrapf returns an EngineError with the given code that wraps err.
func Wrapf(code Code, err error, format string, args ...any) *EngineError {
	return &EngineError{code: code, msg: fmt.Sprintf(format, args...), err: err}
}

func (e *EngineError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.msg)
}

// ErrorCode returns the code of the error.
func (e *EngineError) ErrorCode() Code {
	return e.code
}

func (e *EngineError) Unwrap() error {
	return e.err
}

// Is matches an EngineError with the same code and message, so sentinel
// EngineErrors can be used with errors.Is.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return t.code == e.code && t.msg == e.msg
	}
	return false
}

// FunctionError reports that a user callback failed.
type FunctionError struct {
	Callback Callback
	cause    error
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("user function failed in %s: %v", e.Callback, e.cause)
}

func (e *FunctionError) Unwrap() error {
	return e.cause
}

// Wrap classifies an error returned by a user callback. A nil error stays nil,
// an error that already carries an engine code is returned unchanged,
// everything else is wrapped in a FunctionError.
func Wrap(cb Callback, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := FromError(err); ok {
		return err
	}
	var fe *FunctionError
	if errors.As(err, &fe) {
		return err
	}
	return &FunctionError{Callback: cb, cause: err}
}

// FromError returns the code of an engine classified error anywhere in the chain.
func FromError(err error) (Code, bool) {
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorCode(), true
	}
	return "", false
}

// CallbackOf returns the callback recorded in a FunctionError anywhere in the chain.
func CallbackOf(err error) (Callback, bool) {
	var fe *FunctionError
	if errors.As(err, &fe) {
		return fe.Callback, true
	}
	return "", false
}
