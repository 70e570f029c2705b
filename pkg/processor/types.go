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

	"github.com/google/uuid"
)

// TimeMode is the notion of time timers and watermarks are evaluated in.
type TimeMode int

const (
	// TimeModeNone disables timers.
	TimeModeNone TimeMode = iota
	// TimeModeProcessingTime fires timers against the batch timestamp.
	TimeModeProcessingTime
	// TimeModeEventTime fires timers against the eviction watermark.
	TimeModeEventTime
)

func (m TimeMode) String() string {
	switch m {
	case TimeModeNone:
		return "none"
	case TimeModeProcessingTime:
		return "processingTime"
	case TimeModeEventTime:
		return "eventTime"
	default:
		return fmt.Sprintf("TimeMode(%d)", int(m))
	}
}

// ParseTimeMode parses the String form of a TimeMode.
func ParseTimeMode(s string) (TimeMode, error) {
	for _, m := range []TimeMode{TimeModeNone, TimeModeProcessingTime, TimeModeEventTime} {
		if m.String() == s {
			return m, nil
		}
	}
	return TimeModeNone, fmt.Errorf("unknown time mode %q", s)
}

// OutputMode is how the rows of the operator are applied downstream.
type OutputMode int

const (
	OutputModeAppend OutputMode = iota
	OutputModeUpdate
	OutputModeComplete
)

func (m OutputMode) String() string {
	switch m {
	case OutputModeAppend:
		return "append"
	case OutputModeUpdate:
		return "update"
	case OutputModeComplete:
		return "complete"
	default:
		return fmt.Sprintf("OutputMode(%d)", int(m))
	}
}

// ParseOutputMode parses the String form of an OutputMode.
func ParseOutputMode(s string) (OutputMode, error) {
	for _, m := range []OutputMode{OutputModeAppend, OutputModeUpdate, OutputModeComplete} {
		if m.String() == s {
			return m, nil
		}
	}
	return OutputModeAppend, fmt.Errorf("unknown output mode %q", s)
}

// QueryInfo identifies the execution a handle belongs to.
type QueryInfo struct {
	// QueryID is stable across restarts of the query.
	QueryID uuid.UUID
	// RunID changes every time the query is started.
	RunID       uuid.UUID
	BatchID     int64
	OperatorID  string
	PartitionID int32
}

// TimerValues are the times of the batch being processed.
type TimerValues struct {
	processingTimeMs *int64
	watermarkMs      *int64
}

// NewTimerValues returns TimerValues, either time may be absent.
func NewTimerValues(processingTimeMs, watermarkMs *int64) TimerValues {
	return TimerValues{processingTimeMs: processingTimeMs, watermarkMs: watermarkMs}
}

// ProcessingTime returns the batch timestamp in milliseconds.
func (t TimerValues) ProcessingTime() (int64, bool) {
	if t.processingTimeMs == nil {
		return 0, false
	}
	return *t.processingTimeMs, true
}

// Watermark returns the eviction watermark in milliseconds.
func (t TimerValues) Watermark() (int64, bool) {
	if t.watermarkMs == nil {
		return 0, false
	}
	return *t.watermarkMs, true
}

// ExpiredTimerInfo describes the timer being dispatched.
type ExpiredTimerInfo struct {
	ExpiryTimeMs int64
}
