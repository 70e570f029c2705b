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

// Package builtin contains stateful processors that ship with the operator.
package builtin

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/processor"
)

// Event is the input row of the builtin processors.
type Event struct {
	Key         string          `json:"key"`
	ID          string          `json:"id,omitempty"`
	EventTimeMs int64           `json:"eventTime"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// EventTime returns the event time of e.
func EventTime(e Event) int64 {
	return e.EventTimeMs
}

// Result is the output row of the builtin processors.
type Result struct {
	Key   string          `json:"key"`
	Kind  string          `json:"kind"`
	Count int64           `json:"count,omitempty"`
	ID    string          `json:"id,omitempty"`
	Event json.RawMessage `json:"payload,omitempty"`
}

// Args configures a builtin processor.
type Args struct {
	// TTL expires the state of a key, zero keeps it forever.
	TTL time.Duration `mapstructure:"ttl"`
	// Timeout is the delay after the last row of a key its timer fires at.
	Timeout time.Duration `mapstructure:"timeout"`
}

// New returns the builtin processor called name.
func New(name string, args Args) (processor.Variant[string, Event, Result], error) {
	switch name {
	case "count":
		return processor.WithInitialState[string, Event, Result, Seed](func() processor.InitialStateHandler[string, Event, Result, Seed] {
			return NewCount(args)
		}, codec.NewJSON[Seed]()), nil
	case "dedup":
		return processor.Plain(func() processor.StatefulProcessor[string, Event, Result] {
			return NewDedup(args)
		}), nil
	default:
		return processor.Variant[string, Event, Result]{}, fmt.Errorf("unrecognized builtin processor %q", name)
	}
}
