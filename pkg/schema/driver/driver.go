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

// Package driver collects the column families a stateful processor declares
// by running its Init against a handle without a live transaction.
package driver

import (
	"context"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/logging"
	"github.com/numaproj/statefulflow/pkg/timers"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

// Introspect returns the column families of the variant sorted by name: the
// default family of the grouping key, the declared state variables and the
// timer families when timers are enabled. The processor is closed and the
// handle it was initialized with is left Closed.
func Introspect[K, V, O any](ctx context.Context, variant processor.Variant[K, V, O], info processor.QueryInfo, outputMode processor.OutputMode, timeMode processor.TimeMode, keyType reflect.Type) ([]schema.ColumnFamilySchema, error) {
	log := logging.FromContext(ctx).With("operator", info.OperatorID)
	keySchema := schema.Describe(keyType)
	h := processor.NewHandle(info, timeMode, keySchema)
	p := variant.New().Processor()

	if err := p.Init(ctx, h, outputMode, timeMode); err != nil {
		if closeErr := p.Close(ctx); closeErr != nil {
			log.Errorw("Failed to close processor after a failed schema introspection", zap.Error(closeErr))
		}
		_ = h.SetState(processor.Closed)
		return nil, udferr.Wrap(udferr.CallbackInit, err)
	}

	cfs := []schema.ColumnFamilySchema{schema.Default(keyType)}
	cfs = append(cfs, h.Store().ColumnFamilies()...)
	if timeMode != processor.TimeModeNone {
		cfs = append(cfs, timers.ColumnFamilies(keySchema)...)
	}
	sort.Slice(cfs, func(i, j int) bool { return cfs[i].Name < cfs[j].Name })

	closeErr := p.Close(ctx)
	if err := h.SetState(processor.Closed); err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, udferr.Wrap(udferr.CallbackClose, closeErr)
	}
	log.Debugw("Introspected state schema", zap.Int("columnFamilies", len(cfs)))
	return cfs, nil
}
