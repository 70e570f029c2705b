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

package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/numaproj/statefulflow/pkg/shared/logging"
	"github.com/numaproj/statefulflow/pkg/udferr"
)

// IncompatibleError reports a declared column family that cannot replace the persisted one.
type IncompatibleError struct {
	ColumnFamily string
	Reason       string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("[%s] column family %q is not compatible with the persisted schema: %s", udferr.CodeSchemaIncompatible, e.ColumnFamily, e.Reason)
}

// ErrorCode returns udferr.CodeSchemaIncompatible.
func (e *IncompatibleError) ErrorCode() udferr.Code {
	return udferr.CodeSchemaIncompatible
}

// CheckCompatibility validates the newly declared column families against the
// previously persisted ones and returns the set to persist. Key schemas and
// kinds must be identical. Value schemas may only grow by new fields, in which
// case the value schema id is bumped. Persisted column families that are no
// longer declared are dropped.
func CheckCompatibility(ctx context.Context, persisted, declared []ColumnFamilySchema) ([]ColumnFamilySchema, error) {
	log := logging.FromContext(ctx)
	old := make(map[string]ColumnFamilySchema, len(persisted))
	for _, cf := range persisted {
		old[cf.Name] = cf
	}

	result := make([]ColumnFamilySchema, 0, len(declared))
	seen := make(map[string]struct{}, len(declared))
	for _, cf := range declared {
		seen[cf.Name] = struct{}{}
		prev, ok := old[cf.Name]
		if !ok {
			result = append(result, cf)
			continue
		}
		evolved, err := evolve(prev, cf)
		if err != nil {
			return nil, err
		}
		result = append(result, evolved)
	}

	for name := range old {
		if _, ok := seen[name]; !ok {
			log.Warnw("Persisted column family is no longer declared, dropping it", "columnFamily", name)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func evolve(prev, next ColumnFamilySchema) (ColumnFamilySchema, error) {
	if prev.Kind != next.Kind {
		return next, &IncompatibleError{ColumnFamily: next.Name, Reason: fmt.Sprintf("kind changed from %s to %s", prev.Kind, next.Kind)}
	}
	if !prev.KeySchema.Equal(next.KeySchema) {
		return next, &IncompatibleError{ColumnFamily: next.Name, Reason: fmt.Sprintf("key schema changed from %s to %s", prev.KeySchema.Type, next.KeySchema.Type)}
	}
	if (prev.UserKeySchema == nil) != (next.UserKeySchema == nil) ||
		(prev.UserKeySchema != nil && !prev.UserKeySchema.Equal(*next.UserKeySchema)) {
		return next, &IncompatibleError{ColumnFamily: next.Name, Reason: "user key schema changed"}
	}
	next.KeySchemaID = prev.KeySchemaID
	if prev.ValueSchema.Equal(next.ValueSchema) {
		next.ValueSchemaID = prev.ValueSchemaID
		return next, nil
	}
	if reason, ok := additive(prev.ValueSchema, next.ValueSchema); !ok {
		return next, &IncompatibleError{ColumnFamily: next.Name, Reason: reason}
	}
	next.ValueSchemaID = prev.ValueSchemaID + 1
	return next, nil
}

// additive reports whether next only adds fields to prev.
func additive(prev, next Schema) (string, bool) {
	if len(prev.Fields) == 0 || len(next.Fields) == 0 {
		return fmt.Sprintf("value type changed from %s to %s", prev.Type, next.Type), false
	}
	fields := make(map[string]string, len(next.Fields))
	for _, f := range next.Fields {
		fields[f.Name] = f.Type
	}
	for _, f := range prev.Fields {
		t, ok := fields[f.Name]
		if !ok {
			return fmt.Sprintf("value field %q was removed", f.Name), false
		}
		if t != f.Type {
			return fmt.Sprintf("value field %q changed type from %s to %s", f.Name, f.Type, t), false
		}
	}
	return "", true
}
