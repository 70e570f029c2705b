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

package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	logger := zap.NewNop().Sugar()
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}

func TestNewLogger_Debug(t *testing.T) {
	t.Setenv(EnvDebug, "true")
	logger := NewLogger()
	assert.True(t, logger.Desugar().Core().Enabled(zap.DebugLevel))
}

func TestNewLogger_Level(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	logger := NewLogger()
	assert.False(t, logger.Desugar().Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Desugar().Core().Enabled(zap.WarnLevel))

	t.Setenv(EnvLogLevel, "bogus")
	assert.True(t, NewLogger().Desugar().Core().Enabled(zap.InfoLevel))
}

func TestWithPartition(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core).Sugar().With(FieldOperator, "op"))
	ctx, log := WithPartition(ctx, 3, 7, 2)
	assert.Same(t, log, FromContext(ctx))

	log.Info("done")
	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, map[string]interface{}{
		FieldOperator:  "op",
		FieldPartition: int32(3),
		FieldBatch:     int64(7),
		FieldVersion:   int64(2),
	}, entries[0].ContextMap())
}
