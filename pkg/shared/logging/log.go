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
	"os"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// EnvDebug switches the logger to the development config when set to "true".
	EnvDebug = "STATEFULFLOW_DEBUG"
	// EnvLogLevel overrides the level of the logger, e.g. "warn".
	EnvLogLevel = "STATEFULFLOW_LOG_LEVEL"
)

// Field names shared by everything logging about a partition execution.
const (
	FieldOperator  = "operator"
	FieldPartition = "partition"
	FieldBatch     = "batch"
	FieldVersion   = "version"
)

// NewLogger returns a new zap.SugaredLogger
func NewLogger() *zap.SugaredLogger {
	var config zap.Config
	debugMode, ok := os.LookupEnv(EnvDebug)
	if ok && debugMode == "true" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	if level, ok := os.LookupEnv(EnvLogLevel); ok {
		if l, err := zapcore.ParseLevel(level); err == nil {
			config.Level = zap.NewAtomicLevelAt(l)
		}
	}
	config.OutputPaths = []string{"stdout"}
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger.Named("statefulflow").Sugar()
}

type loggerKey struct{}

// WithLogger returns a copy of parent context in which the
// value associated with logger key is the supplied logger.
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger in the context.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return NewLogger()
}

// WithPartition scopes the logger of ctx to one execution of a partition.
func WithPartition(ctx context.Context, partitionID int32, batchID, version int64) (context.Context, *zap.SugaredLogger) {
	log := FromContext(ctx).With(FieldPartition, partitionID, FieldBatch, batchID, FieldVersion, version)
	return WithLogger(ctx, log), log
}
