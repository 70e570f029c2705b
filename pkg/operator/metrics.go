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

package operator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/statefulflow/pkg/metrics"
)

const subsystem = "stateful_operator"

// rowsReadCount is the number of input rows read
var rowsReadCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: subsystem,
	Name:      "rows_read_total",
	Help:      "Total number of input rows read",
}, []string{metrics.LabelOperator, metrics.LabelPartition})

// rowsDroppedLateCount is the number of input rows dropped for being at or before the late event watermark
var rowsDroppedLateCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: subsystem,
	Name:      "rows_dropped_late_total",
	Help:      "Total number of late input rows dropped",
}, []string{metrics.LabelOperator, metrics.LabelPartition})

// rowsEmittedCount is the number of rows produced by the processor
var rowsEmittedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: subsystem,
	Name:      "rows_emitted_total",
	Help:      "Total number of output rows",
}, []string{metrics.LabelOperator, metrics.LabelPartition})

// timersCount is the number of timers registered, deleted and expired
var timersCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: subsystem,
	Name:      "timers_total",
	Help:      "Total number of timers by outcome (registered, deleted, expired)",
}, []string{metrics.LabelOperator, metrics.LabelOutcome})

// ttlRemovedCount is the number of state entries removed by the ttl sweep
var ttlRemovedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: subsystem,
	Name:      "ttl_removed_total",
	Help:      "Total number of expired state entries removed",
}, []string{metrics.LabelOperator})

// userFunctionErrorCount is the number of failed user callbacks
var userFunctionErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: subsystem,
	Name:      "user_function_error_total",
	Help:      "Total number of user function errors by callback",
}, []string{metrics.LabelOperator, metrics.LabelCallback})

// txnCount is the number of resolved state store transactions
var txnCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: subsystem,
	Name:      "txn_total",
	Help:      "Total number of state store transactions by outcome (commit, abort)",
}, []string{metrics.LabelOperator, metrics.LabelOutcome})

// stageDuration is the time spent in each stage of a partition
var stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Subsystem: subsystem,
	Name:      "stage_duration_seconds",
	Help:      "Time spent in a partition stage",
	Buckets:   prometheus.ExponentialBucketsRange(0.0005, 60, 12),
}, []string{metrics.LabelOperator, metrics.LabelStage})

// stateVariables is the number of declared state variables by kind
var stateVariables = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: subsystem,
	Name:      "state_variables",
	Help:      "Number of declared state variables by kind",
}, []string{metrics.LabelOperator, metrics.LabelKind})

// storeKeys is the number of keys of a partition after its last commit
var storeKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: subsystem,
	Name:      "store_keys",
	Help:      "Number of keys in the partition state store",
}, []string{metrics.LabelOperator, metrics.LabelPartition, metrics.LabelBackend})
