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

package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/processor/builtin"
)

const (
	storeInMemory = "inmem"
	storeBadger   = "badger"
)

// RunConfig is the configuration of a run, read from flags, an optional YAML
// file and STATEFULFLOW_ prefixed environment variables.
type RunConfig struct {
	OperatorID string       `mapstructure:"operator-id"`
	Processor  string       `mapstructure:"processor"`
	Args       builtin.Args `mapstructure:",squash"`
	TimeMode   string       `mapstructure:"time-mode"`
	OutputMode string       `mapstructure:"output-mode"`
	Input      string       `mapstructure:"input"`
	// InitialState is a JSON lines file of {"key": ..., "count": ...} rows seeding the state.
	InitialState string `mapstructure:"initial-state"`
	Output       string `mapstructure:"output"`
	Partitions   int32  `mapstructure:"partitions"`
	BatchSize    int    `mapstructure:"batch-size"`
	// Store is the state store backend, inmem or badger.
	Store      string `mapstructure:"store"`
	StateDir   string `mapstructure:"state-dir"`
	SyncWrites bool   `mapstructure:"sync-writes"`
	// MemTableSize bounds the writes of one partition per batch in the badger store, 0 keeps the default.
	MemTableSize int64  `mapstructure:"memtable-size"`
	Ephemeral    bool   `mapstructure:"ephemeral"`
	Drain        bool   `mapstructure:"drain"`
	MetricsAddr  string `mapstructure:"metrics-addr"`
}

func addProcessorFlags(flags *pflag.FlagSet) {
	flags.StringP("processor", "p", "count", "builtin processor, count or dedup")
	flags.Duration("ttl", 0, "state ttl, 0 keeps the state forever")
	flags.Duration("timeout", 0, "inactivity timeout after which count emits a final result")
	flags.String("time-mode", processor.TimeModeNone.String(), "time mode, none, processingTime or eventTime")
	flags.String("output-mode", processor.OutputModeAppend.String(), "output mode, append, update or complete")
	flags.String("operator-id", "op-0", "operator id")
}

func addRunFlags(flags *pflag.FlagSet) {
	addProcessorFlags(flags)
	flags.String("config", "", "YAML config file")
	flags.StringP("input", "i", "-", "JSON lines input file, - for stdin")
	flags.String("initial-state", "", "JSON lines initial state file")
	flags.StringP("output", "o", "-", "JSON lines output file, - for stdout")
	flags.Int32("partitions", 4, "number of partitions")
	flags.Int("batch-size", 100, "number of input rows per batch")
	flags.String("store", storeInMemory, "state store backend, inmem or badger")
	flags.String("state-dir", "", "checkpoint directory holding the state and the schema metadata")
	flags.Bool("sync-writes", true, "sync every commit of the badger store")
	flags.Int64("memtable-size", 0, "badger memtable size in bytes, bounds the writes of one partition per batch")
	flags.Bool("ephemeral", false, "discard the state after every batch")
	flags.Bool("drain", true, "run a final batch firing every pending timer")
	flags.String("metrics-addr", "", "address of the metrics server, disabled when empty")
}

// loadRunConfig merges the flags, the config file and the environment.
func loadRunConfig(flags *pflag.FlagSet) (*RunConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags, %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s, %w", file, err)
		}
	}
	cfg := &RunConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run config, %w", err)
	}
	return cfg, cfg.validate()
}

func (c *RunConfig) validate() error {
	switch {
	case c.Partitions < 1:
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Store != storeInMemory && c.Store != storeBadger:
		return fmt.Errorf("unsupported store %q", c.Store)
	case c.Store == storeBadger && c.StateDir == "":
		return fmt.Errorf("the badger store needs a state dir")
	case c.Args.TTL < 0 || c.Args.Timeout < 0:
		return fmt.Errorf("ttl and timeout must not be negative")
	}
	return nil
}

// drainAfter is how far past the last batch the drain batch moves time.
func (c *RunConfig) drainAfter() time.Duration {
	if c.Args.Timeout > c.Args.TTL {
		return c.Args.Timeout + time.Millisecond
	}
	return c.Args.TTL + time.Millisecond
}
