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
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/statefulflow"
	"github.com/numaproj/statefulflow/pkg/codec"
	"github.com/numaproj/statefulflow/pkg/metrics"
	"github.com/numaproj/statefulflow/pkg/operator"
	"github.com/numaproj/statefulflow/pkg/processor"
	"github.com/numaproj/statefulflow/pkg/processor/builtin"
	"github.com/numaproj/statefulflow/pkg/schema"
	"github.com/numaproj/statefulflow/pkg/shared/iterator"
	"github.com/numaproj/statefulflow/pkg/shared/logging"
	"github.com/numaproj/statefulflow/pkg/shuffle"
	"github.com/numaproj/statefulflow/pkg/statestore"
	"github.com/numaproj/statefulflow/pkg/statestore/badgerstore"
	"github.com/numaproj/statefulflow/pkg/statestore/inmem"
)

func NewRunCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "run",
		Short: "Replay a JSON lines input through a builtin processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd.Flags())
			if err != nil {
				return err
			}
			log := logging.NewLogger().Named("run")
			ctx, stop := signal.NotifyContext(logging.WithLogger(cmd.Context(), log), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addRunFlags(command.Flags())
	return command
}

// seedLine is one line of the initial state file.
type seedLine struct {
	Key string `json:"key"`
	builtin.Seed
}

func readLines[T any](r io.Reader) ([]T, error) {
	var out []T
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var v T
		if err := dec.Decode(&v); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode input line %d, %w", len(out)+1, err)
		}
		out = append(out, v)
	}
}

func openInput(name string, stdin io.Reader) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(name)
}

func openOutput(name string, stdout io.Writer) (io.WriteCloser, error) {
	if name == "-" {
		return nopWriteCloser{stdout}, nil
	}
	return os.Create(name)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

func newProvider(ctx context.Context, cfg *RunConfig) (statestore.VersionedProvider, error) {
	if cfg.Store == storeBadger {
		opts := []badgerstore.Option{badgerstore.WithSyncWrites(cfg.SyncWrites)}
		if cfg.MemTableSize > 0 {
			opts = append(opts, badgerstore.WithMemTableSize(cfg.MemTableSize))
		}
		return badgerstore.NewProvider(ctx, filepath.Join(cfg.StateDir, cfg.OperatorID, "state"), opts...)
	}
	return inmem.NewProvider(ctx)
}

// runner replays the input batch by batch.
type runner struct {
	cfg      *RunConfig
	op       *operator.Operator[string, builtin.Event, builtin.Result]
	shuffle  *shuffle.Shuffle
	versions map[int32]int64
	out      *json.Encoder
	outLock  sync.Mutex
	log      *zap.SugaredLogger
	// progress is nil unless the state outlives the run
	progress *progressStore

	batchID     int64
	lastBatchTs int64
	watermark   *int64
}

func run(ctx context.Context, cfg *RunConfig, stdin io.Reader, stdout io.Writer) (err error) {
	log := logging.FromContext(ctx)
	timeMode, err := processor.ParseTimeMode(cfg.TimeMode)
	if err != nil {
		return err
	}
	outputMode, err := processor.ParseOutputMode(cfg.OutputMode)
	if err != nil {
		return err
	}
	variant, err := builtin.New(cfg.Processor, cfg.Args)
	if err != nil {
		return err
	}

	in, err := openInput(cfg.Input, stdin)
	if err != nil {
		return err
	}
	events, err := readLines[builtin.Event](in)
	_ = in.Close()
	if err != nil {
		return err
	}
	var seeds []seedLine
	if cfg.InitialState != "" {
		f, err := os.Open(cfg.InitialState)
		if err != nil {
			return err
		}
		seeds, err = readLines[seedLine](f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(statefulflow.GetVersion().Version, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)).Set(1)
		shutdown, sErr := metrics.NewMetricsServer(metrics.WithAddr(cfg.MetricsAddr)).Start(ctx)
		if sErr != nil {
			return sErr
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = multierr.Append(err, shutdown(shutdownCtx))
		}()
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, provider.Close())
	}()
	sh, err := shuffle.NewShuffle(cfg.Partitions)
	if err != nil {
		return err
	}
	op, err := operator.New(ctx, operator.Config[string, builtin.Event, builtin.Result]{
		OperatorID: cfg.OperatorID,
		TimeMode:   timeMode,
		OutputMode: outputMode,
		Variant:    variant,
		KeyCodec:   codec.String{},
		ValueCodec: codec.NewJSON[builtin.Event](),
		EventTime:  builtin.EventTime,
		Provider:   provider,
		Ephemeral:  cfg.Ephemeral,
	})
	if err != nil {
		return err
	}
	if cfg.StateDir != "" {
		if _, err := op.PrepareSchema(ctx, schema.NewMetadataStore(cfg.StateDir, cfg.OperatorID)); err != nil {
			return err
		}
	}

	output, err := openOutput(cfg.Output, stdout)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, output.Close())
	}()

	r := &runner{
		cfg:      cfg,
		op:       op,
		shuffle:  sh,
		versions: make(map[int32]int64),
		out:      json.NewEncoder(output),
		log:      log,
	}
	for p := int32(0); p < cfg.Partitions; p++ {
		if r.versions[p], err = provider.LatestVersion(p); err != nil {
			return err
		}
	}
	if cfg.Store == storeBadger && !cfg.Ephemeral {
		if err = r.resume(newProgressStore(cfg.StateDir, cfg.OperatorID)); err != nil {
			return err
		}
	}
	if len(seeds) > 0 && r.batchID > 0 {
		log.Warnw("Initial state ignored, the query is past its first batch", zap.Int64("nextBatch", r.batchID), zap.Int("seeds", len(seeds)))
	}
	return r.replay(ctx, timeMode, events, seeds)
}

// resume continues the batch sequence of a previous run. Every batch commits
// every partition once, so the latest version bounds the committed batches
// even when the progress of the last batch was not saved.
func (r *runner) resume(ps *progressStore) error {
	saved, err := ps.load()
	if err != nil {
		return err
	}
	r.progress = ps
	r.batchID = saved.NextBatchID
	for _, v := range r.versions {
		if v > r.batchID {
			r.batchID = v
		}
	}
	r.lastBatchTs = saved.LastBatchTimestampMs
	r.watermark = saved.WatermarkMs
	if r.batchID > 0 {
		r.log.Infow("Resuming query", zap.Int64("nextBatch", r.batchID))
	}
	return nil
}

func (r *runner) replay(ctx context.Context, timeMode processor.TimeMode, events []builtin.Event, seeds []seedLine) error {
	// at least one batch runs so pending timers get a chance to fire
	for start, first := 0, true; start < len(events) || first; start, first = start+r.cfg.BatchSize, false {
		end := start + r.cfg.BatchSize
		if end > len(events) {
			end = len(events)
		}
		var chunk []builtin.Event
		if start < end {
			chunk = events[start:end]
		}
		if err := r.runBatch(ctx, time.Now().UnixMilli(), chunk, seeds); err != nil {
			return err
		}
		seeds = nil
		r.advanceWatermark(chunk)
		if err := r.saveProgress(); err != nil {
			return err
		}
	}
	if !r.cfg.Drain {
		return nil
	}
	// fire whatever the last batches left pending
	after := r.cfg.drainAfter().Milliseconds()
	if r.watermark != nil {
		wm := *r.watermark + after
		r.watermark = &wm
	}
	switch timeMode {
	case processor.TimeModeNone:
		return nil
	case processor.TimeModeEventTime:
		if r.watermark == nil || !r.op.ShouldRunAnotherBatch(*r.watermark) {
			return nil
		}
	}
	if err := r.runBatch(ctx, r.lastBatchTs+after, nil, nil); err != nil {
		return err
	}
	return r.saveProgress()
}

func (r *runner) saveProgress() error {
	if r.progress == nil {
		return nil
	}
	return r.progress.save(progress{NextBatchID: r.batchID, LastBatchTimestampMs: r.lastBatchTs, WatermarkMs: r.watermark})
}

// advanceWatermark moves the watermark to the max event time seen so far.
func (r *runner) advanceWatermark(chunk []builtin.Event) {
	for _, e := range chunk {
		if r.watermark == nil || e.EventTimeMs > *r.watermark {
			wm := e.EventTimeMs
			r.watermark = &wm
		}
	}
}

func (r *runner) runBatch(ctx context.Context, batchTs int64, events []builtin.Event, seeds []seedLine) error {
	if batchTs <= r.lastBatchTs {
		batchTs = r.lastBatchTs + 1
	}
	r.lastBatchTs = batchTs
	batch := operator.BatchInfo{
		BatchID:          r.batchID,
		BatchTimestampMs: &batchTs,
	}
	if r.watermark != nil {
		late, evict := *r.watermark, *r.watermark
		batch.LateEventWatermarkMs, batch.EvictionWatermarkMs = &late, &evict
	} else {
		evict := int64(math.MinInt64)
		batch.EvictionWatermarkMs = &evict
	}

	inputs, err := r.inputs(events, seeds)
	if err != nil {
		return err
	}
	results, err := r.op.RunBatch(ctx, batch, inputs, func(_ context.Context, _ int32, row builtin.Result) error {
		r.outLock.Lock()
		defer r.outLock.Unlock()
		return r.out.Encode(row)
	})
	if err != nil {
		return fmt.Errorf("batch %d failed, %w", r.batchID, err)
	}
	var rowsIn, rowsOut int64
	for p, res := range results {
		r.versions[p] = res.Version
		rowsIn += res.Metrics.RowsIn
		rowsOut += res.Metrics.RowsOut
	}
	r.log.Infow("Replayed batch", zap.Int64("batch", r.batchID), zap.Int64("rowsIn", rowsIn), zap.Int64("rowsOut", rowsOut))
	r.batchID++
	return nil
}

// inputs shuffles the rows of a batch to their partitions, every partition
// runs even without rows so its timers can fire.
func (r *runner) inputs(events []builtin.Event, seeds []seedLine) (map[int32]operator.PartitionInput, error) {
	valueCodec := codec.NewJSON[builtin.Event]()
	rows := make([]operator.Row, 0, len(events))
	for _, e := range events {
		value, err := valueCodec.Encode(e)
		if err != nil {
			return nil, err
		}
		rows = append(rows, operator.Row{Key: []byte(e.Key), Value: value})
	}
	seedCodec := codec.NewJSON[builtin.Seed]()
	seedRows := make([]operator.Row, 0, len(seeds))
	for _, s := range seeds {
		value, err := seedCodec.Encode(s.Seed)
		if err != nil {
			return nil, err
		}
		seedRows = append(seedRows, operator.Row{Key: []byte(s.Key), Value: value})
	}
	byKey := func(row operator.Row) []byte { return row.Key }
	shuffled := shuffle.ShuffleRows(r.shuffle, rows, byKey)
	shuffledSeeds := shuffle.ShuffleRows(r.shuffle, seedRows, byKey)

	inputs := make(map[int32]operator.PartitionInput, r.shuffle.Partitions())
	for p := int32(0); p < r.shuffle.Partitions(); p++ {
		input := operator.PartitionInput{
			Version: r.versions[p],
			Rows:    iterator.FromSlice(clustered(shuffled[p])...),
		}
		if len(seeds) > 0 {
			input.InitialState = iterator.FromSlice(clustered(shuffledSeeds[p])...)
		}
		inputs[p] = input
	}
	return inputs, nil
}

// clustered orders rows by key, keeping the arrival order within a key.
func clustered(rows []operator.Row) []operator.Row {
	sort.SliceStable(rows, func(i, j int) bool { return string(rows[i].Key) < string(rows[j].Key) })
	return rows
}
