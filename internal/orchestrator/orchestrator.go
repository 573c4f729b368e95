// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package orchestrator sequences a run: enumerate items, partition them
// over the worker pool, wait for every worker, then merge their artifacts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/helpers"
	"github.com/cardinalhq/shardmerge/internal/idgen"
	"github.com/cardinalhq/shardmerge/internal/logctx"
	"github.com/cardinalhq/shardmerge/internal/merge"
	"github.com/cardinalhq/shardmerge/internal/partition"
	"github.com/cardinalhq/shardmerge/internal/worker"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// ErrStaleArtifacts is returned when the artifact directory already holds
// artifacts for the same output name. Sequence numbers restart at 0 every
// run, so writing next to them would overwrite a crashed run's output.
var ErrStaleArtifacts = errors.New("artifacts from an earlier run present")

// Source enumerates the work items of a run, in order.
type Source interface {
	Enumerate(ctx context.Context) ([]workitem.WorkItem, error)
}

// Config is the per-run configuration.
type Config struct {
	OutputDir  string
	OutputName string
	// ArtifactDir holds flush artifacts. Defaults to OutputDir.
	ArtifactDir string
	// WorkerCount of 0 selects DefaultWorkerCount().
	WorkerCount    int
	FlushThreshold int
	FlushBytes     int64
	PartitionMode  partition.Mode
	MergeOrder     merge.Order
	// MaxErrorDetail caps how many item errors are kept for the report.
	MaxErrorDetail int
	// ProgressEvery is passed to each worker.
	ProgressEvery int
	// MinFreeBytes logs a warning when the output filesystem has less free
	// space than this. Zero disables the check.
	MinFreeBytes  uint64
	TransformName string
}

// DefaultWorkerCount leaves one CPU for the host: max(1, GOMAXPROCS-1).
func DefaultWorkerCount() int {
	return max(1, runtime.GOMAXPROCS(0)-1)
}

func (c Config) workers() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	return DefaultWorkerCount()
}

// FinalPath is where the merged output is written.
func (c Config) FinalPath() string {
	return filepath.Join(c.OutputDir, c.OutputName)
}

func (c Config) artifactDir() string {
	if c.ArtifactDir != "" {
		return c.ArtifactDir
	}
	return c.OutputDir
}

// Validate checks the fields Run depends on.
func (c Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("output dir is required")
	}
	if c.OutputName == "" {
		return errors.New("output name is required")
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("worker count must not be negative, got %d", c.WorkerCount)
	}
	if c.FlushThreshold < 1 {
		return fmt.Errorf("flush threshold must be >= 1, got %d", c.FlushThreshold)
	}
	if _, err := partition.ParseMode(string(c.PartitionMode)); err != nil {
		return err
	}
	if _, err := merge.Resolve(c.MergeOrder, c.PartitionMode); err != nil {
		return err
	}
	return nil
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithWriter wraps the artifact writer handed to workers.
func WithWriter(wrap func(artifact.Writer) artifact.Writer) Option {
	return func(o *Orchestrator) { o.wrapWriter = wrap }
}

// WithMergeSource wraps the artifact source used by the merge stage.
func WithMergeSource(wrap func(merge.Source) merge.Source) Option {
	return func(o *Orchestrator) { o.wrapMerge = wrap }
}

// Orchestrator runs a single pipeline. It is not reusable.
type Orchestrator struct {
	cfg        Config
	src        Source
	tr         worker.Transform
	sm         *stateMachine
	wrapWriter func(artifact.Writer) artifact.Writer
	wrapMerge  func(merge.Source) merge.Source
	mergeCalls int
}

// New returns an orchestrator in the Idle state.
func New(cfg Config, src Source, tr worker.Transform, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || tr == nil {
		return nil, errors.New("orchestrator requires a source and a transform")
	}
	if cfg.MaxErrorDetail <= 0 {
		cfg.MaxErrorDetail = 100
	}
	o := &Orchestrator{cfg: cfg, src: src, tr: tr, sm: newStateMachine()}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.sm.current() }

// Path returns every state the run has been in, in order.
func (o *Orchestrator) Path() []State { return o.sm.path() }

// Run executes the pipeline. The report is returned even when err is set.
// A failed run never enters Merging, so every artifact already written
// stays on disk.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	runID := idgen.NewRunID()
	ctx, ll := logctx.With(ctx, slog.String("runID", runID))

	rep := &Report{
		RunID:         runID,
		StartedAt:     time.Now(),
		PartitionMode: string(o.cfg.PartitionMode),
		MergeOrder:    string(o.cfg.MergeOrder),
	}
	errs := newErrorCollector(o.cfg.MaxErrorDetail)
	lat, err := newLatencyRecorder()
	if err != nil {
		return rep, err
	}
	stats := &worker.Stats{}

	err = o.run(ctx, rep, errs, lat, stats)
	if err != nil {
		o.sm.fail()
		rep.Failure = err.Error()
	}

	rep.State = o.sm.current().String()
	for _, s := range o.sm.path() {
		rep.Path = append(rep.Path, s.String())
	}
	rep.Duration = time.Since(rep.StartedAt)
	rep.Items.Processed = int(stats.ItemsProcessed())
	rep.Items.Failed = int(stats.ItemsFailed())
	rep.Items.Skipped = rep.Items.Total - rep.Items.Duplicates - rep.Items.Processed - rep.Items.Failed
	rep.Records = stats.Records()
	rep.Flushes = stats.Flushes()
	rep.Errors = errs.Messages()
	rep.ErrorsTruncated = errs.Count() - len(rep.Errors)
	rep.Latency = lat.summary()

	if err != nil {
		ll.Error("run failed", slog.Any("report", rep), slog.Any("error", err))
		return rep, err
	}
	ll.Info("run complete", slog.Any("report", rep))
	return rep, nil
}

func (o *Orchestrator) run(ctx context.Context, rep *Report, errs *errorCollector, lat *latencyRecorder, stats *worker.Stats) error {
	ll := logctx.FromContext(ctx)

	if err := o.sm.transition(StateIdle, StatePartitioning); err != nil {
		return err
	}
	items, err := o.src.Enumerate(ctx)
	if err != nil {
		if !errors.Is(err, batcherr.ErrSourceUnavailable) {
			err = batcherr.SourceUnavailable("enumerate", err)
		}
		return err
	}
	rep.Items.Total = len(items)
	items, dups := partition.Dedupe(items)
	if len(dups) > 0 {
		rep.Items.Duplicates = len(dups)
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%d duplicate items dropped", len(dups)))
		ll.Warn("dropping duplicate items", slog.Int("count", len(dups)), slog.String("first", dups[0]))
	}

	k := o.cfg.workers()
	if len(items) == 0 {
		// Nothing to do: no workers, no artifacts, no output file.
		rep.Workers = 0
		ll.Info("no work items")
		if err := o.sm.transition(StatePartitioning, StateRunning); err != nil {
			return err
		}
		if err := o.sm.transition(StateRunning, StateMerging); err != nil {
			return err
		}
		return o.sm.transition(StateMerging, StateDone)
	}
	rep.Workers = k

	feeds, err := partition.Plan(items, k, o.cfg.PartitionMode)
	if err != nil {
		return err
	}
	store, err := artifact.NewStore(o.cfg.artifactDir(), o.cfg.OutputName)
	if err != nil {
		return err
	}
	if err := o.preflight(ctx, rep, store); err != nil {
		return err
	}

	if err := o.sm.transition(StatePartitioning, StateRunning); err != nil {
		return err
	}
	ll.Info("starting workers",
		slog.Int("workers", k),
		slog.Int("items", len(items)),
		slog.String("mode", string(o.cfg.PartitionMode)),
		slog.Int("flushThreshold", o.cfg.FlushThreshold))

	arts, err := o.runWorkers(ctx, feeds, store, errs, lat, stats)
	if err != nil {
		ll.Error("worker pool failed, artifacts preserved",
			slog.String("dir", store.Dir()),
			slog.Int("artifacts", len(arts)),
			slog.Any("error", err))
		return err
	}

	if err := o.sm.transition(StateRunning, StateMerging); err != nil {
		return err
	}
	if err := o.merge(ctx, rep, store, arts); err != nil {
		return err
	}
	return o.sm.transition(StateMerging, StateDone)
}

// runWorkers starts one goroutine per feed and joins all of them. The first
// fatal error cancels the others, which stop after their current item and
// flush what they hold.
func (o *Orchestrator) runWorkers(ctx context.Context, feeds []partition.Feed, store *artifact.Store, errs *errorCollector, lat *latencyRecorder, stats *worker.Stats) ([]artifact.Artifact, error) {
	seq := idgen.NewSequenceCounter()
	var out artifact.Writer = store
	if o.wrapWriter != nil {
		out = o.wrapWriter(store)
	}

	results := make([][]artifact.Artifact, len(feeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, feed := range feeds {
		w, err := worker.New(worker.Options{
			ID:             i,
			FlushThreshold: o.cfg.FlushThreshold,
			FlushBytes:     o.cfg.FlushBytes,
			ProgressEvery:  o.cfg.ProgressEvery,
			TransformName:  o.cfg.TransformName,
			OutputName:     o.cfg.OutputName,
			ObserveItem:    lat.observe,
		}, feed, o.tr, seq, out, errs, stats)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			arts, err := w.Run(gctx)
			results[i] = arts
			return err
		})
	}
	err := g.Wait()

	var all []artifact.Artifact
	for _, r := range results {
		all = append(all, r...)
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, batcherr.ErrCancelled) {
			err = fmt.Errorf("%w: %w", batcherr.ErrCancelled, err)
		}
		return all, err
	}
	return all, nil
}

func (o *Orchestrator) merge(ctx context.Context, rep *Report, store *artifact.Store, arts []artifact.Artifact) error {
	order, err := merge.Resolve(o.cfg.MergeOrder, o.cfg.PartitionMode)
	if err != nil {
		return err
	}
	rep.MergeOrder = string(order)
	o.mergeCalls++

	if order == merge.OrderNone {
		chunks, err := merge.KeepChunks(ctx, store, arts, o.cfg.OutputName)
		if err != nil {
			return err
		}
		rep.Chunks = chunks
		return nil
	}

	var src merge.Source = store
	if o.wrapMerge != nil {
		src = o.wrapMerge(store)
	}
	res, err := merge.Merge(ctx, src, arts, o.cfg.FinalPath(), merge.Options{Order: order})
	if err != nil {
		return err
	}
	rep.ArtifactsMerged = res.Artifacts
	rep.Output = &OutputSummary{
		Path:   res.Path,
		Bytes:  res.Bytes,
		Digest: formatDigest(res.Digest),
	}
	if res.DeleteErrors != nil {
		rep.DeleteWarnings = len(res.DeleteErrors.Errors)
		rep.Warnings = append(rep.Warnings, messages(res.DeleteErrors)...)
	}
	return nil
}

// preflight refuses to run over artifacts left by an earlier run and warns
// about low disk space.
func (o *Orchestrator) preflight(ctx context.Context, rep *Report, store *artifact.Store) error {
	ll := logctx.FromContext(ctx)
	stale, err := store.List()
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		ll.Warn("artifacts from an earlier run present; merge them with `shardmerge merge` or remove them",
			slog.String("dir", store.Dir()),
			slog.Int("count", len(stale)),
			slog.String("first", stale[0].Name))
		return fmt.Errorf("%w: %d in %s", ErrStaleArtifacts, len(stale), store.Dir())
	}
	if o.cfg.MinFreeBytes == 0 {
		return nil
	}
	usage, err := helpers.DiskUsage(o.cfg.artifactDir())
	if err != nil {
		ll.Warn("disk usage check failed", slog.Any("error", err))
		return nil
	}
	if usage.FreeBytes < o.cfg.MinFreeBytes {
		msg := fmt.Sprintf("only %d bytes free in %s, want %d", usage.FreeBytes, o.cfg.artifactDir(), o.cfg.MinFreeBytes)
		rep.Warnings = append(rep.Warnings, msg)
		ll.Warn("low disk space",
			slog.Uint64("free", usage.FreeBytes),
			slog.Uint64("want", o.cfg.MinFreeBytes))
	}
	return nil
}
