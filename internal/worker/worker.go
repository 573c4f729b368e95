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

// Package worker runs one slot of the pool: it pulls items from a feed,
// transforms them, buffers the resulting records and flushes the buffer to
// sequence-numbered artifacts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/logctx"
	"github.com/cardinalhq/shardmerge/internal/partition"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

var (
	itemsProcessed metric.Int64Counter
	itemsFailed    metric.Int64Counter
	recordsEmitted metric.Int64Counter
	itemDuration   metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/shardmerge/internal/worker")

	var err error
	itemsProcessed, err = meter.Int64Counter(
		"shardmerge.items.processed",
		metric.WithDescription("Number of work items transformed successfully"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create items.processed counter: %w", err))
	}

	itemsFailed, err = meter.Int64Counter(
		"shardmerge.items.failed",
		metric.WithDescription("Number of work items skipped after a processing error"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create items.failed counter: %w", err))
	}

	recordsEmitted, err = meter.Int64Counter(
		"shardmerge.records.emitted",
		metric.WithDescription("Number of records appended to worker output buffers"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.emitted counter: %w", err))
	}

	itemDuration, err = meter.Float64Histogram(
		"shardmerge.item.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent transforming a single work item"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create item.duration histogram: %w", err))
	}
}

// Transform turns one work item into zero or more output records. It must not
// return records together with an error.
type Transform interface {
	Apply(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error)

func (f TransformFunc) Apply(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
	return f(ctx, item)
}

// Sequencer hands out flush sequence numbers. idgen.SequenceCounter is the
// production implementation.
type Sequencer interface {
	Next() int64
}

// ErrorReporter receives per-item failures. Implementations must be safe for
// concurrent use since every worker reports to the same one.
type ErrorReporter interface {
	ReportItemError(item workitem.WorkItem, err error)
}

// Options configures a Worker.
type Options struct {
	// ID is the worker slot. For static partitioning it equals the shard index.
	ID int
	// FlushThreshold is the record count that triggers a flush. Must be >= 1.
	FlushThreshold int
	// FlushBytes additionally triggers a flush once the buffer holds this many
	// bytes. Zero disables the byte trigger.
	FlushBytes int64
	// ProgressEvery logs the feed's remaining depth after this many items.
	// Zero disables progress logging.
	ProgressEvery int
	// TransformName labels metrics.
	TransformName string
	// OutputName is the run's output name, used to name the artifact in a
	// flush error.
	OutputName string
	// ObserveItem, if set, is called with the transform latency of every item.
	ObserveItem func(time.Duration)
}

// Worker consumes one feed. A Worker is single use.
type Worker struct {
	opts    Options
	feed    partition.Feed
	tr      Transform
	seq     Sequencer
	out     artifact.Writer
	errs    ErrorReporter
	stats   *Stats
	buf     buffer
	flushed []artifact.Artifact
	attrs   metric.MeasurementOption
}

// New builds a worker. stats may be shared by all workers of a run.
func New(opts Options, feed partition.Feed, tr Transform, seq Sequencer, out artifact.Writer, errs ErrorReporter, stats *Stats) (*Worker, error) {
	if opts.FlushThreshold < 1 {
		return nil, fmt.Errorf("flush threshold must be >= 1, got %d", opts.FlushThreshold)
	}
	if feed == nil || tr == nil || seq == nil || out == nil {
		return nil, errors.New("worker requires a feed, transform, sequencer and writer")
	}
	if stats == nil {
		stats = &Stats{}
	}
	name := opts.TransformName
	if name == "" {
		name = "unnamed"
	}
	return &Worker{
		opts:  opts,
		feed:  feed,
		tr:    tr,
		seq:   seq,
		out:   out,
		errs:  errs,
		stats: stats,
		attrs: metric.WithAttributes(attribute.String("transform", name)),
	}, nil
}

// Run processes items until the feed is exhausted or ctx is cancelled, then
// flushes whatever is buffered. It returns the artifacts this worker wrote.
//
// Cancellation is checked between items only. Records from items that have
// completed are always flushed before Run returns, so the returned error is
// ctx.Err() wrapped as batcherr.ErrCancelled only after that final flush.
// A flush write failure stops the worker immediately and is returned as a
// batcherr.FlushWrite error.
func (w *Worker) Run(ctx context.Context) ([]artifact.Artifact, error) {
	ctx, ll := logctx.With(ctx, slog.Int("worker", w.opts.ID))
	ll.Debug("worker started")

	var handled int
	for {
		if err := ctx.Err(); err != nil {
			return w.stop(ctx, err)
		}
		item, ok := w.feed.Next()
		if !ok {
			break
		}

		records, err := w.apply(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted mid-item: none of its output is kept.
				return w.stop(ctx, ctx.Err())
			}
			w.reportItem(ctx, item, err)
		} else {
			for _, r := range records {
				w.buf.add(r)
				if w.buf.full(w.opts.FlushThreshold, w.opts.FlushBytes) {
					if err := w.flush(ctx); err != nil {
						return w.flushed, err
					}
				}
			}
		}

		handled++
		if w.opts.ProgressEvery > 0 && handled%w.opts.ProgressEvery == 0 {
			w.logProgress(ll, handled)
		}
	}

	if err := w.flush(ctx); err != nil {
		return w.flushed, err
	}
	ll.Debug("worker finished", slog.Int("items", handled), slog.Int("artifacts", len(w.flushed)))
	return w.flushed, nil
}

func (w *Worker) apply(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
	start := time.Now()
	records, err := w.tr.Apply(ctx, item)
	elapsed := time.Since(start)
	itemDuration.Record(ctx, elapsed.Seconds(), w.attrs)
	if err != nil {
		return nil, err
	}
	if w.opts.ObserveItem != nil {
		w.opts.ObserveItem(elapsed)
	}
	w.stats.incProcessed()
	w.stats.incRecords(int64(len(records)))
	itemsProcessed.Add(ctx, 1, w.attrs)
	recordsEmitted.Add(ctx, int64(len(records)), w.attrs)
	return records, nil
}

func (w *Worker) reportItem(ctx context.Context, item workitem.WorkItem, err error) {
	w.stats.incFailed()
	itemsFailed.Add(ctx, 1, w.attrs)
	ierr := batcherr.ItemProcessing(item.ID, err)
	logctx.FromContext(ctx).Warn("skipping item", slog.String("item", item.ID), slog.Any("error", err))
	if w.errs != nil {
		w.errs.ReportItemError(item, ierr)
	}
}

// stop flushes completed work after a cancellation and reports it.
func (w *Worker) stop(ctx context.Context, cause error) ([]artifact.Artifact, error) {
	if err := w.flush(context.WithoutCancel(ctx)); err != nil {
		return w.flushed, err
	}
	logctx.FromContext(ctx).Info("worker stopped", slog.Int("artifacts", len(w.flushed)))
	return w.flushed, fmt.Errorf("%w: %w", batcherr.ErrCancelled, cause)
}

// flush writes the buffer as one artifact. An empty buffer is never flushed
// and consumes no sequence number.
func (w *Worker) flush(ctx context.Context) error {
	if w.buf.len() == 0 {
		return nil
	}
	seq := w.seq.Next()
	a, err := w.out.Write(ctx, seq, w.opts.ID, w.buf.records)
	if err != nil {
		logctx.FromContext(ctx).Error("flush failed",
			slog.Int64("seq", seq),
			slog.Int("records", w.buf.len()),
			slog.Any("error", err))
		return batcherr.FlushWrite(w.artifactName(seq), seq, err)
	}
	w.stats.incFlush(a.Bytes)
	w.flushed = append(w.flushed, a)
	logctx.FromContext(ctx).Debug("flushed",
		slog.Int64("seq", seq),
		slog.String("artifact", a.Name),
		slog.Int("records", a.Records),
		slog.Int64("bytes", a.Bytes))
	w.buf.reset()
	return nil
}

func (w *Worker) artifactName(seq int64) string {
	if w.opts.OutputName == "" {
		return fmt.Sprintf("seq %d from worker %d", seq, w.opts.ID)
	}
	return artifact.Name(w.opts.OutputName, seq, w.opts.ID)
}

func (w *Worker) logProgress(ll *slog.Logger, handled int) {
	args := []any{slog.Int("items", handled)}
	if r, ok := w.feed.(interface{ Remaining() int }); ok {
		args = append(args, slog.Int("remaining", r.Remaining()))
	}
	ll.Info("worker progress", args...)
}
