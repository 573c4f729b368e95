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

// Package merge concatenates a run's flush artifacts into the final output
// and then removes them.
package merge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/logctx"
	"github.com/cardinalhq/shardmerge/internal/partition"
)

var (
	mergeArtifacts    metric.Int64Counter
	mergeBytes        metric.Int64Counter
	mergeDeleteErrors metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/shardmerge/internal/merge")

	var err error
	mergeArtifacts, err = meter.Int64Counter(
		"shardmerge.merge.artifacts",
		metric.WithDescription("Number of flush artifacts merged into a final output"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create merge.artifacts counter: %w", err))
	}

	mergeBytes, err = meter.Int64Counter(
		"shardmerge.merge.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes written to final outputs"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create merge.bytes counter: %w", err))
	}

	mergeDeleteErrors, err = meter.Int64Counter(
		"shardmerge.merge.delete.errors",
		metric.WithDescription("Number of merged artifacts that could not be removed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create merge.delete.errors counter: %w", err))
	}
}

// Order selects how artifacts are sequenced in the final output.
type Order string

const (
	OrderAuto     Order = "auto"
	OrderSequence Order = "sequence"
	OrderShard    Order = "shard"
	OrderNone     Order = "none"
)

func ParseOrder(s string) (Order, error) {
	switch o := Order(s); o {
	case OrderAuto, OrderSequence, OrderShard, OrderNone:
		return o, nil
	case "":
		return OrderAuto, nil
	default:
		return "", fmt.Errorf("unknown merge order %q", s)
	}
}

// Resolve turns OrderAuto into a concrete order for the partition mode.
// Shard order is only meaningful for static partitioning.
func Resolve(o Order, mode partition.Mode) (Order, error) {
	switch o {
	case OrderAuto:
		if mode == partition.ModeStatic {
			return OrderShard, nil
		}
		return OrderSequence, nil
	case OrderShard:
		if mode != partition.ModeStatic {
			return "", fmt.Errorf("merge order %q requires static partitioning", o)
		}
	}
	return o, nil
}

// Source gives merge read and delete access to artifacts.
// *artifact.Store is the production implementation.
type Source interface {
	Open(a artifact.Artifact) (io.ReadCloser, error)
	Remove(a artifact.Artifact) error
}

// Options controls a Merge call.
type Options struct {
	// Order must be OrderSequence or OrderShard.
	Order Order
	// KeepIntermediates skips the delete phase.
	KeepIntermediates bool
}

// Result summarises a merge.
type Result struct {
	Path      string
	Artifacts int
	Bytes     int64
	Digest    uint64
	// DeleteErrors holds one batcherr.ArtifactDelete per artifact that could
	// not be removed. It never fails the merge.
	DeleteErrors *multierror.Error
}

// Merge writes every artifact in arts, in the requested order, to
// finalPath. The output is built in finalPath+".tmp", synced and renamed
// into place before any artifact is removed. If the output cannot be created
// or any artifact cannot be read, the error is batcherr.ErrMergeOpen and all
// artifacts are left as they were.
func Merge(ctx context.Context, src Source, arts []artifact.Artifact, finalPath string, opts Options) (Result, error) {
	ll := logctx.FromContext(ctx)

	ordered := slices.Clone(arts)
	switch opts.Order {
	case OrderSequence:
		artifact.SortBySequence(ordered)
	case OrderShard:
		artifact.SortByShard(ordered)
	default:
		return Result{}, fmt.Errorf("merge order %q cannot produce a single output", opts.Order)
	}

	res := Result{Path: finalPath, Artifacts: len(ordered)}
	n, digest, err := writeFinal(src, ordered, finalPath)
	if err != nil {
		ll.Error("merge failed, intermediates preserved",
			slog.String("output", finalPath),
			slog.Int("artifacts", len(ordered)),
			slog.Any("error", err))
		return Result{}, err
	}
	res.Bytes = n
	res.Digest = digest
	mergeArtifacts.Add(ctx, int64(len(ordered)))
	mergeBytes.Add(ctx, n)

	ll.Info("merged artifacts",
		slog.String("output", finalPath),
		slog.Int("artifacts", len(ordered)),
		slog.Int64("bytes", n),
		slog.String("order", string(opts.Order)))

	if opts.KeepIntermediates {
		return res, nil
	}
	for _, a := range ordered {
		if err := src.Remove(a); err != nil {
			mergeDeleteErrors.Add(ctx, 1)
			derr := batcherr.ArtifactDelete(a.Name, err)
			ll.Warn("could not remove merged artifact", slog.String("artifact", a.Name), slog.Any("error", err))
			res.DeleteErrors = multierror.Append(res.DeleteErrors, derr)
		}
	}
	return res, nil
}

func writeFinal(src Source, arts []artifact.Artifact, finalPath string) (n int64, digest uint64, err error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, 0, batcherr.MergeOpen(finalPath, err)
	}
	tmp := finalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, 0, batcherr.MergeOpen(finalPath, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	h := xxhash.New()
	bw := bufio.NewWriterSize(f, 1<<20)
	w := io.MultiWriter(bw, h)
	for _, a := range arts {
		m, cerr := appendArtifact(w, src, a)
		n += m
		if cerr != nil {
			return n, 0, cerr
		}
	}
	if err = bw.Flush(); err != nil {
		return n, 0, batcherr.MergeOpen(finalPath, err)
	}
	if err = f.Sync(); err != nil {
		return n, 0, batcherr.MergeOpen(finalPath, err)
	}
	if err = f.Close(); err != nil {
		return n, 0, batcherr.MergeOpen(finalPath, err)
	}
	if err = os.Rename(tmp, finalPath); err != nil {
		return n, 0, batcherr.MergeOpen(finalPath, err)
	}
	return n, h.Sum64(), nil
}

func appendArtifact(w io.Writer, src Source, a artifact.Artifact) (int64, error) {
	r, err := src.Open(a)
	if err != nil {
		return 0, batcherr.MergeOpen(a.Name, err)
	}
	defer func() { _ = r.Close() }()
	n, err := io.Copy(w, r)
	if err != nil {
		return n, batcherr.MergeOpen(a.Name, err)
	}
	return n, nil
}

// FileDigest returns the size and xxhash64 of the file at path.
func FileDigest(path string) (int64, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()
	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return n, h.Sum64(), nil
}
