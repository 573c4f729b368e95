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

package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/merge"
	"github.com/cardinalhq/shardmerge/internal/partition"
	"github.com/cardinalhq/shardmerge/internal/source"
	"github.com/cardinalhq/shardmerge/internal/transform"
	"github.com/cardinalhq/shardmerge/internal/worker"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

var fullPath = []State{StateIdle, StatePartitioning, StateRunning, StateMerging, StateDone}

func writeInputs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		OutputDir:      t.TempDir(),
		OutputName:     "appended_files.txt",
		WorkerCount:    1,
		FlushThreshold: 100,
		PartitionMode:  partition.ModeStatic,
		MergeOrder:     merge.OrderAuto,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}

func remainingArtifacts(t *testing.T, cfg Config) []artifact.Artifact {
	t.Helper()
	store, err := artifact.NewStore(cfg.artifactDir(), cfg.OutputName)
	require.NoError(t, err)
	arts, err := store.List()
	require.NoError(t, err)
	return arts
}

func passthrough(dir string) (*source.Dir, worker.Transform) {
	src := &source.Dir{Root: dir}
	return src, &transform.Passthrough{Source: src}
}

func TestRunSequentialAppend(t *testing.T) {
	in := writeInputs(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n", "c.txt": "c\n"})
	cfg := baseConfig(t)
	src, tr := passthrough(in)

	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	got, err := os.ReadFile(cfg.FinalPath())
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(got))
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, fullPath, o.Path())
	assert.Empty(t, remainingArtifacts(t, cfg), "artifacts are deleted after merge")

	assert.Equal(t, 3, rep.Items.Total)
	assert.Equal(t, 3, rep.Items.Processed)
	assert.Equal(t, int64(3), rep.Records)
	assert.Equal(t, int64(1), rep.Flushes)
	assert.Equal(t, 1, rep.ArtifactsMerged)
	assert.Equal(t, string(merge.OrderShard), rep.MergeOrder)
	require.NotNil(t, rep.Output)
	assert.Equal(t, int64(6), rep.Output.Bytes)
	_, digest, err := merge.FileDigest(cfg.FinalPath())
	require.NoError(t, err)
	assert.Equal(t, formatDigest(digest), rep.Output.Digest)
}

func manyInputs(nFiles, linesPer int) map[string]string {
	files := make(map[string]string, nFiles)
	for f := range nFiles {
		var sb strings.Builder
		for l := range linesPer + f%3 {
			fmt.Fprintf(&sb, "file%02d line%03d\n", f, l)
		}
		files[fmt.Sprintf("in-%02d.txt", f)] = sb.String()
	}
	return files
}

func TestRunStaticMatchesSequentialOutput(t *testing.T) {
	in := writeInputs(t, manyInputs(23, 40))

	run := func(workers, threshold int) []byte {
		cfg := baseConfig(t)
		cfg.WorkerCount = workers
		cfg.FlushThreshold = threshold
		src, tr := passthrough(in)
		o, err := New(cfg, src, tr)
		require.NoError(t, err)
		_, err = o.Run(context.Background())
		require.NoError(t, err)
		b, err := os.ReadFile(cfg.FinalPath())
		require.NoError(t, err)
		return b
	}

	want := run(1, 1_000_000)
	for _, w := range []int{2, 3, 4, 7, 23, 40} {
		assert.Equal(t, want, run(w, 17), "workers=%d", w)
	}
}

func TestRunDynamicSingleWorkerMatchesSequential(t *testing.T) {
	in := writeInputs(t, manyInputs(9, 30))

	seqCfg := baseConfig(t)
	src, tr := passthrough(in)
	o, err := New(seqCfg, src, tr)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	want, err := os.ReadFile(seqCfg.FinalPath())
	require.NoError(t, err)

	dynCfg := baseConfig(t)
	dynCfg.PartitionMode = partition.ModeDynamic
	dynCfg.FlushThreshold = 11
	o, err = New(dynCfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(merge.OrderSequence), rep.MergeOrder)
	got, err := os.ReadFile(dynCfg.FinalPath())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// sentinelInputs spreads total rows over files of perFile rows. Every 1000th
// row carries 0.0.0.0 in column 3.
func sentinelInputs(total, perFile int) (map[string]string, mapset.Set[string]) {
	files := map[string]string{}
	keep := mapset.NewSet[string]()
	var sb strings.Builder
	for i := range total {
		ip := fmt.Sprintf("10.0.%d.%d", i/256%256, i%256)
		if i%1000 == 999 {
			ip = "0.0.0.0"
		}
		row := fmt.Sprintf("tx%05d,%d,%d,%s,ok", i, i*3, i%7, ip)
		sb.WriteString(row + "\n")
		if ip != "0.0.0.0" {
			keep.Add(row)
		}
		if (i+1)%perFile == 0 || i == total-1 {
			files[fmt.Sprintf("chunk-%03d.csv", i/perFile)] = sb.String()
			sb.Reset()
		}
	}
	return files, keep
}

func TestRunSentinelFilterDynamic(t *testing.T) {
	files, want := sentinelInputs(10_000, 250)
	in := writeInputs(t, files)

	cfg := baseConfig(t)
	cfg.OutputName = "blanksDropped.csv"
	cfg.WorkerCount = 4
	cfg.FlushThreshold = 500
	cfg.PartitionMode = partition.ModeDynamic
	src := &source.Dir{Root: in, Pattern: "*.csv"}
	tr, err := transform.NewSentinelFilter(src, transform.DefaultSentinelField, nil)
	require.NoError(t, err)

	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	lines := readLines(t, cfg.FinalPath())
	assert.Len(t, lines, 9_990)
	got := mapset.NewSet(lines...)
	assert.True(t, want.Equal(got), "merged rows must equal the kept rows as a set")
	for _, l := range lines {
		assert.NotContains(t, l, ",0.0.0.0,")
	}
	assert.GreaterOrEqual(t, rep.Flushes, int64(20))
	assert.Equal(t, int(rep.Flushes), rep.ArtifactsMerged)
	assert.Equal(t, int64(9_990), rep.Records)
	assert.Equal(t, 40, rep.Items.Processed)
	assert.Empty(t, remainingArtifacts(t, cfg))
}

func TestRunKeepsChunksWithoutMerge(t *testing.T) {
	files, want := sentinelInputs(3_000, 500)
	in := writeInputs(t, files)

	cfg := baseConfig(t)
	cfg.OutputName = "blanksDropped.csv"
	cfg.WorkerCount = 3
	cfg.FlushThreshold = 400
	cfg.PartitionMode = partition.ModeDynamic
	cfg.MergeOrder = merge.OrderNone
	src := &source.Dir{Root: in, Pattern: "*.csv"}
	tr, err := transform.NewSentinelFilter(src, transform.DefaultSentinelField, nil)
	require.NoError(t, err)

	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Chunks, int(rep.Flushes))
	got := mapset.NewSet[string]()
	for n, c := range rep.Chunks {
		assert.Equal(t, filepath.Join(cfg.OutputDir, fmt.Sprintf("blanksDropped-%d.csv", n)), c)
		lines := readLines(t, c)
		assert.LessOrEqual(t, len(lines), 400)
		got.Append(lines...)
	}
	assert.True(t, want.Equal(got))
	assert.Nil(t, rep.Output)
	assert.NoFileExists(t, cfg.FinalPath())
}

func TestRunItemFailuresAreSkipped(t *testing.T) {
	in := writeInputs(t, map[string]string{"a.txt": "a\n", "bad.txt": "x\n", "c.txt": "c\n"})
	cfg := baseConfig(t)
	src, pass := passthrough(in)
	tr := worker.TransformFunc(func(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
		if strings.HasSuffix(item.ID, "bad.txt") {
			return nil, errors.New("corrupt input")
		}
		return pass.Apply(ctx, item)
	})

	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	got, err := os.ReadFile(cfg.FinalPath())
	require.NoError(t, err)
	assert.Equal(t, "a\nc\n", string(got))
	assert.Equal(t, 1, rep.Items.Failed)
	assert.Equal(t, 2, rep.Items.Processed)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "bad.txt")
	assert.Contains(t, rep.Errors[0], "corrupt input")
}

func TestRunErrorDetailIsCapped(t *testing.T) {
	files := map[string]string{}
	for i := range 12 {
		files[fmt.Sprintf("f%02d.txt", i)] = "x\n"
	}
	in := writeInputs(t, files)
	cfg := baseConfig(t)
	cfg.MaxErrorDetail = 5
	tr := worker.TransformFunc(func(context.Context, workitem.WorkItem) ([]workitem.Record, error) {
		return nil, errors.New("nope")
	})

	o, err := New(cfg, &source.Dir{Root: in}, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, rep.Items.Failed)
	assert.Len(t, rep.Errors, 5)
	assert.Equal(t, 7, rep.ErrorsTruncated)

	got, err := os.ReadFile(cfg.FinalPath())
	require.NoError(t, err)
	assert.Empty(t, got)
}

// failAfter lets n writes through and fails every write after that.
type failAfter struct {
	inner  artifact.Writer
	n      int64
	writes atomic.Int64
}

func (f *failAfter) Write(ctx context.Context, seq int64, w int, recs []workitem.Record) (artifact.Artifact, error) {
	if f.writes.Add(1) > f.n {
		return artifact.Artifact{}, errors.New("no space left on device")
	}
	return f.inner.Write(ctx, seq, w, recs)
}

func TestRunFlushFailureFailsWithoutMerge(t *testing.T) {
	in := writeInputs(t, manyInputs(4, 10))
	cfg := baseConfig(t)
	cfg.FlushThreshold = 3
	src, tr := passthrough(in)

	o, err := New(cfg, src, tr, WithWriter(func(w artifact.Writer) artifact.Writer {
		return &failAfter{inner: w, n: 2}
	}))
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, batcherr.ErrFlushWrite)
	assert.True(t, batcherr.IsFatal(err))
	assert.Contains(t, err.Error(), `"part-000002-w000-appended_files.txt"`)

	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, []State{StateIdle, StatePartitioning, StateRunning, StateFailed}, o.Path())
	assert.Equal(t, 0, o.mergeCalls)
	assert.NoFileExists(t, cfg.FinalPath())
	assert.Len(t, remainingArtifacts(t, cfg), 2, "artifacts written before the failure stay on disk")
	assert.Equal(t, "Failed", rep.State)
	assert.NotEmpty(t, rep.Failure)
}

func TestRunWorkerCrashStopsSiblings(t *testing.T) {
	in := writeInputs(t, manyInputs(8, 10))
	cfg := baseConfig(t)
	cfg.WorkerCount = 4
	cfg.FlushThreshold = 2
	src, tr := passthrough(in)

	o, err := New(cfg, src, tr, WithWriter(func(w artifact.Writer) artifact.Writer {
		return &failAfter{inner: w, n: 1}
	}))
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, batcherr.ErrFlushWrite)
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, 0, o.mergeCalls)
	assert.NoFileExists(t, cfg.FinalPath())
	assert.Len(t, remainingArtifacts(t, cfg), 1)
}

func TestRunCancelledKeepsCompletedWork(t *testing.T) {
	files := map[string]string{}
	for i := range 10 {
		files[fmt.Sprintf("f%02d.txt", i)] = fmt.Sprintf("line %d\n", i)
	}
	in := writeInputs(t, files)
	cfg := baseConfig(t)
	src, pass := passthrough(in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := worker.TransformFunc(func(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
		if item.Index == 4 {
			cancel()
		}
		return pass.Apply(context.WithoutCancel(ctx), item)
	})

	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, batcherr.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, 0, o.mergeCalls)
	assert.NoFileExists(t, cfg.FinalPath())

	arts := remainingArtifacts(t, cfg)
	require.Len(t, arts, 1)
	lines := readLines(t, filepath.Join(cfg.artifactDir(), arts[0].Name))
	assert.Equal(t, []string{"line 0", "line 1", "line 2", "line 3", "line 4"}, lines)
	assert.Equal(t, 5, rep.Items.Processed)
	assert.Equal(t, 5, rep.Items.Skipped)
}

func TestRunNoItems(t *testing.T) {
	cfg := baseConfig(t)
	cfg.WorkerCount = 4
	src, tr := passthrough(t.TempDir())

	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fullPath, o.Path())
	assert.Equal(t, 0, rep.Workers)
	assert.NoFileExists(t, cfg.FinalPath())
}

func TestRunSourceUnavailable(t *testing.T) {
	cfg := baseConfig(t)
	src, tr := passthrough(filepath.Join(t.TempDir(), "missing"))

	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, batcherr.ErrSourceUnavailable)
	assert.Equal(t, []State{StateIdle, StatePartitioning, StateFailed}, o.Path())
}

type listSource []workitem.WorkItem

func (l listSource) Enumerate(context.Context) ([]workitem.WorkItem, error) { return l, nil }

func TestRunDropsDuplicateItems(t *testing.T) {
	tr := worker.TransformFunc(func(_ context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
		return []workitem.Record{workitem.Record(item.ID + "\n")}, nil
	})
	cfg := baseConfig(t)
	o, err := New(cfg, listSource(workitem.FromIDs([]string{"x", "y", "x", "z", "y"})), tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	got, err := os.ReadFile(cfg.FinalPath())
	require.NoError(t, err)
	assert.Equal(t, "x\ny\nz\n", string(got))
	assert.Equal(t, 2, rep.Items.Duplicates)
	assert.Equal(t, 0, rep.Items.Skipped)
	assert.NotEmpty(t, rep.Warnings)
}

// stickySource wraps a merge source so every Remove fails.
type stickySource struct{ merge.Source }

func (stickySource) Remove(artifact.Artifact) error { return errors.New("permission denied") }

func TestRunDeleteFailuresAreWarnings(t *testing.T) {
	in := writeInputs(t, manyInputs(3, 5))
	cfg := baseConfig(t)
	cfg.WorkerCount = 3
	cfg.FlushThreshold = 4
	src, tr := passthrough(in)

	o, err := New(cfg, src, tr, WithMergeSource(func(s merge.Source) merge.Source {
		return stickySource{s}
	}))
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, o.State())
	assert.FileExists(t, cfg.FinalPath())
	assert.Equal(t, rep.ArtifactsMerged, rep.DeleteWarnings)
	assert.Len(t, remainingArtifacts(t, cfg), rep.ArtifactsMerged)
	assert.Len(t, rep.Warnings, rep.DeleteWarnings)
}

// brokenSource fails to open any artifact.
type brokenSource struct{ merge.Source }

func (brokenSource) Open(artifact.Artifact) (io.ReadCloser, error) {
	return nil, errors.New("input/output error")
}

func TestRunMergeOpenFailurePreservesArtifacts(t *testing.T) {
	in := writeInputs(t, manyInputs(3, 5))
	cfg := baseConfig(t)
	cfg.FlushThreshold = 4
	src, tr := passthrough(in)

	o, err := New(cfg, src, tr, WithMergeSource(func(s merge.Source) merge.Source {
		return brokenSource{s}
	}))
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	assert.ErrorIs(t, err, batcherr.ErrMergeOpen)
	assert.Equal(t, []State{StateIdle, StatePartitioning, StateRunning, StateMerging, StateFailed}, o.Path())
	assert.NoFileExists(t, cfg.FinalPath())
	assert.Len(t, remainingArtifacts(t, cfg), int(rep.Flushes))
}

func TestRunIsNotReusable(t *testing.T) {
	in := writeInputs(t, map[string]string{"a.txt": "a\n"})
	src, tr := passthrough(in)
	o, err := New(baseConfig(t), src, tr)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDone, o.State())
}

func TestRunRefusesArtifactsFromEarlierRun(t *testing.T) {
	in := writeInputs(t, map[string]string{"a.txt": "a\n"})
	cfg := baseConfig(t)
	cfg.ArtifactDir = t.TempDir()
	// Same name this run's first flush would use.
	stale := filepath.Join(cfg.ArtifactDir, artifact.Name(cfg.OutputName, 0, 0))
	require.NoError(t, os.WriteFile(stale, []byte("CRASHED-RUN-DATA\n"), 0o644))

	src, tr := passthrough(in)
	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleArtifacts)
	assert.Equal(t, []State{StateIdle, StatePartitioning, StateFailed}, o.Path())
	assert.Equal(t, "Failed", rep.State)
	assert.Equal(t, 0, o.mergeCalls)
	assert.NoFileExists(t, cfg.FinalPath())

	got, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, "CRASHED-RUN-DATA\n", string(got))
	assert.Len(t, remainingArtifacts(t, cfg), 1)
}

func TestRunIgnoresArtifactsOfOtherOutputs(t *testing.T) {
	in := writeInputs(t, map[string]string{"a.txt": "a\n"})
	cfg := baseConfig(t)
	cfg.ArtifactDir = t.TempDir()
	other := filepath.Join(cfg.ArtifactDir, artifact.Name("other.txt", 0, 0))
	require.NoError(t, os.WriteFile(other, []byte("other\n"), 0o644))

	src, tr := passthrough(in)
	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	got, err := os.ReadFile(cfg.FinalPath())
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(got))
	assert.FileExists(t, other)
}

func TestReportWriteYAML(t *testing.T) {
	in := writeInputs(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n"})
	cfg := baseConfig(t)
	src, tr := passthrough(in)
	o, err := New(cfg, src, tr)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.yaml")
	require.NoError(t, rep.WriteYAML(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.NewDecoder(bytes.NewReader(raw)).Decode(&doc))
	assert.Equal(t, "Done", doc["state"])
	assert.Equal(t, rep.RunID, doc["run_id"])
	items := doc["items"].(map[string]any)
	assert.Equal(t, 2, items["processed"])
	output := doc["output"].(map[string]any)
	assert.Equal(t, rep.Output.Digest, output["xxhash64"])
	assert.NotNil(t, doc["item_latency"])
}

func TestNewValidatesConfig(t *testing.T) {
	src, tr := passthrough(t.TempDir())
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no output dir", func(c *Config) { c.OutputDir = "" }},
		{"no output name", func(c *Config) { c.OutputName = "" }},
		{"zero threshold", func(c *Config) { c.FlushThreshold = 0 }},
		{"negative workers", func(c *Config) { c.WorkerCount = -1 }},
		{"bad mode", func(c *Config) { c.PartitionMode = "round-robin" }},
		{"shard order with dynamic", func(c *Config) {
			c.PartitionMode = partition.ModeDynamic
			c.MergeOrder = merge.OrderShard
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.mutate(&cfg)
			_, err := New(cfg, src, tr)
			assert.Error(t, err)
		})
	}

	_, err := New(baseConfig(t), nil, tr)
	assert.Error(t, err)
}

func TestDefaultWorkerCount(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkerCount(), 1)
}
