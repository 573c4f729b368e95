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

package merge

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/partition"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

type part struct {
	worker int
	body   string
}

func writeArtifacts(t *testing.T, s *artifact.Store, contents map[int64]part) []artifact.Artifact {
	t.Helper()
	var arts []artifact.Artifact
	for seq, c := range contents {
		a, err := s.Write(context.Background(), seq, c.worker, []workitem.Record{[]byte(c.body)})
		require.NoError(t, err)
		arts = append(arts, a)
	}
	return arts
}

func TestMergeSequenceOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(dir, "out.txt")
	require.NoError(t, err)

	arts := writeArtifacts(t, s, map[int64]part{
		2:  {0, "R3\n"},
		0:  {1, "R1\n"},
		10: {0, "R5\n"},
		1:  {2, "R2\n"},
		3:  {1, "R4\n"},
	})
	final := filepath.Join(dir, "out.txt")

	res, err := Merge(context.Background(), s, arts, final, Options{Order: OrderSequence})
	require.NoError(t, err)

	b, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "R1\nR2\nR3\nR4\nR5\n", string(b))
	assert.Equal(t, 5, res.Artifacts)
	assert.Equal(t, int64(len(b)), res.Bytes)
	assert.Equal(t, xxhash.Sum64(b), res.Digest)
	assert.Nil(t, res.DeleteErrors)

	left, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, left)
	_, err = os.Stat(final + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestMergeShardOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(dir, "out.txt")
	require.NoError(t, err)

	// Worker 1 flushed first, but shard order puts worker 0 first.
	arts := writeArtifacts(t, s, map[int64]part{
		0: {1, "c\n"},
		1: {0, "a\n"},
		2: {1, "d\n"},
		3: {0, "b\n"},
	})
	final := filepath.Join(dir, "out.txt")

	_, err = Merge(context.Background(), s, arts, final, Options{Order: OrderShard})
	require.NoError(t, err)
	b, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nd\n", string(b))
}

func TestMergeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(filepath.Join(dir, "parts"), "out.txt")
	require.NoError(t, err)
	arts := writeArtifacts(t, s, map[int64]part{
		0: {0, "alpha\n"},
		1: {1, "beta\n"},
		2: {0, "gamma"},
	})
	final := filepath.Join(dir, "final", "out.txt")

	first, err := Merge(context.Background(), s, arts, final, Options{Order: OrderSequence, KeepIntermediates: true})
	require.NoError(t, err)
	b1, err := os.ReadFile(final)
	require.NoError(t, err)

	second, err := Merge(context.Background(), s, arts, final, Options{Order: OrderSequence})
	require.NoError(t, err)
	b2, err := os.ReadFile(final)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
	assert.Equal(t, first.Digest, second.Digest)

	size, digest, err := FileDigest(final)
	require.NoError(t, err)
	assert.Equal(t, int64(len(b2)), size)
	assert.Equal(t, second.Digest, digest)
}

func TestMergeEmptySetWritesEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(dir, "out.txt")
	require.NoError(t, err)
	final := filepath.Join(dir, "out.txt")

	res, err := Merge(context.Background(), s, nil, final, Options{Order: OrderSequence})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Bytes)
	b, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Empty(t, b)
}

// faultySource wraps a store and fails chosen operations.
type faultySource struct {
	*artifact.Store
	openErr   map[int64]error
	removeErr map[int64]error
}

func (f *faultySource) Open(a artifact.Artifact) (io.ReadCloser, error) {
	if err := f.openErr[a.Seq]; err != nil {
		return nil, err
	}
	return f.Store.Open(a)
}

func (f *faultySource) Remove(a artifact.Artifact) error {
	if err := f.removeErr[a.Seq]; err != nil {
		return err
	}
	return f.Store.Remove(a)
}

func TestMergeDeleteFailureIsWarning(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(dir, "out.txt")
	require.NoError(t, err)
	arts := writeArtifacts(t, s, map[int64]part{0: {0, "x\n"}, 1: {0, "y\n"}, 2: {0, "z\n"}})

	busy := errors.New("device busy")
	src := &faultySource{Store: s, removeErr: map[int64]error{1: busy}}
	final := filepath.Join(dir, "out.txt")

	res, err := Merge(context.Background(), src, arts, final, Options{Order: OrderSequence})
	require.NoError(t, err)

	b, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "x\ny\nz\n", string(b))

	require.NotNil(t, res.DeleteErrors)
	require.Len(t, res.DeleteErrors.Errors, 1)
	derr := res.DeleteErrors.Errors[0]
	assert.ErrorIs(t, derr, batcherr.ErrArtifactDelete)
	assert.ErrorIs(t, derr, busy)
	assert.False(t, batcherr.IsFatal(derr))

	left, err := s.List()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, int64(1), left[0].Seq)
}

func TestMergeOutputUnwritablePreservesArtifacts(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(filepath.Join(dir, "parts"), "out.txt")
	require.NoError(t, err)
	arts := writeArtifacts(t, s, map[int64]part{0: {0, "x\n"}, 1: {1, "y\n"}})

	// A regular file where the output directory should be.
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0o644))
	final := filepath.Join(blocker, "out.txt")

	_, err = Merge(context.Background(), s, arts, final, Options{Order: OrderSequence})
	require.Error(t, err)
	assert.ErrorIs(t, err, batcherr.ErrMergeOpen)
	assert.True(t, batcherr.IsFatal(err))

	left, err := s.List()
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestMergeUnreadableArtifactPreservesAll(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(dir, "out.txt")
	require.NoError(t, err)
	arts := writeArtifacts(t, s, map[int64]part{0: {0, "x\n"}, 1: {0, "y\n"}, 2: {0, "z\n"}})
	src := &faultySource{Store: s, openErr: map[int64]error{2: os.ErrPermission}}
	final := filepath.Join(dir, "out.txt")

	_, err = Merge(context.Background(), src, arts, final, Options{Order: OrderSequence})
	require.Error(t, err)
	assert.ErrorIs(t, err, batcherr.ErrMergeOpen)
	assert.ErrorIs(t, err, os.ErrPermission)

	_, err = os.Stat(final)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(final + ".tmp")
	assert.True(t, os.IsNotExist(err))
	left, err := s.List()
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestMergeRejectsNoneOrder(t *testing.T) {
	_, err := Merge(context.Background(), nil, nil, "x", Options{Order: OrderNone})
	assert.Error(t, err)
}

func TestKeepChunks(t *testing.T) {
	dir := t.TempDir()
	s, err := artifact.NewStore(dir, "blanksDropped.csv")
	require.NoError(t, err)
	writeArtifacts(t, s, map[int64]part{4: {1, "b\n"}, 1: {0, "a\n"}})
	arts, err := s.List()
	require.NoError(t, err)

	paths, err := KeepChunks(context.Background(), s, arts, "blanksDropped.csv")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "blanksDropped-0.csv"), paths[0])
	assert.Equal(t, filepath.Join(dir, "blanksDropped-1.csv"), paths[1])

	b, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(b))
}

func TestChunkName(t *testing.T) {
	assert.Equal(t, "blanksDropped-3.csv", ChunkName("blanksDropped.csv", 3))
	assert.Equal(t, "out-0", ChunkName("out", 0))
	assert.True(t, strings.HasSuffix(ChunkName("a.tar.gz", 1), "-1.gz"))
}

func TestIsChunkName(t *testing.T) {
	tests := []struct {
		output, name string
		want         bool
	}{
		{"blanksDropped.csv", "blanksDropped-0.csv", true},
		{"blanksDropped.csv", "blanksDropped-12.csv", true},
		{"blanksDropped.csv", ChunkName("blanksDropped.csv", 7), true},
		{"blanksDropped.csv", "blanksDropped.csv", false},
		{"blanksDropped.csv", "blanksDropped-.csv", false},
		{"blanksDropped.csv", "blanksDropped-x.csv", false},
		{"blanksDropped.csv", "blanksDropped-1.txt", false},
		{"blanksDropped.csv", "other-1.csv", false},
		{"out", "out-3", true},
		{"out", "out-3.csv", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsChunkName(tt.output, tt.name), "%s / %s", tt.output, tt.name)
	}
}

func TestParseAndResolveOrder(t *testing.T) {
	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderAuto, o)
	_, err = ParseOrder("random")
	assert.Error(t, err)

	o, err = Resolve(OrderAuto, partition.ModeStatic)
	require.NoError(t, err)
	assert.Equal(t, OrderShard, o)
	o, err = Resolve(OrderAuto, partition.ModeDynamic)
	require.NoError(t, err)
	assert.Equal(t, OrderSequence, o)
	_, err = Resolve(OrderShard, partition.ModeDynamic)
	assert.Error(t, err)
	o, err = Resolve(OrderNone, partition.ModeDynamic)
	require.NoError(t, err)
	assert.Equal(t, OrderNone, o)
}
