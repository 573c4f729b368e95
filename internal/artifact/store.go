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

package artifact

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/shardmerge/internal/workitem"
)

var (
	flushCount  metric.Int64Counter
	flushBytes  metric.Int64Counter
	flushErrors metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/shardmerge/internal/artifact")

	var err error
	flushCount, err = meter.Int64Counter(
		"shardmerge.flush.count",
		metric.WithDescription("Number of flush artifacts written"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create flush.count counter: %w", err))
	}

	flushBytes, err = meter.Int64Counter(
		"shardmerge.flush.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes written to flush artifacts"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create flush.bytes counter: %w", err))
	}

	flushErrors, err = meter.Int64Counter(
		"shardmerge.flush.errors",
		metric.WithDescription("Number of flush artifact writes that failed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create flush.errors counter: %w", err))
	}
}

// Writer durably writes one flush. Implementations must either leave a
// complete artifact under its final name or nothing at all.
type Writer interface {
	Write(ctx context.Context, seq int64, worker int, records []workitem.Record) (Artifact, error)
}

// Store keeps a run's flush artifacts in a local directory.
type Store struct {
	dir        string
	outputName string
}

var _ Writer = (*Store)(nil)

// NewStore returns a store rooted at dir for artifacts of outputName,
// creating dir if needed.
func NewStore(dir, outputName string) (*Store, error) {
	if outputName == "" {
		return nil, fmt.Errorf("output name is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
	}
	return &Store{dir: dir, outputName: outputName}, nil
}

func (s *Store) Dir() string        { return s.dir }
func (s *Store) OutputName() string { return s.outputName }

// Path returns the on-disk location of a.
func (s *Store) Path(a Artifact) string {
	return filepath.Join(s.dir, a.Name)
}

// Write stores records as one artifact: the bytes go to a hidden temp file
// that is synced and then renamed into place.
func (s *Store) Write(ctx context.Context, seq int64, worker int, records []workitem.Record) (Artifact, error) {
	a := Artifact{
		Seq:     seq,
		Worker:  worker,
		Name:    Name(s.outputName, seq, worker),
		Records: len(records),
	}
	n, err := s.write(a.Name, records)
	if err != nil {
		flushErrors.Add(ctx, 1)
		return Artifact{}, err
	}
	a.Bytes = n
	flushCount.Add(ctx, 1, metric.WithAttributes(attribute.Int("worker", worker)))
	flushBytes.Add(ctx, n)
	return a, nil
}

func (s *Store) write(name string, records []workitem.Record) (n int64, err error) {
	final := filepath.Join(s.dir, name)
	tmp := filepath.Join(s.dir, "."+name+".tmp")

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriterSize(f, 256*1024)
	for _, r := range records {
		m, werr := w.Write(r)
		n += int64(m)
		if werr != nil {
			return n, werr
		}
	}
	if err = w.Flush(); err != nil {
		return n, err
	}
	if err = f.Sync(); err != nil {
		return n, err
	}
	if err = f.Close(); err != nil {
		return n, err
	}
	if err = os.Rename(tmp, final); err != nil {
		return n, err
	}
	return n, nil
}

// Open returns a reader over a's contents.
func (s *Store) Open(a Artifact) (io.ReadCloser, error) {
	return os.Open(s.Path(a))
}

// Remove deletes a. Removing an artifact that is already gone is not an error.
func (s *Store) Remove(a Artifact) error {
	if err := os.Remove(s.Path(a)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Promote renames a to name inside the store directory and returns the new
// path. Promoted files no longer parse as artifacts.
func (s *Store) Promote(a Artifact, name string) (string, error) {
	dst := filepath.Join(s.dir, name)
	if err := os.Rename(s.Path(a), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// List returns the artifacts for this store's output name currently on disk,
// in ascending sequence order.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir %s: %w", s.dir, err)
	}
	var arts []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, worker, out, ok := ParseName(e.Name())
		if !ok || out != s.outputName {
			continue
		}
		a := Artifact{Seq: seq, Worker: worker, Name: e.Name()}
		if info, err := e.Info(); err == nil {
			a.Bytes = info.Size()
		}
		arts = append(arts, a)
	}
	SortBySequence(arts)
	return arts, nil
}
