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

package worker

import (
	"log/slog"
	"sync/atomic"
)

// Stats aggregates counters across all workers of a run. All methods are safe
// for concurrent use.
type Stats struct {
	processed atomic.Int64
	failed    atomic.Int64
	records   atomic.Int64
	flushes   atomic.Int64
	bytes     atomic.Int64
}

// ItemsProcessed is the number of items whose transform succeeded.
func (s *Stats) ItemsProcessed() int64 { return s.processed.Load() }

// ItemsFailed is the number of items reported as processing failures.
func (s *Stats) ItemsFailed() int64 { return s.failed.Load() }

// Records is the number of records appended to output buffers.
func (s *Stats) Records() int64 { return s.records.Load() }

// Flushes is the number of artifacts successfully written.
func (s *Stats) Flushes() int64 { return s.flushes.Load() }

// BytesFlushed is the total size of all written artifacts.
func (s *Stats) BytesFlushed() int64 { return s.bytes.Load() }

func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("processed", s.ItemsProcessed()),
		slog.Int64("failed", s.ItemsFailed()),
		slog.Int64("records", s.Records()),
		slog.Int64("flushes", s.Flushes()),
		slog.Int64("bytes", s.BytesFlushed()),
	)
}

func (s *Stats) incProcessed() int64 { return s.processed.Add(1) }
func (s *Stats) incFailed() { s.failed.Add(1) }
func (s *Stats) incRecords(n int64) { s.records.Add(n) }
func (s *Stats) incFlush(bytes int64) { s.flushes.Add(1); s.bytes.Add(bytes) }
