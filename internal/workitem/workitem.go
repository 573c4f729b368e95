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

// Package workitem holds the values that flow through a partition/process/merge run.
package workitem

import "log/slog"

// WorkItem is an opaque, immutable handle to one unit of input: a file path,
// an object key, or a page token. Index is the item's position in the
// enumeration order produced by the source.
type WorkItem struct {
	Index int
	ID    string
}

// LogValue implements slog.LogValuer.
func (w WorkItem) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("index", w.Index),
		slog.String("id", w.ID),
	)
}

// Record is one output record, including its terminator if the encoding has one.
// Records are written to artifacts verbatim.
type Record []byte

// Shard is the ordered run of items owned by a single worker.
type Shard struct {
	Index int
	Items []WorkItem
}

// Len returns the number of items in the shard.
func (s Shard) Len() int {
	return len(s.Items)
}

// FromIDs builds WorkItems from ids, assigning Index in order.
func FromIDs(ids []string) []WorkItem {
	items := make([]WorkItem, len(ids))
	for i, id := range ids {
		items[i] = WorkItem{Index: i, ID: id}
	}
	return items
}
