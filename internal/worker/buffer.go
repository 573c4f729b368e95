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

import "github.com/cardinalhq/shardmerge/internal/workitem"

// buffer is a worker's OutputBuffer. It is owned by one worker and never
// shared, so it has no locking.
type buffer struct {
	records []workitem.Record
	bytes   int64
}

func (b *buffer) add(r workitem.Record) {
	b.records = append(b.records, r)
	b.bytes += int64(len(r))
}

func (b *buffer) len() int { return len(b.records) }

func (b *buffer) full(maxRecords int, maxBytes int64) bool {
	if len(b.records) == 0 {
		return false
	}
	if maxRecords > 0 && len(b.records) >= maxRecords {
		return true
	}
	return maxBytes > 0 && b.bytes >= maxBytes
}

// reset drops the buffered records but keeps the backing array.
func (b *buffer) reset() {
	clear(b.records)
	b.records = b.records[:0]
	b.bytes = 0
}
