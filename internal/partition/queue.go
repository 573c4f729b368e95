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

package partition

import "github.com/cardinalhq/shardmerge/internal/workitem"

// Queue is the dynamic-mode pull-queue. It is seeded once with every item and
// closed, so a receive never blocks: it yields the next item or reports
// exhaustion. Channel receives give each item to exactly one caller.
type Queue struct {
	ch    chan workitem.WorkItem
	total int
}

var _ Feed = (*Queue)(nil)

func NewQueue(items []workitem.WorkItem) *Queue {
	ch := make(chan workitem.WorkItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return &Queue{ch: ch, total: len(items)}
}

// Next pops the next available item. ok is false when the queue is exhausted.
func (q *Queue) Next() (workitem.WorkItem, bool) {
	item, ok := <-q.ch
	return item, ok
}

// Remaining is a point-in-time count of items still queued.
func (q *Queue) Remaining() int {
	return len(q.ch)
}

// Total is the number of items the queue was seeded with.
func (q *Queue) Total() int {
	return q.total
}
