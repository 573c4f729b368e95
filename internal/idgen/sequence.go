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

package idgen

import "sync"

// SequenceCounter hands out flush sequence numbers for one run. Values start
// at 0, are never reused, and the set handed out is always the contiguous
// range [0, Issued()). The lock covers only the read-increment; callers must
// not hold anything across the artifact write that follows.
type SequenceCounter struct {
	mu   sync.Mutex
	next int64
}

// NewSequenceCounter returns a counter positioned at 0.
func NewSequenceCounter() *SequenceCounter {
	return &SequenceCounter{}
}

// Next returns the next sequence number. Safe for concurrent use.
func (c *SequenceCounter) Next() int64 {
	c.mu.Lock()
	n := c.next
	c.next++
	c.mu.Unlock()
	return n
}

// Issued returns how many sequence numbers have been handed out.
func (c *SequenceCounter) Issued() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
