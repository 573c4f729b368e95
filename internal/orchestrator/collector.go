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
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// errorCollector gathers per-item failures from all workers. The count is
// exact; only the first max errors are retained.
type errorCollector struct {
	mu    sync.Mutex
	max   int
	count int
	err   *multierror.Error
}

func newErrorCollector(limit int) *errorCollector {
	return &errorCollector{max: limit}
}

func (c *errorCollector) ReportItemError(_ workitem.WorkItem, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count <= c.max {
		c.err = multierror.Append(c.err, err)
	}
}

func (c *errorCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Messages returns the retained error strings in report order.
func (c *errorCollector) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return messages(c.err)
}

func messages(me *multierror.Error) []string {
	if me == nil {
		return nil
	}
	out := make([]string, 0, len(me.Errors))
	for _, e := range me.Errors {
		out = append(out, e.Error())
	}
	return out
}
