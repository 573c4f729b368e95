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

package source

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// PageRange yields the integer page tokens Start, Start+1, ..., End-1.
type PageRange struct {
	Start int64
	End   int64
}

func (p PageRange) Enumerate(_ context.Context) ([]workitem.WorkItem, error) {
	if p.End < p.Start {
		return nil, batcherr.SourceUnavailable("range", fmt.Errorf("page range end %d is before start %d", p.End, p.Start))
	}
	ids := make([]string, 0, p.End-p.Start)
	for i := p.Start; i < p.End; i++ {
		ids = append(ids, strconv.FormatInt(i, 10))
	}
	return workitem.FromIDs(ids), nil
}
