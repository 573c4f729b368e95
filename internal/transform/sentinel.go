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

package transform

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/shardmerge/internal/source"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// DefaultSentinels are the relay addresses treated as blanks.
var DefaultSentinels = []string{"0.0.0.0", "127.0.0.1"}

// DefaultSentinelField is the zero-based column holding the relay address.
const DefaultSentinelField = 3

// SentinelFilter reads CSV rows and drops any row with no column at Field
// or whose Field column is one of the sentinels. Kept rows are re-encoded as
// CSV, one record per row.
type SentinelFilter struct {
	source    source.Opener
	field     int
	sentinels mapset.Set[string]
}

func NewSentinelFilter(src source.Opener, field int, sentinels []string) (*SentinelFilter, error) {
	if src == nil {
		return nil, errors.New("sentinel filter needs a source")
	}
	if field < 0 {
		return nil, fmt.Errorf("sentinel field must be >= 0, got %d", field)
	}
	if len(sentinels) == 0 {
		sentinels = DefaultSentinels
	}
	return &SentinelFilter{
		source:    src,
		field:     field,
		sentinels: mapset.NewThreadUnsafeSet(sentinels...),
	}, nil
}

func (f *SentinelFilter) keep(row []string) bool {
	return len(row) > f.field && !f.sentinels.Contains(row[f.field])
}

func (f *SentinelFilter) Apply(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
	rc, err := f.source.Open(ctx, item)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var (
		out  []workitem.Record
		buf  bytes.Buffer
		rows int
	)
	w := csv.NewWriter(&buf)
	for {
		if rows%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		rows++
		if !f.keep(row) {
			continue
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		out = append(out, workitem.Record(bytes.Clone(buf.Bytes())))
		buf.Reset()
	}
}
