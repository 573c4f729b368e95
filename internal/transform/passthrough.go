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

// Package transform holds the record transforms run by workers: byte-exact
// line pass-through, CSV sentinel filtering, and flattening of paged JSON
// API responses into CSV rows.
package transform

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/cardinalhq/shardmerge/internal/source"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// ctxCheckEvery bounds how many records are read between cancellation checks.
const ctxCheckEvery = 4096

// Passthrough emits every line of an item unchanged, newline included, so
// concatenating its records reproduces the input bytes exactly.
type Passthrough struct {
	Source source.Opener
}

func (p *Passthrough) Apply(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
	rc, err := p.Source.Open(ctx, item)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var out []workitem.Record
	br := bufio.NewReaderSize(rc, 64*1024)
	for {
		if len(out)%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			out = append(out, workitem.Record(line))
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
