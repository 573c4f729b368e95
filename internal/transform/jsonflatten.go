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
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// PageToken is replaced in JSONFlatten.URLTemplate by the item ID.
const PageToken = "{page}"

// Fetcher retrieves the body at a URL.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// JSONFlatten fetches one page per work item and emits a CSV row for each
// element found at Path. Path is dot separated; arrays met along the way
// are expanded, so "blocks.tx" yields every transaction of every block.
// Each column is a dot-separated path inside an element; numeric parts index
// arrays. Objects and arrays are written as compact JSON, missing values as
// empty fields.
type JSONFlatten struct {
	fetcher  Fetcher
	template string
	path     []string
	columns  [][]string
}

func NewJSONFlatten(f Fetcher, urlTemplate, path string, columns []string) (*JSONFlatten, error) {
	if f == nil {
		return nil, errors.New("json flatten needs a fetcher")
	}
	if !strings.Contains(urlTemplate, PageToken) {
		return nil, fmt.Errorf("url template %q has no %s placeholder", urlTemplate, PageToken)
	}
	if len(columns) == 0 {
		return nil, errors.New("json flatten needs at least one column")
	}
	cols := make([][]string, len(columns))
	for i, c := range columns {
		if c == "" {
			return nil, fmt.Errorf("column %d is empty", i)
		}
		cols[i] = strings.Split(c, ".")
	}
	return &JSONFlatten{
		fetcher:  f,
		template: urlTemplate,
		path:     splitPath(path),
		columns:  cols,
	}, nil
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

// URL returns the request URL for a page token.
func (j *JSONFlatten) URL(page string) string {
	return strings.ReplaceAll(j.template, PageToken, url.PathEscape(page))
}

func (j *JSONFlatten) Apply(ctx context.Context, item workitem.WorkItem) ([]workitem.Record, error) {
	body, err := j.fetcher.Get(ctx, j.URL(item.ID))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode page %s: %w", item.ID, err)
	}

	elems := collect(doc, j.path, nil)
	out := make([]workitem.Record, 0, len(elems))
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	row := make([]string, len(j.columns))
	for _, e := range elems {
		for i, col := range j.columns {
			row[i], err = format(lookup(e, col))
			if err != nil {
				return nil, err
			}
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
	return out, nil
}

// collect walks path from v, expanding arrays, and appends the leaves to dst.
func collect(v any, path []string, dst []any) []any {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			dst = collect(e, path, dst)
		}
		return dst
	}
	if len(path) == 0 {
		if v != nil {
			dst = append(dst, v)
		}
		return dst
	}
	m, ok := v.(map[string]any)
	if !ok {
		return dst
	}
	return collect(m[path[0]], path[1:], dst)
}

func lookup(v any, path []string) any {
	for _, p := range path {
		switch t := v.(type) {
		case map[string]any:
			v = t[p]
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(t) {
				return nil
			}
			v = t[i]
		default:
			return nil
		}
	}
	return v
}

func format(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
