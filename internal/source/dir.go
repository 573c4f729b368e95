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

// Package source enumerates work items and opens them for transforms:
// files in a local directory, objects under an object-store prefix, or a
// range of integer page tokens.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"

	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/helpers"
	"github.com/cardinalhq/shardmerge/internal/merge"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// Opener returns the raw bytes behind a work item.
type Opener interface {
	Open(ctx context.Context, item workitem.WorkItem) (io.ReadCloser, error)
}

// Dir enumerates regular files below Root whose path relative to Root
// matches Pattern (doublestar syntax; "*" matches top-level files only).
// Items are ordered by relative path. Hidden entries and flush artifacts
// are never returned.
type Dir struct {
	Root    string
	Pattern string
	// Exclude lists paths never returned, such as the run's own output.
	// The ".tmp" sibling of each excluded path is excluded too.
	Exclude []string
	// OutputName, when set, also hides the numbered chunks of that output.
	OutputName string
}

var _ Opener = (*Dir)(nil)

func (d *Dir) pattern() string {
	if d.Pattern == "" {
		return "*"
	}
	return d.Pattern
}

func (d *Dir) Enumerate(ctx context.Context) ([]workitem.WorkItem, error) {
	pattern := d.pattern()
	if !doublestar.ValidatePattern(pattern) {
		return nil, batcherr.SourceUnavailable("pattern", fmt.Errorf("invalid file pattern %q", pattern))
	}
	info, err := os.Stat(d.Root)
	if err != nil {
		return nil, batcherr.SourceUnavailable("stat", err)
	}
	if !info.IsDir() {
		return nil, batcherr.SourceUnavailable("stat", fmt.Errorf("%s is not a directory", d.Root))
	}

	root := filepath.Clean(d.Root)
	exclude := make(map[string]bool, len(d.Exclude))
	for _, p := range d.Exclude {
		p = filepath.Clean(p)
		exclude[p] = true
		exclude[p+".tmp"] = true
	}
	recursive := strings.Contains(pattern, "/") || strings.Contains(pattern, "**")

	var (
		mu  sync.Mutex
		rel []string
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(p string, de os.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil || p == root {
			return nil
		}
		if exclude[p] || strings.HasPrefix(de.Name(), ".") {
			if de.IsDir() {
				return fastwalk.SkipDir
			}
			return nil
		}
		if de.IsDir() {
			if !recursive {
				return fastwalk.SkipDir
			}
			return nil
		}
		if !de.Type().IsRegular() || d.isRunOutput(de.Name()) {
			return nil
		}
		r, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return nil
		}
		r = filepath.ToSlash(r)
		if ok, _ := doublestar.Match(pattern, r); !ok {
			return nil
		}
		mu.Lock()
		rel = append(rel, r)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, batcherr.SourceUnavailable("walk", err)
	}

	slices.Sort(rel)
	ids := make([]string, len(rel))
	for i, r := range rel {
		ids[i] = filepath.Join(root, filepath.FromSlash(r))
	}
	return workitem.FromIDs(ids), nil
}

// isRunOutput matches files a run writes next to its inputs.
func (d *Dir) isRunOutput(name string) bool {
	if _, _, _, ok := artifact.ParseName(name); ok {
		return true
	}
	return d.OutputName != "" && merge.IsChunkName(d.OutputName, name)
}

// Open reads the file named by item.ID, decompressing gzip or zstd content.
func (d *Dir) Open(_ context.Context, item workitem.WorkItem) (io.ReadCloser, error) {
	return helpers.OpenInput(item.ID)
}
