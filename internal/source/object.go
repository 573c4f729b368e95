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
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cardinalhq/shardmerge/internal/batcherr"
	"github.com/cardinalhq/shardmerge/internal/cloudstorage"
	"github.com/cardinalhq/shardmerge/internal/helpers"
	"github.com/cardinalhq/shardmerge/internal/workitem"
)

// Object enumerates objects under Prefix whose key relative to the prefix
// matches Pattern. Each item is downloaded to TempDir when opened and the
// temporary copy is removed on Close.
type Object struct {
	Client  cloudstorage.Client
	Prefix  cloudstorage.Location
	Pattern string
	TempDir string
}

var _ Opener = (*Object)(nil)

func (o *Object) Enumerate(ctx context.Context) ([]workitem.WorkItem, error) {
	pattern := o.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, batcherr.SourceUnavailable("pattern", fmt.Errorf("invalid file pattern %q", pattern))
	}

	objs, err := o.Client.ListObjects(ctx, o.Prefix.Bucket, o.Prefix.Key)
	if err != nil {
		return nil, batcherr.SourceUnavailable("list", err)
	}
	base := o.Prefix.Key
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}

	var ids []string
	for _, obj := range objs {
		rel, ok := strings.CutPrefix(obj.Key, base)
		if !ok || rel == "" {
			continue
		}
		if match, _ := doublestar.Match(pattern, rel); match {
			ids = append(ids, o.Prefix.Join(obj.Key).String())
		}
	}
	return workitem.FromIDs(ids), nil
}

func (o *Object) Open(ctx context.Context, item workitem.WorkItem) (io.ReadCloser, error) {
	loc, err := cloudstorage.ParseURL(item.ID)
	if err != nil {
		return nil, err
	}
	tmp, _, notFound, err := o.Client.DownloadObject(ctx, o.TempDir, loc.Bucket, loc.Key)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, fmt.Errorf("%s: %w", item.ID, os.ErrNotExist)
	}
	rc, err := helpers.OpenInput(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return &removeOnClose{ReadCloser: rc, path: tmp}, nil
}

type removeOnClose struct {
	io.ReadCloser
	path string
}

func (r *removeOnClose) Close() error {
	err := r.ReadCloser.Close()
	if rerr := os.Remove(r.path); rerr != nil && err == nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}
