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

package cloudstorage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/shardmerge/internal/storageprofile"
)

func TestFileClientLifecycle(t *testing.T) {
	base := t.TempDir()
	client, err := NewCloudManagers().NewClient(context.Background(), storageprofile.StorageProfile{
		CloudProvider: storageprofile.ProviderFile,
		BasePath:      base,
	})
	require.NoError(t, err)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, client.UploadObject(ctx, "bucket", "path/file.txt", src))

	tmp := t.TempDir()
	dst, size, notFound, err := client.DownloadObject(ctx, tmp, "bucket", "path/file.txt")
	require.NoError(t, err)
	require.False(t, notFound)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, ".txt", filepath.Ext(dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, client.DeleteObject(ctx, "bucket", "path/file.txt"))
	require.NoError(t, client.DeleteObject(ctx, "bucket", "path/file.txt"))
	_, _, notFound, err = client.DownloadObject(ctx, tmp, "bucket", "path/file.txt")
	require.NoError(t, err)
	assert.True(t, notFound)
}

func TestFileClientList(t *testing.T) {
	base := t.TempDir()
	client := NewFileClient(base)
	ctx := context.Background()

	for _, key := range []string{"in/b.csv", "in/a.csv", "in/sub/c.csv", "other/d.csv"} {
		p := filepath.Join(base, "bucket", filepath.FromSlash(key))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(key), 0o644))
	}

	objs, err := client.ListObjects(ctx, "bucket", "in/")
	require.NoError(t, err)
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
		assert.Equal(t, int64(len(o.Key)), o.Size)
	}
	assert.Equal(t, []string{"in/a.csv", "in/b.csv", "in/sub/c.csv"}, keys)

	objs, err = client.ListObjects(ctx, "missing", "")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw  string
		want Location
	}{
		{"s3://bucket/prefix/key.csv", Location{Provider: "aws", Bucket: "bucket", Key: "prefix/key.csv"}},
		{"gs://bkt/x", Location{Provider: "gcp", Bucket: "bkt", Key: "x"}},
		{"azure://container/dir/", Location{Provider: "azure", Bucket: "container", Key: "dir/"}},
		{"file://local/a/b", Location{Provider: "file", Bucket: "local", Key: "a/b"}},
		{"s3://bucket", Location{Provider: "aws", Bucket: "bucket", Key: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"/tmp/data", "http://host/x", "s3:///nobucket", "relative/dir"} {
		_, err := ParseURL(bad)
		assert.Error(t, err, bad)
		assert.False(t, IsObjectURL(bad))
	}
}

func TestLocationString(t *testing.T) {
	assert.Equal(t, "s3://b/k", Location{Provider: "aws", Bucket: "b", Key: "k"}.String())
	assert.Equal(t, "gs://b/k", Location{Provider: "gcp", Bucket: "b", Key: "k"}.String())
	assert.Equal(t, "azure://c/k", Location{Provider: "azure", Bucket: "c", Key: "k"}.String())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv", contentType("a/b.csv"))
	assert.Equal(t, "text/plain", contentType("appended_files.txt"))
	assert.Equal(t, "application/gzip", contentType("x.csv.gz"))
	assert.Equal(t, "application/octet-stream", contentType("noext"))
}

func TestNewClientUnsupported(t *testing.T) {
	_, err := NewCloudManagers().NewClient(context.Background(), storageprofile.StorageProfile{CloudProvider: "ftp"})
	assert.Error(t, err)
	_, err = NewCloudManagers().NewClient(context.Background(), storageprofile.StorageProfile{CloudProvider: "file"})
	assert.Error(t, err, "file provider needs a base path")
}

func TestForURLUsesScheme(t *testing.T) {
	base := t.TempDir()
	profiles := storageprofile.Static{Profile: storageprofile.StorageProfile{BasePath: base}}
	loc, err := ParseURL("file://bucket/x")
	require.NoError(t, err)

	client, err := ForURL(context.Background(), NewCloudManagers(), profiles, loc)
	require.NoError(t, err)
	_, ok := client.(*fileClient)
	assert.True(t, ok)
}
