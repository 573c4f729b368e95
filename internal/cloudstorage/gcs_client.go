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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"

	"github.com/cardinalhq/shardmerge/internal/gcpclient"
)

type gcsClient struct {
	storageClient *gcpclient.StorageClient
}

func (c *gcsClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	ctx, span := c.storageClient.Tracer.Start(ctx, "cloudstorage.gcsListObjects",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	var out []ObjectInfo
	it := c.storageClient.Client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		out = append(out, ObjectInfo{Key: attrs.Name, Size: attrs.Size})
	}
	listCount.Add(ctx, int64(len(out)), metric.WithAttributes(attribute.String("bucket", bucket)))
	return sortObjects(out), nil
}

func (c *gcsClient) DownloadObject(ctx context.Context, tmpdir, bucket, key string) (string, int64, bool, error) {
	ctx, span := c.storageClient.Tracer.Start(ctx, "cloudstorage.gcsDownloadObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	// ReadCompressed keeps gzip-encoded objects byte-identical to what was
	// stored; decompression is left to the reader.
	reader, err := c.storageClient.Client.Bucket(bucket).Object(key).ReadCompressed(true).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			downloadErrors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("bucket", bucket),
				attribute.String("reason", "not_found"),
			))
			return "", 0, true, nil
		}
		downloadErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("reason", "unknown"),
		))
		return "", 0, false, fmt.Errorf("download gs://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = reader.Close() }()

	f, err := os.CreateTemp(tmpdir, "*-"+filepath.Base(key))
	if err != nil {
		return "", 0, false, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(f, reader)
	_ = f.Close()
	if err != nil {
		_ = os.Remove(f.Name())
		downloadErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("reason", "copy_failed"),
		))
		return "", 0, false, fmt.Errorf("copy object content: %w", err)
	}

	downloadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
	downloadBytes.Add(ctx, size, metric.WithAttributes(attribute.String("bucket", bucket)))
	return f.Name(), size, false, nil
}

func (c *gcsClient) UploadObject(ctx context.Context, bucket, key, sourceFilename string) error {
	ctx, span := c.storageClient.Tracer.Start(ctx, "cloudstorage.gcsUploadObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	file, err := os.Open(sourceFilename)
	if err != nil {
		return fmt.Errorf("open %s: %w", sourceFilename, err)
	}
	defer func() { _ = file.Close() }()

	w := c.storageClient.Client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType(key)
	w.Metadata = map[string]string{"writer": writerTag}

	n, err := io.Copy(w, file)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload gs://%s/%s: %w", bucket, key, err)
	}

	uploadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
	uploadBytes.Add(ctx, n, metric.WithAttributes(attribute.String("bucket", bucket)))
	return nil
}

func (c *gcsClient) DeleteObject(ctx context.Context, bucket, key string) error {
	ctx, span := c.storageClient.Tracer.Start(ctx, "cloudstorage.gcsDeleteObject",
		trace.WithAttributes(attribute.String("bucket", bucket)),
	)
	defer span.End()

	if err := c.storageClient.Client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}
