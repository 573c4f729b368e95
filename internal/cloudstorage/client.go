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

// Package cloudstorage is a small object-store client used to enumerate and
// fetch remote inputs and to publish final outputs. S3 (and S3-compatible
// endpoints), Google Cloud Storage, Azure Blob Storage and a local-directory
// stand-in share one interface.
package cloudstorage

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/cardinalhq/shardmerge/internal/storageprofile"
)

// ObjectInfo is one entry returned by ListObjects.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Client provides a unified interface for object storage operations.
type Client interface {
	// ListObjects returns every object under prefix, sorted by key.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// DownloadObject copies an object into a new file in tmpdir. The file name
	// keeps the key's base name so extension-based detection still works.
	DownloadObject(ctx context.Context, tmpdir, bucket, key string) (filename string, size int64, notFound bool, err error)

	// UploadObject copies a local file to bucket/key.
	UploadObject(ctx context.Context, bucket, key, sourceFilename string) error

	// DeleteObject removes bucket/key. A missing object is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// ClientProvider creates clients for storage profiles.
type ClientProvider interface {
	NewClient(ctx context.Context, profile storageprofile.StorageProfile) (Client, error)
}

// Location is a parsed object URL.
type Location struct {
	Provider string
	Bucket   string
	Key      string
}

func (l Location) String() string {
	scheme := l.Provider
	switch l.Provider {
	case storageprofile.ProviderAWS:
		scheme = "s3"
	case storageprofile.ProviderGCP:
		scheme = "gs"
	}
	return scheme + "://" + l.Bucket + "/" + l.Key
}

// Join returns a location for key below l.
func (l Location) Join(key string) Location {
	l.Key = key
	return l
}

// IsObjectURL reports whether raw names an object store rather than a local
// path.
func IsObjectURL(raw string) bool {
	_, err := ParseURL(raw)
	return err == nil
}

// ParseURL accepts s3://, gs://, azure:// and file:// URLs. For azure the
// host is the container; for file it is a directory below the profile's
// base path.
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse object url %q: %w", raw, err)
	}
	var provider string
	switch u.Scheme {
	case "s3":
		provider = storageprofile.ProviderAWS
	case "gs", "gcs":
		provider = storageprofile.ProviderGCP
	case "azure", "az":
		provider = storageprofile.ProviderAzure
	case "file":
		provider = storageprofile.ProviderFile
	default:
		return Location{}, fmt.Errorf("unsupported object url scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("object url %q has no bucket", raw)
	}
	return Location{
		Provider: provider,
		Bucket:   u.Host,
		Key:      strings.TrimPrefix(u.Path, "/"),
	}, nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".csv":
		return "text/csv"
	case ".txt", ".log":
		return "text/plain"
	case ".gz":
		return "application/gzip"
	case ".zst":
		return "application/zstd"
	}
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

const writerTag = "shardmerge"
