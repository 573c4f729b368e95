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

package azureclient

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/shardmerge/internal/storageprofile"
)

type BlobClient struct {
	Client *azblob.Client
	Tracer trace.Tracer
}

type blobConfig struct {
	storageAccount string
	endpoint       string
}

type BlobOption func(*blobConfig)

func WithBlobStorageAccount(storageAccount string) BlobOption {
	return func(c *blobConfig) { c.storageAccount = storageAccount }
}

// WithBlobEndpoint overrides the account's default service URL.
func WithBlobEndpoint(endpoint string) BlobOption {
	return func(c *blobConfig) { c.endpoint = endpoint }
}

// DefaultEndpoint is the public-cloud blob service URL for account.
func DefaultEndpoint(account string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", account)
}

func (m *Manager) GetBlob(_ context.Context, opts ...BlobOption) (*BlobClient, error) {
	bc := blobConfig{}
	for _, o := range opts {
		o(&bc)
	}
	if bc.storageAccount == "" {
		return nil, fmt.Errorf("storage account is required")
	}
	if bc.endpoint == "" {
		bc.endpoint = DefaultEndpoint(bc.storageAccount)
	}

	m.mu.RLock()
	client, ok := m.blobClients[bc.storageAccount]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok = m.blobClients[bc.storageAccount]; ok {
		return client, nil
	}
	c, err := azblob.NewClient(bc.endpoint, m.cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	client = &BlobClient{Client: c, Tracer: m.tracer}
	m.blobClients[bc.storageAccount] = client
	return client, nil
}

// GetBlobForProfile uses the profile's storage account and endpoint.
func (m *Manager) GetBlobForProfile(ctx context.Context, p storageprofile.StorageProfile) (*BlobClient, error) {
	opts := []BlobOption{WithBlobStorageAccount(p.StorageAccount)}
	if p.Endpoint != "" {
		opts = append(opts, WithBlobEndpoint(p.Endpoint))
	}
	return m.GetBlob(ctx, opts...)
}
