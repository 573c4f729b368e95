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

// Package gcpclient builds native Google Cloud Storage clients using
// Application Default Credentials, optionally impersonating a service
// account.
package gcpclient

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"

	"github.com/cardinalhq/shardmerge/internal/storageprofile"
)

type StorageClient struct {
	Client *storage.Client
	Tracer trace.Tracer
}

// Manager caches one storage client per impersonated principal.
type Manager struct {
	tracer trace.Tracer

	mu      sync.Mutex
	clients map[string]*StorageClient
}

func NewManager(_ context.Context) (*Manager, error) {
	return &Manager{
		tracer:  otel.Tracer("github.com/cardinalhq/shardmerge/internal/gcpclient"),
		clients: make(map[string]*StorageClient),
	}, nil
}

type storageConfig struct {
	serviceAccount string
	endpoint       string
}

type StorageOption func(*storageConfig)

// WithImpersonateServiceAccount acts as email via short-lived tokens.
func WithImpersonateServiceAccount(email string) StorageOption {
	return func(c *storageConfig) { c.serviceAccount = email }
}

// WithEndpoint targets an emulator or private endpoint.
func WithEndpoint(endpoint string) StorageOption {
	return func(c *storageConfig) { c.endpoint = endpoint }
}

func (c storageConfig) clientOptions(ctx context.Context) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if c.serviceAccount != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: c.serviceAccount,
			Scopes:          []string{storage.ScopeReadWrite},
		})
		if err != nil {
			return nil, fmt.Errorf("creating impersonated token source: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return opts, nil
}

func (m *Manager) GetStorage(ctx context.Context, opts ...StorageOption) (*StorageClient, error) {
	cfg := storageConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	key := cfg.serviceAccount + "|" + cfg.endpoint

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c, nil
	}

	clientOpts, err := cfg.clientOptions(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCP storage client: %w", err)
	}
	c := &StorageClient{Client: sc, Tracer: m.tracer}
	m.clients[key] = c
	return c, nil
}

// GetStorageForProfile impersonates the profile's Role, when set.
func (m *Manager) GetStorageForProfile(ctx context.Context, p storageprofile.StorageProfile) (*StorageClient, error) {
	var opts []StorageOption
	if p.Role != "" {
		opts = append(opts, WithImpersonateServiceAccount(p.Role))
	}
	if p.Endpoint != "" {
		opts = append(opts, WithEndpoint(p.Endpoint))
	}
	return m.GetStorage(ctx, opts...)
}
