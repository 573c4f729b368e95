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

// Package awsclient builds S3 clients from the default AWS credential chain,
// optionally assuming a role per storage profile.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Manager caches one credentials provider per (region, role).
type Manager struct {
	baseCfg     aws.Config
	stsClient   *sts.Client
	sessionName string
	tracer      trace.Tracer

	mu        sync.RWMutex
	providers map[roleKey]aws.CredentialsProvider
}

type ManagerOption func(*Manager)

// WithAssumeRoleSessionName names sessions created by AssumeRole.
func WithAssumeRoleSessionName(name string) ManagerOption {
	return func(mgr *Manager) {
		mgr.sessionName = name
	}
}

// NewManager loads the default AWS config and instruments it with otelaws.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return newManager(cfg, opts...), nil
}

func newManager(cfg aws.Config, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		baseCfg:     cfg,
		stsClient:   sts.NewFromConfig(cfg),
		sessionName: "shardmerge",
		tracer:      otel.Tracer("github.com/cardinalhq/shardmerge/internal/awsclient"),
		providers:   make(map[roleKey]aws.CredentialsProvider),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}
