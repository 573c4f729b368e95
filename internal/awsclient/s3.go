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

package awsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/shardmerge/internal/storageprofile"
)

type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

type s3Config struct {
	roleARN      string
	region       string
	applyConfigs []func(*aws.Config)
	applyS3s     []func(*s3.Options)
}

// S3Option configures GetS3.
type S3Option func(*s3Config)

// WithRole assumes roleARN. Empty means use the base credentials.
func WithRole(roleARN string) S3Option {
	return func(c *s3Config) { c.roleARN = roleARN }
}

func WithRegion(region string) S3Option {
	return func(c *s3Config) { c.region = region }
}

// WithEndpoint points the client at an S3-compatible service such as MinIO.
func WithEndpoint(url string) S3Option {
	return func(c *s3Config) {
		c.applyS3s = append(c.applyS3s, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(url)
		})
	}
}

func WithPathStyle() S3Option {
	return func(c *s3Config) {
		c.applyS3s = append(c.applyS3s, func(o *s3.Options) { o.UsePathStyle = true })
	}
}

// WithInsecureTLS disables certificate verification.
func WithInsecureTLS() S3Option {
	return func(c *s3Config) {
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			cfg.HTTPClient = &http.Client{Transport: tr}
		})
	}
}

// WithGCPProvider adapts the client to the GCS XML interoperability API.
// GCS may serve .gz objects decompressed, so response checksums are only
// validated when required.
func WithGCPProvider() S3Option {
	return func(c *s3Config) {
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			cfg.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			cfg.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
		c.applyS3s = append(c.applyS3s, SignForGCP)
	}
}

const acceptEncodingHeader = "Accept-Encoding"

type acceptEncodingKey struct{}

// GCS rejects SigV4 signatures that cover Accept-Encoding, so the header is
// removed before signing and put back afterwards.
var dropAcceptEncodingHeader = middleware.FinalizeMiddlewareFunc("DropAcceptEncodingHeader",
	func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
		req, ok := in.Request.(*smithyhttp.Request)
		if !ok {
			return middleware.FinalizeOutput{}, middleware.Metadata{}, &v4.SigningError{Err: fmt.Errorf("unexpected request middleware type %T", in.Request)}
		}
		ctx = middleware.WithStackValue(ctx, acceptEncodingKey{}, req.Header.Get(acceptEncodingHeader))
		req.Header.Del(acceptEncodingHeader)
		in.Request = req
		return next.HandleFinalize(ctx, in)
	},
)

var restoreAcceptEncodingHeader = middleware.FinalizeMiddlewareFunc("RestoreAcceptEncodingHeader",
	func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
		req, ok := in.Request.(*smithyhttp.Request)
		if !ok {
			return middleware.FinalizeOutput{}, middleware.Metadata{}, &v4.SigningError{Err: fmt.Errorf("unexpected request middleware type %T", in.Request)}
		}
		if ae, _ := middleware.GetStackValue(ctx, acceptEncodingKey{}).(string); ae != "" {
			req.Header.Set(acceptEncodingHeader, ae)
		}
		in.Request = req
		return next.HandleFinalize(ctx, in)
	},
)

// SignForGCP installs the Accept-Encoding signing workaround on o.
func SignForGCP(o *s3.Options) {
	o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
		if err := stack.Finalize.Insert(dropAcceptEncodingHeader, "Signing", middleware.Before); err != nil {
			return err
		}
		return stack.Finalize.Insert(restoreAcceptEncodingHeader, "Signing", middleware.After)
	})
}

type roleKey struct {
	region  string
	roleARN string
}

func (m *Manager) credentials(key roleKey) aws.CredentialsProvider {
	m.mu.RLock()
	provider, ok := m.providers[key]
	m.mu.RUnlock()
	if ok {
		return provider
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if provider, ok = m.providers[key]; ok {
		return provider
	}
	if key.roleARN == "" {
		provider = m.baseCfg.Credentials
	} else {
		p := stscreds.NewAssumeRoleProvider(m.stsClient, key.roleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = m.sessionName
		})
		provider = aws.NewCredentialsCache(p)
	}
	m.providers[key] = provider
	return provider
}

// GetS3 returns an S3 client configured by opts.
func (m *Manager) GetS3(_ context.Context, opts ...S3Option) (*S3Client, error) {
	sc := s3Config{region: m.baseCfg.Region}
	for _, o := range opts {
		o(&sc)
	}

	cfg := m.baseCfg.Copy()
	cfg.Region = sc.region
	cfg.Credentials = m.credentials(roleKey{region: sc.region, roleARN: sc.roleARN})
	for _, fn := range sc.applyConfigs {
		fn(&cfg)
	}

	return &S3Client{Client: s3.NewFromConfig(cfg, sc.applyS3s...), Tracer: m.tracer}, nil
}

// S3Options translates a profile into GetS3 options.
func S3Options(p storageprofile.StorageProfile) []S3Option {
	var opts []S3Option
	if p.Role != "" {
		opts = append(opts, WithRole(p.Role))
	}
	if p.Region != "" {
		opts = append(opts, WithRegion(p.Region))
	}
	if p.Endpoint != "" {
		opts = append(opts, WithEndpoint(p.Endpoint))
	}
	if p.UsePathStyle {
		opts = append(opts, WithPathStyle())
	}
	if p.InsecureTLS {
		opts = append(opts, WithInsecureTLS())
	}
	if p.CloudProvider == storageprofile.ProviderGCP {
		opts = append(opts, WithGCPProvider())
	}
	return opts
}

func (m *Manager) GetS3ForProfile(ctx context.Context, p storageprofile.StorageProfile) (*S3Client, error) {
	return m.GetS3(ctx, S3Options(p)...)
}
