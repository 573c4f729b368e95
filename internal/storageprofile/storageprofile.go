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

// Package storageprofile describes how to reach an object-store bucket:
// which cloud, which region or account, and which credentials to assume.
package storageprofile

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Cloud providers understood by cloudstorage.
const (
	ProviderAWS   = "aws"
	ProviderGCP   = "gcp"
	ProviderAzure = "azure"
	ProviderFile  = "file"
)

type StorageProfile struct {
	CloudProvider  string `yaml:"cloud_provider" mapstructure:"cloud_provider"`
	Bucket         string `yaml:"bucket" mapstructure:"bucket"`
	Region         string `yaml:"region,omitempty" mapstructure:"region"`
	Role           string `yaml:"role,omitempty" mapstructure:"role"`
	Endpoint       string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	StorageAccount string `yaml:"storage_account,omitempty" mapstructure:"storage_account"`
	InsecureTLS    bool   `yaml:"insecure_tls,omitempty" mapstructure:"insecure_tls"`
	UsePathStyle   bool   `yaml:"use_path_style,omitempty" mapstructure:"use_path_style"`
	// BasePath roots the "file" provider; buckets are subdirectories of it.
	BasePath string `yaml:"base_path,omitempty" mapstructure:"base_path"`
}

// Provider resolves the profile to use for a bucket.
type Provider interface {
	ProfileForBucket(bucket string) (StorageProfile, error)
}

// Static answers every bucket with the same settings.
type Static struct {
	Profile StorageProfile
}

var _ Provider = Static{}

func (s Static) ProfileForBucket(bucket string) (StorageProfile, error) {
	p := s.Profile
	p.Bucket = bucket
	if p.CloudProvider == "" {
		p.CloudProvider = ProviderAWS
	}
	return p, nil
}

type fileProvider struct {
	profiles map[string]StorageProfile
	fallback Provider
}

// NewFileProvider reads a YAML list of profiles from filename. A filename of
// the form "env:NAME" reads the YAML from environment variable NAME instead.
// Buckets not listed are resolved by fallback, which may be nil.
func NewFileProvider(filename string, fallback Provider) (Provider, error) {
	var contents []byte
	if envVar, ok := strings.CutPrefix(filename, "env:"); ok {
		v := os.Getenv(envVar)
		if v == "" {
			return nil, fmt.Errorf("environment variable %s is not set", envVar)
		}
		contents = []byte(v)
	} else {
		b, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read storage profiles from file %s: %w", filename, err)
		}
		contents = b
	}
	return parseProfiles(filename, contents, fallback)
}

func parseProfiles(filename string, contents []byte, fallback Provider) (Provider, error) {
	var profiles []StorageProfile
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal storage profiles from %s: %w", filename, err)
	}

	byBucket := make(map[string]StorageProfile, len(profiles))
	for _, p := range profiles {
		if p.Bucket == "" {
			return nil, fmt.Errorf("storage profile in %s has no bucket", filename)
		}
		if _, dup := byBucket[p.Bucket]; dup {
			return nil, fmt.Errorf("bucket %s listed twice in %s", p.Bucket, filename)
		}
		if p.CloudProvider == "" {
			p.CloudProvider = ProviderAWS
		}
		byBucket[p.Bucket] = p
	}
	return &fileProvider{profiles: byBucket, fallback: fallback}, nil
}

func (p *fileProvider) ProfileForBucket(bucket string) (StorageProfile, error) {
	if sp, ok := p.profiles[bucket]; ok {
		return sp, nil
	}
	if p.fallback != nil {
		return p.fallback.ProfileForBucket(bucket)
	}
	return StorageProfile{}, fmt.Errorf("no storage profile for bucket %s", bucket)
}
