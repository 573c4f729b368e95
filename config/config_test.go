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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Pipeline{}, cfg.Pipeline)
	assert.Equal(t, 5, cfg.HTTP.RetryMax)
	assert.Equal(t, 350*time.Millisecond, cfg.HTTP.MinInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SHARDMERGE_PIPELINE_WORKER_COUNT", "6")
	t.Setenv("SHARDMERGE_PIPELINE_PARTITION_MODE", "dynamic")
	t.Setenv("SHARDMERGE_PIPELINE_TIMEOUT", "90s")
	t.Setenv("SHARDMERGE_PIPELINE_MIN_FREE_BYTES", "1048576")
	t.Setenv("SHARDMERGE_STORAGE_BUCKET", "raw-inputs")
	t.Setenv("SHARDMERGE_STORAGE_CLOUD_PROVIDER", "aws")
	t.Setenv("SHARDMERGE_STORAGE_USE_PATH_STYLE", "true")
	t.Setenv("SHARDMERGE_HTTP_RETRY_MAX", "9")
	t.Setenv("SHARDMERGE_PROFILES_FILE", "env:PROFILES")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pipeline.WorkerCount)
	assert.Equal(t, "dynamic", cfg.Pipeline.PartitionMode)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, uint64(1<<20), cfg.Pipeline.MinFreeBytes)
	assert.Equal(t, "raw-inputs", cfg.Storage.Bucket)
	assert.Equal(t, "aws", cfg.Storage.CloudProvider)
	assert.True(t, cfg.Storage.UsePathStyle)
	assert.Equal(t, 9, cfg.HTTP.RetryMax)
	assert.Equal(t, "env:PROFILES", cfg.ProfilesFile)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := `
pipeline:
  input_dir: /data/in
  output_name: merged.txt
  flush_threshold: 250
http:
  min_interval: 1s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shardmerge.yaml"), []byte(yaml), 0o644))
	t.Setenv("SHARDMERGE_PIPELINE_FLUSH_THRESHOLD", "300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/in", cfg.Pipeline.InputDir)
	assert.Equal(t, "merged.txt", cfg.Pipeline.OutputName)
	assert.Equal(t, 300, cfg.Pipeline.FlushThreshold, "env beats file")
	assert.Equal(t, time.Second, cfg.HTTP.MinInterval)
}

func TestWithDefaults(t *testing.T) {
	p := Pipeline{InputDir: "in", FlushThreshold: 7}.WithDefaults(RechunkDefaults())
	assert.Equal(t, "in", p.InputDir)
	assert.Equal(t, 7, p.FlushThreshold)
	assert.Equal(t, "*.csv", p.FilePattern)
	assert.Equal(t, "dynamic", p.PartitionMode)
	assert.Equal(t, "none", p.MergeOrder)
	assert.Equal(t, "blanksDropped.csv", p.OutputName)

	a := Pipeline{}.WithDefaults(AppendDefaults())
	assert.Equal(t, DefaultOutputName, a.OutputName)
	assert.Equal(t, "static", a.PartitionMode)
	assert.NoError(t, a.Validate())
	assert.NoError(t, Pipeline{}.WithDefaults(PullDefaults()).Validate())
}

func TestPipelineValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Pipeline)
	}{
		{"no output dir", func(p *Pipeline) { p.OutputDir = "" }},
		{"no output name", func(p *Pipeline) { p.OutputName = "" }},
		{"negative workers", func(p *Pipeline) { p.WorkerCount = -2 }},
		{"zero threshold", func(p *Pipeline) { p.FlushThreshold = 0 }},
		{"negative bytes", func(p *Pipeline) { p.FlushBytes = -1 }},
		{"negative timeout", func(p *Pipeline) { p.Timeout = -time.Second }},
		{"unknown mode", func(p *Pipeline) { p.PartitionMode = "hash" }},
		{"unknown order", func(p *Pipeline) { p.MergeOrder = "random" }},
		{"shard order with dynamic", func(p *Pipeline) {
			p.PartitionMode = "dynamic"
			p.MergeOrder = "shard"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := AppendDefaults()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}
