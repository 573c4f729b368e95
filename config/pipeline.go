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
	"errors"
	"fmt"
	"time"

	"github.com/cardinalhq/shardmerge/internal/merge"
	"github.com/cardinalhq/shardmerge/internal/partition"
)

// Pipeline holds the settings of one batch run. Zero values mean "use the
// command's default"; see WithDefaults.
type Pipeline struct {
	InputDir       string        `mapstructure:"input_dir"`
	OutputDir      string        `mapstructure:"output_dir"`
	ArtifactDir    string        `mapstructure:"artifact_dir"`
	FilePattern    string        `mapstructure:"file_pattern"`
	OutputName     string        `mapstructure:"output_name"`
	WorkerCount    int           `mapstructure:"worker_count"`
	FlushThreshold int           `mapstructure:"flush_threshold"`
	FlushBytes     int64         `mapstructure:"flush_bytes"`
	PartitionMode  string        `mapstructure:"partition_mode"`
	MergeOrder     string        `mapstructure:"merge_order"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ReportFile     string        `mapstructure:"report_file"`
	MaxErrorDetail int           `mapstructure:"max_error_detail"`
	MinFreeBytes   uint64        `mapstructure:"min_free_bytes"`
	ProgressEvery  int           `mapstructure:"progress_every"`
	Publish        string        `mapstructure:"publish"`
}

const (
	DefaultOutputName     = "appended_files.txt"
	DefaultFilePattern    = "*"
	DefaultMaxErrorDetail = 100
	DefaultProgressEvery  = 10
)

// AppendDefaults reproduces plain concatenation: static shards merged in
// shard order.
func AppendDefaults() Pipeline {
	return Pipeline{
		OutputDir:      ".",
		FilePattern:    DefaultFilePattern,
		OutputName:     DefaultOutputName,
		FlushThreshold: 100_000,
		PartitionMode:  string(partition.ModeStatic),
		MergeOrder:     string(merge.OrderAuto),
		MaxErrorDetail: DefaultMaxErrorDetail,
		ProgressEvery:  DefaultProgressEvery,
	}
}

// RechunkDefaults filters CSV rows into numbered chunks of at most 5000 rows
// pulled from a shared queue.
func RechunkDefaults() Pipeline {
	return Pipeline{
		OutputDir:      ".",
		FilePattern:    "*.csv",
		OutputName:     "blanksDropped.csv",
		FlushThreshold: 5000,
		PartitionMode:  string(partition.ModeDynamic),
		MergeOrder:     string(merge.OrderNone),
		MaxErrorDetail: DefaultMaxErrorDetail,
		ProgressEvery:  DefaultProgressEvery,
	}
}

// PullDefaults fetches API pages through a shared queue and merges rows in
// flush order.
func PullDefaults() Pipeline {
	return Pipeline{
		OutputDir:      ".",
		OutputName:     "pulled.csv",
		FlushThreshold: 5000,
		PartitionMode:  string(partition.ModeDynamic),
		MergeOrder:     string(merge.OrderAuto),
		MaxErrorDetail: DefaultMaxErrorDetail,
		ProgressEvery:  DefaultProgressEvery,
	}
}

// WithDefaults returns p with every zero field taken from d.
func (p Pipeline) WithDefaults(d Pipeline) Pipeline {
	setString(&p.InputDir, d.InputDir)
	setString(&p.OutputDir, d.OutputDir)
	setString(&p.ArtifactDir, d.ArtifactDir)
	setString(&p.FilePattern, d.FilePattern)
	setString(&p.OutputName, d.OutputName)
	setString(&p.PartitionMode, d.PartitionMode)
	setString(&p.MergeOrder, d.MergeOrder)
	setString(&p.ReportFile, d.ReportFile)
	setString(&p.Publish, d.Publish)
	if p.WorkerCount == 0 {
		p.WorkerCount = d.WorkerCount
	}
	if p.FlushThreshold == 0 {
		p.FlushThreshold = d.FlushThreshold
	}
	if p.FlushBytes == 0 {
		p.FlushBytes = d.FlushBytes
	}
	if p.Timeout == 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxErrorDetail == 0 {
		p.MaxErrorDetail = d.MaxErrorDetail
	}
	if p.MinFreeBytes == 0 {
		p.MinFreeBytes = d.MinFreeBytes
	}
	if p.ProgressEvery == 0 {
		p.ProgressEvery = d.ProgressEvery
	}
	return p
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// Validate rejects settings a run cannot start with.
func (p Pipeline) Validate() error {
	var errs []error
	if p.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if p.OutputName == "" {
		errs = append(errs, errors.New("output_name is required"))
	}
	if p.WorkerCount < 0 {
		errs = append(errs, fmt.Errorf("worker_count must not be negative, got %d", p.WorkerCount))
	}
	if p.FlushThreshold < 1 {
		errs = append(errs, fmt.Errorf("flush_threshold must be >= 1, got %d", p.FlushThreshold))
	}
	if p.FlushBytes < 0 {
		errs = append(errs, fmt.Errorf("flush_bytes must not be negative, got %d", p.FlushBytes))
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", p.Timeout))
	}
	mode, err := partition.ParseMode(p.PartitionMode)
	if err != nil {
		errs = append(errs, err)
	}
	order, err := merge.ParseOrder(p.MergeOrder)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		if _, err := merge.Resolve(order, mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
