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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/shardmerge/config"
	"github.com/cardinalhq/shardmerge/internal/cloudstorage"
	"github.com/cardinalhq/shardmerge/internal/merge"
	"github.com/cardinalhq/shardmerge/internal/orchestrator"
	"github.com/cardinalhq/shardmerge/internal/partition"
	"github.com/cardinalhq/shardmerge/internal/source"
	"github.com/cardinalhq/shardmerge/internal/storageprofile"
	"github.com/cardinalhq/shardmerge/internal/worker"
)

// addPipelineFlags binds the flags shared by every pipeline command into p.
// Flags left at their zero value fall through to the config file, the
// environment, and then the command's defaults.
func addPipelineFlags(cmd *cobra.Command, p *config.Pipeline) {
	f := cmd.Flags()
	f.StringVarP(&p.OutputDir, "output", "o", "", "directory for the merged output")
	f.StringVar(&p.ArtifactDir, "artifact-dir", "", "directory for intermediate flush files (default: the output directory)")
	f.StringVarP(&p.OutputName, "name", "n", "", "file name of the merged output")
	f.IntVarP(&p.WorkerCount, "workers", "w", 0, "number of workers (default: CPUs - 1)")
	f.IntVar(&p.FlushThreshold, "flush-threshold", 0, "records buffered per worker before a flush")
	f.Int64Var(&p.FlushBytes, "flush-bytes", 0, "bytes buffered per worker before a flush (0 disables)")
	f.StringVar(&p.PartitionMode, "partition", "", "static or dynamic")
	f.StringVar(&p.MergeOrder, "order", "", "auto, sequence, shard or none")
	f.DurationVar(&p.Timeout, "timeout", 0, "stop the run after this long")
	f.StringVar(&p.ReportFile, "report", "", "write the run report as YAML to this file")
	f.StringVar(&p.Publish, "publish", "", "upload the output to this object URL (s3://, gs://, azure://, file://)")
	f.IntVar(&p.MaxErrorDetail, "max-error-detail", 0, "item errors kept in the report")
	f.Uint64Var(&p.MinFreeBytes, "min-free-bytes", 0, "warn when the output filesystem has less free space")
	f.IntVar(&p.ProgressEvery, "progress-every", 0, "log worker progress every N items")
}

func addInputFlags(cmd *cobra.Command, p *config.Pipeline) {
	f := cmd.Flags()
	f.StringVarP(&p.InputDir, "input", "i", "", "input directory or object URL")
	f.StringVar(&p.FilePattern, "pattern", "", "glob selecting input files below the input (** recurses)")
}

// resolvePipeline layers flags over config over defaults and validates.
func resolvePipeline(flags config.Pipeline, defaults config.Pipeline) (*config.Config, config.Pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Pipeline{}, fmt.Errorf("load config: %w", err)
	}
	p := flags.WithDefaults(cfg.Pipeline).WithDefaults(defaults)
	if err := p.Validate(); err != nil {
		return nil, config.Pipeline{}, err
	}
	return cfg, p, nil
}

func profiles(cfg *config.Config) (storageprofile.Provider, error) {
	fallback := storageprofile.Static{Profile: cfg.Storage}
	if cfg.ProfilesFile == "" {
		return fallback, nil
	}
	return storageprofile.NewFileProvider(cfg.ProfilesFile, fallback)
}

func objectClient(ctx context.Context, cfg *config.Config, loc cloudstorage.Location) (cloudstorage.Client, error) {
	pp, err := profiles(cfg)
	if err != nil {
		return nil, err
	}
	return cloudstorage.ForURL(ctx, cloudstorage.NewCloudManagers(), pp, loc)
}

// itemSource is a run's enumerator that can also open its own items.
type itemSource interface {
	orchestrator.Source
	source.Opener
}

// openInput returns the source for p.InputDir. The cleanup func removes any
// scratch space the source created.
func openInput(ctx context.Context, cfg *config.Config, p config.Pipeline) (itemSource, func(), error) {
	if p.InputDir == "" {
		return nil, nil, errors.New("an input directory or object URL is required (--input)")
	}
	if cloudstorage.IsObjectURL(p.InputDir) {
		loc, err := cloudstorage.ParseURL(p.InputDir)
		if err != nil {
			return nil, nil, err
		}
		client, err := objectClient(ctx, cfg, loc)
		if err != nil {
			return nil, nil, err
		}
		tmp, err := os.MkdirTemp("", "shardmerge-input-")
		if err != nil {
			return nil, nil, err
		}
		src := &source.Object{Client: client, Prefix: loc, Pattern: p.FilePattern, TempDir: tmp}
		return src, func() { _ = os.RemoveAll(tmp) }, nil
	}

	exclude := []string{filepath.Join(p.OutputDir, p.OutputName)}
	if p.ArtifactDir != "" {
		exclude = append(exclude, p.ArtifactDir)
	}
	if p.ReportFile != "" {
		exclude = append(exclude, p.ReportFile)
	}
	src := &source.Dir{Root: p.InputDir, Pattern: p.FilePattern, Exclude: exclude, OutputName: p.OutputName}
	return src, func() {}, nil
}

// runPipeline executes one orchestrated run, writes the report, and
// publishes the output when asked to.
func runPipeline(ctx context.Context, name string, cfg *config.Config, p config.Pipeline, src orchestrator.Source, tr worker.Transform) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	mode, err := partition.ParseMode(p.PartitionMode)
	if err != nil {
		return err
	}
	order, err := merge.ParseOrder(p.MergeOrder)
	if err != nil {
		return err
	}
	o, err := orchestrator.New(orchestrator.Config{
		OutputDir:      p.OutputDir,
		OutputName:     p.OutputName,
		ArtifactDir:    p.ArtifactDir,
		WorkerCount:    p.WorkerCount,
		FlushThreshold: p.FlushThreshold,
		FlushBytes:     p.FlushBytes,
		PartitionMode:  mode,
		MergeOrder:     order,
		MaxErrorDetail: p.MaxErrorDetail,
		ProgressEvery:  p.ProgressEvery,
		MinFreeBytes:   p.MinFreeBytes,
		TransformName:  name,
	}, src, tr)
	if err != nil {
		return err
	}

	rep, runErr := o.Run(ctx)
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("command", name),
		attribute.String("state", rep.State),
	))
	runDuration.Record(context.Background(), rep.Duration.Seconds(), attrs)
	if runErr != nil {
		runFailures.Add(context.Background(), 1, attrs)
	}

	if p.ReportFile != "" {
		if err := rep.WriteYAML(p.ReportFile); err != nil {
			slog.Error("failed to write report", slog.String("file", p.ReportFile), slog.Any("error", err))
			runErr = errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		return runErr
	}

	if p.Publish != "" {
		var files []string
		if rep.Output != nil {
			files = append(files, rep.Output.Path)
		}
		files = append(files, rep.Chunks...)
		if err := publish(ctx, cfg, p.Publish, files); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	return nil
}

// publish uploads files to target. A single file goes to target itself
// unless target ends in "/"; several files always go below it.
func publish(ctx context.Context, cfg *config.Config, target string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	loc, err := cloudstorage.ParseURL(target)
	if err != nil {
		return err
	}
	client, err := objectClient(ctx, cfg, loc)
	if err != nil {
		return err
	}
	asPrefix := len(files) > 1 || strings.HasSuffix(loc.Key, "/") || loc.Key == ""
	for _, f := range files {
		key := loc.Key
		if asPrefix {
			key = path.Join(loc.Key, filepath.Base(f))
		}
		start := time.Now()
		if err := client.UploadObject(ctx, loc.Bucket, key, f); err != nil {
			return fmt.Errorf("upload %s to %s: %w", f, loc.Join(key), err)
		}
		slog.Info("published output",
			slog.String("file", f),
			slog.String("url", loc.Join(key).String()),
			slog.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// withTelemetry wraps a pipeline command body with logging setup and
// signal handling.
func withTelemetry(servicename string, body func(ctx context.Context) error) error {
	doneCtx, doneFx, err := setupTelemetry(servicename)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := doneFx(); err != nil {
			slog.Error("Error shutting down telemetry", slog.Any("error", err))
		}
	}()
	return body(doneCtx)
}
