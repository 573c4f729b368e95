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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/shardmerge/config"
	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/merge"
)

func init() {
	var (
		outputDir   string
		artifactDir string
		outputName  string
		order       string
		keep        bool
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge flush files left behind by a failed or interrupted run",
		Long: `Find the flush files for an output name in the artifact directory and merge
them, in sequence order by default, into the final output. Use --order shard
for files written by a statically partitioned run.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withTelemetry("shardmerge-merge", func(ctx context.Context) error {
				if outputName == "" {
					outputName = config.DefaultOutputName
				}
				if artifactDir == "" {
					artifactDir = outputDir
				}
				o, err := merge.ParseOrder(order)
				if err != nil {
					return err
				}
				return recoverMerge(ctx, artifactDir, filepath.Join(outputDir, outputName), outputName, o, keep)
			})
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "directory for the merged output")
	cmd.Flags().StringVar(&artifactDir, "artifact-dir", "", "directory holding the flush files (default: the output directory)")
	cmd.Flags().StringVarP(&outputName, "name", "n", "", "output name the flush files were written for")
	cmd.Flags().StringVar(&order, "order", "sequence", "sequence, shard or none")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep flush files after merging")

	rootCmd.AddCommand(cmd)
}

func recoverMerge(ctx context.Context, artifactDir, finalPath, outputName string, order merge.Order, keep bool) error {
	if order == merge.OrderAuto {
		order = merge.OrderSequence
	}
	store, err := artifact.NewStore(artifactDir, outputName)
	if err != nil {
		return err
	}
	arts, err := store.List()
	if err != nil {
		return fmt.Errorf("list flush files in %s: %w", artifactDir, err)
	}
	if len(arts) == 0 {
		return fmt.Errorf("no flush files for %s in %s", outputName, artifactDir)
	}

	if order == merge.OrderNone {
		chunks, err := merge.KeepChunks(ctx, store, arts, outputName)
		if err != nil {
			return err
		}
		slog.Info("renamed flush files to chunks", slog.Int("chunks", len(chunks)))
		return nil
	}

	res, err := merge.Merge(ctx, store, arts, finalPath, merge.Options{Order: order, KeepIntermediates: keep})
	if err != nil {
		return err
	}
	slog.Info("merged flush files",
		slog.String("output", res.Path),
		slog.Int("artifacts", res.Artifacts),
		slog.Int64("bytes", res.Bytes),
		slog.String("xxhash64", fmt.Sprintf("%016x", res.Digest)))
	if res.DeleteErrors != nil {
		slog.Warn("some flush files could not be removed", slog.Any("error", res.DeleteErrors))
	}
	return nil
}
