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

	"github.com/spf13/cobra"

	"github.com/cardinalhq/shardmerge/config"
	"github.com/cardinalhq/shardmerge/internal/merge"
	"github.com/cardinalhq/shardmerge/internal/transform"
)

func init() {
	var (
		flags     config.Pipeline
		field     int
		sentinels []string
		merged    bool
	)
	cmd := &cobra.Command{
		Use:   "rechunk",
		Short: "Drop CSV rows with sentinel values and rewrite the rest as numbered chunks",
		Long: `Read CSV inputs from a shared queue, drop rows that are too short or whose
sentinel column holds one of the sentinel values, and write the kept rows as
numbered chunk files (blanksDropped-0.csv, blanksDropped-1.csv, ...). With
--merge the chunks are merged into a single file instead.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withTelemetry("shardmerge-rechunk", func(ctx context.Context) error {
				if merged && flags.MergeOrder == "" {
					flags.MergeOrder = string(merge.OrderSequence)
				}
				cfg, p, err := resolvePipeline(flags, config.RechunkDefaults())
				if err != nil {
					return err
				}
				src, cleanup, err := openInput(ctx, cfg, p)
				if err != nil {
					return err
				}
				defer cleanup()
				tr, err := transform.NewSentinelFilter(src, field, sentinels)
				if err != nil {
					return err
				}
				return runPipeline(ctx, "rechunk", cfg, p, src, tr)
			})
		},
	}
	addInputFlags(cmd, &flags)
	addPipelineFlags(cmd, &flags)
	cmd.Flags().IntVar(&field, "field", transform.DefaultSentinelField, "zero-based column checked for sentinels")
	cmd.Flags().StringSliceVar(&sentinels, "sentinel", transform.DefaultSentinels, "values that cause a row to be dropped")
	cmd.Flags().BoolVar(&merged, "merge", false, "merge chunks into one output in flush order")

	rootCmd.AddCommand(cmd)
}
