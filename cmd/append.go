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
	"github.com/cardinalhq/shardmerge/internal/transform"
)

func init() {
	var flags config.Pipeline
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Concatenate input files into one output",
		Long: `Concatenate every matching input file, byte for byte, into a single output.
With the default static partitioning and shard merge order the result is
identical to a sequential run regardless of worker count.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withTelemetry("shardmerge-append", func(ctx context.Context) error {
				cfg, p, err := resolvePipeline(flags, config.AppendDefaults())
				if err != nil {
					return err
				}
				src, cleanup, err := openInput(ctx, cfg, p)
				if err != nil {
					return err
				}
				defer cleanup()
				return runPipeline(ctx, "append", cfg, p, src, &transform.Passthrough{Source: src})
			})
		},
	}
	addInputFlags(cmd, &flags)
	addPipelineFlags(cmd, &flags)

	rootCmd.AddCommand(cmd)
}
