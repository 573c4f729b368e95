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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/shardmerge/config"
	"github.com/cardinalhq/shardmerge/internal/httpclient"
	"github.com/cardinalhq/shardmerge/internal/source"
	"github.com/cardinalhq/shardmerge/internal/transform"
)

func init() {
	var (
		flags       config.Pipeline
		start, end  int64
		urlTemplate string
		jsonPath    string
		columns     []string
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch a range of API pages and flatten them into CSV rows",
		Long: `Fetch one JSON document per page token in [start, end) from a URL template
containing {page}, expand the array at --path, and write the chosen columns of
each element as CSV. Requests are retried with backoff and paced by the
http.min_interval setting.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withTelemetry("shardmerge-pull", func(ctx context.Context) error {
				if urlTemplate == "" {
					return errors.New("--url is required")
				}
				cfg, p, err := resolvePipeline(flags, config.PullDefaults())
				if err != nil {
					return err
				}
				client := httpclient.New(cfg.HTTP, slog.Default().With(slog.String("component", "httpclient")))
				tr, err := transform.NewJSONFlatten(client, urlTemplate, jsonPath, columns)
				if err != nil {
					return err
				}
				return runPipeline(ctx, "pull", cfg, p, source.PageRange{Start: start, End: end}, tr)
			})
		},
	}
	addPipelineFlags(cmd, &flags)
	cmd.Flags().Int64Var(&start, "start", 0, "first page token")
	cmd.Flags().Int64Var(&end, "end", 0, "page token to stop before")
	cmd.Flags().StringVar(&urlTemplate, "url", "", "URL template; {page} is replaced by the page token")
	cmd.Flags().StringVar(&jsonPath, "path", "", "dot-separated path to the array of rows")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "dot-separated fields written as CSV columns")

	rootCmd.AddCommand(cmd)
}
