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

package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"gopkg.in/yaml.v3"
)

// Report is the summary of one run. It is logged at the end of every run and
// can be written to disk as YAML.
type Report struct {
	RunID         string        `yaml:"run_id"`
	State         string        `yaml:"state"`
	Path          []string      `yaml:"path"`
	StartedAt     time.Time     `yaml:"started_at"`
	Duration      time.Duration `yaml:"duration"`
	Workers       int           `yaml:"workers"`
	PartitionMode string        `yaml:"partition_mode"`
	MergeOrder    string        `yaml:"merge_order"`

	Items ItemCounts `yaml:"items"`

	Records         int64 `yaml:"records"`
	Flushes         int64 `yaml:"flushes"`
	ArtifactsMerged int   `yaml:"artifacts_merged"`
	DeleteWarnings  int   `yaml:"delete_warnings"`

	Output  *OutputSummary  `yaml:"output,omitempty"`
	Chunks  []string        `yaml:"chunks,omitempty"`
	Latency *LatencySummary `yaml:"item_latency,omitempty"`

	Errors          []string `yaml:"errors,omitempty"`
	ErrorsTruncated int      `yaml:"errors_truncated,omitempty"`
	Warnings        []string `yaml:"warnings,omitempty"`
	Failure         string   `yaml:"failure,omitempty"`
}

// ItemCounts partitions the enumerated items: Total is Duplicates plus
// Processed, Failed and Skipped. Skipped counts items never reached because
// the run stopped early.
type ItemCounts struct {
	Total      int `yaml:"total"`
	Duplicates int `yaml:"duplicates"`
	Processed  int `yaml:"processed"`
	Failed     int `yaml:"failed"`
	Skipped    int `yaml:"skipped"`
}

type OutputSummary struct {
	Path   string `yaml:"path"`
	Bytes  int64  `yaml:"bytes"`
	Digest string `yaml:"xxhash64"`
}

// LatencySummary holds item transform latency quantiles in seconds.
type LatencySummary struct {
	Count float64 `yaml:"count"`
	P50   float64 `yaml:"p50"`
	P90   float64 `yaml:"p90"`
	P99   float64 `yaml:"p99"`
}

func formatDigest(d uint64) string {
	return fmt.Sprintf("%016x", d)
}

// WriteYAML writes the report to path.
func (r *Report) WriteYAML(path string) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

func (r *Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("runID", r.RunID),
		slog.String("state", r.State),
		slog.Duration("duration", r.Duration),
		slog.Int("workers", r.Workers),
		slog.Int("items", r.Items.Total),
		slog.Int("processed", r.Items.Processed),
		slog.Int("failed", r.Items.Failed),
		slog.Int("skipped", r.Items.Skipped),
		slog.Int64("records", r.Records),
		slog.Int64("flushes", r.Flushes),
		slog.Int("merged", r.ArtifactsMerged),
		slog.Int("deleteWarnings", r.DeleteWarnings),
	}
	if r.Output != nil {
		attrs = append(attrs,
			slog.String("output", r.Output.Path),
			slog.Int64("bytes", r.Output.Bytes),
			slog.String("xxhash64", r.Output.Digest))
	}
	if r.Latency != nil {
		attrs = append(attrs, slog.Float64("p99", r.Latency.P99))
	}
	return slog.GroupValue(attrs...)
}

// latencyRecorder feeds item latencies from every worker into one sketch.
type latencyRecorder struct {
	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

func newLatencyRecorder() (*latencyRecorder, error) {
	sk, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("create latency sketch: %w", err)
	}
	return &latencyRecorder{sketch: sk}, nil
}

func (l *latencyRecorder) observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.sketch.Add(d.Seconds())
}

func (l *latencyRecorder) summary() *LatencySummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sketch.IsEmpty() {
		return nil
	}
	s := &LatencySummary{Count: l.sketch.GetCount()}
	s.P50, _ = l.sketch.GetValueAtQuantile(0.5)
	s.P90, _ = l.sketch.GetValueAtQuantile(0.9)
	s.P99, _ = l.sketch.GetValueAtQuantile(0.99)
	return s
}
