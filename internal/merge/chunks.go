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

package merge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cardinalhq/shardmerge/internal/artifact"
	"github.com/cardinalhq/shardmerge/internal/logctx"
)

// Promoter renames an artifact to a plain file name in its directory.
type Promoter interface {
	Promote(a artifact.Artifact, name string) (string, error)
}

// ChunkName numbers outputName for chunk n: "blanksDropped.csv" becomes
// "blanksDropped-3.csv".
func ChunkName(outputName string, n int) string {
	ext := filepath.Ext(outputName)
	stem := strings.TrimSuffix(outputName, ext)
	return fmt.Sprintf("%s-%d%s", stem, n, ext)
}

// IsChunkName reports whether name is a ChunkName of outputName.
func IsChunkName(outputName, name string) bool {
	ext := filepath.Ext(outputName)
	stem := strings.TrimSuffix(outputName, ext)
	rest, ok := strings.CutPrefix(name, stem+"-")
	if !ok {
		return false
	}
	digits, ok := strings.CutSuffix(rest, ext)
	if !ok || digits == "" {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// KeepChunks leaves each artifact as its own output, renamed to ChunkName in
// ascending sequence order. It is used when merge order is OrderNone.
func KeepChunks(ctx context.Context, p Promoter, arts []artifact.Artifact, outputName string) ([]string, error) {
	ordered := append([]artifact.Artifact(nil), arts...)
	artifact.SortBySequence(ordered)

	paths := make([]string, 0, len(ordered))
	for i, a := range ordered {
		path, err := p.Promote(a, ChunkName(outputName, i))
		if err != nil {
			return paths, fmt.Errorf("promote %s: %w", a.Name, err)
		}
		paths = append(paths, path)
	}
	logctx.FromContext(ctx).Info("kept chunk outputs", slog.Int("chunks", len(paths)))
	return paths, nil
}
