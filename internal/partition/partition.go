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

// Package partition divides enumerated work items among a fixed number of
// workers, either as precomputed contiguous shards or through a shared
// pull-queue.
package partition

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/shardmerge/internal/workitem"
)

type Mode string

const (
	// ModeStatic assigns contiguous slices up front. Deterministic, no rebalancing.
	ModeStatic Mode = "static"
	// ModeDynamic seeds one queue that every worker pops from until it is empty.
	ModeDynamic Mode = "dynamic"
)

// ParseMode accepts "static" or "dynamic" (case insensitive).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStatic:
		return ModeStatic, nil
	case ModeDynamic:
		return ModeDynamic, nil
	default:
		return "", fmt.Errorf("unknown partition mode %q (want static or dynamic)", s)
	}
}

// Feed hands work items to exactly one worker (static) or to any number of
// workers concurrently (dynamic). ok is false once the feed is exhausted.
type Feed interface {
	Next() (item workitem.WorkItem, ok bool)
}

// Static splits items into k shards where shard i holds
// items[floor(i*W/k) : floor((i+1)*W/k)]. Exactly k shards are returned;
// some are empty when k > W.
func Static(items []workitem.WorkItem, k int) ([]workitem.Shard, error) {
	if k < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", k)
	}
	w := int64(len(items))
	shards := make([]workitem.Shard, k)
	for i := range k {
		lo := int64(i) * w / int64(k)
		hi := int64(i+1) * w / int64(k)
		shards[i] = workitem.Shard{Index: i, Items: items[lo:hi]}
	}
	return shards, nil
}

// Plan builds one Feed per worker slot. In static mode each feed walks its
// own shard; in dynamic mode every slot shares a single Queue.
func Plan(items []workitem.WorkItem, k int, mode Mode) ([]Feed, error) {
	if k < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", k)
	}
	feeds := make([]Feed, k)
	switch mode {
	case ModeStatic:
		shards, err := Static(items, k)
		if err != nil {
			return nil, err
		}
		for i, s := range shards {
			feeds[i] = NewShardFeed(s)
		}
	case ModeDynamic:
		q := NewQueue(items)
		for i := range feeds {
			feeds[i] = q
		}
	default:
		return nil, fmt.Errorf("unknown partition mode %q", mode)
	}
	return feeds, nil
}

// ShardFeed walks one shard. It is owned by a single worker and is not safe
// for concurrent use.
type ShardFeed struct {
	shard workitem.Shard
	pos   int
}

var _ Feed = (*ShardFeed)(nil)

func NewShardFeed(s workitem.Shard) *ShardFeed {
	return &ShardFeed{shard: s}
}

func (f *ShardFeed) Next() (workitem.WorkItem, bool) {
	if f.pos >= len(f.shard.Items) {
		return workitem.WorkItem{}, false
	}
	item := f.shard.Items[f.pos]
	f.pos++
	return item, true
}

// Remaining returns how many items have not been handed out yet.
func (f *ShardFeed) Remaining() int {
	return len(f.shard.Items) - f.pos
}

// Dedupe drops repeated IDs, keeping the first occurrence, and renumbers
// Index so it stays a dense enumeration order. The dropped IDs are returned.
func Dedupe(items []workitem.WorkItem) ([]workitem.WorkItem, []string) {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(items))
	out := make([]workitem.WorkItem, 0, len(items))
	var dups []string
	for _, it := range items {
		if !seen.Add(it.ID) {
			dups = append(dups, it.ID)
			continue
		}
		it.Index = len(out)
		out = append(out, it)
	}
	return out, dups
}
