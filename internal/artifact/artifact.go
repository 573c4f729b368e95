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

// Package artifact names, writes, lists and removes the intermediate files
// produced by worker flushes. Names are derived only from the flush sequence
// number, the worker slot and the run's output name, so intermediates left by
// a crashed run can be found and merged by hand or by `shardmerge merge`.
package artifact

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"
)

const namePrefix = "part-"

var nameRE = regexp.MustCompile(`^part-(\d{6,})-w(\d{3,})-(.+)$`)

// Artifact describes one flush output. Records and Bytes are only known for
// artifacts written in this process; listing from disk fills Bytes only.
type Artifact struct {
	Seq     int64
	Worker  int
	Name    string
	Records int
	Bytes   int64
}

// Name returns the file name for the flush with sequence seq from worker.
func Name(outputName string, seq int64, worker int) string {
	return fmt.Sprintf("%s%06d-w%03d-%s", namePrefix, seq, worker, outputName)
}

// ParseName reverses Name. ok is false for anything that is not an artifact
// name.
func ParseName(name string) (seq int64, worker int, outputName string, ok bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, "", false
	}
	seq, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	w, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, "", false
	}
	return seq, w, m[3], true
}

// SortBySequence orders artifacts by ascending flush sequence number.
func SortBySequence(arts []Artifact) {
	slices.SortFunc(arts, func(a, b Artifact) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}

// SortByShard orders artifacts by worker slot, then by sequence within the
// slot. For static partitioning this restores full input order.
func SortByShard(arts []Artifact) {
	slices.SortFunc(arts, func(a, b Artifact) int {
		if c := cmp.Compare(a.Worker, b.Worker); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}
