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

// Package batcherr defines the error kinds a run can produce and how they
// propagate. Item errors never leave a worker; flush, merge and source errors
// always reach the orchestrator.
package batcherr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable is fatal and aborts the run before any worker starts.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrItemProcessing is recoverable: the item is skipped and reported.
	ErrItemProcessing = errors.New("item processing failed")
	// ErrFlushWrite is fatal to the worker that hit it and fails the run.
	ErrFlushWrite = errors.New("flush write failed")
	// ErrMergeOpen is fatal to the run; flush artifacts are preserved.
	ErrMergeOpen = errors.New("merge output unavailable")
	// ErrArtifactDelete is a warning only; the merged data is intact.
	ErrArtifactDelete = errors.New("artifact delete failed")
	// ErrCancelled marks a run stopped by its context.
	ErrCancelled = errors.New("run cancelled")
)

// Error carries a kind from the list above together with the failing
// operation and its cause. Both Kind and Err are reachable through errors.Is.
type Error struct {
	Kind error
	Op   string
	Item string
	Seq  int64
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Item != "" {
		fmt.Fprintf(&b, " %q", e.Item)
	}
	if e.Seq >= 0 && e.Kind == ErrFlushWrite {
		fmt.Fprintf(&b, " seq=%d", e.Seq)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// SourceUnavailable wraps an enumeration failure.
func SourceUnavailable(op string, err error) error {
	return &Error{Kind: ErrSourceUnavailable, Op: op, Seq: -1, Err: err}
}

// ItemProcessing wraps a per-item read or transform failure.
func ItemProcessing(item string, err error) error {
	return &Error{Kind: ErrItemProcessing, Op: "transform", Item: item, Seq: -1, Err: err}
}

// FlushWrite wraps a failure to durably write the artifact for seq.
func FlushWrite(name string, seq int64, err error) error {
	return &Error{Kind: ErrFlushWrite, Op: "write", Item: name, Seq: seq, Err: err}
}

// MergeOpen wraps a failure to open or commit the final artifact.
func MergeOpen(name string, err error) error {
	return &Error{Kind: ErrMergeOpen, Op: "open", Item: name, Seq: -1, Err: err}
}

// ArtifactDelete wraps a failure to remove a merged intermediate.
func ArtifactDelete(name string, err error) error {
	return &Error{Kind: ErrArtifactDelete, Op: "remove", Item: name, Seq: -1, Err: err}
}

// IsFatal reports whether err must fail the run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrItemProcessing) && !errors.Is(err, ErrArtifactDelete)
}
