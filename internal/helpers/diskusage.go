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

package helpers

import (
	"golang.org/x/sys/unix"
)

// FSUsage holds the on-disk usage stats for a filesystem.
type FSUsage struct {
	TotalBytes uint64
	// FreeBytes is the space available to unprivileged users.
	FreeBytes uint64
	UsedBytes uint64

	TotalInodes uint64
	FreeInodes  uint64
	UsedInodes  uint64
}

// DiskUsage returns FSUsage for the filesystem that contains path.
func DiskUsage(path string) (FSUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FSUsage{}, err
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	return FSUsage{
		TotalBytes:  total,
		FreeBytes:   free,
		UsedBytes:   total - free,
		TotalInodes: st.Files,
		FreeInodes:  st.Ffree,
		UsedInodes:  st.Files - st.Ffree,
	}, nil
}
