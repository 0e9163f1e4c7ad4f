// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
)

// FileHandle is an open file: it owns a host descriptor for the
// lifetime of the handle and releases it on Release.
type FileHandle struct {
	id    fuseops.HandleID
	fd    int
}

// NewFileHandle wraps an already-open host descriptor.
func NewFileHandle(id fuseops.HandleID, fd int) *FileHandle {
	return &FileHandle{id: id, fd: fd}
}

func (h *FileHandle) Read(offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := unix.Pread(h.fd, buf, offset)
	if err != nil {
		return nil, wrapErrno("read", "", err)
	}
	return buf[:n], nil
}

func (h *FileHandle) Write(offset int64, data []byte) (int, error) {
	n, err := unix.Pwrite(h.fd, data, offset)
	if err != nil {
		return 0, wrapErrno("write", "", err)
	}
	return n, nil
}

func (h *FileHandle) Sync() error {
	return wrapErrno("fsync", "", unix.Fsync(h.fd))
}

func (h *FileHandle) Release() error {
	err := unix.Close(h.fd)
	if err != nil {
		return wrapErrno("close", "", err)
	}
	return nil
}

// DirEntry is one frozen directory listing entry.
type DirEntry struct {
	Name  string
	Inode fuseops.InodeID
	Kind  fuseutil.DirentType
}

// DirHandle is an open directory: it owns an ordered snapshot of entries
// taken at open time (spec.md §4.5), which readdir serves positionally
// regardless of concurrent mutation of the live tree.
type DirHandle struct {
	id      fuseops.HandleID
	entries []DirEntry
}

// NewDirHandle wraps a frozen entry snapshot.
func NewDirHandle(id fuseops.HandleID, entries []DirEntry) *DirHandle {
	return &DirHandle{id: id, entries: entries}
}

// ReadDir serves entries from offset onward into dst, in the
// fuseutil.WriteDirent wire format, stopping when dst is full or the
// snapshot is exhausted. It reports how many bytes were written; offsets
// at or beyond the snapshot length yield zero bytes (EOF), per spec.md
// §4.5.
func (h *DirHandle) ReadDir(offset fuseops.DirOffset, dst []byte) int {
	written := 0
	for i := int(offset); i < len(h.entries); i++ {
		e := h.entries[i]
		n := fuseutil.WriteDirent(dst[written:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  e.Inode,
			Name:   e.Name,
			Type:   e.Kind,
		})
		if n == 0 {
			break
		}
		written += n
	}
	return written
}
