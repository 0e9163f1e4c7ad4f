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
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
)

// File is a mapped regular (or special, via mknod) file node. It keeps
// no in-memory content; every operation passes through to the
// underlying path.
type File struct {
	common
	underlyingPath string
}

var _ Node = (*File)(nil)

// NewFile wraps underlyingPath as a file node.
func NewFile(id fuseops.InodeID, underlyingPath string, writable bool) *File {
	return &File{common: common{inode: id, writable: writable}, underlyingPath: underlyingPath}
}

func (f *File) FileTypeCached() fuseutil.DirentType { return fuseutil.DT_File }

func (f *File) GetAttr() (fuseops.InodeAttributes, error) {
	return statAttr(f.underlyingPath, f.writable)
}

func (f *File) SetAttr(delta *AttrDelta) (fuseops.InodeAttributes, error) {
	if !f.writable {
		return fuseops.InodeAttributes{}, kerr(syscall.EPERM)
	}
	if err := applyAttrDelta(f.underlyingPath, delta); err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return f.GetAttr()
}

// Open opens the underlying path with the kernel-requested flags,
// rejecting a write-capable open against a non-writable node early
// (spec.md §4.4).
func (f *File) Open(flags int) (*FileHandle, error) {
	if !f.writable && (flags&(unix.O_WRONLY|unix.O_RDWR) != 0) {
		return nil, kerr(syscall.EPERM)
	}
	fd, err := unix.Open(f.underlyingPath, flags, 0)
	if err != nil {
		return nil, wrapErrno("open", f.underlyingPath, err)
	}
	return NewFileHandle(0, fd), nil
}

// xattr operations; gated on the mount-wide xattrs_enabled flag by the
// façade (spec.md §4.6/C.2), implemented here via the host's xattr
// syscalls.

func (f *File) GetXattr(name string, dst []byte) (int, error) {
	n, err := unix.Lgetxattr(f.underlyingPath, name, dst)
	if err != nil {
		return 0, wrapErrno("getxattr", f.underlyingPath, err)
	}
	return n, nil
}

func (f *File) ListXattr(dst []byte) (int, error) {
	n, err := unix.Llistxattr(f.underlyingPath, dst)
	if err != nil {
		return 0, wrapErrno("listxattr", f.underlyingPath, err)
	}
	return n, nil
}

func (f *File) SetXattr(name string, value []byte, flags int) error {
	if !f.writable {
		return kerr(syscall.EPERM)
	}
	return wrapErrno("setxattr", f.underlyingPath, unix.Lsetxattr(f.underlyingPath, name, value, flags))
}

func (f *File) RemoveXattr(name string) error {
	if !f.writable {
		return kerr(syscall.EPERM)
	}
	return wrapErrno("removexattr", f.underlyingPath, unix.Lremovexattr(f.underlyingPath, name))
}
