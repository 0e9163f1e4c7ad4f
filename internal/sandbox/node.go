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

// Package sandbox implements the sandboxfs tree engine: a synthetic
// directory tree, assembled from mappings onto the host file system, that
// backs a FUSE mount point.
package sandbox

import (
	"fmt"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// Node is the small, genuinely polymorphic surface shared by every node
// kind. Kind-specific operations (directory traversal, symlink
// resolution, file I/O) are not part of this interface: the façade
// type-switches on the concrete node kind to reach them. A kernel request
// that names a node of the wrong kind (e.g. opening a directory as a
// file) panics with a FatalError, like a reference to an unknown inode.
type Node interface {
	// Inode returns this node's stable, never-reused inode number.
	Inode() fuseops.InodeID

	// Writable reports whether mutating operations are allowed on this
	// node. It is immutable for the lifetime of the node.
	Writable() bool

	// FileTypeCached returns the last known directory-entry type for
	// this node, without re-stat'ing the underlying path.
	FileTypeCached() fuseutil.DirentType

	// GetAttr returns the node's current kernel-visible attributes.
	GetAttr() (fuseops.InodeAttributes, error)
}

// common holds the fields shared by every node kind.
type common struct {
	inode    fuseops.InodeID
	writable bool
}

func (c *common) Inode() fuseops.InodeID { return c.inode }
func (c *common) Writable() bool         { return c.writable }

// AttrDelta carries the subset of setattr fields the kernel actually
// supplied; nil fields must be left unmodified.
type AttrDelta struct {
	Mode *uint32
	UID  *uint32
	GID  *uint32
	Size *uint64
	Atime *time.Time
	Mtime *time.Time
}

// kernelError wraps a raw errno so it can flow up through ordinary Go
// error returns while still being recognizable as a direct,
// message-free, kernel-visible status by the façade. Host syscall
// errors arrive as *pathError (hostfs.go), which carries its own errno;
// kernelError exists for synthesized statuses (EPERM on a scaffold
// mutation, ENOTEMPTY, and so on).
type kernelError struct {
	errno syscall.Errno
}

func (e *kernelError) Error() string    { return e.errno.Error() }
func (e *kernelError) Errno() syscall.Errno { return e.errno }

func kerr(errno syscall.Errno) error { return &kernelError{errno: errno} }

// errnoOf extracts the errno a node/handle operation wants to report to
// the kernel. Anything that isn't already an errno-shaped error is
// normalized to EIO, per spec.md §7 ("non-errno I/O failures are
// normalized to EIO and logged").
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if ke, ok := err.(*kernelError); ok {
		return ke.errno
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	if pe, ok := err.(*pathError); ok {
		return pe.errno
	}
	return syscall.EIO
}

// pathError is how hostfs.go surfaces a failed host syscall: it keeps
// the errno for kernel replies while the message remains useful in logs.
type pathError struct {
	op    string
	path  string
	errno syscall.Errno
}

func (e *pathError) Error() string {
	return e.op + " " + e.path + ": " + e.errno.Error()
}

// FatalError marks a condition spec.md §7 classifies as fatal: ID
// exhaustion, a kernel reference to an unknown inode/handle, or a
// root-mapping target that is not a directory. None of these indicate a
// recoverable, per-request failure; the caller (cmd/sandboxfs) is
// expected to abort the process with the message.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

func fatalf(format string, args ...any) error {
	return &FatalError{Msg: fmt.Sprintf(format, args...)}
}
