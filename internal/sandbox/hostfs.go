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
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// statAttr stats path and translates the result into the attribute shape
// the façade hands back to the kernel. If writable is false, the write
// bits are masked off the reported mode, per spec.md §4.3's "mapped ->
// stats the underlying path, masks the write bits off if not writable".
func statAttr(path string, writable bool) (fuseops.InodeAttributes, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fuseops.InodeAttributes{}, &pathError{op: "stat", path: path, errno: err.(syscall.Errno)}
	}
	return attrsFromStat(&st, writable), nil
}

func attrsFromStat(st *unix.Stat_t, writable bool) fuseops.InodeAttributes {
	mode := uint32(st.Mode)
	if !writable {
		mode &^= 0222
	}
	return fuseops.InodeAttributes{
		Size:   uint64(st.Size),
		Nlink:  uint32(st.Nlink),
		Mode:   os.FileMode(mode & 0777) | fileModeBitsFromStat(st),
		Uid:    st.Uid,
		Gid:    st.Gid,
		Atime:  timespecToTime(st.Atim),
		Mtime:  timespecToTime(st.Mtim),
		Ctime:  timespecToTime(st.Ctim),
	}
}

func fileModeBitsFromStat(st *unix.Stat_t) os.FileMode {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return os.ModeDir
	case unix.S_IFLNK:
		return os.ModeSymlink
	default:
		return 0
	}
}

func timespecToTime(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// scaffoldAttrs synthesizes the attribute set for a synthetic, read-only
// scaffold directory: mode 0555, nlink 2, owned by the process, timed at
// creation per spec.md §4.3.
func scaffoldAttrs(createdAt time.Time) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  0,
		Nlink: 2,
		Mode:  os.ModeDir | 0555,
		Uid:   uint32(os.Getuid()),
		Gid:   uint32(os.Getgid()),
		Atime: createdAt,
		Mtime: createdAt,
		Ctime: createdAt,
	}
}

// createAs runs create, then chowns the resulting path to (uid, gid)
// without following a trailing symlink. If the chown fails, it deletes
// what create produced (best-effort — a delete failure is only logged,
// per spec.md §4.3) and returns the chown's errno, since "the
// create/chown failure dominates".
func createAs(path string, uid, gid uint32, create func() error, delete func() error) error {
	if err := create(); err != nil {
		return err
	}

	if err := unix.Fchownat(unix.AT_FDCWD, path, int(uid), int(gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		chownErrno, _ := err.(syscall.Errno)
		if chownErrno == 0 {
			chownErrno = syscall.EIO
		}
		if delErr := delete(); delErr != nil {
			logger.Warn("cannot delete created object after failed chown", "path", path, "error", delErr)
		}
		return &pathError{op: "fchownat", path: path, errno: chownErrno}
	}

	return nil
}

// mkdirHost creates a directory at path, owned by uid/gid.
func mkdirHost(path string, mode uint32, uid, gid uint32) error {
	return createAs(path,
		uid, gid,
		func() error { return wrapErrno("mkdir", path, unix.Mkdir(path, mode)) },
		func() error { return wrapErrno("rmdir", path, unix.Rmdir(path)) },
	)
}

// mknodHost creates a device/special/regular file node at path.
func mknodHost(path string, mode uint32, dev uint64, uid, gid uint32) error {
	return createAs(path,
		uid, gid,
		func() error { return wrapErrno("mknod", path, unix.Mknod(path, mode, int(dev))) },
		func() error { return wrapErrno("unlink", path, unix.Unlink(path)) },
	)
}

// createFileHost creates and opens a regular file at path for the
// caller, owned by uid/gid, and returns the open descriptor.
func createFileHost(path string, flags int, mode uint32, uid, gid uint32) (int, error) {
	var fd int
	err := createAs(path,
		uid, gid,
		func() error {
			f, err := unix.Open(path, flags|unix.O_CREAT|unix.O_EXCL, mode)
			if err != nil {
				return wrapErrno("create", path, err)
			}
			fd = f
			return nil
		},
		func() error { return wrapErrno("unlink", path, unix.Unlink(path)) },
	)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// symlinkHost creates a symlink at path pointing to target, owned by
// uid/gid.
func symlinkHost(path, target string, uid, gid uint32) error {
	return createAs(path,
		uid, gid,
		func() error { return wrapErrno("symlink", path, unix.Symlink(target, path)) },
		func() error { return wrapErrno("unlink", path, unix.Unlink(path)) },
	)
}

func unlinkHost(path string) error {
	return wrapErrno("unlink", path, unix.Unlink(path))
}

func rmdirHost(path string) error {
	return wrapErrno("rmdir", path, unix.Rmdir(path))
}

func renameHost(oldPath, newPath string) error {
	return wrapErrno("rename", oldPath, unix.Rename(oldPath, newPath))
}

// statSyscall stats path without following a trailing symlink, used by
// materializeChild to pick the node kind to wrap a path in.
func statSyscall(path string, st *syscall.Stat_t) error {
	return wrapErrno("stat", path, syscall.Lstat(path, st))
}

func closeFD(fd int) {
	if err := unix.Close(fd); err != nil {
		logger.Warn("close failed", "fd", fd, "error", err)
	}
}

// applyAttrDelta applies a setattr delta (spec.md §4.4) to path: mode,
// ownership, size and times are each changed only if present in delta.
func applyAttrDelta(path string, delta *AttrDelta) error {
	if delta.Mode != nil {
		if err := wrapErrno("chmod", path, unix.Chmod(path, *delta.Mode&0777)); err != nil {
			return err
		}
	}
	if delta.UID != nil || delta.GID != nil {
		uid, gid := -1, -1
		if delta.UID != nil {
			uid = int(*delta.UID)
		}
		if delta.GID != nil {
			gid = int(*delta.GID)
		}
		if err := wrapErrno("chown", path, unix.Chown(path, uid, gid)); err != nil {
			return err
		}
	}
	if delta.Size != nil {
		if err := wrapErrno("truncate", path, unix.Truncate(path, int64(*delta.Size))); err != nil {
			return err
		}
	}
	if delta.Atime != nil || delta.Mtime != nil {
		ts := []unix.Timespec{omitOrTimespec(delta.Atime), omitOrTimespec(delta.Mtime)}
		if err := wrapErrno("utimensat", path, unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)); err != nil {
			return err
		}
	}
	return nil
}

func omitOrTimespec(t *time.Time) unix.Timespec {
	if t == nil {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

// unixFileTypeBits translates a Go os.FileMode's type bits into the
// S_IFxxx constant mknod(2) expects.
func unixFileTypeBits(m os.FileMode) uint32 {
	switch {
	case m&os.ModeDir != 0:
		return unix.S_IFDIR
	case m&os.ModeSymlink != 0:
		return unix.S_IFLNK
	case m&os.ModeNamedPipe != 0:
		return unix.S_IFIFO
	case m&os.ModeSocket != 0:
		return unix.S_IFSOCK
	case m&os.ModeCharDevice != 0:
		return unix.S_IFCHR
	case m&os.ModeDevice != 0:
		return unix.S_IFBLK
	default:
		return unix.S_IFREG
	}
}

// unixModeFromGo composes the S_IFxxx type bits and permission bits for a
// raw mknod(2) call from a kernel-supplied os.FileMode.
func unixModeFromGo(m os.FileMode) uint32 {
	return unixFileTypeBits(m) | uint32(m.Perm())
}

func readlinkHost(path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return "", wrapErrno("readlink", path, err)
	}
	return string(buf[:n]), nil
}

func wrapErrno(op, path string, err error) error {
	if err == nil {
		return nil
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		errno = syscall.EIO
		logger.Warn("host syscall failed without errno", "op", op, "path", path, "error", err)
	}
	return &pathError{op: op, path: path, errno: errno}
}
