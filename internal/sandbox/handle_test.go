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
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"golang.org/x/sys/unix"
)

func TestHandle(t *testing.T) { RunTests(t) }

type HandleTest struct {
	tmpDir string
	path   string
}

func init() { RegisterTestSuite(&HandleTest{}) }

func (t *HandleTest) SetUp(ti *TestInfo) {
	tmpDir, err := os.MkdirTemp("", "sandbox_handle_test")
	AssertEq(nil, err)
	t.tmpDir = tmpDir
	t.path = filepath.Join(tmpDir, "f.txt")
	AssertEq(nil, os.WriteFile(t.path, []byte("0123456789"), 0644))
}

func (t *HandleTest) TearDown() {
	os.RemoveAll(t.tmpDir)
}

func (t *HandleTest) openHandle(flags int) *FileHandle {
	fd, err := unix.Open(t.path, flags, 0)
	AssertEq(nil, err)
	return NewFileHandle(fuseops.HandleID(1), fd)
}

func (t *HandleTest) ReadReturnsRequestedRange() {
	h := t.openHandle(os.O_RDONLY)
	defer h.Release()

	data, err := h.Read(3, 4)
	AssertEq(nil, err)
	ExpectEq("3456", string(data))
}

func (t *HandleTest) WriteThenReadSeesNewContent() {
	h := t.openHandle(os.O_RDWR)
	defer h.Release()

	n, err := h.Write(0, []byte("ABCD"))
	AssertEq(nil, err)
	ExpectEq(4, n)

	data, err := h.Read(0, 4)
	AssertEq(nil, err)
	ExpectEq("ABCD", string(data))
}

func (t *HandleTest) SyncSucceeds() {
	h := t.openHandle(os.O_RDWR)
	defer h.Release()
	ExpectEq(nil, h.Sync())
}

func (t *HandleTest) ReleaseClosesDescriptor() {
	h := t.openHandle(os.O_RDONLY)
	AssertEq(nil, h.Release())

	_, err := unix.FcntlInt(uintptr(h.fd), unix.F_GETFD, 0)
	ExpectThat(err, Not(Equals(nil)))
}

func (t *HandleTest) ReadDirServesEntriesFromOffset() {
	entries := []DirEntry{
		{Name: "a", Inode: fuseops.InodeID(2), Kind: fuseutil.DT_File},
		{Name: "b", Inode: fuseops.InodeID(3), Kind: fuseutil.DT_File},
		{Name: "c", Inode: fuseops.InodeID(4), Kind: fuseutil.DT_Directory},
	}
	h := NewDirHandle(fuseops.HandleID(1), entries)

	dst := make([]byte, 4096)
	n := h.ReadDir(0, dst)
	ExpectTrue(n > 0)

	tail := make([]byte, 4096)
	n2 := h.ReadDir(fuseops.DirOffset(len(entries)), tail)
	ExpectEq(0, n2)
}

func (t *HandleTest) ReadDirStopsWhenBufferTooSmall() {
	entries := []DirEntry{
		{Name: "a-very-long-name-to-force-truncation", Inode: fuseops.InodeID(2), Kind: fuseutil.DT_File},
	}
	h := NewDirHandle(fuseops.HandleID(1), entries)

	dst := make([]byte, 4)
	n := h.ReadDir(0, dst)
	ExpectEq(0, n)
}
