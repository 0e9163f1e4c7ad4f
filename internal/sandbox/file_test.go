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
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"golang.org/x/sys/unix"
)

func TestFile(t *testing.T) { RunTests(t) }

type FileTest struct {
	tmpDir string
	path   string
}

func init() { RegisterTestSuite(&FileTest{}) }

func (t *FileTest) SetUp(ti *TestInfo) {
	tmpDir, err := os.MkdirTemp("", "sandbox_file_test")
	AssertEq(nil, err)
	t.tmpDir = tmpDir
	t.path = filepath.Join(tmpDir, "f.txt")
	AssertEq(nil, os.WriteFile(t.path, []byte("original"), 0644))
}

func (t *FileTest) TearDown() {
	os.RemoveAll(t.tmpDir)
}

func (t *FileTest) GetAttrReflectsHostSize() {
	f := NewFile(fuseops.InodeID(2), t.path, true)
	attrs, err := f.GetAttr()
	AssertEq(nil, err)
	ExpectEq(uint64(len("original")), attrs.Size)
}

func (t *FileTest) OpenRejectsWriteOnNonWritableNode() {
	f := NewFile(fuseops.InodeID(2), t.path, false)
	_, err := f.Open(os.O_RDWR)
	AssertThat(err, Not(Equals(nil)))
	ExpectEq(syscall.EPERM, errnoOf(err))
}

func (t *FileTest) OpenAllowsReadOnNonWritableNode() {
	f := NewFile(fuseops.InodeID(2), t.path, false)
	h, err := f.Open(os.O_RDONLY)
	AssertEq(nil, err)
	defer h.Release()

	data, err := h.Read(0, 8)
	AssertEq(nil, err)
	ExpectEq("original", string(data))
}

func (t *FileTest) SetAttrRejectsOnNonWritableNode() {
	f := NewFile(fuseops.InodeID(2), t.path, false)
	_, err := f.SetAttr(&AttrDelta{})
	AssertThat(err, Not(Equals(nil)))
	ExpectEq(syscall.EPERM, errnoOf(err))
}

func (t *FileTest) XattrRoundTripsOnWritableNode() {
	f := NewFile(fuseops.InodeID(2), t.path, true)

	err := f.SetXattr("user.sandbox_test", []byte("value"), 0)
	if err != nil && errnoOf(err) == unix.ENOTSUP {
		return // host filesystem does not support extended attributes
	}
	AssertEq(nil, err)

	buf := make([]byte, 32)
	n, err := f.GetXattr("user.sandbox_test", buf)
	AssertEq(nil, err)
	ExpectEq("value", string(buf[:n]))

	err = f.RemoveXattr("user.sandbox_test")
	AssertEq(nil, err)
}

func (t *FileTest) XattrWriteRejectedOnNonWritableNode() {
	f := NewFile(fuseops.InodeID(2), t.path, false)
	err := f.SetXattr("user.sandbox_test", []byte("value"), 0)
	AssertThat(err, Not(Equals(nil)))
	ExpectEq(syscall.EPERM, errnoOf(err))
}
