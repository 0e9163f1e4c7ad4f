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
	"github.com/jacobsa/timeutil"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestTree(t *testing.T) { RunTests(t) }

type TreeTest struct {
	tmpDir string
	ids    *IDGenerator
	cache  Cache
	clock  timeutil.Clock
}

func init() { RegisterTestSuite(&TreeTest{}) }

func (t *TreeTest) SetUp(ti *TestInfo) {
	tmpDir, err := os.MkdirTemp("", "sandbox_tree_test")
	AssertEq(nil, err)
	t.tmpDir = tmpDir
	t.ids = NewIDGenerator(uint64(fuseops.RootInodeID))
	t.cache = NoCache{}
	t.clock = timeutil.RealClock()
}

func (t *TreeTest) TearDown() {
	os.RemoveAll(t.tmpDir)
}

func (t *TreeTest) EmptyMappingsYieldScaffoldRoot() {
	root, err := CreateRoot(nil, t.ids, t.cache, t.clock)
	AssertEq(nil, err)
	ExpectFalse(root.isMapped())
}

func (t *TreeTest) RootFirstMappingYieldsMappedRoot() {
	m, err := NewMapping("/", t.tmpDir, true)
	AssertEq(nil, err)

	root, err := CreateRoot([]*Mapping{m}, t.ids, t.cache, t.clock)
	AssertEq(nil, err)
	ExpectTrue(root.isMapped())
	ExpectEq(t.tmpDir, root.underlyingPath)
}

func (t *TreeTest) RootMappingOnNonDirectoryIsFatal() {
	filePath := filepath.Join(t.tmpDir, "notadir")
	AssertEq(nil, os.WriteFile(filePath, []byte("x"), 0644))

	m, err := NewMapping("/", filePath, true)
	AssertEq(nil, err)

	_, err = CreateRoot([]*Mapping{m}, t.ids, t.cache, t.clock)
	AssertThat(err, Not(Equals(nil)))
	_, isFatal := err.(*FatalError)
	ExpectTrue(isFatal)
}

func (t *TreeTest) DuplicateRootMappingIsFatal() {
	m1, err := NewMapping("/", t.tmpDir, true)
	AssertEq(nil, err)
	m2, err := NewMapping("/", t.tmpDir, true)
	AssertEq(nil, err)

	_, err = CreateRoot([]*Mapping{m1, m2}, t.ids, t.cache, t.clock)
	AssertThat(err, Not(Equals(nil)))
	_, isFatal := err.(*FatalError)
	ExpectTrue(isFatal)
}

func (t *TreeTest) NonRootMappingCreatesScaffoldAncestors() {
	sub := filepath.Join(t.tmpDir, "sub")
	AssertEq(nil, os.Mkdir(sub, 0755))

	m, err := NewMapping("/a/b", sub, false)
	AssertEq(nil, err)

	root, err := CreateRoot([]*Mapping{m}, t.ids, t.cache, t.clock)
	AssertEq(nil, err)
	ExpectFalse(root.isMapped())

	aNode, _, err := root.Lookup("a", t.ids, t.cache)
	AssertEq(nil, err)
	a, ok := aNode.(*Dir)
	AssertTrue(ok)
	ExpectFalse(a.isMapped())

	bNode, _, err := a.Lookup("b", t.ids, t.cache)
	AssertEq(nil, err)
	b, ok := bNode.(*Dir)
	AssertTrue(ok)
	ExpectTrue(b.isMapped())
	ExpectEq(sub, b.underlyingPath)
}

func (t *TreeTest) UnmapPathRejectsRoot() {
	root, err := CreateRoot(nil, t.ids, t.cache, t.clock)
	AssertEq(nil, err)

	err = UnmapPath(root, "/", t.cache)
	AssertThat(err, Not(Equals(nil)))
}

func (t *TreeTest) ApplyThenUnmapRoundTrips() {
	sub := filepath.Join(t.tmpDir, "sub")
	AssertEq(nil, os.Mkdir(sub, 0755))
	root, err := CreateRoot(nil, t.ids, t.cache, t.clock)
	AssertEq(nil, err)

	m, err := NewMapping("/x", sub, false)
	AssertEq(nil, err)
	AssertEq(nil, ApplyMapping(m, root, t.ids, t.cache))

	AssertEq(nil, UnmapPath(root, "/x", t.cache))

	_, _, err = root.Lookup("x", t.ids, t.cache)
	AssertThat(err, Not(Equals(nil)))
}
