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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestReconfig(t *testing.T) { RunTests(t) }

type ReconfigTest struct {
	tmpDir string
	view   *ReconfigurableView
}

func init() { RegisterTestSuite(&ReconfigTest{}) }

func (t *ReconfigTest) SetUp(ti *TestInfo) {
	tmpDir, err := os.MkdirTemp("", "sandbox_reconfig_test")
	AssertEq(nil, err)
	t.tmpDir = tmpDir

	ids := NewIDGenerator(uint64(fuseops.RootInodeID))
	cache := NoCache{}
	root := NewScaffoldDir(fuseops.InodeID(ids.Next()), time.Now())
	t.view = NewReconfigurableView(root, ids, cache)
}

func (t *ReconfigTest) TearDown() {
	os.RemoveAll(t.tmpDir)
}

func (t *ReconfigTest) decodeResponses(out *bytes.Buffer, n int) []ReconfigResponse {
	dec := json.NewDecoder(out)
	var resps []ReconfigResponse
	for i := 0; i < n; i++ {
		var r ReconfigResponse
		AssertEq(nil, dec.Decode(&r))
		resps = append(resps, r)
	}
	return resps
}

func (t *ReconfigTest) MapThenUnmapRoundTrips() {
	sub := filepath.Join(t.tmpDir, "sub")
	AssertEq(nil, os.Mkdir(sub, 0755))

	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	AssertEq(nil, enc.Encode(ReconfigRequest{ID: 1, Op: "map", Path: "/x", UnderlyingPath: sub, Writable: false}))
	AssertEq(nil, enc.Encode(ReconfigRequest{ID: 2, Op: "unmap", Path: "/x"}))

	var out bytes.Buffer
	err := RunReconfigLoop(t.view, &in, &out)
	AssertEq(nil, err)

	resps := t.decodeResponses(&out, 2)
	ExpectEq(1, resps[0].ID)
	ExpectEq("ok", resps[0].Status)
	ExpectEq(2, resps[1].ID)
	ExpectEq("ok", resps[1].Status)
}

func (t *ReconfigTest) UnknownOpReturnsError() {
	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	AssertEq(nil, enc.Encode(ReconfigRequest{ID: 7, Op: "frobnicate", Path: "/x"}))

	var out bytes.Buffer
	AssertEq(nil, RunReconfigLoop(t.view, &in, &out))

	resps := t.decodeResponses(&out, 1)
	ExpectEq(7, resps[0].ID)
	ExpectEq("error", resps[0].Status)
	ExpectThat(resps[0].Error, HasSubstr("unknown"))
}

func (t *ReconfigTest) MapOfNonexistentPathReturnsError() {
	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	AssertEq(nil, enc.Encode(ReconfigRequest{ID: 1, Op: "map", Path: "/missing", UnderlyingPath: filepath.Join(t.tmpDir, "does-not-exist"), Writable: false}))

	var out bytes.Buffer
	AssertEq(nil, RunReconfigLoop(t.view, &in, &out))

	resps := t.decodeResponses(&out, 1)
	ExpectEq("error", resps[0].Status)
}

func (t *ReconfigTest) MalformedJSONStopsTheLoopWithError() {
	in := bytes.NewBufferString("{not json")
	var out bytes.Buffer
	err := RunReconfigLoop(t.view, in, &out)
	ExpectThat(err, Not(Equals(nil)))
}

func (t *ReconfigTest) EmptyStreamReturnsNilError() {
	in := bytes.NewBufferString("")
	var out bytes.Buffer
	err := RunReconfigLoop(t.view, in, &out)
	ExpectEq(nil, err)
}
