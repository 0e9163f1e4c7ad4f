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
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestMapping(t *testing.T) { RunTests(t) }

type MappingTest struct {
}

func init() { RegisterTestSuite(&MappingTest{}) }

func (t *MappingTest) RejectsRelativeInnerPath() {
	_, err := NewMapping("rel/path", "/host", false)
	AssertThat(err, Not(Equals(nil)))
	ExpectThat(err.Error(), HasSubstr("not absolute"))
}

func (t *MappingTest) RejectsRelativeUnderlyingPath() {
	_, err := NewMapping("/inner", "host/rel", false)
	AssertThat(err, Not(Equals(nil)))
	ExpectThat(err.Error(), HasSubstr("not absolute"))
}

func (t *MappingTest) RejectsDotDotInInnerPath() {
	_, err := NewMapping("/a/../b", "/host", false)
	AssertThat(err, Not(Equals(nil)))
	ExpectThat(err.Error(), HasSubstr("not normalized"))
}

func (t *MappingTest) NormalizesRepeatedSeparatorsAndDotComponents() {
	m, err := NewMapping("/a//./b/", "/host", false)
	AssertEq(nil, err)
	ExpectEq("/a/b", m.InnerPath)
}

func (t *MappingTest) RootMappingIsRecognized() {
	m, err := NewMapping("/", "/host", true)
	AssertEq(nil, err)
	ExpectTrue(m.IsRoot())
	ExpectThat(m.Components(), ElementsAre())
}

func (t *MappingTest) ComponentsSplitsNonRootPaths() {
	m, err := NewMapping("/a/b/c", "/host", false)
	AssertEq(nil, err)
	ExpectThat(m.Components(), ElementsAre("a", "b", "c"))
}

func (t *MappingTest) ParsesFlagForm() {
	m, err := ParseMappingFlag("/inner:/under:rw")
	AssertEq(nil, err)
	ExpectEq("/inner", m.InnerPath)
	ExpectEq("/under", m.UnderlyingPath)
	ExpectTrue(m.Writable)
}

func (t *MappingTest) RejectsMalformedFlag() {
	_, err := ParseMappingFlag("/inner:/under")
	AssertThat(err, Not(Equals(nil)))
}

func (t *MappingTest) RejectsBadWritabilityToken() {
	_, err := ParseMappingFlag("/inner:/under:maybe")
	AssertThat(err, Not(Equals(nil)))
}

func (t *MappingTest) StringRendersReadability() {
	ro, _ := NewMapping("/a", "/b", false)
	rw, _ := NewMapping("/a", "/b", true)
	ExpectThat(ro.String(), HasSubstr("read-only"))
	ExpectThat(rw.String(), HasSubstr("read/write"))
}
