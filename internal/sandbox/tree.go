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
	"fmt"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
)

// ApplyMapping applies a single mapping to root, shared by both initial
// root construction and reconfiguration (spec.md §4.7/§4.8: "We want
// both processes to behave identically").
func ApplyMapping(mapping *Mapping, root *Dir, ids *IDGenerator, cache Cache) error {
	components := mapping.Components()
	if len(components) == 0 {
		return fmt.Errorf("cannot map %s: root can be mapped at most once", mapping)
	}
	if err := root.Map(components, mapping.UnderlyingPath, mapping.Writable, ids, cache); err != nil {
		return fmt.Errorf("cannot map %q: %w", mapping.String(), err)
	}
	return nil
}

// UnmapPath removes the mapping rooted at innerPath from root.
func UnmapPath(root *Dir, innerPath string, cache Cache) error {
	components := pathComponents(innerPath)
	if len(components) == 0 {
		return fmt.Errorf("cannot unmap %q: root cannot be unmapped", innerPath)
	}
	_, err := root.Unmap(components, cache)
	if err != nil {
		return fmt.Errorf("cannot unmap %q: %w", innerPath, err)
	}
	return nil
}

// CreateRoot builds the initial node hierarchy from mappings, per
// spec.md §4.7. If mappings is empty or its first entry does not target
// the root, the root is synthesized as an empty scaffold directory;
// otherwise the first entry's underlying path becomes the mapped root,
// which must already exist and be a directory (a hard, fatal
// precondition per spec.md §7). Every remaining mapping is then applied
// with ApplyMapping; a second root mapping among them is a hard error.
func CreateRoot(mappings []*Mapping, ids *IDGenerator, cache Cache, clock timeutil.Clock) (*Dir, error) {
	var root *Dir
	rest := mappings

	if len(mappings) > 0 && mappings[0].IsRoot() {
		first := mappings[0]
		var st syscall.Stat_t
		if err := statSyscall(first.UnderlyingPath, &st); err != nil {
			return nil, fatalf("failed to map root: stat failed for %q: %v", first.UnderlyingPath, err)
		}
		if st.Mode&syscall.S_IFMT != syscall.S_IFDIR {
			return nil, fatalf("failed to map root: %q is not a directory", first.UnderlyingPath)
		}
		root = NewMappedDir(fuseops.InodeID(ids.Next()), first.UnderlyingPath, first.Writable)
		rest = mappings[1:]
	} else {
		root = NewScaffoldDir(fuseops.InodeID(ids.Next()), clock.Now())
	}

	for _, m := range rest {
		if m.IsRoot() {
			return nil, fatalf("root can be mapped at most once")
		}
		if err := ApplyMapping(m, root, ids, cache); err != nil {
			return nil, err
		}
	}

	return root, nil
}
