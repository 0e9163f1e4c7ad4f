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
	"sync/atomic"

	"github.com/jacobsa/fuse/fuseops"
)

// GenerationNumber is returned to the kernel for every inode this file
// system hands out. Inode numbers are never reused within a process
// lifetime, so a constant generation number is sufficient.
const GenerationNumber fuseops.GenerationNumber = 0

// IDGenerator is a monotonically increasing, lock-free source of inode
// numbers and file handle IDs, shared by every component that needs to
// mint a fresh identifier.
type IDGenerator struct {
	last uint64
}

// NewIDGenerator returns a generator whose first call to Next returns
// start. Callers seed it with fuseops.RootInodeID so the first node
// created (the tree root) receives the kernel's reserved root inode
// number.
func NewIDGenerator(start uint64) *IDGenerator {
	// atomic.AddUint64 returns the value *after* the add, so bias the
	// stored counter by one below the requested start value.
	return &IDGenerator{last: start - 1}
}

// Next returns a fresh, never-before-returned identifier. It panics if
// the 64-bit space is exhausted; per spec.md §4.1 and §7, identifier
// exhaustion is a fatal condition, not a recoverable error.
func (g *IDGenerator) Next() uint64 {
	id := atomic.AddUint64(&g.last, 1)
	if id == 0 {
		panic(fatalf("sandbox: identifier generator exhausted the 64-bit space"))
	}
	return id
}
