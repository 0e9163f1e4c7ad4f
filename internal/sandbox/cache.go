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

import "sync"

// Cache is the path-identity cache contract: given an underlying path
// and the writability the caller wants, it returns the node that should
// represent that path, creating one via create (lazily, only when no
// suitable cached node exists) when necessary. Directories are never
// passed through here — per spec.md §3, directories are never cached.
//
// The cache never fails: any stat required to validate the path has
// already happened in the caller.
type Cache interface {
	// GetOrCreate returns the cached node for (underlyingPath, writable)
	// if one exists and matches, or else calls create and remembers the
	// result according to the cache's policy.
	GetOrCreate(underlyingPath string, writable bool, create func() Node) Node

	// Invalidate drops any cached node for underlyingPath. Called after
	// a successful unlink/rmdir of a mapped path through this file
	// system (spec.md §3's lifecycle rule); out-of-band host deletions
	// are deliberately not observed.
	Invalidate(underlyingPath string)

	// MarkMapped records that underlyingPath was bound by an explicit
	// mapping (as opposed to being discovered via lookup). Only the
	// mapped-only cache variant uses this; the others ignore it.
	MarkMapped(underlyingPath string)
}

type cacheKey struct {
	path     string
	writable bool
}

// NoCache is the "None" cache variant: it never remembers anything and
// always materializes a fresh node.
type NoCache struct{}

func (NoCache) GetOrCreate(_ string, _ bool, create func() Node) Node { return create() }
func (NoCache) Invalidate(_ string)                                   {}
func (NoCache) MarkMapped(_ string)                                   {}

// AllCache is the "All" cache variant: every non-directory node ever
// produced for a given underlying path is remembered and reused as long
// as the requested writability matches.
type AllCache struct {
	mu      sync.Mutex
	entries map[cacheKey]Node
}

// NewAllCache constructs an AllCache.
func NewAllCache() *AllCache {
	return &AllCache{entries: make(map[cacheKey]Node)}
}

func (c *AllCache) GetOrCreate(underlyingPath string, writable bool, create func() Node) Node {
	key := cacheKey{path: underlyingPath, writable: writable}

	c.mu.Lock()
	if n, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return n
	}
	// A cached entry for the same path but the other writability is not
	// a hit: the spec calls this a "missed caching opportunity" rather
	// than an error, since the two entries legitimately refer to
	// different node identities (invariant #2 in spec.md §8).
	if _, ok := c.entries[cacheKey{path: underlyingPath, writable: !writable}]; ok {
		logger.Debug("missed caching opportunity: writability differs", "path", underlyingPath)
	}
	c.mu.Unlock()

	n := create()

	c.mu.Lock()
	c.entries[key] = n
	c.mu.Unlock()
	return n
}

func (c *AllCache) Invalidate(underlyingPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{path: underlyingPath, writable: true})
	delete(c.entries, cacheKey{path: underlyingPath, writable: false})
}

func (c *AllCache) MarkMapped(_ string) {}

// MappedOnlyCache is the "Path-based mapped-only" variant: it behaves
// like AllCache, but only ever caches (and consults) paths that were
// explicitly bound by a mapping, as recorded via MarkMapped. Paths
// discovered only incidentally through lookup are never cached, which
// keeps inode identity stable exactly for the paths a caller actually
// cares about while avoiding unbounded cache growth over a directory
// with many transient lookups.
type MappedOnlyCache struct {
	mu      sync.Mutex
	mapped  map[string]bool
	entries map[cacheKey]Node
}

// NewMappedOnlyCache constructs a MappedOnlyCache.
func NewMappedOnlyCache() *MappedOnlyCache {
	return &MappedOnlyCache{
		mapped:  make(map[string]bool),
		entries: make(map[cacheKey]Node),
	}
}

func (c *MappedOnlyCache) GetOrCreate(underlyingPath string, writable bool, create func() Node) Node {
	c.mu.Lock()
	mapped := c.mapped[underlyingPath]
	if !mapped {
		c.mu.Unlock()
		return create()
	}

	key := cacheKey{path: underlyingPath, writable: writable}
	if n, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return n
	}
	if _, ok := c.entries[cacheKey{path: underlyingPath, writable: !writable}]; ok {
		logger.Debug("missed caching opportunity: writability differs", "path", underlyingPath)
	}
	c.mu.Unlock()

	n := create()

	c.mu.Lock()
	c.entries[key] = n
	c.mu.Unlock()
	return n
}

func (c *MappedOnlyCache) Invalidate(underlyingPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{path: underlyingPath, writable: true})
	delete(c.entries, cacheKey{path: underlyingPath, writable: false})
	delete(c.mapped, underlyingPath)
}

func (c *MappedOnlyCache) MarkMapped(underlyingPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapped[underlyingPath] = true
}
