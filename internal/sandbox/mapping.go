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
	"path"
	"strings"
)

// MappingError describes why a mapping specification, coming from the
// command line or from a reconfiguration request, was rejected.
type MappingError struct {
	Path string
	Kind string
}

func (e *MappingError) Error() string {
	switch e.Kind {
	case "not_absolute":
		return fmt.Sprintf("path %q is not absolute", e.Path)
	case "not_normalized":
		return fmt.Sprintf("path %q is not normalized", e.Path)
	default:
		return fmt.Sprintf("path %q is invalid: %s", e.Path, e.Kind)
	}
}

func notAbsolute(p string) error { return &MappingError{Path: p, Kind: "not_absolute"} }
func notNormalized(p string) error { return &MappingError{Path: p, Kind: "not_normalized"} }

// Mapping describes how an individual path within the sandbox is
// connected to an external path in the underlying file system.
type Mapping struct {
	InnerPath      string
	UnderlyingPath string
	Writable       bool
}

// NewMapping validates and constructs a Mapping from its parts. innerPath
// must be absolute and must not contain ".." components (it may contain
// "." components and repeated separators, which are elided by
// normalization). underlyingPath must be absolute but need not be
// normalized; symlinks inside it are preserved verbatim.
func NewMapping(innerPath, underlyingPath string, writable bool) (*Mapping, error) {
	if !strings.HasPrefix(innerPath, "/") {
		return nil, notAbsolute(innerPath)
	}
	if containsDotDot(innerPath) {
		return nil, notNormalized(innerPath)
	}
	if !strings.HasPrefix(underlyingPath, "/") {
		return nil, notAbsolute(underlyingPath)
	}

	return &Mapping{
		InnerPath:      path.Clean(innerPath),
		UnderlyingPath: underlyingPath,
		Writable:       writable,
	}, nil
}

// containsDotDot reports whether any component of p is "..". Components
// of "." and repeated separators are not flagged; only ".." is.
func containsDotDot(p string) bool {
	for _, c := range strings.Split(p, "/") {
		if c == ".." {
			return true
		}
	}
	return false
}

// IsRoot reports whether this mapping targets the sandbox root.
func (m *Mapping) IsRoot() bool {
	return m.InnerPath == "/"
}

// String renders the mapping the way sandboxfs logs it.
func (m *Mapping) String() string {
	writability := "read-only"
	if m.Writable {
		writability = "read/write"
	}
	return fmt.Sprintf("%s -> %s (%s)", m.InnerPath, m.UnderlyingPath, writability)
}

// Components splits the mapping's inner path into the non-root path
// components relative to the sandbox root, e.g. "/a/b" -> ["a", "b"].
// The root mapping ("/") yields an empty slice.
func (m *Mapping) Components() []string {
	return pathComponents(m.InnerPath)
}

// pathComponents splits an absolute, cleaned path into its non-empty,
// non-root components.
func pathComponents(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// ParseMappingFlag parses the "inner_path:underlying_path:ro|rw" form
// accepted on the command line (spec.md §6).
func ParseMappingFlag(flag string) (*Mapping, error) {
	parts := strings.SplitN(flag, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed mapping %q: expected inner_path:underlying_path:ro|rw", flag)
	}

	var writable bool
	switch parts[2] {
	case "ro":
		writable = false
	case "rw":
		writable = true
	default:
		return nil, fmt.Errorf("malformed mapping %q: writability must be \"ro\" or \"rw\"", flag)
	}

	return NewMapping(parts[0], parts[1], writable)
}
