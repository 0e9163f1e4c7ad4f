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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// ReconfigRequest is one line of the reconfiguration stream (spec.md
// §4.8/§6): a mapping or unmapping operation, tagged with a caller-chosen
// id the matching response echoes back.
type ReconfigRequest struct {
	ID             int    `json:"id"`
	Op             string `json:"op"`
	Path           string `json:"path"`
	UnderlyingPath string `json:"underlying_path,omitempty"`
	Writable       bool   `json:"writable,omitempty"`
}

// ReconfigResponse is written back once per request, in request order.
type ReconfigResponse struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReconfigurableView is the reduced slice of a mounted file system the
// reconfiguration loop is allowed to touch: the root node, the
// identifier generator, and the path-identity cache. Per spec.md §4.8 it
// deliberately does not see the façade's nodes/handles tables, which are
// façade-private; correctness instead relies on each directory's own
// lock, acquired the same way by both the FUSE loop and this loop.
type ReconfigurableView struct {
	root  *Dir
	ids   *IDGenerator
	cache Cache
}

// NewReconfigurableView builds a view over the given tree, shared with
// (but privately owned relative to) the FS that constructed it.
func NewReconfigurableView(root *Dir, ids *IDGenerator, cache Cache) *ReconfigurableView {
	return &ReconfigurableView{root: root, ids: ids, cache: cache}
}

// Map applies a single mapping to the view's root, exactly as the
// initial mapping list is applied at mount time (spec.md §4.7/§4.8: "we
// want both processes to behave identically").
func (v *ReconfigurableView) Map(m *Mapping) error {
	return ApplyMapping(m, v.root, v.ids, v.cache)
}

// Unmap removes the mapping rooted at innerPath from the view's root.
func (v *ReconfigurableView) Unmap(innerPath string) error {
	return UnmapPath(v.root, innerPath, v.cache)
}

func (v *ReconfigurableView) apply(req ReconfigRequest) ReconfigResponse {
	var err error
	switch req.Op {
	case "map":
		var mapping *Mapping
		mapping, err = NewMapping(req.Path, req.UnderlyingPath, req.Writable)
		if err == nil {
			err = v.Map(mapping)
		}
	case "unmap":
		err = v.Unmap(req.Path)
	default:
		err = fmt.Errorf("unknown reconfiguration operation %q", req.Op)
	}

	if err != nil {
		return ReconfigResponse{ID: req.ID, Status: "error", Error: err.Error()}
	}
	return ReconfigResponse{ID: req.ID, Status: "ok"}
}

// RunReconfigLoop reads newline-delimited JSON requests from in and
// writes one newline-delimited JSON response per request to out, in the
// order the requests were read, until in is exhausted. Per spec.md §7,
// a request that decodes but names an invalid mapping or an unknown
// operation, or whose map/unmap fails, surfaces as an error response and
// does not terminate the loop. Input that is not valid JSON ends the loop
// with an error, as does a failure to write a response. Intended to run on its own goroutine, started alongside the
// live FUSE session and stopped by closing in (cmd/sandboxfs wires
// this to the mount's lifetime).
func RunReconfigLoop(view *ReconfigurableView, in io.Reader, out io.Writer) error {
	decoder := json.NewDecoder(bufio.NewReader(in))
	writer := bufio.NewWriter(out)
	encoder := json.NewEncoder(writer)
	defer writer.Flush()

	for {
		var req ReconfigRequest
		if err := decoder.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reconfiguration stream: decode failed: %w", err)
		}

		if err := encoder.Encode(view.apply(req)); err != nil {
			return fmt.Errorf("reconfiguration stream: encode failed: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("reconfiguration stream: flush failed: %w", err)
		}
	}
}
