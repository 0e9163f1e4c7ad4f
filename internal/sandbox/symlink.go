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
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// Symlink is a mapped symbolic link node. It holds no cached target;
// readlink re-reads the underlying link on every call, per spec.md §4.4.
type Symlink struct {
	common
	underlyingPath string
}

var _ Node = (*Symlink)(nil)

// NewSymlink wraps underlyingPath as a symlink node.
func NewSymlink(id fuseops.InodeID, underlyingPath string, writable bool) *Symlink {
	return &Symlink{common: common{inode: id, writable: writable}, underlyingPath: underlyingPath}
}

func (s *Symlink) FileTypeCached() fuseutil.DirentType { return fuseutil.DT_Link }

func (s *Symlink) GetAttr() (fuseops.InodeAttributes, error) {
	return statAttr(s.underlyingPath, s.writable)
}

// ReadLink re-reads and returns the symlink's target.
func (s *Symlink) ReadLink() (string, error) {
	return readlinkHost(s.underlyingPath)
}
