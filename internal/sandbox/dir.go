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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// Dir is a directory node. It is either a scaffold (underlyingPath ==
// "", synthesized only to host descendant mappings) or mapped
// (underlyingPath != ""). Its children map holds every name explicitly
// bound underneath it, either by a mapping or by a write operation
// (mkdir/mknod/create/symlink); a mapped directory's readdir listing is
// the union of this map with its underlying directory's own entries,
// the explicit entries shadowing same-named underlying ones.
type Dir struct {
	common

	mu             sync.RWMutex
	underlyingPath string
	children       map[string]Node
	createdAt      time.Time
}

var _ Node = (*Dir)(nil)

// NewScaffoldDir creates a synthetic, read-only directory with no
// underlying path.
func NewScaffoldDir(id fuseops.InodeID, createdAt time.Time) *Dir {
	return &Dir{
		common:    common{inode: id, writable: false},
		children:  make(map[string]Node),
		createdAt: createdAt,
	}
}

// NewMappedDir creates a directory backed by underlyingPath.
func NewMappedDir(id fuseops.InodeID, underlyingPath string, writable bool) *Dir {
	return &Dir{
		common:         common{inode: id, writable: writable},
		underlyingPath: underlyingPath,
		children:       make(map[string]Node),
	}
}

func (d *Dir) FileTypeCached() fuseutil.DirentType { return fuseutil.DT_Directory }

func (d *Dir) isMapped() bool { return d.underlyingPath != "" }

// GetAttr synthesizes attributes for a scaffold directory, or stats the
// underlying path for a mapped one, per spec.md §4.3.
func (d *Dir) GetAttr() (fuseops.InodeAttributes, error) {
	if !d.isMapped() {
		return scaffoldAttrs(d.createdAt), nil
	}
	return statAttr(d.underlyingPath, d.writable)
}

// validateChildName rejects names that could escape the tree or that
// are meaningless as a single path component, per spec.md §3.
func validateChildName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return kerr(syscall.EINVAL)
	}
	return nil
}

// Lookup resolves name within d, returning the existing explicit child
// if any, or materializing one from the underlying directory entry
// otherwise. Per spec.md §3/§9, directories are never consulted in or
// inserted into the path-identity cache: a directory discovered purely
// through lookup (as opposed to an explicit mapping or write operation)
// is not added to d's explicit-children map, so a later repeat lookup
// materializes a fresh directory node rather than reusing this one --
// an accepted quirk of the cache's directory exclusion, not an oversight.
func (d *Dir) Lookup(name string, ids *IDGenerator, cache Cache) (Node, fuseops.InodeAttributes, error) {
	if err := validateChildName(name); err != nil {
		return nil, fuseops.InodeAttributes{}, err
	}

	d.mu.RLock()
	child, ok := d.children[name]
	d.mu.RUnlock()
	if ok {
		attrs, err := child.GetAttr()
		return child, attrs, err
	}

	if !d.isMapped() {
		return nil, fuseops.InodeAttributes{}, kerr(syscall.ENOENT)
	}

	childPath := filepath.Join(d.underlyingPath, name)
	node, err := materializeChild(childPath, d.writable, ids, cache)
	if err != nil {
		return nil, fuseops.InodeAttributes{}, err
	}
	attrs, err := node.GetAttr()
	return node, attrs, err
}

// materializeChild stats an underlying path and wraps it in the node
// kind matching its file type, going through the cache for files and
// symlinks (directories are never cached, per spec.md §3).
func materializeChild(underlyingPath string, writable bool, ids *IDGenerator, cache Cache) (Node, error) {
	var st syscall.Stat_t
	if err := statSyscall(underlyingPath, &st); err != nil {
		return nil, err
	}

	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return NewMappedDir(fuseops.InodeID(ids.Next()), underlyingPath, writable), nil
	case syscall.S_IFLNK:
		return cache.GetOrCreate(underlyingPath, writable, func() Node {
			return NewSymlink(fuseops.InodeID(ids.Next()), underlyingPath, writable)
		}), nil
	default:
		return cache.GetOrCreate(underlyingPath, writable, func() Node {
			return NewFile(fuseops.InodeID(ids.Next()), underlyingPath, writable)
		}), nil
	}
}

// Map performs the recursive-descent mapping algorithm of spec.md §4.3.
func (d *Dir) Map(components []string, underlyingPath string, writable bool, ids *IDGenerator, cache Cache) error {
	if len(components) == 0 {
		return kerr(syscall.EEXIST)
	}
	name := components[0]
	if err := validateChildName(name); err != nil {
		return err
	}

	if len(components) == 1 {
		return d.mapLeaf(name, underlyingPath, writable, ids, cache)
	}

	d.mu.Lock()
	child, ok := d.children[name]
	if !ok {
		child = NewScaffoldDir(fuseops.InodeID(ids.Next()), d.creationClockNow())
		d.children[name] = child
	}
	d.mu.Unlock()

	childDir, ok := child.(*Dir)
	if !ok {
		return kerr(syscall.EEXIST)
	}
	return childDir.Map(components[1:], underlyingPath, writable, ids, cache)
}

// creationClockNow returns the wall-clock time used as the creation time
// of scaffold directories minted by Map. It calls time.Now directly and
// does not consult the clock passed to CreateRoot.
func (d *Dir) creationClockNow() time.Time { return time.Now() }

func (d *Dir) mapLeaf(name, underlyingPath string, writable bool, ids *IDGenerator, cache Cache) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.children[name]; ok {
		existingPath, existingWritable, ok2 := underlyingIdentityOf(existing)
		if ok2 && existingPath == underlyingPath && existingWritable == writable {
			return nil
		}
		return kerr(syscall.EEXIST)
	}

	cache.MarkMapped(underlyingPath)
	node, err := materializeChild(underlyingPath, writable, ids, cache)
	if err != nil {
		return err
	}
	d.children[name] = node
	return nil
}

// underlyingIdentityOf extracts (underlyingPath, writable) from a node,
// used to detect a conflicting re-mapping under the same name.
func underlyingIdentityOf(n Node) (string, bool, bool) {
	switch v := n.(type) {
	case *Dir:
		return v.underlyingPath, v.writable, v.isMapped()
	case *File:
		return v.underlyingPath, v.writable, true
	case *Symlink:
		return v.underlyingPath, v.writable, true
	default:
		return "", false, false
	}
}

// Unmap performs the recursive-descent unmapping algorithm of
// spec.md §4.3/§4.9. It returns whether d itself became an empty
// scaffold directory as a result, so the caller can prune it.
func (d *Dir) Unmap(components []string, cache Cache) (prunable bool, err error) {
	if len(components) == 0 {
		return false, kerr(syscall.EPERM)
	}
	name := components[0]

	if len(components) == 1 {
		d.mu.Lock()
		_, ok := d.children[name]
		if !ok {
			d.mu.Unlock()
			return false, kerr(syscall.ENOENT)
		}
		delete(d.children, name)
		empty := len(d.children) == 0
		d.mu.Unlock()

		return empty && !d.isMapped(), nil
	}

	d.mu.RLock()
	child, ok := d.children[name]
	d.mu.RUnlock()
	if !ok {
		return false, kerr(syscall.ENOENT)
	}
	childDir, ok := child.(*Dir)
	if !ok {
		return false, kerr(syscall.ENOENT)
	}

	childPrunable, err := childDir.Unmap(components[1:], cache)
	if err != nil {
		return false, err
	}

	if childPrunable {
		d.mu.Lock()
		delete(d.children, name)
		empty := len(d.children) == 0
		d.mu.Unlock()
		return empty && !d.isMapped(), nil
	}
	return false, nil
}

// dirEntry pairs a frozen listing entry with the node it refers to, so
// callers can register newly discovered nodes in the façade's table.
type dirEntry struct {
	entry DirEntry
	node  Node
}

// Open produces a frozen directory-listing snapshot: for scaffold
// directories, exactly the explicit children; for mapped directories,
// the union of the underlying directory's entries and the explicit
// children, the latter shadowing same-named underlying ones (spec.md
// §4.3/§4.5). It returns every node the snapshot lists, both those
// materialized from the underlying directory and the explicit children,
// so the caller can register them in the inode table.
func (d *Dir) Open(ids *IDGenerator, cache Cache) (*DirHandle, []Node, error) {
	d.mu.RLock()
	explicitNames := make(map[string]bool, len(d.children))
	var explicit []dirEntry
	for name, child := range d.children {
		explicitNames[name] = true
		explicit = append(explicit, dirEntry{entry: DirEntry{Name: name, Inode: child.Inode(), Kind: child.FileTypeCached()}, node: child})
	}
	underlyingPath := d.underlyingPath
	mapped := d.isMapped()
	writable := d.writable
	d.mu.RUnlock()

	var entries []DirEntry
	var discovered []Node

	if mapped {
		hostEntries, err := os.ReadDir(underlyingPath)
		if err != nil {
			return nil, nil, wrapErrno("readdir", underlyingPath, underlyingErrno(err))
		}
		for _, he := range hostEntries {
			if explicitNames[he.Name()] {
				continue
			}
			childPath := filepath.Join(underlyingPath, he.Name())
			node, err := materializeChild(childPath, writable, ids, cache)
			if err != nil {
				continue // a racing host deletion is not fatal to the listing
			}
			entries = append(entries, DirEntry{Name: he.Name(), Inode: node.Inode(), Kind: node.FileTypeCached()})
			discovered = append(discovered, node)
		}
	}

	for _, de := range explicit {
		entries = append(entries, de.entry)
		discovered = append(discovered, de.node)
	}

	return NewDirHandle(fuseops.HandleID(ids.Next()), entries), discovered, nil
}

func underlyingErrno(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	return syscall.EIO
}

// Mkdir, Mknod, CreateFile and Symlink are the mapped-writable-only
// object-creation primitives of spec.md §4.3, each following the
// create-then-chown protocol (hostfs.go).

func (d *Dir) Mkdir(name string, uid, gid, mode uint32, ids *IDGenerator, cache Cache) (Node, fuseops.InodeAttributes, error) {
	node, err := d.createChild(name, func(path string) error {
		return mkdirHost(path, mode&0777, uid, gid)
	}, func(path string) Node {
		return NewMappedDir(fuseops.InodeID(ids.Next()), path, d.writable)
	})
	if err != nil {
		return nil, fuseops.InodeAttributes{}, err
	}
	attrs, err := node.GetAttr()
	return node, attrs, err
}

func (d *Dir) Mknod(name string, uid, gid, mode uint32, dev uint64, ids *IDGenerator, cache Cache) (Node, fuseops.InodeAttributes, error) {
	var path string
	node, err := d.createChild(name, func(p string) error {
		path = p
		return mknodHost(p, mode, dev, uid, gid)
	}, func(p string) Node {
		return cache.GetOrCreate(p, d.writable, func() Node {
			return NewFile(fuseops.InodeID(ids.Next()), p, d.writable)
		})
	})
	if err != nil {
		return nil, fuseops.InodeAttributes{}, err
	}
	cache.MarkMapped(path)
	attrs, err := node.GetAttr()
	return node, attrs, err
}

func (d *Dir) CreateFile(name string, uid, gid, mode uint32, flags int, ids *IDGenerator, cache Cache) (Node, *FileHandle, fuseops.InodeAttributes, error) {
	if !d.writable || !d.isMapped() {
		return nil, nil, fuseops.InodeAttributes{}, kerr(syscall.EPERM)
	}
	if err := validateChildName(name); err != nil {
		return nil, nil, fuseops.InodeAttributes{}, err
	}

	d.mu.Lock()
	if _, ok := d.children[name]; ok {
		d.mu.Unlock()
		return nil, nil, fuseops.InodeAttributes{}, kerr(syscall.EEXIST)
	}
	path := filepath.Join(d.underlyingPath, name)
	d.mu.Unlock()

	fd, err := createFileHost(path, flags, mode&0777, uid, gid)
	if err != nil {
		return nil, nil, fuseops.InodeAttributes{}, err
	}
	cache.MarkMapped(path)
	node := cache.GetOrCreate(path, d.writable, func() Node {
		return NewFile(fuseops.InodeID(ids.Next()), path, d.writable)
	})

	d.mu.Lock()
	d.children[name] = node
	d.mu.Unlock()

	attrs, err := node.GetAttr()
	if err != nil {
		closeFD(fd)
		return nil, nil, fuseops.InodeAttributes{}, err
	}
	handle := NewFileHandle(fuseops.HandleID(ids.Next()), fd)
	return node, handle, attrs, nil
}

func (d *Dir) Symlink(name, target string, uid, gid uint32, ids *IDGenerator, cache Cache) (Node, fuseops.InodeAttributes, error) {
	var path string
	node, err := d.createChild(name, func(p string) error {
		path = p
		return symlinkHost(p, target, uid, gid)
	}, func(p string) Node {
		return cache.GetOrCreate(p, d.writable, func() Node {
			return NewSymlink(fuseops.InodeID(ids.Next()), p, d.writable)
		})
	})
	if err != nil {
		return nil, fuseops.InodeAttributes{}, err
	}
	cache.MarkMapped(path)
	attrs, err := node.GetAttr()
	return node, attrs, err
}

// createChild is the shared skeleton behind Mkdir/Mknod/Symlink: check
// writability, validate the name, compose the path, run the host
// primitive, and register the resulting node as an explicit child.
func (d *Dir) createChild(name string, create func(path string) error, wrap func(path string) Node) (Node, error) {
	if !d.writable || !d.isMapped() {
		return nil, kerr(syscall.EPERM)
	}
	if err := validateChildName(name); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, ok := d.children[name]; ok {
		d.mu.Unlock()
		return nil, kerr(syscall.EEXIST)
	}
	path := filepath.Join(d.underlyingPath, name)
	d.mu.Unlock()

	if err := create(path); err != nil {
		return nil, err
	}

	node := wrap(path)

	d.mu.Lock()
	d.children[name] = node
	d.mu.Unlock()

	return node, nil
}

// Unlink and Rmdir remove an explicit child and its underlying object.
func (d *Dir) Unlink(name string, cache Cache) error {
	return d.removeChild(name, cache, false)
}

func (d *Dir) Rmdir(name string, cache Cache) error {
	return d.removeChild(name, cache, true)
}

func (d *Dir) removeChild(name string, cache Cache, wantDir bool) error {
	if !d.writable || !d.isMapped() {
		return kerr(syscall.EPERM)
	}

	if err := validateChildName(name); err != nil {
		return err
	}

	d.mu.Lock()
	child, ok := d.children[name]
	dirChild, isDir := child.(*Dir)
	if !ok {
		var st syscall.Stat_t
		if err := statSyscall(filepath.Join(d.underlyingPath, name), &st); err != nil {
			d.mu.Unlock()
			return err
		}
		isDir = st.Mode&syscall.S_IFMT == syscall.S_IFDIR
	}
	if wantDir != isDir {
		d.mu.Unlock()
		if wantDir {
			return kerr(syscall.ENOTDIR)
		}
		return kerr(syscall.EISDIR)
	}
	if dirChild != nil {
		dirChild.mu.RLock()
		nonEmpty := len(dirChild.children) > 0
		dirChild.mu.RUnlock()
		if nonEmpty {
			d.mu.Unlock()
			return kerr(syscall.ENOTEMPTY)
		}
	}
	path := filepath.Join(d.underlyingPath, name)
	d.mu.Unlock()

	var err error
	if wantDir {
		err = rmdirHost(path)
	} else {
		err = unlinkHost(path)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.children, name)
	d.mu.Unlock()
	cache.Invalidate(path)
	return nil
}

// Rename moves name to newName within the same directory.
func (d *Dir) Rename(name, newName string, cache Cache) error {
	if !d.writable || !d.isMapped() {
		return kerr(syscall.EPERM)
	}
	if err := validateChildName(name); err != nil {
		return err
	}
	if err := validateChildName(newName); err != nil {
		return err
	}

	d.mu.Lock()
	child, explicit := d.children[name]
	if existing, ok := d.children[newName]; ok && explicit {
		if !compatibleKinds(child, existing) {
			d.mu.Unlock()
			return kerr(syscall.EEXIST)
		}
	}
	oldPath := filepath.Join(d.underlyingPath, name)
	newPath := filepath.Join(d.underlyingPath, newName)
	d.mu.Unlock()

	if err := renameHost(oldPath, newPath); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.children, name)
	if explicit {
		d.children[newName] = child
	}
	d.mu.Unlock()
	return nil
}

// RenameAcross moves name from d to newName in dest. Per spec.md §5, the
// two directories are locked in inode-number order to avoid deadlock
// against a concurrent rename in the opposite direction.
func (d *Dir) RenameAcross(name string, dest *Dir, newName string, cache Cache) error {
	if !d.writable || !dest.writable || !d.isMapped() || !dest.isMapped() {
		return kerr(syscall.EPERM)
	}
	if err := validateChildName(newName); err != nil {
		return err
	}

	first, second := d, dest
	if second.inode < first.inode {
		first, second = second, first
	}
	first.mu.Lock()
	if first != second {
		second.mu.Lock()
	}

	child, ok := d.children[name]
	if !ok {
		first.mu.Unlock()
		if first != second {
			second.mu.Unlock()
		}
		return kerr(syscall.ENOENT)
	}
	if existing, ok := dest.children[newName]; ok && !compatibleKinds(child, existing) {
		first.mu.Unlock()
		if first != second {
			second.mu.Unlock()
		}
		return kerr(syscall.EEXIST)
	}
	oldPath := filepath.Join(d.underlyingPath, name)
	newPath := filepath.Join(dest.underlyingPath, newName)

	first.mu.Unlock()
	if first != second {
		second.mu.Unlock()
	}

	if err := renameHost(oldPath, newPath); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.children, name)
	d.mu.Unlock()

	dest.mu.Lock()
	dest.children[newName] = child
	dest.mu.Unlock()
	return nil
}

func compatibleKinds(a, b Node) bool {
	_, aDir := a.(*Dir)
	_, bDir := b.(*Dir)
	return aDir == bDir
}

// SetAttr applies a chmod/chown/utimes delta to a mapped directory.
// Directories do not support truncation.
func (d *Dir) SetAttr(delta *AttrDelta) (fuseops.InodeAttributes, error) {
	if !d.writable {
		return fuseops.InodeAttributes{}, kerr(syscall.EPERM)
	}
	if !d.isMapped() {
		return d.GetAttr()
	}
	if err := applyAttrDelta(d.underlyingPath, delta); err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return d.GetAttr()
}
