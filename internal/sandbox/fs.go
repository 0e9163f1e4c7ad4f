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
	"context"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// FS is the FUSE façade: it owns the inode and handle tables and
// translates kernel ops into calls against the tree engine (dir.go,
// file.go, symlink.go), translating Node results and errors back into
// fuseops responses. A kernel reference to an inode or handle ID this
// façade never handed out is a programming error below it, not a
// recoverable condition: such a reference panics with a FatalError
// rather than returning an errno (spec.md §4.6/§7).
type FS struct {
	fuseutil.NotImplementedFileSystem

	ids           *IDGenerator
	cache         Cache
	clock         timeutil.Clock
	ttl           time.Duration
	xattrsEnabled bool
	uid           uint32
	gid           uint32

	mu           syncutil.InvariantMutex
	nodes        map[fuseops.InodeID]Node        // GUARDED_BY(mu)
	lookupCounts map[fuseops.InodeID]uint64       // GUARDED_BY(mu)
	fileHandles  map[fuseops.HandleID]*FileHandle // GUARDED_BY(mu)
	dirHandles   map[fuseops.HandleID]*DirHandle  // GUARDED_BY(mu)
}

var _ fuseutil.FileSystem = (*FS)(nil)

// Config collects New's construction-time parameters. Uid/Gid are the
// mount-wide owner applied to every object this file system creates: the
// pinned fuseops vintage carries no per-request credentials (its OpContext
// only has FuseID/Pid), so create-then-chown uses these instead of a
// caller-supplied uid/gid, the way immufs.Config does.
type Config struct {
	Mappings      []*Mapping
	Cache         Cache
	TTL           time.Duration
	XattrsEnabled bool
	Clock         timeutil.Clock
	Uid           uint32
	Gid           uint32
}

// New builds the initial tree from cfg.Mappings and returns a façade
// ready to be handed to fuseutil.NewFileSystemServer.
func New(cfg Config) (*FS, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NoCache{}
	}

	ids := NewIDGenerator(uint64(fuseops.RootInodeID))
	root, err := CreateRoot(cfg.Mappings, ids, cache, clock)
	if err != nil {
		return nil, err
	}

	fs := &FS{
		ids:           ids,
		cache:         cache,
		clock:         clock,
		ttl:           cfg.TTL,
		xattrsEnabled: cfg.XattrsEnabled,
		uid:           cfg.Uid,
		gid:           cfg.Gid,
		nodes:         map[fuseops.InodeID]Node{root.Inode(): root},
		lookupCounts:  map[fuseops.InodeID]uint64{root.Inode(): 1},
		fileHandles:   make(map[fuseops.HandleID]*FileHandle),
		dirHandles:    make(map[fuseops.HandleID]*DirHandle),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs, nil
}

func (fs *FS) checkInvariants() {
	for id, n := range fs.nodes {
		if n.Inode() != id {
			panic("sandbox: node table key does not match its node's inode")
		}
	}
}

// Root returns the tree root, the identifier generator and the
// path-identity cache shared with the reconfiguration loop. Per
// spec.md §4.8, reconfiguration shares the tree but never the façade's
// private inode/lookup-count/handle tables.
func (fs *FS) Root() (*Dir, *IDGenerator, Cache) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nodes[fuseops.RootInodeID].(*Dir), fs.ids, fs.cache
}

func (fs *FS) expiry() time.Time { return fs.clock.Now().Add(fs.ttl) }

func (fs *FS) fillEntry(entry *fuseops.ChildInodeEntry, node Node, attrs fuseops.InodeAttributes) {
	entry.Child = node.Inode()
	entry.Generation = GenerationNumber
	entry.Attributes = attrs
	entry.AttributesExpiration = fs.expiry()
	entry.EntryExpiration = fs.expiry()
}

func (fs *FS) findNode(id fuseops.InodeID) Node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[id]
	if !ok {
		panic(fatalf("kernel referenced unknown inode %d", id))
	}
	return n
}

func (fs *FS) findDir(id fuseops.InodeID) *Dir {
	d, ok := fs.findNode(id).(*Dir)
	if !ok {
		panic(fatalf("kernel referenced inode %d as a directory, but it is not one", id))
	}
	return d
}

func (fs *FS) findFileHandle(id fuseops.HandleID) *FileHandle {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.fileHandles[id]
	if !ok {
		panic(fatalf("kernel referenced unknown file handle %d", id))
	}
	return h
}

func (fs *FS) findDirHandle(id fuseops.HandleID) *DirHandle {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.dirHandles[id]
	if !ok {
		panic(fatalf("kernel referenced unknown directory handle %d", id))
	}
	return h
}

// registerNode inserts a newly materialized node into the inode table
// if it is not already present, and bumps its kernel lookup count: per
// the FUSE protocol, every entry handed back from lookup/mkdir/create/
// etc. counts as one reference the kernel will eventually release with
// ForgetInode.
func (fs *FS) registerNode(n Node) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.nodes[n.Inode()]; !ok {
		fs.nodes[n.Inode()] = n
	}
	fs.lookupCounts[n.Inode()]++
}

func (fs *FS) registerNodes(ns []Node) {
	for _, n := range ns {
		fs.registerNode(n)
	}
}

func (fs *FS) registerFileHandle(h *FileHandle) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fileHandles[h.id] = h
}

func (fs *FS) registerDirHandle(h *DirHandle) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirHandles[h.id] = h
}

func (fs *FS) forgetOne(id fuseops.InodeID, n uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cnt, ok := fs.lookupCounts[id]
	if !ok {
		return
	}
	if n >= cnt {
		delete(fs.lookupCounts, id)
		delete(fs.nodes, id)
		return
	}
	fs.lookupCounts[id] = cnt - n
}

func (fs *FS) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent := fs.findDir(op.Parent)
	node, attrs, err := parent.Lookup(op.Name, fs.ids, fs.cache)
	if err != nil {
		return errnoOf(err)
	}
	fs.registerNode(node)
	fs.fillEntry(&op.Entry, node, attrs)
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	node := fs.findNode(op.Inode)
	attrs, err := node.GetAttr()
	if err != nil {
		return errnoOf(err)
	}
	op.Attributes = attrs
	op.AttributesExpiration = fs.expiry()
	return nil
}

// convertModeDelta narrows a kernel-supplied *os.FileMode setattr field
// to the permission-bits-only *uint32 the tree engine's AttrDelta deals
// in (hostfs.go's applyAttrDelta masks to 0777 again regardless).
func convertModeDelta(m *os.FileMode) *uint32 {
	if m == nil {
		return nil
	}
	mode := uint32(m.Perm())
	return &mode
}

func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	node := fs.findNode(op.Inode)
	delta := &AttrDelta{
		Mode:  convertModeDelta(op.Mode),
		UID:   op.Uid,
		GID:   op.Gid,
		Size:  op.Size,
		Atime: op.Atime,
		Mtime: op.Mtime,
	}

	var attrs fuseops.InodeAttributes
	var err error
	switch n := node.(type) {
	case *File:
		attrs, err = n.SetAttr(delta)
	case *Dir:
		attrs, err = n.SetAttr(delta)
	case *Symlink:
		attrs, err = n.GetAttr()
	default:
		err = kerr(syscall.ENOSYS)
	}
	if err != nil {
		return errnoOf(err)
	}
	op.Attributes = attrs
	op.AttributesExpiration = fs.expiry()
	return nil
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.forgetOne(op.Inode, op.N)
	return nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent := fs.findDir(op.Parent)
	node, attrs, err := parent.Mkdir(op.Name, fs.uid, fs.gid, uint32(op.Mode.Perm()), fs.ids, fs.cache)
	if err != nil {
		return errnoOf(err)
	}
	fs.registerNode(node)
	fs.fillEntry(&op.Entry, node, attrs)
	return nil
}

// MkNode creates a device/special file. The pinned fuseops.MkNodeOp carries
// no Rdev field (confirmed against immufs.MkNode, which passes only
// op.Parent/op.Name/op.Mode through), so every node this creates is a plain
// mknod(2) with a zero device number.
func (fs *FS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parent := fs.findDir(op.Parent)
	node, attrs, err := parent.Mknod(op.Name, fs.uid, fs.gid, unixModeFromGo(op.Mode), 0, fs.ids, fs.cache)
	if err != nil {
		return errnoOf(err)
	}
	fs.registerNode(node)
	fs.fillEntry(&op.Entry, node, attrs)
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent := fs.findDir(op.Parent)
	node, handle, attrs, err := parent.CreateFile(op.Name, fs.uid, fs.gid, uint32(op.Mode.Perm()), int(op.Flags), fs.ids, fs.cache)
	if err != nil {
		return errnoOf(err)
	}
	fs.registerNode(node)
	fs.registerFileHandle(handle)
	fs.fillEntry(&op.Entry, node, attrs)
	op.Handle = handle.id
	return nil
}

// CreateLink is hard-link creation, an explicit Non-goal (spec.md): the
// tree engine has no notion of a node with more than one path, so this
// always fails rather than pretending to support it.
func (fs *FS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	return syscall.EPERM
}

func (fs *FS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent := fs.findDir(op.Parent)
	node, attrs, err := parent.Symlink(op.Name, op.Target, fs.uid, fs.gid, fs.ids, fs.cache)
	if err != nil {
		return errnoOf(err)
	}
	fs.registerNode(node)
	fs.fillEntry(&op.Entry, node, attrs)
	return nil
}

func (fs *FS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	sym, ok := fs.findNode(op.Inode).(*Symlink)
	if !ok {
		panic(fatalf("kernel referenced inode %d as a symlink, but it is not one", op.Inode))
	}
	target, err := sym.ReadLink()
	if err != nil {
		return errnoOf(err)
	}
	op.Target = target
	return nil
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent := fs.findDir(op.OldParent)
	newParent := fs.findDir(op.NewParent)

	var err error
	if oldParent == newParent {
		err = oldParent.Rename(op.OldName, op.NewName, fs.cache)
	} else {
		err = oldParent.RenameAcross(op.OldName, newParent, op.NewName, fs.cache)
	}
	if err != nil {
		return errnoOf(err)
	}
	return nil
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent := fs.findDir(op.Parent)
	if err := parent.Rmdir(op.Name, fs.cache); err != nil {
		return errnoOf(err)
	}
	return nil
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent := fs.findDir(op.Parent)
	if err := parent.Unlink(op.Name, fs.cache); err != nil {
		return errnoOf(err)
	}
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	dir := fs.findDir(op.Inode)
	handle, discovered, err := dir.Open(fs.ids, fs.cache)
	if err != nil {
		return errnoOf(err)
	}
	fs.registerNodes(discovered)
	fs.registerDirHandle(handle)
	op.Handle = handle.id
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	handle := fs.findDirHandle(op.Handle)
	op.BytesRead = handle.ReadDir(op.Offset, op.Dst)
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	file, ok := fs.findNode(op.Inode).(*File)
	if !ok {
		panic(fatalf("kernel referenced inode %d as a file, but it is not one", op.Inode))
	}
	handle, err := file.Open(int(op.Flags))
	if err != nil {
		return errnoOf(err)
	}
	handle.id = fuseops.HandleID(fs.ids.Next())
	fs.registerFileHandle(handle)
	op.Handle = handle.id
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	handle := fs.findFileHandle(op.Handle)
	data, err := handle.Read(op.Offset, len(op.Dst))
	if err != nil {
		return errnoOf(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	handle := fs.findFileHandle(op.Handle)
	if _, err := handle.Write(op.Offset, op.Data); err != nil {
		return errnoOf(err)
	}
	return nil
}

func (fs *FS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	handle := fs.findFileHandle(op.Handle)
	if err := handle.Sync(); err != nil {
		return errnoOf(err)
	}
	return nil
}

// FlushFile has nothing to do: every write already lands on the host
// file descriptor synchronously (handle.go's Write is a direct pwrite).
func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	handle, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if ok {
		if err := handle.Release(); err != nil {
			logger.Warn("release failed", "handle", op.Handle, "error", err)
		}
	}
	return nil
}

// Xattr operations are gated on the mount-wide xattrs_enabled flag
// (spec.md §4.6/C.2) and only meaningful on regular files in this tree
// engine; a directory or symlink target reports ENOSYS rather than
// silently succeeding.

func (fs *FS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	if !fs.xattrsEnabled {
		return syscall.ENOSYS
	}
	file, ok := fs.findNode(op.Inode).(*File)
	if !ok {
		return syscall.ENOSYS
	}
	n, err := file.GetXattr(op.Name, op.Dst)
	if err != nil {
		return errnoOf(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *FS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	if !fs.xattrsEnabled {
		return syscall.ENOSYS
	}
	file, ok := fs.findNode(op.Inode).(*File)
	if !ok {
		return syscall.ENOSYS
	}
	n, err := file.ListXattr(op.Dst)
	if err != nil {
		return errnoOf(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *FS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	if !fs.xattrsEnabled {
		return syscall.ENOSYS
	}
	file, ok := fs.findNode(op.Inode).(*File)
	if !ok {
		return syscall.ENOSYS
	}
	if err := file.SetXattr(op.Name, op.Value, int(op.Flags)); err != nil {
		return errnoOf(err)
	}
	return nil
}

func (fs *FS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	if !fs.xattrsEnabled {
		return syscall.ENOSYS
	}
	file, ok := fs.findNode(op.Inode).(*File)
	if !ok {
		return syscall.ENOSYS
	}
	if err := file.RemoveXattr(op.Name); err != nil {
		return errnoOf(err)
	}
	return nil
}
