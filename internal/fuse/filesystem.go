// Package fuse bridges kernel requests onto the routing filesystem's
// operation vtable. The bridge holds no routing state of its own; every
// namespace decision is delegated to the core.
package fuse

import (
	"context"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/buryhuang/routefs/internal/routefs"
)

// Node is a single filesystem node. Its logical path is derived from its
// position in the inode tree, so one node type serves files, directories
// and symlinks alike.
type Node struct {
	fs.Inode
	core *routefs.FileSystem
}

// NewRoot returns the root node for mounting.
func NewRoot(core *routefs.FileSystem) *Node {
	return &Node{core: core}
}

// path returns the node's logical path rooted at "/".
func (n *Node) path() string {
	return "/" + n.Path(nil)
}

// childPath returns the logical path of a child name.
func (n *Node) childPath(name string) string {
	rel := n.Path(nil)
	if rel == "" {
		return "/" + name
	}
	return "/" + rel + "/" + name
}

func fillAttr(st *unix.Stat_t, attr *fuse.Attr) {
	attr.Ino = st.Ino
	attr.Size = uint64(st.Size)
	attr.Blocks = uint64(st.Blocks)
	attr.Blksize = uint32(st.Blksize)
	attr.Atime = uint64(st.Atim.Sec)
	attr.Atimensec = uint32(st.Atim.Nsec)
	attr.Mtime = uint64(st.Mtim.Sec)
	attr.Mtimensec = uint32(st.Mtim.Nsec)
	attr.Ctime = uint64(st.Ctim.Sec)
	attr.Ctimensec = uint32(st.Ctim.Nsec)
	attr.Mode = st.Mode
	attr.Nlink = uint32(st.Nlink)
	attr.Uid = st.Uid
	attr.Gid = st.Gid
	attr.Rdev = uint32(st.Rdev)
}

func (n *Node) newChild(ctx context.Context, st *unix.Stat_t) *fs.Inode {
	return n.NewInode(ctx, &Node{core: n.core}, fs.StableAttr{
		Mode: st.Mode & unix.S_IFMT,
		Ino:  st.Ino,
	})
}

// Lookup resolves a child by name through the core's existence probe.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	st, errno := n.core.Getattr(n.childPath(name))
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&st, &out.Attr)
	return n.newChild(ctx, &st), 0
}

// Getattr stats the node.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		st, errno := n.core.Fgetattr(h.h)
		if errno != 0 {
			return errno
		}
		fillAttr(&st, &out.Attr)
		return 0
	}
	st, errno := n.core.Getattr(n.path())
	if errno != 0 {
		return errno
	}
	fillAttr(&st, &out.Attr)
	return 0
}

// Setattr maps attribute changes onto the core's chmod/chown/truncate/
// utimens operations.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.path()

	if mode, ok := in.GetMode(); ok {
		if errno := n.core.Chmod(p, mode); errno != 0 {
			return errno
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		if !uok {
			uid = ^uint32(0)
		}
		if !gok {
			gid = ^uint32(0)
		}
		if errno := n.core.Chown(p, uid, gid); errno != 0 {
			return errno
		}
	}

	if size, ok := in.GetSize(); ok {
		var errno syscall.Errno
		if h, isOpen := fh.(*fileHandle); isOpen {
			errno = n.core.Ftruncate(h.h, int64(size))
		} else {
			errno = n.core.Truncate(p, int64(size))
		}
		if errno != 0 {
			return errno
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ts := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if aok {
			ts[0] = unix.NsecToTimespec(atime.UnixNano())
		}
		if mok {
			ts[1] = unix.NsecToTimespec(mtime.UnixNano())
		}
		if errno := n.core.Utimens(p, ts); errno != 0 {
			return errno
		}
	}

	return n.Getattr(ctx, fh, out)
}

// Readlink reads the symlink target.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, errno := n.core.Readlink(n.path())
	if errno != 0 {
		return nil, errno
	}
	return []byte(target), 0
}

// Mknod creates a file node.
func (n *Node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if errno := n.core.Mknod(p, mode, uint64(dev)); errno != 0 {
		return nil, errno
	}
	st, errno := n.core.Getattr(p)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&st, &out.Attr)
	return n.newChild(ctx, &st), 0
}

// Mkdir creates a directory across the meta namespace and the stores.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if errno := n.core.Mkdir(p, mode); errno != 0 {
		return nil, errno
	}
	st, errno := n.core.Getattr(p)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&st, &out.Attr)
	return n.newChild(ctx, &st), 0
}

// Unlink removes a child file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.core.Unlink(n.childPath(name))
}

// Rmdir removes a child directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.core.Rmdir(n.childPath(name))
}

// Symlink creates a symlink.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if errno := n.core.Symlink(target, p); errno != 0 {
		return nil, errno
	}
	st, errno := n.core.Getattr(p)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&st, &out.Attr)
	return n.newChild(ctx, &st), 0
}

// Rename moves a child under a new parent.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return n.core.Rename(n.childPath(name), np.childPath(newName))
}

// Link creates a hard link.
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	p := n.childPath(name)
	if errno := n.core.Link(tn.path(), p); errno != 0 {
		return nil, errno
	}
	st, errno := n.core.Getattr(p)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&st, &out.Attr)
	return n.newChild(ctx, &st), 0
}

// Create creates and opens a child file.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.childPath(name)
	h, errno := n.core.Create(p, mode)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	st, errno := n.core.Getattr(p)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	fillAttr(&st, &out.Attr)
	return n.newChild(ctx, &st), &fileHandle{core: n.core, path: p, h: h}, 0, 0
}

// Open opens the node's backing file.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	h, errno := n.core.Open(p, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return &fileHandle{core: n.core, path: p, h: h}, 0, 0
}

// Opendir validates the directory.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	return n.core.Opendir(n.path())
}

// Readdir streams the union listing of the meta namespace and the object
// maps.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	errno := n.core.Readdir(n.path(), func(name string) bool {
		entries = append(entries, fuse.DirEntry{Name: name})
		return true
	})
	if errno != 0 {
		return nil, errno
	}
	return fs.NewListDirStream(entries), 0
}

// Access checks permissions on the resolved path.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return n.core.Access(n.path(), mask)
}

// Statfs reports backing filesystem statistics.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, errno := n.core.Statfs(n.path())
	if errno != 0 {
		return errno
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.Frsize = uint32(st.Frsize)
	out.NameLen = uint32(st.Namelen)
	return 0
}

// Getxattr reads an extended attribute.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	sz, errno := n.core.Getxattr(n.path(), attr, dest)
	return uint32(sz), errno
}

// Setxattr writes an extended attribute.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.core.Setxattr(n.path(), attr, data)
}

// Listxattr lists extended attribute names.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	sz, errno := n.core.Listxattr(n.path(), dest)
	return uint32(sz), errno
}

// Removexattr removes an extended attribute.
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return n.core.Removexattr(n.path(), attr)
}

// fileHandle wraps an open core handle.
type fileHandle struct {
	core *routefs.FileSystem
	path string
	h    *routefs.Handle
}

// Read reads through the handle.
func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, errno := f.core.Read(f.h, dest, off)
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes through the handle. Writes to the control file are
// interpreted as control commands instead of data.
func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if f.path == ControlFile {
		if errno := f.dispatchControl(data); errno != 0 {
			return 0, errno
		}
		return uint32(len(data)), 0
	}
	n, errno := f.core.Write(f.h, data, off)
	if errno != 0 {
		return 0, errno
	}
	return uint32(n), 0
}

// Flush forwards the close-time flush.
func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return f.core.Flush(f.h)
}

// Release closes the handle and lets the core queue post-processing.
func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return f.core.Release(f.path, f.h)
}

// Fsync synchronizes the handle.
func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	// Bit 0 is FUSE_FSYNC_FDATASYNC.
	return f.core.Fsync(f.h, flags&1 != 0)
}

// ControlFile is the logical path of the admin control channel.
const ControlFile = "/.ifsctl"

// dispatchControl maps a command written to the control file onto the
// core's ioctl handler. The kernel FUSE ioctl opcode is not routed through
// the node API, so the bridge carries the two admin commands over writes.
func (f *fileHandle) dispatchControl(data []byte) syscall.Errno {
	var cmd uint32
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "printdb", "p":
		cmd = routefs.CmdPrintDB
	case "evict", "e":
		cmd = routefs.CmdEvict
	default:
		return syscall.EINVAL
	}
	return f.core.Ioctl(f.path, cmd, false)
}

// Interface conformance; the node API dispatches by embedded interface.
var (
	_ = (fs.NodeLookuper)((*Node)(nil))
	_ = (fs.NodeGetattrer)((*Node)(nil))
	_ = (fs.NodeSetattrer)((*Node)(nil))
	_ = (fs.NodeReadlinker)((*Node)(nil))
	_ = (fs.NodeMknoder)((*Node)(nil))
	_ = (fs.NodeMkdirer)((*Node)(nil))
	_ = (fs.NodeUnlinker)((*Node)(nil))
	_ = (fs.NodeRmdirer)((*Node)(nil))
	_ = (fs.NodeSymlinker)((*Node)(nil))
	_ = (fs.NodeRenamer)((*Node)(nil))
	_ = (fs.NodeLinker)((*Node)(nil))
	_ = (fs.NodeCreater)((*Node)(nil))
	_ = (fs.NodeOpener)((*Node)(nil))
	_ = (fs.NodeOpendirer)((*Node)(nil))
	_ = (fs.NodeReaddirer)((*Node)(nil))
	_ = (fs.NodeAccesser)((*Node)(nil))
	_ = (fs.NodeStatfser)((*Node)(nil))
	_ = (fs.NodeGetxattrer)((*Node)(nil))
	_ = (fs.NodeSetxattrer)((*Node)(nil))
	_ = (fs.NodeListxattrer)((*Node)(nil))
	_ = (fs.NodeRemovexattrer)((*Node)(nil))

	_ = (fs.FileReader)((*fileHandle)(nil))
	_ = (fs.FileWriter)((*fileHandle)(nil))
	_ = (fs.FileFlusher)((*fileHandle)(nil))
	_ = (fs.FileReleaser)((*fileHandle)(nil))
	_ = (fs.FileFsyncer)((*fileHandle)(nil))
)
