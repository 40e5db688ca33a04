// Package fusefs binds the operation adapter to the kernel through FUSE.
// Strictly read-only: every mutating operation is answered with EROFS by
// omission.
package fusefs

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xmonader/githubfuse/internal/dircache"
	"github.com/xmonader/githubfuse/internal/fserr"
	"github.com/xmonader/githubfuse/internal/fsops"
)

// FS is the mounted filesystem.
type FS struct {
	adapter *fsops.Adapter
	uid     uint32
	gid     uint32
}

// New creates a filesystem over an operation adapter.
func New(adapter *fsops.Adapter) *FS {
	return &FS{
		adapter: adapter,
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
	}
}

// Root returns the root node for mounting.
func (f *FS) Root() *Node {
	return &Node{fsys: f, path: "/"}
}

// Mount mounts the filesystem at mountPoint.
func (f *FS) Mount(mountPoint string, debug bool) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      debug,
			FsName:     "githubfuse",
			Name:       "githubfuse",
		},
		UID: f.uid,
		GID: f.gid,
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// Node represents one virtual path in the tree.
type Node struct {
	fs.Inode

	fsys *FS
	path string
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeReadlinker = (*Node)(nil)

func (n *Node) child(name string) string {
	if n.path == "/" {
		return "/" + name
	}
	return n.path + "/" + name
}

func fillAttr(fi fsops.FileInfo, uid, gid uint32, out *gofuse.Attr) {
	switch {
	case fi.Dir:
		out.Mode = 0o755 | syscall.S_IFDIR
	case fi.Mode&os.ModeSymlink != 0:
		out.Mode = 0o777 | syscall.S_IFLNK
	default:
		out.Mode = 0o444 | syscall.S_IFREG
	}
	out.Size = uint64(fi.Size)
	mtime := uint64(fi.ModTime.Unix())
	out.Mtime = mtime
	out.Atime = mtime
	out.Ctime = mtime
	out.Uid = uid
	out.Gid = gid
}

// Getattr returns attributes for this path.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	fi, err := n.fsys.adapter.Stat(ctx, n.path)
	if err != nil {
		return fserr.Errno(err)
	}
	fillAttr(fi, n.fsys.uid, n.fsys.gid, &out.Attr)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.child(name)
	fi, err := n.fsys.adapter.Stat(ctx, childPath)
	if err != nil {
		return nil, fserr.Errno(err)
	}

	fillAttr(fi, n.fsys.uid, n.fsys.gid, &out.Attr)

	child := &Node{fsys: n.fsys, path: childPath}
	stable := fs.StableAttr{Mode: out.Attr.Mode}
	return n.NewInode(ctx, child, stable), 0
}

// Readdir lists directory contents.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.fsys.adapter.ReadDir(ctx, n.path)
	if err != nil {
		return nil, fserr.Errno(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(syscall.S_IFREG)
		switch c.Kind {
		case dircache.KindDir:
			mode = syscall.S_IFDIR
		case dircache.KindSymlink:
			mode = syscall.S_IFLNK
		}
		entries = append(entries, gofuse.DirEntry{Name: c.Name, Mode: mode})
	}

	return fs.NewListDirStream(entries), 0
}

// Open prepares a file for reading. Write access is refused: remote
// content is read-only.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	h, err := n.fsys.adapter.Open(ctx, n.path)
	if err != nil {
		return nil, 0, fserr.Errno(err)
	}
	return &fileHandle{h: h}, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read serves a byte range from the open handle.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}

	read, err := handle.h.ReadAt(dest, off)
	if err != nil {
		return nil, fserr.Errno(err)
	}
	return gofuse.ReadResultData(dest[:read]), 0
}

// Readlink resolves a symlink inside a working copy.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.adapter.ReadLink(ctx, n.path)
	if err != nil {
		return nil, fserr.Errno(err)
	}
	return []byte(target), 0
}

// fileHandle wraps an adapter handle for the kernel.
type fileHandle struct {
	h *fsops.Handle
}

var _ fs.FileHandle = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

// Release closes the underlying file.
func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := f.h.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}
