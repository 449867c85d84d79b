// Package fusefs serves a stackfs mount to the kernel over FUSE.
//
// Each node holds a reference on the stackfs dentry it was looked up
// through and drops it when the kernel forgets the node. The kernel's caller
// identity is passed down so that opens are labeled with the requesting
// process.
package fusefs

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/absfs/stackfs"
)

const (
	seekData = 3
	seekHole = 4
)

// Node is one stackfs dentry as a FUSE inode.
type Node struct {
	fs.Inode

	sfs *stackfs.StackFS
	d   *stackfs.Dentry
}

var (
	_ = (fs.NodeLookuper)((*Node)(nil))
	_ = (fs.NodeGetattrer)((*Node)(nil))
	_ = (fs.NodeSetattrer)((*Node)(nil))
	_ = (fs.NodeOpener)((*Node)(nil))
	_ = (fs.NodeCreater)((*Node)(nil))
	_ = (fs.NodeReaddirer)((*Node)(nil))
	_ = (fs.NodeMkdirer)((*Node)(nil))
	_ = (fs.NodeUnlinker)((*Node)(nil))
	_ = (fs.NodeRmdirer)((*Node)(nil))
	_ = (fs.NodeRenamer)((*Node)(nil))
	_ = (fs.NodeSymlinker)((*Node)(nil))
	_ = (fs.NodeReadlinker)((*Node)(nil))
	_ = (fs.NodeIoctler)((*Node)(nil))
	_ = (fs.NodeOnForgetter)((*Node)(nil))
)

// NewRoot returns the root node of sfs.
func NewRoot(sfs *stackfs.StackFS) *Node {
	return &Node{sfs: sfs, d: sfs.Root()}
}

// Options configure the FUSE server.
type Options struct {
	Name       string
	AllowOther bool
	Debug      bool
	EntryTTL   time.Duration
	AttrTTL    time.Duration
}

// Mount serves sfs at mountpoint. The caller waits on the returned server
// and unmounts it.
func Mount(sfs *stackfs.StackFS, mountpoint string, o Options) (*fuse.Server, error) {
	if o.Name == "" {
		o.Name = "stackfs"
	}
	entry, attr := o.EntryTTL, o.AttrTTL
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: o.AllowOther,
			FsName:     o.Name,
			Name:       o.Name,
			Debug:      o.Debug,
			Options:    []string{"default_permissions"},
		},
		EntryTimeout: &entry,
		AttrTimeout:  &attr,
	}
	return fs.Mount(mountpoint, NewRoot(sfs), opts)
}

// callerContext carries the kernel's caller into stackfs.
func callerContext(ctx context.Context) context.Context {
	if c, ok := fuse.FromContext(ctx); ok {
		return stackfs.WithCaller(ctx, stackfs.Caller{Pid: int(c.Pid), Uid: c.Uid, Gid: c.Gid})
	}
	return ctx
}

func errno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	return stackfs.Errno(err)
}

// unixMode converts an os.FileMode to st_mode bits.
func unixMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= syscall.S_IFDIR
	case m&os.ModeSymlink != 0:
		mode |= syscall.S_IFLNK
	case m&os.ModeNamedPipe != 0:
		mode |= syscall.S_IFIFO
	case m&os.ModeSocket != 0:
		mode |= syscall.S_IFSOCK
	case m&os.ModeCharDevice != 0:
		mode |= syscall.S_IFCHR
	case m&os.ModeDevice != 0:
		mode |= syscall.S_IFBLK
	default:
		mode |= syscall.S_IFREG
	}
	if m&os.ModeSetuid != 0 {
		mode |= syscall.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= syscall.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= syscall.S_ISVTX
	}
	return mode
}

func fillAttr(out *fuse.Attr, a stackfs.Attr) {
	out.Ino = a.Ino
	out.Size = uint64(a.Size)
	out.Blocks = uint64(a.Blocks)
	out.Mode = unixMode(a.Mode)
	out.Nlink = a.Nlink
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Rdev = uint32(a.Rdev)
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

// newChild wraps a positive dentry in a node, consuming the reference on d.
// When the kernel already knows the inode the existing node is returned and
// d is released.
func (n *Node) newChild(ctx context.Context, d *stackfs.Dentry, out *fuse.EntryOut) *fs.Inode {
	ino := d.Inode()
	a := ino.Attr()
	fillAttr(&out.Attr, a)

	child := &Node{sfs: n.sfs, d: d}
	ch := n.NewInode(ctx, child, fs.StableAttr{Mode: unixMode(a.Mode) &^ 07777, Ino: a.Ino})
	if ch.Operations() != child {
		d.Put()
	}
	return ch
}

func (n *Node) OnForget() {
	if n.d != nil {
		n.d.Put()
	}
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ctx = callerContext(ctx)
	d, err := n.sfs.Lookup(ctx, n.d, name)
	if err != nil {
		return nil, errno(err)
	}
	if d.Negative() {
		d.Put()
		return nil, syscall.ENOENT
	}
	return n.newChild(ctx, d, out), fs.OK
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ctx = callerContext(ctx)
	if h, ok := fh.(*handle); ok {
		a, err := h.f.Getattr(ctx)
		if err != nil {
			return errno(err)
		}
		fillAttr(&out.Attr, a)
		return fs.OK
	}
	if _, err := n.sfs.Getattr(ctx, n.d); err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, n.d.Inode().Attr())
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	ctx = callerContext(ctx)
	var sa stackfs.SetAttr
	if m, ok := in.GetMode(); ok {
		sa.Valid |= stackfs.SetMode
		sa.Mode = os.FileMode(m & 0777)
		if m&syscall.S_ISUID != 0 {
			sa.Mode |= os.ModeSetuid
		}
		if m&syscall.S_ISGID != 0 {
			sa.Mode |= os.ModeSetgid
		}
		if m&syscall.S_ISVTX != 0 {
			sa.Mode |= os.ModeSticky
		}
	}
	if uid, ok := in.GetUID(); ok {
		sa.Valid |= stackfs.SetUid
		sa.Uid = int(uid)
	}
	if gid, ok := in.GetGID(); ok {
		sa.Valid |= stackfs.SetGid
		sa.Gid = int(gid)
	}
	if sz, ok := in.GetSize(); ok {
		sa.Valid |= stackfs.SetSize
		sa.Size = int64(sz)
	}
	if at, ok := in.GetATime(); ok {
		sa.Valid |= stackfs.SetAtime
		sa.Atime = at
	}
	if mt, ok := in.GetMTime(); ok {
		sa.Valid |= stackfs.SetMtime
		sa.Mtime = mt
	}
	if err := n.sfs.Setattr(ctx, n.d, &sa); err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, n.d.Inode().Attr())
	return fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f, err := n.sfs.Open(callerContext(ctx), n.d, int(flags))
	if err != nil {
		return nil, 0, errno(err)
	}
	return &handle{f: f}, 0, fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	ctx = callerContext(ctx)
	d, err := n.sfs.Lookup(ctx, n.d, name)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	if err := n.sfs.Create(ctx, n.d, d, os.FileMode(mode&0777)); err != nil {
		d.Put()
		return nil, nil, 0, errno(err)
	}
	f, err := n.sfs.Open(ctx, d, int(flags)&^(os.O_CREATE|os.O_EXCL))
	if err != nil {
		d.Put()
		return nil, nil, 0, errno(err)
	}
	return n.newChild(ctx, d, out), &handle{f: f}, 0, fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	ctx = callerContext(ctx)
	f, err := n.sfs.Open(ctx, n.d, os.O_RDONLY)
	if err != nil {
		return nil, errno(err)
	}
	defer f.Release(ctx)
	des, err := f.Readdir(ctx, 0)
	if err != nil {
		return nil, errno(err)
	}
	list := make([]fuse.DirEntry, 0, len(des))
	for _, de := range des {
		list = append(list, fuse.DirEntry{
			Name: de.Name,
			Ino:  de.Ino,
			Mode: unixMode(de.Mode),
		})
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ctx = callerContext(ctx)
	d, err := n.sfs.Lookup(ctx, n.d, name)
	if err != nil {
		return nil, errno(err)
	}
	if err := n.sfs.Mkdir(ctx, n.d, d, os.FileMode(mode&0777)); err != nil {
		d.Put()
		return nil, errno(err)
	}
	return n.newChild(ctx, d, out), fs.OK
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ctx = callerContext(ctx)
	d, err := n.sfs.Lookup(ctx, n.d, name)
	if err != nil {
		return nil, errno(err)
	}
	if err := n.sfs.Symlink(ctx, n.d, d, target); err != nil {
		d.Put()
		return nil, errno(err)
	}
	return n.newChild(ctx, d, out), fs.OK
}

func (n *Node) remove(ctx context.Context, name string, dir bool) syscall.Errno {
	ctx = callerContext(ctx)
	d, err := n.sfs.Lookup(ctx, n.d, name)
	if err != nil {
		return errno(err)
	}
	defer d.Put()
	if dir {
		return errno(n.sfs.Rmdir(ctx, n.d, d))
	}
	return errno(n.sfs.Unlink(ctx, n.d, d))
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, false)
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, true)
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	ctx = callerContext(ctx)
	oldD, err := n.sfs.Lookup(ctx, n.d, name)
	if err != nil {
		return errno(err)
	}
	defer oldD.Put()
	newD, err := n.sfs.Lookup(ctx, np.d, newName)
	if err != nil {
		return errno(err)
	}
	defer newD.Put()
	return errno(n.sfs.Rename(ctx, n.d, oldD, np.d, newD))
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.sfs.Readlink(callerContext(ctx), n.d)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), fs.OK
}

// Ioctl forwards control commands to the open file they were issued on.
func (n *Node) Ioctl(ctx context.Context, fh fs.FileHandle, cmd uint32, arg uint64, input []byte, output []byte) (int32, syscall.Errno) {
	h, ok := fh.(*handle)
	if !ok {
		return 0, syscall.ENOTTY
	}
	if err := h.f.Ioctl(callerContext(ctx), cmd, input); err != nil {
		return -1, errno(err)
	}
	return 0, fs.OK
}

// handle is an open stackfs file.
type handle struct {
	f *stackfs.File
}

var (
	_ = (fs.FileReader)((*handle)(nil))
	_ = (fs.FileWriter)((*handle)(nil))
	_ = (fs.FileFlusher)((*handle)(nil))
	_ = (fs.FileFsyncer)((*handle)(nil))
	_ = (fs.FileReleaser)((*handle)(nil))
	_ = (fs.FileLseeker)((*handle)(nil))
)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.Pread(callerContext(ctx), dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.f.Pwrite(callerContext(ctx), data, off)
	if err != nil {
		return uint32(n), errno(err)
	}
	return uint32(n), fs.OK
}

func (h *handle) Flush(ctx context.Context) syscall.Errno {
	return errno(h.f.Flush(callerContext(ctx)))
}

func (h *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errno(h.f.Fsync(callerContext(ctx), flags&1 != 0))
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	return errno(h.f.Release(callerContext(ctx)))
}

func (h *handle) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	ctx = callerContext(ctx)
	switch whence {
	case seekData, seekHole:
		a, err := h.f.Getattr(ctx)
		if err != nil {
			return 0, errno(err)
		}
		if off >= uint64(a.Size) {
			return 0, syscall.ENXIO
		}
		if whence == seekData {
			return off, fs.OK
		}
		return uint64(a.Size), fs.OK
	}
	pos, err := h.f.Seek(ctx, int64(off), int(whence))
	if err != nil {
		return 0, errno(err)
	}
	return uint64(pos), fs.OK
}
