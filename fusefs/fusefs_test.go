package fusefs

import (
	"context"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/absfs/memfs"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/absfs/stackfs"
)

func newRoot(t *testing.T) (*Node, *stackfs.StackFS) {
	t.Helper()
	lower, err := memfs.NewFS()
	if err != nil {
		t.Fatal(err)
	}
	if err := lower.MkdirAll("/lower/dir", 0755); err != nil {
		t.Fatal(err)
	}
	f, err := lower.Create("/lower/file")
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("stacked"))
	f.Close()

	l := logrus.New()
	l.SetOutput(io.Discard)
	resolver := stackfs.CgroupResolverFunc(func(pid int) (string, error) {
		if pid == 4242 {
			return "/user.slice/job.scope", nil
		}
		return stackfs.DefaultPrivilegedCgroup, nil
	})
	sfs, err := stackfs.Mount(lower, "/lower", stackfs.WithLogger(l), stackfs.WithCgroupResolver(resolver))
	if err != nil {
		t.Fatal(err)
	}
	return NewRoot(sfs), sfs
}

func callerCtx(pid uint32) context.Context {
	return fuse.NewContext(context.Background(), &fuse.Caller{Owner: fuse.Owner{Uid: 1000, Gid: 1000}, Pid: pid})
}

func TestUnixMode(t *testing.T) {
	tests := []struct {
		mode os.FileMode
		want uint32
	}{
		{0644, syscall.S_IFREG | 0644},
		{os.ModeDir | 0755, syscall.S_IFDIR | 0755},
		{os.ModeSymlink | 0777, syscall.S_IFLNK | 0777},
		{os.ModeNamedPipe | 0600, syscall.S_IFIFO | 0600},
		{os.ModeSocket | 0600, syscall.S_IFSOCK | 0600},
		{os.ModeDevice | os.ModeCharDevice | 0620, syscall.S_IFCHR | 0620},
		{os.ModeDevice | 0660, syscall.S_IFBLK | 0660},
		{os.ModeSetuid | os.ModeSticky | 0755, syscall.S_IFREG | syscall.S_ISUID | syscall.S_ISVTX | 0755},
	}
	for _, tt := range tests {
		if got := unixMode(tt.mode); got != tt.want {
			t.Errorf("unixMode(%v) = %#o, want %#o", tt.mode, got, tt.want)
		}
	}
}

func TestFillAttr(t *testing.T) {
	mtime := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)
	var out fuse.Attr
	fillAttr(&out, stackfs.Attr{
		Ino:    12,
		Mode:   0640,
		Size:   1000,
		Nlink:  2,
		Uid:    7,
		Gid:    8,
		Blocks: 2,
		Atime:  mtime,
		Mtime:  mtime,
		Ctime:  mtime,
	})
	if out.Ino != 12 || out.Size != 1000 || out.Nlink != 2 || out.Uid != 7 || out.Gid != 8 || out.Blocks != 2 {
		t.Errorf("attr = %+v", out)
	}
	if out.Mode != syscall.S_IFREG|0640 {
		t.Errorf("mode = %#o", out.Mode)
	}
	if out.Mtime != uint64(mtime.Unix()) || out.Mtimensec != 10 {
		t.Errorf("mtime = %d.%d", out.Mtime, out.Mtimensec)
	}
}

func TestErrno(t *testing.T) {
	if errno(nil) != fs.OK {
		t.Error("nil error is not OK")
	}
	if got := errno(os.ErrNotExist); got != syscall.ENOENT {
		t.Errorf("errno(ErrNotExist) = %v", got)
	}
	if got := errno(stackfs.ErrNotSupported); got != syscall.ENOTTY {
		t.Errorf("errno(ErrNotSupported) = %v", got)
	}
}

func TestRootOperations(t *testing.T) {
	root, sfs := newRoot(t)
	ctx := callerCtx(1)

	var out fuse.AttrOut
	if st := root.Getattr(ctx, nil, &out); st != fs.OK {
		t.Fatalf("Getattr = %v", st)
	}
	if out.Mode&syscall.S_IFDIR == 0 {
		t.Errorf("root mode = %#o", out.Mode)
	}

	ds, st := root.Readdir(ctx)
	if st != fs.OK {
		t.Fatalf("Readdir = %v", st)
	}
	seen := map[string]uint32{}
	for ds.HasNext() {
		e, st := ds.Next()
		if st != fs.OK {
			t.Fatal(st)
		}
		seen[e.Name] = e.Mode
	}
	ds.Close()
	if seen["dir"]&syscall.S_IFDIR == 0 || seen["file"]&syscall.S_IFREG == 0 {
		t.Errorf("entries = %v", seen)
	}

	fh, _, st := root.Open(ctx, uint32(os.O_WRONLY))
	if st != syscall.EISDIR {
		t.Errorf("write open of root = %v, want EISDIR", st)
	}
	if fh != nil {
		t.Error("handle returned on failure")
	}
	if st := root.Unlink(ctx, "dir"); st != syscall.EISDIR {
		t.Errorf("Unlink dir = %v, want EISDIR", st)
	}

	root.OnForget()
	sfs.ShrinkDcache()
	if err := sfs.Unmount(); err != nil {
		t.Errorf("Unmount = %v", err)
	}
}

func TestHandleAndIoctl(t *testing.T) {
	_, sfs := newRoot(t)
	root := sfs.Root()
	defer root.Put()
	d, err := sfs.Lookup(context.Background(), root, "file")
	if err != nil {
		t.Fatal(err)
	}
	node := &Node{sfs: sfs, d: d}

	msg, _ := stackfs.NewControlMessage(1, []byte{0xaa})
	buf, _ := msg.MarshalBinary()

	// A privileged opener cannot flip the mode.
	admin := callerCtx(1)
	fh, _, st := node.Open(admin, uint32(os.O_RDWR))
	if st != fs.OK {
		t.Fatalf("Open = %v", st)
	}
	h := fh.(*handle)
	if _, st := node.Ioctl(admin, fh, stackfs.IoctlIOMsg, 0, buf, nil); st != syscall.ENOTTY {
		t.Errorf("privileged Ioctl = %v, want ENOTTY", st)
	}

	res, st := h.Read(admin, make([]byte, 64), 0)
	if st != fs.OK {
		t.Fatal(st)
	}
	data, _ := res.Bytes(nil)
	if string(data) != "stacked" {
		t.Errorf("Read = %q", data)
	}
	if n, st := h.Write(admin, []byte("S"), 0); st != fs.OK || n != 1 {
		t.Errorf("Write = %d, %v", n, st)
	}
	if off, st := h.Lseek(admin, 2, seekData); st != fs.OK || off != 2 {
		t.Errorf("SEEK_DATA = %d, %v", off, st)
	}
	if off, st := h.Lseek(admin, 2, seekHole); st != fs.OK || off != 7 {
		t.Errorf("SEEK_HOLE = %d, %v", off, st)
	}
	if _, st := h.Lseek(admin, 7, seekData); st != syscall.ENXIO {
		t.Errorf("SEEK_DATA at end = %v, want ENXIO", st)
	}
	if st := h.Flush(admin); st != fs.OK {
		t.Errorf("Flush = %v", st)
	}
	if st := h.Release(admin); st != fs.OK {
		t.Errorf("Release = %v", st)
	}

	// An unprivileged opener can.
	user := callerCtx(4242)
	fh, _, st = node.Open(user, uint32(os.O_RDONLY))
	if st != fs.OK {
		t.Fatalf("Open = %v", st)
	}
	if _, st := node.Ioctl(user, fh, stackfs.IoctlIOMsg, 0, buf, nil); st != fs.OK {
		t.Errorf("unprivileged Ioctl = %v", st)
	}
	if sfs.Mode() != stackfs.ModeFrozen {
		t.Errorf("mode = %s, want frozen", sfs.Mode())
	}
	if _, st := node.Ioctl(user, nil, stackfs.IoctlIOMsg, 0, buf, nil); st != syscall.ENOTTY {
		t.Errorf("Ioctl without handle = %v, want ENOTTY", st)
	}
	fh.(*handle).Release(user)
	node.OnForget()
}
