package stackfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/osfs"
	"golang.org/x/sys/unix"
)

// Ensure the absfs view satisfies the interfaces callers rely on.
var (
	_ absfs.Filer     = (*absFSAdapter)(nil)
	_ absfs.SymLinker = (*absFSAdapter)(nil)
)

func TestAdapterFile(t *testing.T) {
	sfs, _ := newTestFS(t)
	fsys := sfs.FileSystem()
	if err := writeFile(fsys, "/f", []byte("abcdef"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := fsys.OpenFile("/f", os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name() != "/f" {
		t.Errorf("Name = %q", f.Name())
	}
	buf := make([]byte, 4)
	if n, err := f.ReadAt(buf, 4); n != 2 || err != io.EOF {
		t.Errorf("short ReadAt = %d, %v; want 2, EOF", n, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if n, err := f.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("Read at end = %d, %v; want 0, EOF", n, err)
	}
	if _, err := f.WriteAt([]byte("XY"), 1); err != nil {
		t.Fatal(err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if info.Name() != "f" || info.Size() != 6 {
		t.Errorf("Stat = %s %d", info.Name(), info.Size())
	}
	if err := f.Sync(); err != nil {
		t.Errorf("Sync = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); !errors.Is(err, unix.EBADF) {
		t.Errorf("second Close = %v, want EBADF", err)
	}
	if got, _ := fsys.ReadFile("/f"); string(got) != "aXYdef" {
		t.Errorf("content = %q", got)
	}

	a, err := fsys.OpenFile("/f", os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.WriteAt([]byte("z"), 0); !errors.Is(err, unix.EBADF) {
		t.Errorf("WriteAt on append file = %v, want EBADF", err)
	}
	if _, err := a.WriteString("!"); err != nil {
		t.Fatal(err)
	}
}

func TestAdapterReaddir(t *testing.T) {
	sfs, lower := newTestFS(t)
	for _, n := range []string{"x", "y", "z"} {
		mustWriteLower(t, lower, "d/"+n, n)
	}
	fsys := sfs.FileSystem()

	f, err := fsys.Open("/d")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var names []string
	for {
		batch, err := f.Readdirnames(2)
		names = append(names, batch...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(names) != 3 {
		t.Errorf("Readdirnames returned %v", names)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	all, err := f.ReadDir(-1)
	if err != nil || len(all) != 3 {
		t.Errorf("ReadDir(-1) = %d entries, %v", len(all), err)
	}
}

func TestAdapterSub(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "web/index.html", "<html>")
	mustWriteLower(t, lower, "web/css/site.css", "body{}")

	sub, err := sfs.FileSystem().Sub("/web")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := fs.ReadFile(sub, "css/site.css"); err != nil || string(got) != "body{}" {
		t.Errorf("ReadFile through Sub = %q, %v", got, err)
	}
	entries, err := fs.ReadDir(sub, ".")
	if err != nil || len(entries) != 2 {
		t.Errorf("ReadDir through Sub = %v, %v", entries, err)
	}
}

func TestAdapterIoctl(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "ctl", "")
	user := sfs.FileSystemContext(as(unprivileged))
	admin := sfs.FileSystemContext(as(privileged))
	msg := toggleMsg(t)

	type ioctler interface{ Ioctl(uint32, []byte) error }

	f, err := admin.Open("/ctl")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.(ioctler).Ioctl(IoctlIOMsg, msg); !errors.Is(err, ErrNotSupported) {
		t.Errorf("privileged Ioctl = %v, want ENOTTY", err)
	}
	f.Close()

	f, err = user.Open("/ctl")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.(ioctler).Ioctl(IoctlIOMsg, msg); err != nil {
		t.Errorf("unprivileged Ioctl = %v", err)
	}
	f.Close()
	if sfs.Mode() != ModeFrozen {
		t.Errorf("mode = %s, want frozen", sfs.Mode())
	}
}

func TestHostLower(t *testing.T) {
	host, err := osfs.NewFS()
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.ToSlash(t.TempDir())
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("host"), 0644); err != nil {
		t.Fatal(err)
	}
	sfs, err := Mount(host, dir, WithLogger(quietLogger()), WithCgroupResolver(testResolver))
	if err != nil {
		t.Fatal(err)
	}

	d := lookupPath(t, sfs, "/f")
	var st syscall.Stat_t
	if err := syscall.Lstat(filepath.Join(dir, "f"), &st); err != nil {
		t.Fatal(err)
	}
	if got := d.Inode().Ino(); got != uint64(st.Ino) {
		t.Errorf("inode number = %d, want %d", got, st.Ino)
	}
	if got := d.Inode().Attr().Nlink; got != uint32(st.Nlink) {
		t.Errorf("nlink = %d, want %d", got, st.Nlink)
	}
	d.Put()

	if got, err := sfs.FileSystem().ReadFile("/f"); err != nil || string(got) != "host" {
		t.Errorf("ReadFile = %q, %v", got, err)
	}
	if _, err := sfs.FileSystem().Stat("/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat missing = %v", err)
	}
	checkBalanced(t, sfs)
	if err := sfs.Unmount(); err != nil {
		t.Fatal(err)
	}
}
