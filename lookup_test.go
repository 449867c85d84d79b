package stackfs

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"
	"time"

	"github.com/absfs/absfs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// statFS rewrites what the lower filesystem reports for chosen lower paths.
type statFS struct {
	absfs.FileSystem
	rewrite map[string]func(os.FileInfo) os.FileInfo
}

type rewrittenInfo struct {
	os.FileInfo
	mode os.FileMode
	sys  any
}

func (i rewrittenInfo) Mode() os.FileMode { return i.mode }
func (i rewrittenInfo) IsDir() bool       { return i.mode.IsDir() }
func (i rewrittenInfo) Sys() any          { return i.sys }

func (s *statFS) fix(name string, info os.FileInfo, err error) (os.FileInfo, error) {
	if err != nil {
		return nil, err
	}
	if fn, ok := s.rewrite[path.Clean(name)]; ok {
		return fn(info), nil
	}
	return info, nil
}

func (s *statFS) Stat(name string) (os.FileInfo, error) {
	info, err := s.FileSystem.Stat(name)
	return s.fix(name, info, err)
}

func (s *statFS) Lstat(name string) (os.FileInfo, error) {
	if sl, ok := s.FileSystem.(absfs.SymLinker); ok {
		info, err := sl.Lstat(name)
		return s.fix(name, info, err)
	}
	return s.Stat(name)
}

func (s *statFS) Lchown(name string, uid, gid int) error {
	if sl, ok := s.FileSystem.(absfs.SymLinker); ok {
		return sl.Lchown(name, uid, gid)
	}
	return s.Chown(name, uid, gid)
}

func (s *statFS) Readlink(name string) (string, error) {
	if sl, ok := s.FileSystem.(absfs.SymLinker); ok {
		return sl.Readlink(name)
	}
	return "", unix.EINVAL
}

func (s *statFS) Symlink(oldname, newname string) error {
	if sl, ok := s.FileSystem.(absfs.SymLinker); ok {
		return sl.Symlink(oldname, newname)
	}
	return unix.EPERM
}

func TestLookupIdentity(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "shared", "data")
	root := sfs.Root()
	defer root.Put()

	const n = 32
	got := make([]*Dentry, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			d, err := sfs.Lookup(context.Background(), root, "shared")
			got[i] = d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i, d := range got {
		if d != got[0] {
			t.Errorf("lookup %d returned a different dentry", i)
		}
		if d.Inode() != got[0].Inode() {
			t.Errorf("lookup %d returned a different inode", i)
		}
	}
	if s := sfs.Stats(); s.Inodes != 2 || s.LowerInodes != 2 {
		t.Errorf("duplicate inodes for one lower object: %+v", s)
	}
	for _, d := range got {
		d.Put()
	}
	checkBalanced(t, sfs)
}

func TestLookupInvalidNames(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "file", "x")
	root := sfs.Root()
	defer root.Put()
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "a/b"} {
		if _, err := sfs.Lookup(ctx, root, name); !errors.Is(err, ErrInvalid) {
			t.Errorf("Lookup(%q) = %v, want EINVAL", name, err)
		}
	}

	file, err := sfs.Lookup(ctx, root, "file")
	if err != nil {
		t.Fatal(err)
	}
	defer file.Put()
	if _, err := sfs.Lookup(ctx, file, "x"); !errors.Is(err, unix.ENOTDIR) {
		t.Errorf("Lookup under a file = %v, want ENOTDIR", err)
	}
}

func TestNegativeToPositive(t *testing.T) {
	sfs, lower := newTestFS(t)
	ctx := context.Background()
	root := sfs.Root()
	defer root.Put()

	d, err := sfs.Lookup(ctx, root, "later")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Negative() || !d.Hashed() {
		t.Fatalf("missing name: negative=%v hashed=%v", d.Negative(), d.Hashed())
	}
	if _, err := sfs.Open(ctx, d, os.O_RDONLY); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Open negative = %v, want ENOENT", err)
	}
	again, err := sfs.Lookup(ctx, root, "later")
	if err != nil {
		t.Fatal(err)
	}
	if again != d {
		t.Error("second lookup did not reuse the negative dentry")
	}
	again.Put()

	if err := sfs.Create(ctx, root, d, 0640); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Negative() {
		t.Fatal("dentry still negative after create")
	}
	if k := d.Inode().Kind(); k != KindRegular {
		t.Errorf("kind = %s, want regular", k)
	}
	info, err := lower.Stat(lowerDir + "/later")
	if err != nil {
		t.Fatalf("lower file missing: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("lower perm = %v", info.Mode().Perm())
	}
	if err := sfs.Create(ctx, root, d, 0640); !errors.Is(err, unix.EEXIST) {
		t.Errorf("Create over positive = %v, want EEXIST", err)
	}
	d.Put()
	checkBalanced(t, sfs)
}

func TestRevalidate(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "f", "data")
	ctx := context.Background()
	root := sfs.Root()
	defer root.Put()

	d, err := sfs.Lookup(ctx, root, "f")
	if err != nil {
		t.Fatal(err)
	}
	d.Put()

	// Replaced below by a directory: the cached entry must not survive.
	if err := lower.Remove(lowerDir + "/f"); err != nil {
		t.Fatal(err)
	}
	if err := lower.Mkdir(lowerDir+"/f", 0755); err != nil {
		t.Fatal(err)
	}
	d, err = sfs.Lookup(ctx, root, "f")
	if err != nil {
		t.Fatal(err)
	}
	if d.Negative() || d.Inode().Kind() != KindDirectory {
		t.Errorf("stale entry served after type change")
	}
	d.Put()

	// Removed below: the entry turns negative.
	if err := lower.Remove(lowerDir + "/f"); err != nil {
		t.Fatal(err)
	}
	d, err = sfs.Lookup(ctx, root, "f")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Negative() {
		t.Errorf("entry still positive after lower removal")
	}
	d.Put()

	// Created below: the negative entry is replaced.
	mustWriteLower(t, lower, "f", "back")
	d, err = sfs.Lookup(ctx, root, "f")
	if err != nil {
		t.Fatal(err)
	}
	if d.Negative() {
		t.Errorf("entry still negative after lower create")
	}
	d.Put()
	checkBalanced(t, sfs)
}

func TestRevalidateCache(t *testing.T) {
	sfs, lower := newTestFS(t, WithRevalidateCache(time.Hour, 16))
	mustWriteLower(t, lower, "f", "data")
	ctx := context.Background()
	root := sfs.Root()
	defer root.Put()

	if cs := sfs.CacheStats(); !cs.Enabled || cs.StatTTL != time.Hour || cs.NegativeTTL != 30*time.Minute {
		t.Fatalf("cache stats = %+v", cs)
	}

	d, err := sfs.Lookup(ctx, root, "f")
	if err != nil {
		t.Fatal(err)
	}
	d.Put()
	// First revalidation populates the cache.
	d, _ = sfs.Lookup(ctx, root, "f")
	d.Put()
	if cs := sfs.CacheStats(); cs.StatCacheSize != 1 {
		t.Errorf("StatCacheSize = %d, want 1", cs.StatCacheSize)
	}

	if err := lower.Remove(lowerDir + "/f"); err != nil {
		t.Fatal(err)
	}
	d, _ = sfs.Lookup(ctx, root, "f")
	if d.Negative() {
		t.Error("cached entry was revalidated against the lower filesystem")
	}
	d.Put()

	checkBalanced(t, sfs)
	if cs := sfs.CacheStats(); cs.StatCacheSize != 0 {
		t.Errorf("cache not cleared on eviction: %+v", cs)
	}
}

func TestLookupCrossDevice(t *testing.T) {
	foreign := func(info os.FileInfo) os.FileInfo {
		return rewrittenInfo{
			FileInfo: info,
			mode:     info.Mode(),
			sys:      &struct{ Dev, Ino uint64 }{Dev: 0xdead, Ino: 42},
		}
	}
	lower := &statFS{
		FileSystem: newLower(t),
		rewrite:    map[string]func(os.FileInfo) os.FileInfo{lowerDir + "/mnt": foreign},
	}
	mustWriteLower(t, lower, "mnt", "elsewhere")
	sfs := mountOn(t, lower)
	root := sfs.Root()
	defer root.Put()

	if _, err := sfs.Lookup(context.Background(), root, "mnt"); !errors.Is(err, ErrCrossDevice) {
		t.Errorf("Lookup across devices = %v, want EXDEV", err)
	}
	checkBalanced(t, sfs)
}

func TestSpecialFiles(t *testing.T) {
	fifo := func(info os.FileInfo) os.FileInfo {
		return rewrittenInfo{FileInfo: info, mode: os.ModeNamedPipe | 0644, sys: info.Sys()}
	}
	lower := &statFS{
		FileSystem: newLower(t),
		rewrite:    map[string]func(os.FileInfo) os.FileInfo{lowerDir + "/pipe": fifo},
	}
	mustWriteLower(t, lower, "pipe", "")
	sfs := mountOn(t, lower)
	ctx := context.Background()

	d := lookupPath(t, sfs, "/pipe")
	if k := d.Inode().Kind(); k != KindSpecial {
		t.Errorf("kind = %s, want special", k)
	}
	if _, err := sfs.Open(ctx, d, os.O_RDONLY); !errors.Is(err, unix.ENXIO) {
		t.Errorf("Open special = %v, want ENXIO", err)
	}
	if d.Label() != LabelNone {
		t.Errorf("failed open left label %q", d.Label())
	}
	d.Put()
	checkBalanced(t, sfs)
}

func TestLowerChangesUnderOpenFile(t *testing.T) {
	tests := []struct {
		name    string
		change  func(lower absfs.FileSystem) error
		wantDir bool
	}{
		{"removed", func(lower absfs.FileSystem) error {
			return lower.Remove(lowerDir + "/ctl")
		}, false},
		{"replaced by directory", func(lower absfs.FileSystem) error {
			if err := lower.Remove(lowerDir + "/ctl"); err != nil {
				return err
			}
			return lower.Mkdir(lowerDir+"/ctl", 0755)
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sfs, lower := newTestFS(t)
			mustWriteLower(t, lower, "ctl", "data")
			ctx := as(unprivileged)
			f := openPath(t, sfs, ctx, "/ctl", os.O_RDWR)
			ino := f.Dentry().Inode()

			if err := tt.change(lower); err != nil {
				t.Fatal(err)
			}
			root := sfs.Root()
			d, err := sfs.Lookup(ctx, root, "ctl")
			root.Put()
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantDir {
				if d.Negative() || d.Inode().Kind() != KindDirectory {
					t.Errorf("new name resolved to %v, want a directory", d.Inode())
				}
				if d.Inode() == ino {
					t.Error("directory shares the open file's inode")
				}
			} else if !d.Negative() {
				t.Error("removed name is still positive")
			}
			d.Put()

			// The open file keeps talking to the object it opened.
			f.Pread(ctx, make([]byte, 4), 0)
			f.Pwrite(ctx, []byte("x"), 0)
			if err := f.Ioctl(ctx, IoctlIOMsg, toggleMsg(t)); err != nil {
				t.Errorf("Ioctl = %v", err)
			}
			if sfs.Mode() != ModeFrozen {
				t.Errorf("mode = %s, want frozen", sfs.Mode())
			}
			if k := ino.Kind(); k != KindRegular {
				t.Errorf("open file's inode turned into %s", k)
			}
			if a := ino.Attr(); a.Mode.IsDir() {
				t.Errorf("open file took the directory's attributes: %v", a.Mode)
			}

			if err := f.Release(ctx); err != nil {
				t.Fatal(err)
			}
			checkBalanced(t, sfs)
		})
	}
}

func TestDirectoryRenamedBelow(t *testing.T) {
	var dev uint64
	const ino = 77
	sameDir := func(info os.FileInfo) os.FileInfo {
		return rewrittenInfo{
			FileInfo: info,
			mode:     info.Mode(),
			sys:      &struct{ Dev, Ino uint64 }{Dev: dev, Ino: ino},
		}
	}
	lower := &statFS{
		FileSystem: newLower(t),
		rewrite: map[string]func(os.FileInfo) os.FileInfo{
			lowerDir + "/a": sameDir,
			lowerDir + "/b": sameDir,
		},
	}
	mustWriteLower(t, lower, "a/file", "moved")
	sfs := mountOn(t, lower)
	dev = sfs.lower.dev
	ctx := context.Background()
	root := sfs.Root()
	defer root.Put()

	a, err := sfs.Lookup(ctx, root, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Put()
	if err := lower.Rename(lowerDir+"/a", lowerDir+"/b"); err != nil {
		t.Fatal(err)
	}

	b, err := sfs.Lookup(ctx, root, "b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Put()
	if b.Inode() != a.Inode() {
		t.Fatal("renamed directory got a second inode")
	}
	lp := b.lowerPath()
	bound := lp.String()
	lp.put()
	if bound != lowerDir+"/b" {
		t.Errorf("b is bound to %s, want %s/b", bound, lowerDir)
	}

	f, err := sfs.Open(ctx, b, os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open renamed directory: %v", err)
	}
	entries, err := f.Readdir(ctx, -1)
	if err != nil || len(entries) != 1 || entries[0].Name != "file" {
		t.Errorf("Readdir = %v, %v", entries, err)
	}
	f.Release(ctx)

	child, err := sfs.Lookup(ctx, b, "file")
	if err != nil {
		t.Fatal(err)
	}
	if child.Negative() {
		t.Error("child of the renamed directory is negative")
	}
	child.Put()
}
