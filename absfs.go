package stackfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// absFSAdapter drives a StackFS by path so it can be used wherever an
// absfs filesystem is expected. Every call runs with the adapter's context,
// which carries the caller identity used for labeling.
type absFSAdapter struct {
	sfs *StackFS
	ctx context.Context
}

var (
	_ absfs.Filer     = (*absFSAdapter)(nil)
	_ absfs.SymLinker = (*absFSAdapter)(nil)
)

// FileSystem returns an absfs.SymlinkFileSystem view of the mount. The
// returned FileSystem keeps its own working directory.
//
// Example:
//
//	sfs, err := stackfs.Mount(lower, "/data")
//	if err != nil {
//	    return err
//	}
//	fs := sfs.FileSystem()
//	f, err := fs.Create("/notes.txt")
func (sfs *StackFS) FileSystem() absfs.SymlinkFileSystem {
	return sfs.FileSystemContext(context.Background())
}

// FileSystemContext is FileSystem with a context for every operation. Use
// WithCaller on ctx to open files on behalf of another process.
func (sfs *StackFS) FileSystemContext(ctx context.Context) absfs.SymlinkFileSystem {
	return absfs.ExtendSymlinkFiler(&absFSAdapter{sfs: sfs, ctx: ctx})
}

// namedInfo reports the name a file was reached by instead of the lower
// name.
type namedInfo struct {
	os.FileInfo
	name string
}

func (i namedInfo) Name() string { return i.name }

func baseName(name string) string {
	return path.Base(cleanPath(name))
}

func (a *absFSAdapter) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	name = cleanPath(name)
	f, err := a.openFile(name, flag, perm)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	return &adapterFile{f: f, ctx: a.ctx, name: name}, nil
}

func (a *absFSAdapter) openFile(name string, flag int, perm os.FileMode) (*File, error) {
	sfs, ctx := a.sfs, a.ctx
	dir, d, err := sfs.walkEntry(ctx, name)
	if err != nil {
		return nil, err
	}
	defer dir.Put()
	defer func() { d.Put() }()

	if d.Negative() {
		if flag&os.O_CREATE == 0 {
			return nil, unix.ENOENT
		}
		if err := sfs.Create(ctx, dir, d, perm); err != nil {
			return nil, err
		}
	} else if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
		return nil, unix.EEXIST
	}

	if ino := d.Inode(); ino != nil && ino.kind == KindSymlink {
		target, err := sfs.walk(ctx, name, true)
		if err != nil {
			return nil, err
		}
		d.Put()
		d = target
		if d.Negative() {
			return nil, unix.ENOENT
		}
	}
	return sfs.Open(ctx, d, flag)
}

func (a *absFSAdapter) Mkdir(name string, perm os.FileMode) error {
	name = cleanPath(name)
	sfs, ctx := a.sfs, a.ctx
	dir, d, err := sfs.walkEntry(ctx, name)
	if err != nil {
		return pathError("mkdir", name, err)
	}
	defer dir.Put()
	defer d.Put()
	if dir == d {
		return pathError("mkdir", name, unix.EEXIST)
	}
	return pathError("mkdir", name, sfs.Mkdir(ctx, dir, d, perm))
}

func (a *absFSAdapter) Remove(name string) error {
	name = cleanPath(name)
	sfs, ctx := a.sfs, a.ctx
	dir, d, err := sfs.walkEntry(ctx, name)
	if err != nil {
		return pathError("remove", name, err)
	}
	defer dir.Put()
	defer d.Put()

	ino := d.Inode()
	switch {
	case ino == nil:
		err = unix.ENOENT
	case dir == d:
		err = ErrBusy
	case ino.kind == KindDirectory:
		err = sfs.Rmdir(ctx, dir, d)
	default:
		err = sfs.Unlink(ctx, dir, d)
	}
	return pathError("remove", name, err)
}

func (a *absFSAdapter) Rename(oldpath, newpath string) error {
	oldpath, newpath = cleanPath(oldpath), cleanPath(newpath)
	sfs, ctx := a.sfs, a.ctx
	linkErr := func(err error) error {
		if err == nil {
			return nil
		}
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: Errno(err)}
	}
	if oldpath == newpath {
		_, err := a.Lstat(oldpath)
		return err
	}

	oldDir, oldD, err := sfs.walkEntry(ctx, oldpath)
	if err != nil {
		return linkErr(err)
	}
	defer oldDir.Put()
	defer oldD.Put()
	newDir, newD, err := sfs.walkEntry(ctx, newpath)
	if err != nil {
		return linkErr(err)
	}
	defer newDir.Put()
	defer newD.Put()

	if oldD == oldDir || newD == newDir {
		return linkErr(ErrBusy)
	}
	return linkErr(sfs.Rename(ctx, oldDir, oldD, newDir, newD))
}

func (a *absFSAdapter) stat(op, name string, follow bool) (os.FileInfo, error) {
	name = cleanPath(name)
	d, err := a.sfs.walk(a.ctx, name, follow)
	if err != nil {
		return nil, pathError(op, name, err)
	}
	defer d.Put()
	info, err := a.sfs.Getattr(a.ctx, d)
	if err != nil {
		return nil, pathError(op, name, err)
	}
	return namedInfo{FileInfo: info, name: baseName(name)}, nil
}

func (a *absFSAdapter) Stat(name string) (os.FileInfo, error) {
	return a.stat("stat", name, true)
}

func (a *absFSAdapter) Lstat(name string) (os.FileInfo, error) {
	return a.stat("lstat", name, false)
}

func (a *absFSAdapter) setattr(op, name string, follow bool, sa *SetAttr) error {
	name = cleanPath(name)
	d, err := a.sfs.walk(a.ctx, name, follow)
	if err != nil {
		return pathError(op, name, err)
	}
	defer d.Put()
	return pathError(op, name, a.sfs.Setattr(a.ctx, d, sa))
}

func (a *absFSAdapter) Chmod(name string, mode os.FileMode) error {
	return a.setattr("chmod", name, true, &SetAttr{Valid: SetMode, Mode: mode})
}

func (a *absFSAdapter) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return a.setattr("chtimes", name, true, &SetAttr{Valid: SetAtime | SetMtime, Atime: atime, Mtime: mtime})
}

func (a *absFSAdapter) Chown(name string, uid, gid int) error {
	return a.setattr("chown", name, true, &SetAttr{Valid: SetUid | SetGid, Uid: uid, Gid: gid})
}

func (a *absFSAdapter) Lchown(name string, uid, gid int) error {
	return a.setattr("lchown", name, false, &SetAttr{Valid: SetUid | SetGid, Uid: uid, Gid: gid})
}

// Truncate changes the size of the named file
func (a *absFSAdapter) Truncate(name string, size int64) error {
	name = cleanPath(name)
	if size < 0 {
		return pathError("truncate", name, unix.EINVAL)
	}
	return a.setattr("truncate", name, true, &SetAttr{Valid: SetSize, Size: size})
}

func (a *absFSAdapter) Readlink(name string) (string, error) {
	name = cleanPath(name)
	d, err := a.sfs.walk(a.ctx, name, false)
	if err != nil {
		return "", pathError("readlink", name, err)
	}
	defer d.Put()
	target, err := a.sfs.Readlink(a.ctx, d)
	if err != nil {
		return "", pathError("readlink", name, err)
	}
	return target, nil
}

func (a *absFSAdapter) Symlink(oldname, newname string) error {
	newname = cleanPath(newname)
	sfs, ctx := a.sfs, a.ctx
	dir, d, err := sfs.walkEntry(ctx, newname)
	if err == nil {
		defer dir.Put()
		defer d.Put()
		if dir == d {
			err = unix.EEXIST
		} else {
			err = sfs.Symlink(ctx, dir, d, oldname)
		}
	}
	if err != nil {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: Errno(err)}
	}
	return nil
}

// ReadDir reads the named directory and returns its entries sorted by name.
func (a *absFSAdapter) ReadDir(name string) ([]fs.DirEntry, error) {
	name = cleanPath(name)
	f, err := a.openFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, pathError("readdir", name, err)
	}
	defer f.Release(a.ctx)

	des, err := f.Readdir(a.ctx, 0)
	if err != nil {
		return nil, pathError("readdir", name, err)
	}
	entries := make([]fs.DirEntry, 0, len(des))
	for _, de := range des {
		entries = append(entries, fs.FileInfoToDirEntry(de.Info))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries, nil
}

func (a *absFSAdapter) ReadFile(name string) ([]byte, error) {
	name = cleanPath(name)
	f, err := a.openFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	af := &adapterFile{f: f, ctx: a.ctx, name: name}
	defer af.Close()
	return io.ReadAll(af)
}

// Sub returns a read-only fs.FS rooted at dir.
func (a *absFSAdapter) Sub(dir string) (fs.FS, error) {
	return absfs.FilerToFS(a, cleanPath(dir))
}

// Separator returns the path separator (always forward slash for virtual paths)
func (a *absFSAdapter) Separator() uint8 {
	return '/'
}

// ListSeparator returns the path list separator (always colon for virtual paths)
func (a *absFSAdapter) ListSeparator() uint8 {
	return ':'
}
