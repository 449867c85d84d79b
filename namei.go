package stackfs

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// SetAttrMask selects the fields of a SetAttr to apply.
type SetAttrMask uint32

const (
	SetMode SetAttrMask = 1 << iota
	SetUid
	SetGid
	SetSize
	SetAtime
	SetMtime
)

// SetAttr is an attribute change request.
type SetAttr struct {
	Valid SetAttrMask
	Mode  os.FileMode
	Uid   int
	Gid   int
	Size  int64
	Atime time.Time
	Mtime time.Time
}

type mainInodeOps struct{}

type dirInodeOps struct {
	mainInodeOps
}

type symlinkInodeOps struct {
	mainInodeOps
}

// Create makes a regular file for the negative dentry d in dir.
func (sfs *StackFS) Create(ctx context.Context, dir, d *Dentry, perm os.FileMode) error {
	ops, ino, err := dirOps(dir)
	if err != nil {
		return err
	}
	ino.lock.Lock()
	defer ino.lock.Unlock()
	if !d.Negative() {
		return unix.EEXIST
	}
	return ops.create(ctx, dir, d, perm)
}

// Mkdir makes a directory for the negative dentry d in dir.
func (sfs *StackFS) Mkdir(ctx context.Context, dir, d *Dentry, perm os.FileMode) error {
	ops, ino, err := dirOps(dir)
	if err != nil {
		return err
	}
	ino.lock.Lock()
	defer ino.lock.Unlock()
	if !d.Negative() {
		return unix.EEXIST
	}
	return ops.mkdir(ctx, dir, d, perm)
}

// Symlink makes d a symbolic link to target.
func (sfs *StackFS) Symlink(ctx context.Context, dir, d *Dentry, target string) error {
	ops, ino, err := dirOps(dir)
	if err != nil {
		return err
	}
	ino.lock.Lock()
	defer ino.lock.Unlock()
	if !d.Negative() {
		return unix.EEXIST
	}
	return ops.symlink(ctx, dir, d, target)
}

// Unlink removes the non-directory d from dir.
func (sfs *StackFS) Unlink(ctx context.Context, dir, d *Dentry) error {
	ops, ino, err := dirOps(dir)
	if err != nil {
		return err
	}
	ino.lock.Lock()
	defer ino.lock.Unlock()
	child := d.Inode()
	if child == nil {
		return unix.ENOENT
	}
	if child.kind == KindDirectory {
		return unix.EISDIR
	}
	return ops.unlink(ctx, dir, d)
}

// Rmdir removes the empty directory d from dir.
func (sfs *StackFS) Rmdir(ctx context.Context, dir, d *Dentry) error {
	ops, ino, err := dirOps(dir)
	if err != nil {
		return err
	}
	if d == sfs.root {
		return ErrBusy
	}
	ino.lock.Lock()
	defer ino.lock.Unlock()
	child := d.Inode()
	if child == nil {
		return unix.ENOENT
	}
	if child.kind != KindDirectory {
		return unix.ENOTDIR
	}
	return ops.rmdir(ctx, dir, d)
}

// Rename moves oldD in oldDir to newD in newDir, replacing newD when it is
// positive.
func (sfs *StackFS) Rename(ctx context.Context, oldDir, oldD, newDir, newD *Dentry) error {
	ops, oldIno, err := dirOps(oldDir)
	if err != nil {
		return err
	}
	_, newIno, err := dirOps(newDir)
	if err != nil {
		return err
	}
	unlock := lockRename(oldIno, newIno)
	defer unlock()

	src := oldD.Inode()
	if src == nil {
		return unix.ENOENT
	}
	if dst := newD.Inode(); dst != nil {
		if src.kind == KindDirectory && dst.kind != KindDirectory {
			return unix.ENOTDIR
		}
		if src.kind != KindDirectory && dst.kind == KindDirectory {
			return unix.EISDIR
		}
	}
	return ops.rename(ctx, oldDir, oldD, newDir, newD)
}

// lockRename locks two directories in a stable order.
func lockRename(a, b *Inode) func() {
	if a == b {
		a.lock.Lock()
		return a.lock.Unlock
	}
	if b.key.dev < a.key.dev || (b.key.dev == a.key.dev && b.key.ino < a.key.ino) {
		a, b = b, a
	}
	a.lock.Lock()
	b.lock.Lock()
	return func() {
		b.lock.Unlock()
		a.lock.Unlock()
	}
}

// Readlink returns the target of the symlink d.
func (sfs *StackFS) Readlink(ctx context.Context, d *Dentry) (string, error) {
	ino := d.Inode()
	if ino == nil {
		return "", unix.ENOENT
	}
	ops, ok := ino.iops.(linkOperations)
	if !ok {
		return "", unix.EINVAL
	}
	return ops.readlink(ctx, d)
}

// Getattr refreshes d's attributes from the lower object and returns the
// lower file info.
func (sfs *StackFS) Getattr(ctx context.Context, d *Dentry) (os.FileInfo, error) {
	ino := d.Inode()
	if ino == nil {
		return nil, unix.ENOENT
	}
	return ino.iops.getattr(ctx, d)
}

// Setattr applies sa to d's lower object and mirrors the result.
func (sfs *StackFS) Setattr(ctx context.Context, d *Dentry, sa *SetAttr) error {
	ino := d.Inode()
	if ino == nil {
		return unix.ENOENT
	}
	ino.lock.Lock()
	defer ino.lock.Unlock()
	return ino.iops.setattr(ctx, d, sa)
}

func (mainInodeOps) getattr(ctx context.Context, d *Dentry) (os.FileInfo, error) {
	sfs := d.sfs
	lp := d.lowerPath()
	defer lp.put()
	if lp.dentry == nil {
		return nil, unix.ESTALE
	}
	info, err := sfs.lower.lstat(lp.dentry.path())
	if err != nil {
		return nil, err
	}
	ino := d.Inode()
	ino.lower.refresh(info)
	syncFromLower(ino)
	return info, nil
}

func (mainInodeOps) setattr(ctx context.Context, d *Dentry, sa *SetAttr) error {
	sfs := d.sfs
	lp := d.lowerPath()
	defer lp.put()
	if lp.dentry == nil {
		return unix.ESTALE
	}
	ino := d.Inode()
	name := lp.dentry.path()

	if sa.Valid&SetSize != 0 {
		if ino.kind == KindDirectory {
			return unix.EISDIR
		}
		if err := sfs.lower.fs.Truncate(name, sa.Size); err != nil {
			return err
		}
	}
	if sa.Valid&SetMode != 0 {
		if err := sfs.lower.fs.Chmod(name, sa.Mode); err != nil {
			return err
		}
	}
	if sa.Valid&(SetUid|SetGid) != 0 {
		cur := ino.Attr()
		uid, gid := int(cur.Uid), int(cur.Gid)
		if sa.Valid&SetUid != 0 {
			uid = sa.Uid
		}
		if sa.Valid&SetGid != 0 {
			gid = sa.Gid
		}
		if err := sfs.lower.chown(name, uid, gid, ino.kind == KindSymlink); err != nil {
			return err
		}
	}
	if sa.Valid&(SetAtime|SetMtime) != 0 {
		cur := ino.Attr()
		atime, mtime := cur.Atime, cur.Mtime
		if sa.Valid&SetAtime != 0 {
			atime = sa.Atime
		}
		if sa.Valid&SetMtime != 0 {
			mtime = sa.Mtime
		}
		if err := sfs.lower.chtimes(name, atime, mtime); err != nil {
			return err
		}
	}

	if err := sfs.lower.restat(lp.dentry); err != nil {
		return err
	}
	syncFromLower(ino)
	sfs.cache.invalidate(d)
	return nil
}

func (dirInodeOps) lookup(ctx context.Context, dir *Dentry, name string) (*Dentry, error) {
	return dir.sfs.lookup(ctx, dir, name)
}

// lowerParent returns the lower paths of d and its parent dir with the lower
// parent locked. The returned function undoes all of it.
func lowerParent(dir, d *Dentry) (lowerPath, lowerPath, func(), error) {
	lp := d.lowerPath()
	parent := dir.lowerPath()
	if lp.dentry == nil || parent.dentry == nil {
		lp.put()
		parent.put()
		return lowerPath{}, lowerPath{}, nil, unix.ESTALE
	}
	li := parent.dentry.getInode()
	if li == nil {
		lp.put()
		parent.put()
		return lowerPath{}, lowerPath{}, nil, unix.ENOENT
	}
	li.lock.Lock()
	return lp, parent, func() {
		li.lock.Unlock()
		parent.put()
		lp.put()
	}, nil
}

// touchParent mirrors a directory's times and size after its contents
// changed.
func touchParent(dir *Dentry, parent lowerPath) {
	sfs := dir.sfs
	if err := sfs.lower.restat(parent.dentry); err != nil {
		return
	}
	if ino := dir.Inode(); ino != nil {
		copyAttrTimes(ino, ino.lower)
		copyInodeSize(ino, ino.lower)
	}
}

func (dirInodeOps) create(ctx context.Context, dir, d *Dentry, perm os.FileMode) error {
	sfs := dir.sfs
	lp, parent, done, err := lowerParent(dir, d)
	if err != nil {
		return err
	}
	defer done()

	if err := sfs.lower.create(lp.dentry.path(), perm); err != nil {
		return err
	}
	if err := sfs.interposeNew(d, lp); err != nil {
		return err
	}
	touchParent(dir, parent)
	return nil
}

func (dirInodeOps) mkdir(ctx context.Context, dir, d *Dentry, perm os.FileMode) error {
	sfs := dir.sfs
	lp, parent, done, err := lowerParent(dir, d)
	if err != nil {
		return err
	}
	defer done()

	if err := sfs.lower.fs.Mkdir(lp.dentry.path(), perm); err != nil {
		return err
	}
	if err := sfs.interposeNew(d, lp); err != nil {
		return err
	}
	touchParent(dir, parent)
	return nil
}

func (dirInodeOps) symlink(ctx context.Context, dir, d *Dentry, target string) error {
	sfs := dir.sfs
	lp, parent, done, err := lowerParent(dir, d)
	if err != nil {
		return err
	}
	defer done()

	if err := sfs.lower.symlink(target, lp.dentry.path()); err != nil {
		return err
	}
	if err := sfs.interposeNew(d, lp); err != nil {
		return err
	}
	touchParent(dir, parent)
	return nil
}

func (ops dirInodeOps) unlink(ctx context.Context, dir, d *Dentry) error {
	return ops.remove(dir, d)
}

func (ops dirInodeOps) rmdir(ctx context.Context, dir, d *Dentry) error {
	return ops.remove(dir, d)
}

func (dirInodeOps) remove(dir, d *Dentry) error {
	sfs := dir.sfs
	lp, parent, done, err := lowerParent(dir, d)
	if err != nil {
		return err
	}
	defer done()

	if err := sfs.lower.fs.Remove(lp.dentry.path()); err != nil {
		return err
	}
	sfs.lower.dDrop(lp.dentry)
	d.Drop()

	if ino := d.Inode(); ino != nil {
		ino.mu.Lock()
		if ino.attr.Nlink > 0 {
			ino.attr.Nlink--
		}
		ino.mu.Unlock()
	}
	touchParent(dir, parent)
	return nil
}

func (dirInodeOps) rename(ctx context.Context, oldDir, oldD, newDir, newD *Dentry) error {
	sfs := oldDir.sfs
	oldLp := oldD.lowerPath()
	defer oldLp.put()
	newLp := newD.lowerPath()
	defer newLp.put()
	oldParent := oldDir.lowerPath()
	defer oldParent.put()
	newParent := newDir.lowerPath()
	defer newParent.put()
	if oldLp.dentry == nil || newLp.dentry == nil || oldParent.dentry == nil || newParent.dentry == nil {
		return unix.ESTALE
	}

	if err := sfs.lower.fs.Rename(oldLp.dentry.path(), newLp.dentry.path()); err != nil {
		return err
	}
	newName := newD.Name()
	sfs.lower.dDrop(newLp.dentry)
	sfs.lower.dMove(oldLp.dentry, newParent.dentry, newName)

	newD.Drop()
	sfs.dMove(oldD, newDir, newName)

	if ino := oldD.Inode(); ino != nil {
		if err := sfs.lower.restat(oldLp.dentry); err == nil {
			copyAttrAll(ino, ino.lower)
		}
	}
	touchParent(oldDir, oldParent)
	if newDir != oldDir {
		touchParent(newDir, newParent)
	}
	return nil
}

func (symlinkInodeOps) readlink(ctx context.Context, d *Dentry) (string, error) {
	sfs := d.sfs
	lp := d.lowerPath()
	defer lp.put()
	if lp.dentry == nil {
		return "", unix.ESTALE
	}
	target, err := sfs.lower.readlink(lp.dentry.path())
	if err != nil {
		return "", err
	}
	if ino := d.Inode(); ino != nil {
		copyAttrAtime(ino, ino.lower)
	}
	return target, nil
}
