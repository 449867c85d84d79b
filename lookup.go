package stackfs

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Lookup resolves name in the directory dir. The returned dentry carries a
// reference the caller must Put. A name that does not exist below comes back
// as a negative dentry, not as an error.
func (sfs *StackFS) Lookup(ctx context.Context, dir *Dentry, name string) (*Dentry, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return nil, ErrInvalid
	}
	ops, _, err := dirOps(dir)
	if err != nil {
		return nil, err
	}
	return ops.lookup(ctx, dir, name)
}

// lookup serves a name from the dentry cache when the cached entry still
// matches the lower filesystem, and resolves it below otherwise.
func (sfs *StackFS) lookup(ctx context.Context, dir *Dentry, name string) (*Dentry, error) {
	if d := sfs.dLookup(dir, name); d != nil {
		if sfs.revalidate(d) {
			return d, nil
		}
		sfs.log.WithField("path", d.Path()).Debug("dentry invalidated")
		d.Drop()
		d.Put()
	}

	d := sfs.dAlloc(dir, name)
	res, err := sfs.lookupSlow(ctx, dir, d)
	if err != nil {
		d.Put()
		return nil, err
	}
	if res != d {
		d.Put()
	}
	return res, nil
}

// lookupSlow resolves d, a fresh unhashed child of dir, against the lower
// filesystem. It returns the dentry that ended up hashed for the name: d
// itself, a directory alias, or the winner of a concurrent lookup.
func (sfs *StackFS) lookupSlow(ctx context.Context, dir, d *Dentry) (*Dentry, error) {
	if err := sfs.allocDentryPrivate(d); err != nil {
		return nil, err
	}

	parent := dir.lowerPath()
	defer parent.put()
	if parent.dentry == nil {
		return nil, unix.ENOENT
	}
	name := d.name

	log := sfs.log.WithFields(logrus.Fields{"dir": parent.String(), "name": name})
	lower, err := sfs.lower.lookupOne(parent.dentry, name)
	switch {
	case err == nil:
		d.setLowerPath(lowerPath{dentry: lower, mnt: parent.mnt.get()})
		res, err := sfs.interpose(d)
		if err != nil {
			d.putResetLowerPath()
			return nil, err
		}
		d = res
		log.Trace("lookup positive")

	case isNotExist(err):
		ld, reused := sfs.lower.negative(parent.dentry, name)
		d.setLowerPath(lowerPath{dentry: ld, mnt: parent.mnt.get()})
		d = sfs.spliceAlias(nil, d)
		log.WithField("reused", reused).Trace("lookup negative")

	default:
		return nil, err
	}

	if ino := d.Inode(); ino != nil {
		copyAttrTimes(ino, ino.lower)
	}
	if dino := dir.Inode(); dino != nil {
		sfs.lower.restat(parent.dentry)
		copyAttrAtime(dino, dino.lower)
	}
	return d, nil
}

// interpose connects d to the upper inode for its lower object. d must
// already be bound to a positive lower path.
func (sfs *StackFS) interpose(d *Dentry) (*Dentry, error) {
	lp := d.lowerPath()
	defer lp.put()

	li := lp.dentry.getInode()
	if li == nil {
		return nil, unix.ENOENT
	}
	if li.key.dev != sfs.lower.dev {
		return nil, ErrCrossDevice
	}
	ino, err := sfs.acquireInode(li)
	if err != nil {
		return nil, err
	}
	return sfs.spliceAlias(ino, d), nil
}

// interposeNew re-reads a lower name that an operation just created and
// makes the negative dentry d positive.
func (sfs *StackFS) interposeNew(d *Dentry, lp lowerPath) error {
	info, err := sfs.lower.lstat(lp.dentry.path())
	if err != nil {
		return err
	}
	st := statOf(info)
	li := sfs.lower.iget(sfs.lower.keyFor(st, lp.dentry), st)
	sfs.lower.instantiate(lp.dentry, li)

	if li.key.dev != sfs.lower.dev {
		return ErrCrossDevice
	}
	ino, err := sfs.acquireInode(li)
	if err != nil {
		return err
	}
	sfs.instantiate(d, ino)
	return nil
}

// revalidate reports whether a cached dentry still describes the lower
// filesystem. The root always does.
func (sfs *StackFS) revalidate(d *Dentry) bool {
	if d == sfs.root {
		return true
	}
	lp := d.lowerPath()
	defer lp.put()
	if lp.dentry == nil || !lp.dentry.isHashed() {
		return false
	}

	ino := d.Inode()
	if ino == nil {
		if sfs.cache.isNegative(d) {
			return true
		}
		if _, err := sfs.lower.lstat(lp.dentry.path()); !isNotExist(err) {
			return false
		}
		sfs.cache.putNegative(d)
		return true
	}

	if sfs.cache.getStat(d, ino.key) {
		return true
	}
	info, err := sfs.lower.lstat(lp.dentry.path())
	if err != nil {
		return false
	}
	st := statOf(info)
	if st.hasIno && (inodeKey{dev: st.dev, ino: st.ino}) != ino.key {
		return false
	}
	if st.mode.Type() != ino.Attr().Mode.Type() {
		return false
	}
	ino.lower.refresh(info)
	sfs.cache.putStat(d, ino.key)
	return true
}

func dirOps(dir *Dentry) (dirOperations, *Inode, error) {
	ino := dir.Inode()
	if ino == nil {
		return nil, nil, unix.ENOENT
	}
	ops, ok := ino.iops.(dirOperations)
	if !ok {
		return nil, nil, unix.ENOTDIR
	}
	return ops, ino, nil
}
