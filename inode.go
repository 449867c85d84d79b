package stackfs

import (
	"context"
	"os"
	"sync"
)

// Kind is the variant of an upper inode, fixed when it is created from the
// lower object's type.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindSpecial:
		return "special"
	}
	return "unknown"
}

func kindOf(mode os.FileMode) Kind {
	switch {
	case mode.IsDir():
		return KindDirectory
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	case mode&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		return KindSpecial
	}
	return KindRegular
}

// inodeOperations is implemented by every inode variant.
type inodeOperations interface {
	getattr(ctx context.Context, d *Dentry) (os.FileInfo, error)
	setattr(ctx context.Context, d *Dentry, sa *SetAttr) error
}

// dirOperations is implemented by directory inodes only.
type dirOperations interface {
	inodeOperations
	lookup(ctx context.Context, dir *Dentry, name string) (*Dentry, error)
	create(ctx context.Context, dir, d *Dentry, perm os.FileMode) error
	mkdir(ctx context.Context, dir, d *Dentry, perm os.FileMode) error
	unlink(ctx context.Context, dir, d *Dentry) error
	rmdir(ctx context.Context, dir, d *Dentry) error
	symlink(ctx context.Context, dir, d *Dentry, target string) error
	rename(ctx context.Context, oldDir, oldD, newDir, newD *Dentry) error
}

// linkOperations is implemented by symlink inodes only.
type linkOperations interface {
	inodeOperations
	readlink(ctx context.Context, d *Dentry) (string, error)
}

// Inode is an upper inode. There is at most one per lower object per mount;
// it holds the only upper reference on that lower inode.
type Inode struct {
	sfs   *StackFS
	key   inodeKey
	kind  Kind
	lower *lowerInode
	iops  inodeOperations
	fops  fileOperations

	refs  int     // sfs.imu
	alias *Dentry // sfs.tree, directories only

	// lock is held across namespace changes in a directory and across
	// attribute changes.
	lock sync.Mutex

	mu   sync.RWMutex
	attr Attr
}

func opsFor(k Kind) (inodeOperations, fileOperations) {
	switch k {
	case KindDirectory:
		return dirInodeOps{}, dirFileOps{}
	case KindSymlink:
		return symlinkInodeOps{}, mainFileOps{}
	case KindSpecial:
		return mainInodeOps{}, specialFileOps{}
	}
	return mainInodeOps{}, mainFileOps{}
}

// acquireInode returns the upper inode for li, creating it on first use.
// The caller keeps its own reference on li either way.
func (sfs *StackFS) acquireInode(li *lowerInode) (*Inode, error) {
	if !li.grab() {
		return nil, ErrStale
	}

	sfs.imu.Lock()
	if ino, ok := sfs.inodes[li.key]; ok && ino.refs > 0 && ino.lower == li {
		ino.refs++
		sfs.imu.Unlock()
		li.put()
		return ino, nil
	}
	ino, err := sfs.inodePool.alloc()
	if err != nil {
		sfs.imu.Unlock()
		li.put()
		return nil, err
	}
	ino.sfs = sfs
	ino.key = li.key
	ino.lower = li
	ino.refs = 1
	ino.kind = kindOf(li.attr().mode)
	ino.iops, ino.fops = opsFor(ino.kind)
	copyAttrAll(ino, li)
	copyInodeSize(ino, li)
	sfs.inodes[li.key] = ino
	sfs.imu.Unlock()

	sfs.log.WithField("ino", ino.key.ino).Tracef("new %s inode", ino.kind)
	return ino, nil
}

func (ino *Inode) get() *Inode {
	ino.sfs.imu.Lock()
	ino.refs++
	ino.sfs.imu.Unlock()
	return ino
}

// put drops a reference. The last one evicts the inode and releases the
// lower inode.
func (ino *Inode) put() {
	sfs := ino.sfs
	sfs.imu.Lock()
	ino.refs--
	if ino.refs < 0 {
		sfs.imu.Unlock()
		panic("stackfs: inode reference underflow")
	}
	if ino.refs > 0 {
		sfs.imu.Unlock()
		return
	}
	if sfs.inodes[ino.key] == ino {
		delete(sfs.inodes, ino.key)
	}
	sfs.imu.Unlock()

	ino.lower.put()
	sfs.inodePool.release(ino)
}

// Ino returns the inode number, inherited from the lower inode.
func (ino *Inode) Ino() uint64 { return ino.key.ino }

func (ino *Inode) Kind() Kind { return ino.kind }

// Attr returns a snapshot of the cached attributes.
func (ino *Inode) Attr() Attr {
	ino.mu.RLock()
	defer ino.mu.RUnlock()
	return ino.attr
}

func (ino *Inode) size() int64 {
	ino.mu.RLock()
	defer ino.mu.RUnlock()
	return ino.attr.Size
}
