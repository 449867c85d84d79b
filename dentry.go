package stackfs

import (
	"path"
	"sync"
)

// Dentry is an upper directory entry. A dentry without an inode is negative:
// it records that the name was looked up and is absent below.
//
// Tree state (parent, name, children, hashed, inode, refs) is guarded by the
// mount's tree lock. The lower binding and the caller label live in private
// data guarded by its own lock.
type Dentry struct {
	sfs      *StackFS
	parent   *Dentry
	name     string
	children map[string]*Dentry
	hashed   bool
	inode    *Inode
	refs     int
	info     *dentryInfo
}

type dentryInfo struct {
	mu    sync.Mutex
	lower lowerPath
	label Label
}

// dAlloc returns a new unhashed child of parent holding one reference.
func (sfs *StackFS) dAlloc(parent *Dentry, name string) *Dentry {
	d := &Dentry{sfs: sfs, parent: parent, name: name, refs: 1}
	sfs.tree.Lock()
	if parent != nil {
		parent.refs++
	}
	sfs.dentries++
	sfs.tree.Unlock()
	return d
}

// allocDentryPrivate attaches empty private data to d.
func (sfs *StackFS) allocDentryPrivate(d *Dentry) error {
	info, err := sfs.dentryPool.alloc()
	if err != nil {
		return err
	}
	sfs.tree.Lock()
	d.info = info
	sfs.tree.Unlock()
	return nil
}

// releaseDentryPrivate drops the lower binding and frees the private data.
// Calling it twice is harmless.
func (sfs *StackFS) releaseDentryPrivate(d *Dentry) {
	sfs.tree.Lock()
	info := d.info
	d.info = nil
	sfs.tree.Unlock()
	if info == nil {
		return
	}
	info.mu.Lock()
	lp := info.lower
	info.lower = lowerPath{}
	info.mu.Unlock()
	lp.put()
	sfs.dentryPool.release(info)
}

func (d *Dentry) private() *dentryInfo {
	d.sfs.tree.Lock()
	defer d.sfs.tree.Unlock()
	return d.info
}

// lowerPath returns d's lower binding with a reference the caller must put.
func (d *Dentry) lowerPath() lowerPath {
	info := d.private()
	if info == nil {
		return lowerPath{}
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.lower.get()
}

// setLowerPath installs p as d's binding. d takes over the caller's
// references on p.
func (d *Dentry) setLowerPath(p lowerPath) {
	info := d.private()
	info.mu.Lock()
	info.lower = p
	info.mu.Unlock()
}

// takeLowerPath clears d's binding and hands its references to the caller.
func (d *Dentry) takeLowerPath() lowerPath {
	info := d.private()
	if info == nil {
		return lowerPath{}
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	lp := info.lower
	info.lower = lowerPath{}
	return lp
}

// putResetLowerPath drops d's binding and clears it.
func (d *Dentry) putResetLowerPath() {
	d.takeLowerPath().put()
}

// rebindLowerPath moves from's binding onto d and drops the one d had.
func (d *Dentry) rebindLowerPath(from *Dentry) {
	lp := from.takeLowerPath()
	if lp.isZero() {
		return
	}
	info := d.private()
	if info == nil {
		lp.put()
		return
	}
	info.mu.Lock()
	old := info.lower
	info.lower = lp
	info.mu.Unlock()
	old.put()
}

// Label returns the label cached by the most recent successful open.
func (d *Dentry) Label() Label {
	info := d.private()
	if info == nil {
		return LabelNone
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.label
}

func (d *Dentry) setLabel(l Label) {
	info := d.private()
	if info == nil {
		return
	}
	info.mu.Lock()
	info.label = l
	info.mu.Unlock()
}

func (d *Dentry) Name() string {
	d.sfs.tree.Lock()
	defer d.sfs.tree.Unlock()
	return d.name
}

// Path returns the dentry's path from the mount root.
func (d *Dentry) Path() string {
	d.sfs.tree.Lock()
	defer d.sfs.tree.Unlock()
	return d.pathLocked()
}

func (d *Dentry) pathLocked() string {
	if d.parent == nil {
		return "/"
	}
	return path.Join(d.parent.pathLocked(), d.name)
}

// Inode returns the dentry's inode, nil for a negative dentry.
func (d *Dentry) Inode() *Inode {
	d.sfs.tree.Lock()
	defer d.sfs.tree.Unlock()
	return d.inode
}

func (d *Dentry) Negative() bool {
	return d.Inode() == nil
}

// Hashed reports whether the dentry is reachable by name lookup.
func (d *Dentry) Hashed() bool {
	d.sfs.tree.Lock()
	defer d.sfs.tree.Unlock()
	return d.hashed
}

// Get takes a reference.
func (d *Dentry) Get() *Dentry {
	d.sfs.tree.Lock()
	d.refs++
	d.sfs.tree.Unlock()
	return d
}

// Put drops a reference. Unhashed dentries are freed with their last
// reference; hashed ones stay cached until ShrinkDcache.
func (d *Dentry) Put() {
	sfs := d.sfs
	sfs.tree.Lock()
	dead := sfs.putLocked(d, nil)
	sfs.tree.Unlock()
	sfs.killAll(dead)
}

// putLocked drops a reference and appends every dentry that must be freed as
// a result to dead.
func (sfs *StackFS) putLocked(d *Dentry, dead []*Dentry) []*Dentry {
	for d != nil {
		d.refs--
		if d.refs < 0 {
			panic("stackfs: dentry reference underflow")
		}
		if d.refs > 0 || d.hashed {
			return dead
		}
		dead = append(dead, d)
		d = sfs.unlinkLocked(d)
	}
	return dead
}

// unlinkLocked detaches a dead dentry from the tree and returns its parent,
// whose reference the caller now owes.
func (sfs *StackFS) unlinkLocked(d *Dentry) *Dentry {
	p := d.parent
	if p != nil && p.children[d.name] == d {
		delete(p.children, d.name)
	}
	if d.inode != nil && d.inode.alias == d {
		d.inode.alias = nil
	}
	sfs.dentries--
	return p
}

// killAll releases what dead dentries still pin: private data, then the
// inode.
func (sfs *StackFS) killAll(dead []*Dentry) {
	for _, d := range dead {
		sfs.cache.invalidate(d)
		sfs.releaseDentryPrivate(d)
		sfs.tree.Lock()
		ino := d.inode
		d.inode = nil
		sfs.tree.Unlock()
		if ino != nil {
			ino.put()
		}
	}
}

// hashLocked inserts d into its parent's children.
func (d *Dentry) hashLocked() {
	if d.parent == nil {
		d.hashed = true
		return
	}
	if d.parent.children == nil {
		d.parent.children = make(map[string]*Dentry)
	}
	d.parent.children[d.name] = d
	d.hashed = true
}

// dropLocked unhashes d.
func (d *Dentry) dropLocked() {
	if d.parent != nil && d.parent.children[d.name] == d {
		delete(d.parent.children, d.name)
	}
	d.hashed = false
}

// Drop unhashes d. It stays valid for holders of references.
func (d *Dentry) Drop() {
	d.sfs.tree.Lock()
	d.dropLocked()
	d.sfs.tree.Unlock()
	d.sfs.cache.invalidate(d)
}

// dLookup returns the hashed child of parent called name with a reference.
func (sfs *StackFS) dLookup(parent *Dentry, name string) *Dentry {
	sfs.tree.Lock()
	defer sfs.tree.Unlock()
	d := parent.children[name]
	if d == nil || !d.hashed {
		return nil
	}
	d.refs++
	return d
}

// spliceAlias attaches ino to d and hashes it, consuming the caller's inode
// reference. When the name was hashed by a concurrent lookup first, or when
// ino is a directory that already has a dentry, that dentry is returned with
// a new reference instead and the caller must Put d. A directory alias is
// moved to d's name and takes over d's lower binding.
func (sfs *StackFS) spliceAlias(ino *Inode, d *Dentry) *Dentry {
	sfs.tree.Lock()
	if cur := d.parent.children[d.name]; cur != nil && cur != d && cur.hashed {
		cur.refs++
		sfs.tree.Unlock()
		if ino != nil {
			ino.put()
		}
		return cur
	}
	if ino != nil && ino.kind == KindDirectory && ino.alias != nil && ino.alias != d {
		alias := ino.alias
		alias.refs++
		dead := sfs.putLocked(sfs.moveLocked(alias, d.parent, d.name), nil)
		sfs.tree.Unlock()
		sfs.killAll(dead)
		alias.rebindLowerPath(d)
		sfs.cache.invalidate(alias)
		ino.put()
		return alias
	}
	d.inode = ino
	if ino != nil && ino.kind == KindDirectory {
		ino.alias = d
	}
	d.hashLocked()
	sfs.tree.Unlock()
	return d
}

// instantiate turns a negative dentry positive, consuming the reference on
// ino.
func (sfs *StackFS) instantiate(d *Dentry, ino *Inode) {
	sfs.tree.Lock()
	old := d.inode
	d.inode = ino
	if ino.kind == KindDirectory && ino.alias == nil {
		ino.alias = d
	}
	if !d.hashed && d.parent != nil {
		if cur := d.parent.children[d.name]; cur == nil || !cur.hashed {
			d.hashLocked()
		}
	}
	sfs.tree.Unlock()
	if old != nil {
		old.put()
	}
	sfs.cache.invalidate(d)
}

// moveLocked re-parents d under newParent as newName, unhashing whatever
// was there. It returns the old parent, whose reference the caller owes.
func (sfs *StackFS) moveLocked(d, newParent *Dentry, newName string) *Dentry {
	if t := newParent.children[newName]; t != nil && t != d {
		t.dropLocked()
	}
	d.dropLocked()
	old := d.parent
	newParent.refs++
	d.parent = newParent
	d.name = newName
	d.hashLocked()
	return old
}

// dMove is the rename half of the dentry cache.
func (sfs *StackFS) dMove(d, newParent *Dentry, newName string) {
	sfs.tree.Lock()
	dead := sfs.putLocked(sfs.moveLocked(d, newParent, newName), nil)
	sfs.tree.Unlock()
	sfs.killAll(dead)
	sfs.cache.invalidate(d)
}

// ShrinkDcache frees every cached dentry nobody holds a reference on,
// leaves first. Inodes pinned only by those dentries are evicted with them.
func (sfs *StackFS) ShrinkDcache() {
	for {
		sfs.tree.Lock()
		var dead []*Dentry
		var walk func(d *Dentry)
		walk = func(d *Dentry) {
			for _, c := range d.children {
				if len(c.children) > 0 {
					walk(c)
					continue
				}
				if c.refs == 0 {
					dead = append(dead, c)
				}
			}
		}
		walk(sfs.root)
		for _, d := range dead[:len(dead):len(dead)] {
			d.hashed = false
			dead = sfs.putLocked(sfs.unlinkLocked(d), dead)
		}
		sfs.tree.Unlock()
		if len(dead) == 0 {
			return
		}
		sfs.killAll(dead)
	}
}
