package stackfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// inodeKey identifies a lower inode: device plus inode number.
type inodeKey struct {
	dev uint64
	ino uint64
}

// lowerSuper is the lower filesystem as seen from the stacking layer. It
// keeps reference-counted models of the lower dentries, inodes and open
// files so that the upper layer can pin and release them the same way on
// every filesystem absfs can reach.
type lowerSuper struct {
	fs    absfs.FileSystem
	links absfs.SymLinker
	name  string
	dev   uint64

	// active pins the lower filesystem for the lifetime of the mount.
	active atomic.Int64

	mu       sync.Mutex // lower dentry tree: names, parents, children, refs
	root     *lowerDentry
	dentries int

	imu    sync.Mutex
	inodes map[inodeKey]*lowerInode
	synth  atomic.Uint64

	files atomic.Int64
}

type lowerMount struct {
	sb   *lowerSuper
	root *lowerDentry
	refs atomic.Int64
}

func (m *lowerMount) get() *lowerMount {
	m.refs.Add(1)
	return m
}

func (m *lowerMount) put() {
	if m.refs.Add(-1) < 0 {
		panic("stackfs: lower mount reference underflow")
	}
}

// lowerDentry is a name in the lower tree. A nil inode makes it negative.
type lowerDentry struct {
	sb       *lowerSuper
	parent   *lowerDentry
	name     string
	refs     int
	hashed   bool
	inode    *lowerInode
	children map[string]*lowerDentry
}

// lowerInode is a lower object. Upper inodes hold a reference on exactly one.
type lowerInode struct {
	sb    *lowerSuper
	key   inodeKey
	refs  int  // sb.imu
	dying bool // sb.imu

	// lock serializes namespace changes inside a directory.
	lock sync.Mutex

	mu sync.RWMutex
	st lowerStat
}

// lowerFile is an open lower handle.
type lowerFile struct {
	sb    *lowerSuper
	f     absfs.File
	path  lowerPath
	ino   *lowerInode
	flags int
	dir   bool
	refs  atomic.Int64

	mu        sync.Mutex // pos and directory cursor
	pos       int64
	dirents   []os.FileInfo
	dirLoaded bool
}

func newLowerSuper(fsys absfs.FileSystem, dir string) (*lowerSuper, *lowerMount, error) {
	dir = cleanPath(dir)
	info, err := fsys.Stat(dir)
	if err != nil {
		return nil, nil, err
	}
	if !info.IsDir() {
		return nil, nil, &os.PathError{Op: "mount", Path: dir, Err: unix.ENOTDIR}
	}

	sb := &lowerSuper{
		fs:     fsys,
		name:   fsName(fsys),
		inodes: make(map[inodeKey]*lowerInode),
	}
	if sl, ok := fsys.(absfs.SymLinker); ok {
		sb.links = sl
	}
	st := statOf(info)
	sb.dev = st.dev

	root := &lowerDentry{sb: sb, name: dir, refs: 1, hashed: true}
	root.inode = sb.iget(sb.keyFor(st, nil), st)
	sb.root = root
	sb.dentries = 1

	mnt := &lowerMount{sb: sb, root: root}
	mnt.refs.Store(1)
	sb.active.Store(1)
	return sb, mnt, nil
}

// release drops the mount's own pins. Called once on unmount.
func (sb *lowerSuper) release(mnt *lowerMount) {
	mnt.put()
	sb.root.put()
	sb.active.Add(-1)
}

func fsName(fsys absfs.FileSystem) string {
	if n, ok := fsys.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", fsys)
}

func (sb *lowerSuper) lstat(name string) (os.FileInfo, error) {
	if sb.links != nil {
		return sb.links.Lstat(name)
	}
	return sb.fs.Stat(name)
}

// keyFor returns the identity key for a lower object. Lowers that expose no
// inode number get a synthetic one, stable for as long as d stays cached.
func (sb *lowerSuper) keyFor(st lowerStat, d *lowerDentry) inodeKey {
	if st.hasIno {
		return inodeKey{dev: st.dev, ino: st.ino}
	}
	if d != nil {
		sb.mu.Lock()
		old := d.inode
		sb.mu.Unlock()
		if old != nil && old.attr().mode.Type() == st.mode.Type() {
			return old.key
		}
	}
	return inodeKey{dev: st.dev, ino: sb.synth.Add(1)}
}

// iget returns the lower inode for key with a new reference, creating it if
// needed, and refreshes its attributes. A cached inode whose file type no
// longer matches is a reused number: it is left to its holders and replaced.
func (sb *lowerSuper) iget(key inodeKey, st lowerStat) *lowerInode {
	sb.imu.Lock()
	li, ok := sb.inodes[key]
	if !ok || li.dying || li.attr().mode.Type() != st.mode.Type() {
		li = &lowerInode{sb: sb, key: key}
		sb.inodes[key] = li
	}
	li.refs++
	sb.imu.Unlock()

	li.setAttr(st)
	return li
}

// grab takes a reference unless the inode is already being torn down.
func (li *lowerInode) grab() bool {
	li.sb.imu.Lock()
	defer li.sb.imu.Unlock()
	if li.dying || li.refs <= 0 {
		return false
	}
	li.refs++
	return true
}

func (li *lowerInode) put() {
	sb := li.sb
	sb.imu.Lock()
	defer sb.imu.Unlock()
	li.refs--
	if li.refs < 0 {
		panic("stackfs: lower inode reference underflow")
	}
	if li.refs == 0 {
		li.dying = true
		if sb.inodes[li.key] == li {
			delete(sb.inodes, li.key)
		}
	}
}

func (li *lowerInode) attr() lowerStat {
	li.mu.RLock()
	defer li.mu.RUnlock()
	return li.st
}

func (li *lowerInode) setAttr(st lowerStat) {
	li.mu.Lock()
	li.st = st
	li.mu.Unlock()
}

// refresh re-reads the inode's attributes through an open handle or a path.
func (li *lowerInode) refresh(info os.FileInfo) {
	st := statOf(info)
	if !st.hasIno {
		st.ino = li.key.ino
	}
	li.setAttr(st)
}

func (d *lowerDentry) get() {
	d.sb.mu.Lock()
	d.refs++
	d.sb.mu.Unlock()
}

func (d *lowerDentry) put() {
	sb := d.sb
	var dead []*lowerInode
	sb.mu.Lock()
	for d != nil {
		d.refs--
		if d.refs < 0 {
			sb.mu.Unlock()
			panic("stackfs: lower dentry reference underflow")
		}
		if d.refs > 0 {
			break
		}
		// Lower names are not kept once nothing pins them; the upper
		// dentry cache holds the references that keep lookups warm.
		if d.hashed && d.parent != nil && d.parent.children[d.name] == d {
			delete(d.parent.children, d.name)
		}
		d.hashed = false
		if d.inode != nil {
			dead = append(dead, d.inode)
			d.inode = nil
		}
		sb.dentries--
		d = d.parent
	}
	sb.mu.Unlock()
	for _, li := range dead {
		li.put()
	}
}

func (d *lowerDentry) path() string {
	d.sb.mu.Lock()
	defer d.sb.mu.Unlock()
	return d.pathLocked()
}

func (d *lowerDentry) pathLocked() string {
	if d.parent == nil {
		return d.name
	}
	return path.Join(d.parent.pathLocked(), d.name)
}

func (d *lowerDentry) getInode() *lowerInode {
	d.sb.mu.Lock()
	defer d.sb.mu.Unlock()
	return d.inode
}

func (d *lowerDentry) isHashed() bool {
	d.sb.mu.Lock()
	defer d.sb.mu.Unlock()
	return d.hashed
}

// dLookup returns the hashed child called name with a new reference.
func (sb *lowerSuper) dLookup(dir *lowerDentry, name string) *lowerDentry {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	d := dir.children[name]
	if d == nil || !d.hashed {
		return nil
	}
	d.refs++
	return d
}

// bindName returns a hashed child of dir called name and bound to li, nil
// for a negative entry, consuming the caller's reference on li. A hashed
// entry already bound to li is reused. One bound to anything else is still
// pinned by its holders, so it is unhashed and left to them, and a fresh
// entry takes the name. The boolean reports reuse.
func (sb *lowerSuper) bindName(dir *lowerDentry, name string, li *lowerInode) (*lowerDentry, bool) {
	sb.mu.Lock()
	if d := dir.children[name]; d != nil && d.hashed {
		if d.inode == li {
			d.refs++
			sb.mu.Unlock()
			if li != nil {
				li.put()
			}
			return d, true
		}
		d.hashed = false
		delete(dir.children, name)
	}
	d := &lowerDentry{sb: sb, parent: dir, name: name, refs: 1, hashed: true, inode: li}
	dir.refs++
	if dir.children == nil {
		dir.children = make(map[string]*lowerDentry)
	}
	dir.children[name] = d
	sb.dentries++
	sb.mu.Unlock()
	return d, false
}

// instantiate binds li to the negative entry d, consuming the caller's
// reference on li.
func (sb *lowerSuper) instantiate(d *lowerDentry, li *lowerInode) {
	sb.mu.Lock()
	old := d.inode
	d.inode = li
	sb.mu.Unlock()
	if old != nil {
		old.put()
	}
}

// lookupOne resolves a single name below dir. A missing name comes back as
// the lower error; the caller decides whether to bind a negative entry.
func (sb *lowerSuper) lookupOne(dir *lowerDentry, name string) (*lowerDentry, error) {
	info, err := sb.lstat(path.Join(dir.path(), name))
	if err != nil {
		return nil, err
	}
	st := statOf(info)
	prev := sb.dLookup(dir, name)
	li := sb.iget(sb.keyFor(st, prev), st)
	if prev != nil {
		prev.put()
	}
	d, _ := sb.bindName(dir, name, li)
	return d, nil
}

// negative returns a negative lower entry for name. The boolean reports
// reuse of one already hashed.
func (sb *lowerSuper) negative(dir *lowerDentry, name string) (*lowerDentry, bool) {
	return sb.bindName(dir, name, nil)
}

// dDrop unhashes d so later lookups miss it.
func (sb *lowerSuper) dDrop(d *lowerDentry) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if d.hashed && d.parent != nil && d.parent.children[d.name] == d {
		delete(d.parent.children, d.name)
	}
	d.hashed = false
}

// dMove renames d to newName under newDir. Whatever was hashed there is
// unhashed.
func (sb *lowerSuper) dMove(d, newDir *lowerDentry, newName string) {
	sb.mu.Lock()
	oldParent := d.parent
	if d.hashed && oldParent.children[d.name] == d {
		delete(oldParent.children, d.name)
	}
	if t := newDir.children[newName]; t != nil && t != d {
		t.hashed = false
		delete(newDir.children, newName)
	}
	if newDir.children == nil {
		newDir.children = make(map[string]*lowerDentry)
	}
	newDir.refs++
	d.parent = newDir
	d.name = newName
	d.hashed = true
	newDir.children[newName] = d
	sb.mu.Unlock()
	oldParent.put()
}

// restat refreshes the inode bound to d from the lower filesystem.
func (sb *lowerSuper) restat(d *lowerDentry) error {
	info, err := sb.lstat(d.path())
	if err != nil {
		return err
	}
	if li := d.getInode(); li != nil {
		li.refresh(info)
	}
	return nil
}

// open is the lower half of an open: it opens the object p names with the
// caller's access flags and takes its own references on p and li. The handle
// stays bound to li even if the name is later rebound below.
func (sb *lowerSuper) open(p lowerPath, li *lowerInode, flags int) (*lowerFile, error) {
	if !li.grab() {
		return nil, ErrStale
	}
	f, err := sb.fs.OpenFile(p.dentry.path(), flags&^(os.O_CREATE|os.O_EXCL|os.O_TRUNC), 0)
	if err != nil {
		li.put()
		return nil, err
	}
	lf := &lowerFile{sb: sb, f: f, path: p.get(), ino: li, flags: flags}
	lf.dir = li.attr().mode.IsDir()
	lf.refs.Store(1)
	sb.files.Add(1)
	return lf, nil
}

func (lf *lowerFile) get() *lowerFile {
	lf.refs.Add(1)
	return lf
}

// put drops a reference; the last one closes the handle.
func (lf *lowerFile) put() error {
	n := lf.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		panic("stackfs: lower file reference underflow")
	}
	err := lf.f.Close()
	lf.path.put()
	lf.ino.put()
	lf.sb.files.Add(-1)
	return err
}

// refresh re-stats the open handle and updates the lower inode.
func (lf *lowerFile) refresh() (os.FileInfo, error) {
	info, err := lf.f.Stat()
	if err != nil {
		return nil, err
	}
	lf.ino.refresh(info)
	return info, nil
}

func (lf *lowerFile) readAt(p []byte, off int64) (int, error) {
	n, err := lf.f.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (lf *lowerFile) writeAt(p []byte, off int64) (int, error) {
	if lf.flags&os.O_APPEND != 0 {
		lf.mu.Lock()
		defer lf.mu.Unlock()
		n, err := lf.f.Write(p)
		if pos, serr := lf.f.Seek(0, io.SeekCurrent); serr == nil {
			lf.pos = pos
		}
		return n, err
	}
	return lf.f.WriteAt(p, off)
}

func (lf *lowerFile) seek(off int64) (int64, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.dir {
		// Directory positions index the entry list, not bytes.
		if off < 0 {
			return 0, unix.EINVAL
		}
		lf.pos = off
		if off == 0 {
			lf.dirLoaded = false
		}
		return off, nil
	}
	pos, err := lf.f.Seek(off, io.SeekStart)
	if err != nil {
		return 0, err
	}
	lf.pos = pos
	return pos, nil
}

// readdir returns the directory entries at and after pos and the position
// after the last one returned.
func (lf *lowerFile) readdir(pos int64) ([]os.FileInfo, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if !lf.dirLoaded {
		var (
			infos []os.FileInfo
			err   error
		)
		if lf.dirents == nil {
			infos, err = lf.f.Readdir(-1)
		} else {
			infos, err = lf.reloadDir()
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		if infos == nil {
			infos = []os.FileInfo{}
		}
		lf.dirents, lf.dirLoaded = infos, true
	}
	if pos < 0 || pos >= int64(len(lf.dirents)) {
		lf.pos = int64(len(lf.dirents))
		return nil, nil
	}
	return lf.dirents[pos:], nil
}

func (lf *lowerFile) reloadDir() ([]os.FileInfo, error) {
	entries, err := lf.sb.fs.ReadDir(lf.path.dentry.path())
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (lf *lowerFile) setPos(pos int64) {
	lf.mu.Lock()
	lf.pos = pos
	lf.mu.Unlock()
}

func (lf *lowerFile) getPos() int64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.pos
}

// canWriteback reports whether shared writable mappings of this handle can
// be written back. Handles and filesystems opt out with CanWriteback.
func (lf *lowerFile) canWriteback() bool {
	type writebacker interface{ CanWriteback() bool }
	if w, ok := lf.f.(writebacker); ok {
		return w.CanWriteback()
	}
	if w, ok := lf.sb.fs.(writebacker); ok {
		return w.CanWriteback()
	}
	return true
}

// Lower namespace operations. Paths are absolute lower paths.

func (sb *lowerSuper) create(name string, perm os.FileMode) error {
	f, err := sb.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	return f.Close()
}

func (sb *lowerSuper) symlink(target, name string) error {
	if sb.links == nil {
		return &os.LinkError{Op: "symlink", Old: target, New: name, Err: unix.EPERM}
	}
	return sb.links.Symlink(target, name)
}

func (sb *lowerSuper) readlink(name string) (string, error) {
	if sb.links == nil {
		return "", &os.PathError{Op: "readlink", Path: name, Err: unix.EINVAL}
	}
	return sb.links.Readlink(name)
}

func (sb *lowerSuper) chown(name string, uid, gid int, symlink bool) error {
	if symlink && sb.links != nil {
		return sb.links.Lchown(name, uid, gid)
	}
	return sb.fs.Chown(name, uid, gid)
}

func (sb *lowerSuper) chtimes(name string, atime, mtime time.Time) error {
	return sb.fs.Chtimes(name, atime, mtime)
}
