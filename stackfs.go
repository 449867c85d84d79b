package stackfs

import (
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/stackfs/internal/cgroup"
	"github.com/sirupsen/logrus"
)

// StackFS is one mount of the stacking layer over a lower filesystem.
type StackFS struct {
	lower *lowerSuper
	mnt   *lowerMount
	dir   string
	root  *Dentry
	mode  modeCell
	cls   classifier
	cache *Cache

	logger   *logrus.Logger
	log      *logrus.Entry
	maxBytes int64
	limits   [3]int64

	tree     sync.Mutex // dentry tree: parents, names, children, hashing, refs
	dentries int

	imu    sync.Mutex
	inodes map[inodeKey]*Inode

	inodePool  *pool[Inode]
	dentryPool *pool[dentryInfo]
	filePool   *pool[fileInfo]

	// umu orders opens against unmount: Open holds it shared until the
	// file is counted, Unmount holds it exclusively.
	umu       sync.RWMutex
	openFiles atomic.Int64
	unmounted atomic.Bool
}

// Option configures a mount.
type Option func(*StackFS)

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(sfs *StackFS) {
		sfs.logger = l
	}
}

// WithCgroupResolver sets how callers are mapped to control groups. The
// default reads /proc/<pid>/cgroup.
func WithCgroupResolver(r CgroupResolver) Option {
	return func(sfs *StackFS) {
		sfs.cls.resolver = r
	}
}

// WithPrivilegedCgroup sets the control-group prefix that marks callers
// privileged.
func WithPrivilegedCgroup(prefix string) Option {
	return func(sfs *StackFS) {
		sfs.cls.prefix = prefix
	}
}

// WithRevalidateCache lets cached dentries skip revalidation for ttl after
// they were last checked. Absent names are trusted for half as long.
func WithRevalidateCache(ttl time.Duration, maxEntries int) Option {
	return func(sfs *StackFS) {
		sfs.cache = newCache(ttl > 0, ttl, ttl/2, maxEntries)
	}
}

// WithObjectLimits caps the number of live inodes, dentry private blocks
// and open-file private blocks. Zero means unlimited.
func WithObjectLimits(inodes, dentries, files int) Option {
	return func(sfs *StackFS) {
		sfs.limits = [3]int64{int64(inodes), int64(dentries), int64(files)}
	}
}

// WithMaxBytes sets the largest file offset seek accepts.
func WithMaxBytes(n int64) Option {
	return func(sfs *StackFS) {
		sfs.maxBytes = n
	}
}

// Mount stacks a new instance on top of dir in lower. The instance starts in
// ModeWritable.
func Mount(lower absfs.FileSystem, dir string, opts ...Option) (*StackFS, error) {
	if lower == nil || dir == "" {
		return nil, &os.PathError{Op: "mount", Path: dir, Err: ErrInvalid}
	}

	sfs := &StackFS{
		dir:      cleanPath(dir),
		logger:   logrus.StandardLogger(),
		maxBytes: math.MaxInt64,
		inodes:   make(map[inodeKey]*Inode),
		cls:      classifier{prefix: DefaultPrivilegedCgroup},
	}
	for _, opt := range opts {
		opt(sfs)
	}
	sfs.log = sfs.logger.WithFields(logrus.Fields{"fs": "stackfs", "lower": sfs.dir})
	sfs.cls.log = sfs.log
	if sfs.cls.resolver == nil {
		sfs.cls.resolver = cgroup.NewResolver("")
	}
	if sfs.cache == nil {
		sfs.cache = newCache(false, 0, 0, 0)
	}
	sfs.inodePool = newPool[Inode]("inode", sfs.limits[0])
	sfs.dentryPool = newPool[dentryInfo]("dentry", sfs.limits[1])
	sfs.filePool = newPool[fileInfo]("file", sfs.limits[2])

	lsb, mnt, err := newLowerSuper(lower, sfs.dir)
	if err != nil {
		return nil, err
	}
	sfs.lower, sfs.mnt = lsb, mnt

	ino, err := sfs.acquireInode(lsb.root.getInode())
	if err != nil {
		lsb.release(mnt)
		return nil, err
	}
	root := sfs.dAlloc(nil, "")
	if err := sfs.allocDentryPrivate(root); err != nil {
		sfs.tree.Lock()
		sfs.dentries--
		sfs.tree.Unlock()
		ino.put()
		lsb.release(mnt)
		return nil, err
	}
	sfs.tree.Lock()
	root.inode = ino
	ino.alias = root
	root.hashLocked()
	sfs.tree.Unlock()
	root.setLowerPath(lowerPath{dentry: lsb.root, mnt: mnt}.get())
	sfs.root = root
	sfs.mode.store(ModeWritable)

	sfs.log.Infof("mounted on top of %s type %s", sfs.dir, lsb.name)
	return sfs, nil
}

// Unmount tears the instance down. It fails with ErrBusy while files are
// open or dentries below the root are still referenced.
func (sfs *StackFS) Unmount() error {
	sfs.umu.Lock()
	defer sfs.umu.Unlock()
	if sfs.openFiles.Load() > 0 {
		return ErrBusy
	}
	if !sfs.unmounted.CompareAndSwap(false, true) {
		return ErrInvalid
	}
	sfs.ShrinkDcache()

	sfs.tree.Lock()
	if len(sfs.root.children) > 0 || sfs.root.refs > 1 {
		sfs.tree.Unlock()
		sfs.unmounted.Store(false)
		return ErrBusy
	}
	sfs.root.hashed = false
	dead := sfs.putLocked(sfs.root, nil)
	sfs.tree.Unlock()
	sfs.killAll(dead)

	sfs.lower.release(sfs.mnt)
	sfs.cache.clear()
	sfs.log.Info("unmounted")
	return nil
}

// Root returns the root dentry with a new reference.
func (sfs *StackFS) Root() *Dentry {
	return sfs.root.Get()
}

// Mode returns the current enforcement mode.
func (sfs *StackFS) Mode() Mode {
	return sfs.mode.load()
}

// CacheStats reports the revalidation cache.
func (sfs *StackFS) CacheStats() CacheStats {
	return sfs.cache.Stats()
}

// Stats counts live objects on both sides of the stack.
type Stats struct {
	Inodes        int64
	Dentries      int64
	DentryPrivate int64
	Files         int64

	LowerInodes    int64
	LowerDentries  int64
	LowerFiles     int64
	LowerMountRefs int64
	LowerActive    int64
}

// Stats returns the live object counts. After ShrinkDcache with no open
// files, a balanced mount holds exactly its root on each side.
func (sfs *StackFS) Stats() Stats {
	var s Stats
	sfs.imu.Lock()
	s.Inodes = int64(len(sfs.inodes))
	sfs.imu.Unlock()
	sfs.tree.Lock()
	s.Dentries = int64(sfs.dentries)
	sfs.tree.Unlock()
	s.DentryPrivate = sfs.dentryPool.inUse()
	s.Files = sfs.filePool.inUse()

	lsb := sfs.lower
	lsb.imu.Lock()
	s.LowerInodes = int64(len(lsb.inodes))
	lsb.imu.Unlock()
	lsb.mu.Lock()
	s.LowerDentries = int64(lsb.dentries)
	lsb.mu.Unlock()
	s.LowerFiles = lsb.files.Load()
	s.LowerMountRefs = sfs.mnt.refs.Load()
	s.LowerActive = lsb.active.Load()
	return s
}
