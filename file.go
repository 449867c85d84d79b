package stackfs

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fileInfo is the private data of an open upper file.
type fileInfo struct {
	lower *lowerFile

	// lowerVM is captured by the first mapping of the file.
	lowerVM VMOperations
	vmSet   bool

	mode Mode
}

// File is an open upper file. Every operation is forwarded to the lower
// handle opened alongside it.
type File struct {
	sfs    *StackFS
	dentry *Dentry
	inode  *Inode
	flags  int

	posMu sync.Mutex
	pos   int64

	mu       sync.Mutex
	priv     *fileInfo
	vmas     []*VMA
	released bool
}

// fileOperations is the per-kind open-file behaviour. Optional capabilities
// are separate interfaces so each kind implements only what it supports.
type fileOperations interface {
	open(ctx context.Context, f *File) error
	llseek(f *File, lf *lowerFile, pos int64) error
	flush(ctx context.Context, f *File, lf *lowerFile) error
	fsync(ctx context.Context, f *File, lf *lowerFile, datasync bool) error
}

type fileReader interface {
	read(ctx context.Context, f *File, lf *lowerFile, p []byte, off int64) (int, error)
}

type fileWriter interface {
	write(ctx context.Context, f *File, lf *lowerFile, p []byte, off int64) (int, error)
}

type dirIterator interface {
	iterate(ctx context.Context, f *File, lf *lowerFile, pos int64, emit func(DirEntry) bool) (int64, error)
}

type fileMapper interface {
	mmap(ctx context.Context, f *File, lf *lowerFile, v *VMA) error
}

type iterReader interface {
	readIter(ctx context.Context, f *File, lf *lowerFile, k *Kiocb, bufs [][]byte) (int, error)
}

type iterWriter interface {
	writeIter(ctx context.Context, f *File, lf *lowerFile, k *Kiocb, bufs [][]byte) (int, error)
}

type commonFileOps struct{}

type mainFileOps struct {
	commonFileOps
}

type dirFileOps struct {
	commonFileOps
}

type specialFileOps struct {
	commonFileOps
}

// DirEntry is one entry produced by IterateDir.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode os.FileMode
	Info os.FileInfo
}

func accessMode(flags int) int {
	return flags & unix.O_ACCMODE
}

func readable(flags int) bool {
	return accessMode(flags) != os.O_WRONLY
}

func writable(flags int) bool {
	m := accessMode(flags)
	return m == os.O_WRONLY || m == os.O_RDWR
}

// Open opens d. The caller's reference on d is not consumed; the file takes
// its own. On success the caller's trust label is cached on d.
// Once the mount is torn down Open fails with ENODEV.
func (sfs *StackFS) Open(ctx context.Context, d *Dentry, flags int) (*File, error) {
	sfs.umu.RLock()
	defer sfs.umu.RUnlock()
	if sfs.unmounted.Load() {
		return nil, unix.ENODEV
	}
	ino := d.Inode()
	if ino == nil || !d.Hashed() {
		return nil, unix.ENOENT
	}
	if ino.kind == KindDirectory && writable(flags) {
		return nil, unix.EISDIR
	}

	priv, err := sfs.filePool.alloc()
	if err != nil {
		return nil, err
	}
	f := &File{sfs: sfs, dentry: d.Get(), inode: ino, flags: flags, priv: priv}
	if err := ino.fops.open(ctx, f); err != nil {
		sfs.filePool.release(priv)
		f.priv = nil
		d.Put()
		return nil, err
	}

	lbl := sfs.cls.classify(ctx)
	d.setLabel(lbl)
	priv.mode = sfs.mode.load()
	sfs.openFiles.Add(1)

	sfs.log.WithFields(logrus.Fields{
		"path":  d.Path(),
		"flags": flags,
		"label": lbl,
	}).Debug("open")
	return f, nil
}

func (commonFileOps) open(ctx context.Context, f *File) error {
	sfs := f.sfs
	lp := f.dentry.lowerPath()
	defer lp.put()
	if lp.dentry == nil {
		return unix.ENOENT
	}
	lf, err := sfs.lower.open(lp, f.inode.lower, f.flags)
	if err != nil {
		return err
	}
	if f.flags&os.O_TRUNC != 0 && writable(f.flags) && f.inode.kind == KindRegular {
		if err := lf.f.Truncate(0); err != nil {
			lf.put()
			return err
		}
	}
	f.priv.lower = lf
	if _, err := lf.refresh(); err == nil {
		syncFromLower(f.inode)
	}
	return nil
}

func (specialFileOps) open(ctx context.Context, f *File) error {
	return unix.ENXIO
}

// lowerFile returns the lower handle with a new reference, nil once the file
// is released.
func (f *File) lowerFile() *lowerFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priv == nil || f.priv.lower == nil {
		return nil
	}
	return f.priv.lower.get()
}

// Name returns the file's path from the mount root.
func (f *File) Name() string {
	return f.dentry.Path()
}

// Dentry returns the dentry the file was opened through.
func (f *File) Dentry() *Dentry {
	return f.dentry
}

// Mode returns the mount mode recorded when the file was opened.
func (f *File) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priv == nil {
		return ModeFrozen
	}
	return f.priv.mode
}

// Read reads at the file position and advances it.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	f.posMu.Lock()
	defer f.posMu.Unlock()
	n, err := f.Pread(ctx, p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Pread reads at off without moving the file position. At end of file it
// returns io.EOF.
func (f *File) Pread(ctx context.Context, p []byte, off int64) (int, error) {
	if !readable(f.flags) {
		return 0, unix.EBADF
	}
	r, ok := f.inode.fops.(fileReader)
	if !ok {
		if f.inode.kind == KindDirectory {
			return 0, unix.EISDIR
		}
		return 0, unix.EINVAL
	}
	if off < 0 {
		return 0, unix.EINVAL
	}
	lf := f.lowerFile()
	if lf == nil {
		return 0, unix.EBADF
	}
	defer lf.put()
	return r.read(ctx, f, lf, p, off)
}

func (mainFileOps) read(ctx context.Context, f *File, lf *lowerFile, p []byte, off int64) (int, error) {
	n, err := lf.readAt(p, off)
	if n > 0 || err == nil {
		if _, serr := lf.refresh(); serr == nil {
			copyAttrAtime(f.inode, f.inode.lower)
		}
	}
	return n, err
}

// Write writes at the file position, or at the end for O_APPEND files, and
// advances it.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	f.posMu.Lock()
	defer f.posMu.Unlock()
	n, err := f.Pwrite(ctx, p, f.pos)
	if f.flags&os.O_APPEND != 0 {
		if lf := f.lowerFile(); lf != nil {
			f.pos = lf.getPos()
			lf.put()
		}
	} else {
		f.pos += int64(n)
	}
	return n, err
}

// Pwrite writes at off without moving the file position.
func (f *File) Pwrite(ctx context.Context, p []byte, off int64) (int, error) {
	if !writable(f.flags) {
		return 0, unix.EBADF
	}
	w, ok := f.inode.fops.(fileWriter)
	if !ok {
		if f.inode.kind == KindDirectory {
			return 0, unix.EISDIR
		}
		return 0, unix.EINVAL
	}
	if off < 0 {
		return 0, unix.EINVAL
	}
	if off > f.sfs.maxBytes || int64(len(p)) > f.sfs.maxBytes-off {
		return 0, unix.EFBIG
	}
	lf := f.lowerFile()
	if lf == nil {
		return 0, unix.EBADF
	}
	defer lf.put()
	return w.write(ctx, f, lf, p, off)
}

func (mainFileOps) write(ctx context.Context, f *File, lf *lowerFile, p []byte, off int64) (int, error) {
	n, err := lf.writeAt(p, off)
	if n > 0 {
		if _, serr := lf.refresh(); serr == nil {
			copyInodeSize(f.inode, f.inode.lower)
			copyAttrTimes(f.inode, f.inode.lower)
		}
	}
	return n, err
}

// Seek moves the file position and the lower position with it. Results
// below zero or past the mount's maximum file size are rejected.
func (f *File) Seek(ctx context.Context, off int64, whence int) (int64, error) {
	lf := f.lowerFile()
	if lf == nil {
		return 0, unix.EBADF
	}
	defer lf.put()

	f.posMu.Lock()
	defer f.posMu.Unlock()

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = off
	case io.SeekCurrent:
		pos = f.pos + off
	case io.SeekEnd:
		if _, err := lf.refresh(); err == nil {
			copyInodeSize(f.inode, f.inode.lower)
		}
		pos = f.inode.size() + off
	default:
		return 0, unix.EINVAL
	}
	if pos < 0 || pos > f.sfs.maxBytes {
		return 0, unix.EINVAL
	}
	if pos == f.pos && whence == io.SeekCurrent {
		return pos, nil
	}
	if err := f.inode.fops.llseek(f, lf, pos); err != nil {
		return 0, err
	}
	f.pos = pos
	return pos, nil
}

func (commonFileOps) llseek(f *File, lf *lowerFile, pos int64) error {
	_, err := lf.seek(pos)
	return err
}

// IterateDir emits directory entries from the file position on until emit
// refuses one by returning false, or the directory is exhausted. A refused
// entry is emitted again by the next call. The position ends up after
// the last entry emitted, on both layers.
func (f *File) IterateDir(ctx context.Context, emit func(DirEntry) bool) error {
	it, ok := f.inode.fops.(dirIterator)
	if !ok {
		return unix.ENOTDIR
	}
	lf := f.lowerFile()
	if lf == nil {
		return unix.EBADF
	}
	defer lf.put()

	f.posMu.Lock()
	defer f.posMu.Unlock()
	pos, err := it.iterate(ctx, f, lf, f.pos, emit)
	f.pos = pos
	return err
}

func (dirFileOps) iterate(ctx context.Context, f *File, lf *lowerFile, pos int64, emit func(DirEntry) bool) (int64, error) {
	lf.setPos(pos)
	infos, err := lf.readdir(pos)
	if err != nil {
		return pos, err
	}
	for _, info := range infos {
		st := statOf(info)
		de := DirEntry{
			Name: info.Name(),
			Mode: info.Mode().Type(),
			Info: info,
		}
		if st.hasIno {
			de.Ino = st.ino
		}
		if !emit(de) {
			break
		}
		pos++
	}
	lf.setPos(pos)

	if _, err := lf.refresh(); err == nil {
		copyAttrAtime(f.inode, f.inode.lower)
	}
	return lf.getPos(), nil
}

// Readdir returns up to n entries, all remaining ones when n <= 0.
func (f *File) Readdir(ctx context.Context, n int) ([]DirEntry, error) {
	var out []DirEntry
	err := f.IterateDir(ctx, func(de DirEntry) bool {
		if n > 0 && len(out) >= n {
			return false
		}
		out = append(out, de)
		return true
	})
	return out, err
}

// Fsync writes back the file's shared mappings and syncs the lower handle.
func (f *File) Fsync(ctx context.Context, datasync bool) error {
	lf := f.lowerFile()
	if lf == nil {
		return unix.EBADF
	}
	defer lf.put()
	return f.inode.fops.fsync(ctx, f, lf, datasync)
}

func (commonFileOps) fsync(ctx context.Context, f *File, lf *lowerFile, datasync bool) error {
	if err := f.syncMappings(); err != nil {
		return err
	}
	return lf.f.Sync()
}

// Flush is called on every close of a descriptor for the file.
func (f *File) Flush(ctx context.Context) error {
	lf := f.lowerFile()
	if lf == nil {
		return unix.EBADF
	}
	defer lf.put()
	return f.inode.fops.flush(ctx, f, lf)
}

func (commonFileOps) flush(ctx context.Context, f *File, lf *lowerFile) error {
	if err := f.syncMappings(); err != nil {
		return err
	}
	if fl, ok := lf.f.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

// Fasync forwards an async-notification change to lower handles that
// support it.
func (f *File) Fasync(ctx context.Context, fd int, on bool) error {
	lf := f.lowerFile()
	if lf == nil {
		return unix.EBADF
	}
	defer lf.put()
	if fa, ok := lf.f.(interface{ Fasync(fd int, on bool) error }); ok {
		return fa.Fasync(fd, on)
	}
	return nil
}

// Truncate changes the size of the file through its lower handle.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if !writable(f.flags) {
		return unix.EBADF
	}
	if f.inode.kind != KindRegular {
		return unix.EINVAL
	}
	if size < 0 || size > f.sfs.maxBytes {
		return unix.EINVAL
	}
	lf := f.lowerFile()
	if lf == nil {
		return unix.EBADF
	}
	defer lf.put()
	if err := lf.f.Truncate(size); err != nil {
		return err
	}
	if _, err := lf.refresh(); err == nil {
		copyInodeSize(f.inode, f.inode.lower)
		copyAttrTimes(f.inode, f.inode.lower)
	}
	return nil
}

// Getattr refreshes the inode from the lower handle and returns its
// attributes.
func (f *File) Getattr(ctx context.Context) (Attr, error) {
	lf := f.lowerFile()
	if lf == nil {
		return Attr{}, unix.EBADF
	}
	defer lf.put()
	if _, err := lf.refresh(); err != nil {
		return Attr{}, err
	}
	syncFromLower(f.inode)
	return f.inode.Attr(), nil
}

// Release closes the file. Mappings made from it stay usable until they are
// unmapped.
func (f *File) Release(ctx context.Context) error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return unix.EBADF
	}
	f.released = true
	priv := f.priv
	f.priv = nil
	f.mu.Unlock()

	err := priv.lower.put()
	f.sfs.filePool.release(priv)
	f.sfs.openFiles.Add(-1)
	f.dentry.Put()
	return err
}

func (f *File) syncMappings() error {
	f.mu.Lock()
	vmas := append([]*VMA(nil), f.vmas...)
	f.mu.Unlock()
	for _, v := range vmas {
		if err := v.Sync(); err != nil {
			return err
		}
	}
	return nil
}
