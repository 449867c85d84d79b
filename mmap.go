package stackfs

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// PageSize is the granularity of mappings.
const PageSize = 4096

// VMFlags describe a mapping's protection and sharing.
type VMFlags uint32

const (
	VMRead VMFlags = 1 << iota
	VMWrite
	VMShared
)

// VMOperations serve page faults and writeback for a mapping. pgoff counts
// pages from the start of the mapping.
type VMOperations interface {
	Fault(v *VMA, pgoff int64) ([]byte, error)
	PageMkwrite(v *VMA, pgoff int64) error
	Writepage(v *VMA, pgoff int64, page []byte) error
}

// Mapper is implemented by lower handles that set up their own mappings.
// The operations returned by the first call are kept for the life of the
// upper file.
type Mapper interface {
	Mmap(off, length int64, flags VMFlags) (VMOperations, error)
}

// VMA is a mapping of a file range. Pages are faulted in on first access;
// dirty pages of shared mappings are written back by Sync, Fsync, Flush and
// Unmap.
type VMA struct {
	file   *File
	lower  *lowerFile
	off    int64
	length int64
	flags  VMFlags

	mu       sync.Mutex
	ops      VMOperations
	target   absfs.File
	pages    map[int64][]byte
	dirty    map[int64]bool
	unmapped bool
}

// Target returns the handle the mapping is currently bound to: nil while
// the upper operations own it, the lower handle while a lower operation is
// running.
func (v *VMA) Target() absfs.File {
	return v.target
}

// Ops returns the operations installed on the mapping.
func (v *VMA) Ops() VMOperations {
	return v.ops
}

// Offset is the file offset of the first mapped byte.
func (v *VMA) Offset() int64 { return v.off }

func (v *VMA) Len() int64 { return v.length }

func (v *VMA) Flags() VMFlags { return v.flags }

// Mmap maps length bytes of f starting at the page-aligned offset off.
// Shared writable mappings are refused with EINVAL when the lower handle
// cannot write pages back.
func (f *File) Mmap(ctx context.Context, off, length int64, flags VMFlags) (*VMA, error) {
	m, ok := f.inode.fops.(fileMapper)
	if !ok {
		return nil, unix.ENODEV
	}
	if off < 0 || off%PageSize != 0 || length <= 0 {
		return nil, unix.EINVAL
	}
	if flags&VMRead != 0 && !readable(f.flags) {
		return nil, unix.EACCES
	}
	if flags&(VMWrite|VMShared) == VMWrite|VMShared && accessMode(f.flags) != unix.O_RDWR {
		return nil, unix.EACCES
	}
	lf := f.lowerFile()
	if lf == nil {
		return nil, unix.EBADF
	}

	v := &VMA{file: f, lower: lf, off: off, length: length, flags: flags}
	if err := m.mmap(ctx, f, lf, v); err != nil {
		lf.put()
		return nil, err
	}

	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		lf.put()
		return nil, unix.EBADF
	}
	f.vmas = append(f.vmas, v)
	f.mu.Unlock()
	f.sfs.openFiles.Add(1)
	return v, nil
}

func (mainFileOps) mmap(ctx context.Context, f *File, lf *lowerFile, v *VMA) error {
	if v.flags&VMShared != 0 && v.flags&VMWrite != 0 && !lf.canWriteback() {
		return unix.EINVAL
	}

	f.mu.Lock()
	if f.priv == nil {
		f.mu.Unlock()
		return unix.EBADF
	}
	captured := f.priv.vmSet
	f.mu.Unlock()

	// The lower is asked to map only until its operations are captured.
	var ops VMOperations = genericVMOps{}
	if mp, ok := lf.f.(Mapper); ok && !captured {
		var err error
		ops, err = mp.Mmap(v.off, v.length, v.flags)
		if err != nil {
			f.sfs.log.WithError(err).WithField("path", f.Name()).Error("lower mmap failed")
			return err
		}
	}

	f.mu.Lock()
	if f.priv == nil {
		f.mu.Unlock()
		return unix.EBADF
	}
	if !f.priv.vmSet {
		f.priv.lowerVM = ops
		f.priv.vmSet = true
	}
	lower := f.priv.lowerVM
	f.mu.Unlock()

	v.ops = stackVMOps{lower: lower}
	return nil
}

func (v *VMA) page(pgoff int64) ([]byte, error) {
	if p, ok := v.pages[pgoff]; ok {
		return p, nil
	}
	p, err := v.ops.Fault(v, pgoff)
	if err != nil {
		return nil, err
	}
	if v.pages == nil {
		v.pages = make(map[int64][]byte)
	}
	v.pages[pgoff] = p
	return p, nil
}

// ReadAt reads from the mapping at off, relative to its start.
func (v *VMA) ReadAt(p []byte, off int64) (int, error) {
	if v.flags&VMRead == 0 {
		return 0, unix.EACCES
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unmapped {
		return 0, unix.EFAULT
	}
	if off < 0 || off >= v.length {
		return 0, io.EOF
	}
	var n int
	for n < len(p) && off < v.length {
		pg, err := v.page(off / PageSize)
		if err != nil {
			return n, err
		}
		in := off % PageSize
		end := int64(PageSize)
		if rem := v.length - (off - in); rem < end {
			end = rem
		}
		c := copy(p[n:], pg[in:end])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes into the mapping at off. Private mappings keep the change
// to themselves.
func (v *VMA) WriteAt(p []byte, off int64) (int, error) {
	if v.flags&VMWrite == 0 {
		return 0, unix.EACCES
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unmapped {
		return 0, unix.EFAULT
	}
	if off < 0 || off+int64(len(p)) > v.length {
		return 0, unix.EFAULT
	}
	var n int
	for n < len(p) {
		pgoff := off / PageSize
		pg, err := v.page(pgoff)
		if err != nil {
			return n, err
		}
		if v.flags&VMShared != 0 && !v.dirty[pgoff] {
			if err := v.ops.PageMkwrite(v, pgoff); err != nil {
				return n, err
			}
			if v.dirty == nil {
				v.dirty = make(map[int64]bool)
			}
			v.dirty[pgoff] = true
		}
		c := copy(pg[off%PageSize:], p[n:])
		n += c
		off += int64(c)
	}
	return n, nil
}

// Sync writes the dirty pages of a shared mapping back.
func (v *VMA) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.syncLocked()
}

func (v *VMA) syncLocked() error {
	if v.unmapped || len(v.dirty) == 0 {
		return nil
	}
	pgoffs := make([]int64, 0, len(v.dirty))
	for pgoff := range v.dirty {
		pgoffs = append(pgoffs, pgoff)
	}
	sort.Slice(pgoffs, func(i, j int) bool { return pgoffs[i] < pgoffs[j] })
	for _, pgoff := range pgoffs {
		if err := v.ops.Writepage(v, pgoff, v.pages[pgoff]); err != nil {
			return err
		}
		delete(v.dirty, pgoff)
	}
	return nil
}

// Unmap writes back dirty pages and tears the mapping down.
func (v *VMA) Unmap() error {
	v.mu.Lock()
	if v.unmapped {
		v.mu.Unlock()
		return unix.EINVAL
	}
	err := v.syncLocked()
	v.unmapped = true
	v.pages, v.dirty = nil, nil
	v.mu.Unlock()

	f := v.file
	f.mu.Lock()
	for i, w := range f.vmas {
		if w == v {
			f.vmas = append(f.vmas[:i], f.vmas[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	v.lower.put()
	f.sfs.openFiles.Add(-1)
	return err
}

// stackVMOps are the upper mapping operations. Each call is routed to the
// lower operations with the mapping bound to the lower handle for its
// duration.
type stackVMOps struct {
	lower VMOperations
}

func (o stackVMOps) swap(v *VMA) func() {
	prev := v.target
	v.target = v.lower.f
	return func() { v.target = prev }
}

func (o stackVMOps) Fault(v *VMA, pgoff int64) ([]byte, error) {
	restore := o.swap(v)
	defer restore()
	return o.lower.Fault(v, pgoff)
}

func (o stackVMOps) PageMkwrite(v *VMA, pgoff int64) error {
	restore := o.swap(v)
	defer restore()
	return o.lower.PageMkwrite(v, pgoff)
}

func (o stackVMOps) Writepage(v *VMA, pgoff int64, page []byte) error {
	restore := o.swap(v)
	err := o.lower.Writepage(v, pgoff, page)
	restore()
	if err != nil {
		return err
	}
	if _, serr := v.lower.refresh(); serr == nil {
		ino := v.file.inode
		copyInodeSize(ino, ino.lower)
		copyAttrTimes(ino, ino.lower)
	}
	return nil
}

// genericVMOps serve a mapping from ReadAt and WriteAt on the bound handle.
// Writeback never extends the file.
type genericVMOps struct{}

func (genericVMOps) Fault(v *VMA, pgoff int64) ([]byte, error) {
	t := v.Target()
	if t == nil {
		return nil, unix.EFAULT
	}
	p := make([]byte, PageSize)
	if _, err := t.ReadAt(p, v.off+pgoff*PageSize); err != nil && err != io.EOF {
		return nil, err
	}
	return p, nil
}

func (genericVMOps) PageMkwrite(v *VMA, pgoff int64) error {
	return nil
}

func (genericVMOps) Writepage(v *VMA, pgoff int64, page []byte) error {
	t := v.Target()
	if t == nil {
		return unix.EFAULT
	}
	info, err := t.Stat()
	if err != nil {
		return err
	}
	off := v.off + pgoff*PageSize
	n := int64(len(page))
	if rem := info.Size() - off; rem < n {
		n = rem
	}
	if n <= 0 {
		return nil
	}
	_, err = t.WriteAt(page[:n], off)
	return err
}
