package stackfs

import (
	"context"
	"errors"
	"io"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// Kiocb is one vectored I/O request. Pos is the file offset it starts at;
// the handler serving the request advances it.
type Kiocb struct {
	Pos int64

	target absfs.File
}

// NewKiocb returns a request starting at pos.
func NewKiocb(pos int64) *Kiocb {
	return &Kiocb{Pos: pos}
}

// Target returns the lower handle currently serving the request, nil while
// the request is owned by the upper file.
func (k *Kiocb) Target() absfs.File {
	return k.target
}

// IterReader is implemented by lower handles that serve vectored reads
// themselves. ErrIOCBQueued means the request completes later.
type IterReader interface {
	ReadIter(k *Kiocb, bufs [][]byte) (int, error)
}

// IterWriter is the write counterpart of IterReader.
type IterWriter interface {
	WriteIter(k *Kiocb, bufs [][]byte) (int, error)
}

// iterCapable lets a lower handle or filesystem refuse vectored I/O.
type iterCapable interface {
	CanIter() bool
}

func (lf *lowerFile) canIter() bool {
	if c, ok := lf.f.(iterCapable); ok {
		return c.CanIter()
	}
	if c, ok := lf.sb.fs.(iterCapable); ok {
		return c.CanIter()
	}
	return true
}

// ReadIter serves a vectored read through the lower handle.
func (f *File) ReadIter(ctx context.Context, k *Kiocb, bufs [][]byte) (int, error) {
	if !readable(f.flags) {
		return 0, unix.EBADF
	}
	r, ok := f.inode.fops.(iterReader)
	if !ok {
		return 0, unix.EINVAL
	}
	lf := f.lowerFile()
	if lf == nil {
		return 0, unix.EBADF
	}
	defer lf.put()
	return r.readIter(ctx, f, lf, k, bufs)
}

// WriteIter serves a vectored write through the lower handle.
func (f *File) WriteIter(ctx context.Context, k *Kiocb, bufs [][]byte) (int, error) {
	if !writable(f.flags) {
		return 0, unix.EBADF
	}
	w, ok := f.inode.fops.(iterWriter)
	if !ok {
		return 0, unix.EINVAL
	}
	lf := f.lowerFile()
	if lf == nil {
		return 0, unix.EBADF
	}
	defer lf.put()
	return w.writeIter(ctx, f, lf, k, bufs)
}

// retarget points k at the lower handle for the duration of one call. The
// extra reference keeps the handle alive if the request is queued.
func retarget(k *Kiocb, lf *lowerFile) func() {
	prev := k.target
	k.target = lf.f
	lf.get()
	return func() {
		k.target = prev
		lf.put()
	}
}

func iterDone(err error) bool {
	return err == nil || errors.Is(err, ErrIOCBQueued)
}

func (mainFileOps) readIter(ctx context.Context, f *File, lf *lowerFile, k *Kiocb, bufs [][]byte) (int, error) {
	if !lf.canIter() {
		return 0, unix.EINVAL
	}
	restore := retarget(k, lf)
	var (
		n   int
		err error
	)
	if r, ok := lf.f.(IterReader); ok {
		n, err = r.ReadIter(k, bufs)
	} else {
		n, err = genericReadIter(lf, k, bufs)
	}
	restore()

	if iterDone(err) {
		if _, serr := lf.refresh(); serr == nil {
			copyAttrAtime(f.inode, f.inode.lower)
		}
	}
	return n, err
}

func (mainFileOps) writeIter(ctx context.Context, f *File, lf *lowerFile, k *Kiocb, bufs [][]byte) (int, error) {
	if !lf.canIter() {
		return 0, unix.EINVAL
	}
	var total int64
	for _, b := range bufs {
		total += int64(len(b))
	}
	if k.Pos < 0 || k.Pos > f.sfs.maxBytes || total > f.sfs.maxBytes-k.Pos {
		return 0, unix.EFBIG
	}

	restore := retarget(k, lf)
	var (
		n   int
		err error
	)
	if w, ok := lf.f.(IterWriter); ok {
		n, err = w.WriteIter(k, bufs)
	} else {
		n, err = genericWriteIter(lf, k, bufs)
	}
	restore()

	if iterDone(err) {
		if _, serr := lf.refresh(); serr == nil {
			copyInodeSize(f.inode, f.inode.lower)
			copyAttrTimes(f.inode, f.inode.lower)
		}
	}
	return n, err
}

func genericReadIter(lf *lowerFile, k *Kiocb, bufs [][]byte) (int, error) {
	var total int
	for _, b := range bufs {
		n, err := lf.readAt(b, k.Pos)
		total += n
		k.Pos += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

func genericWriteIter(lf *lowerFile, k *Kiocb, bufs [][]byte) (int, error) {
	var total int
	for _, b := range bufs {
		n, err := lf.writeAt(b, k.Pos)
		total += n
		if lf.flags&unix.O_APPEND != 0 {
			k.Pos = lf.getPos()
		} else {
			k.Pos += int64(n)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
