package stackfs

import (
	"context"
	"io"
	"io/fs"
	"os"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// adapterFile presents an open File as an absfs.File.
type adapterFile struct {
	f    *File
	ctx  context.Context
	name string
}

var _ absfs.File = (*adapterFile)(nil)

func (af *adapterFile) Name() string {
	return af.name
}

func (af *adapterFile) err(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	return pathError(op, af.name, err)
}

func (af *adapterFile) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := af.f.Read(af.ctx, p)
	if n == 0 && err == nil {
		err = io.EOF
	}
	return n, af.err("read", err)
}

func (af *adapterFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, af.err("readat", unix.EINVAL)
	}
	n, err := af.f.Pread(af.ctx, p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, af.err("read", err)
}

func (af *adapterFile) Write(p []byte) (int, error) {
	n, err := af.f.Write(af.ctx, p)
	return n, af.err("write", err)
}

func (af *adapterFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, af.err("writeat", unix.EINVAL)
	}
	if af.f.flags&os.O_APPEND != 0 {
		return 0, af.err("writeat", unix.EBADF)
	}
	n, err := af.f.Pwrite(af.ctx, p, off)
	return n, af.err("write", err)
}

func (af *adapterFile) WriteString(s string) (int, error) {
	return af.Write([]byte(s))
}

func (af *adapterFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := af.f.Seek(af.ctx, offset, whence)
	return pos, af.err("seek", err)
}

func (af *adapterFile) Sync() error {
	return af.err("sync", af.f.Fsync(af.ctx, false))
}

// Close flushes and releases the file. A second Close reports EBADF.
func (af *adapterFile) Close() error {
	ferr := af.f.Flush(af.ctx)
	if err := af.f.Release(af.ctx); err != nil {
		return af.err("close", err)
	}
	return af.err("close", ferr)
}

func (af *adapterFile) Stat() (os.FileInfo, error) {
	lf := af.f.lowerFile()
	if lf == nil {
		return nil, af.err("stat", unix.EBADF)
	}
	defer lf.put()
	info, err := lf.refresh()
	if err != nil {
		return nil, af.err("stat", err)
	}
	syncFromLower(af.f.inode)
	return namedInfo{FileInfo: info, name: baseName(af.name)}, nil
}

func (af *adapterFile) Truncate(size int64) error {
	return af.err("truncate", af.f.Truncate(af.ctx, size))
}

// Readdir follows os.File: with n > 0 it returns at most n entries and
// io.EOF once the directory is exhausted, otherwise everything left.
func (af *adapterFile) Readdir(n int) ([]os.FileInfo, error) {
	des, err := af.f.Readdir(af.ctx, n)
	if err != nil {
		return nil, af.err("readdirent", err)
	}
	infos := make([]os.FileInfo, 0, len(des))
	for _, de := range des {
		infos = append(infos, de.Info)
	}
	if n > 0 && len(infos) == 0 {
		return nil, io.EOF
	}
	return infos, nil
}

func (af *adapterFile) Readdirnames(n int) ([]string, error) {
	infos, err := af.Readdir(n)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, err
}

func (af *adapterFile) ReadDir(n int) ([]fs.DirEntry, error) {
	infos, err := af.Readdir(n)
	entries := make([]fs.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, fs.FileInfoToDirEntry(info))
	}
	return entries, err
}

// Ioctl issues a control command on the open file.
func (af *adapterFile) Ioctl(cmd uint32, arg []byte) error {
	return af.err("ioctl", af.f.Ioctl(af.ctx, cmd, arg))
}

// File returns the underlying stacked file.
func (af *adapterFile) File() *File {
	return af.f
}
