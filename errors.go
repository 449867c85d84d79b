package stackfs

import (
	"errors"
	"io/fs"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Errors reported by the stacking layer itself. Errors that originate in the
// lower filesystem are passed through unchanged.
var (
	// ErrStale is returned when a lower inode is being torn down while the
	// upper layer tries to take a reference on it.
	ErrStale error = unix.ESTALE

	// ErrCrossDevice is returned when a lower object does not belong to the
	// lower filesystem this mount was created over.
	ErrCrossDevice error = unix.EXDEV

	// ErrNoMemory is returned when an object pool is exhausted.
	ErrNoMemory error = unix.ENOMEM

	// ErrInvalid is returned for malformed arguments, mount parameters and
	// control messages.
	ErrInvalid error = unix.EINVAL

	// ErrNotSupported is the answer to an unknown control command, and to a
	// toggle request from a privileged caller.
	ErrNotSupported error = unix.ENOTTY

	// ErrBusy is returned by Unmount while files are still open.
	ErrBusy error = unix.EBUSY

	// ErrIOCBQueued reports that an asynchronous request was accepted by the
	// lower filesystem and will complete later. It is not a failure.
	ErrIOCBQueued = errors.New("stackfs: iocb queued")
)

// errnoOf reduces an error to an errno. Lower errors are usually wrapped in
// *os.PathError or *os.LinkError; the os sentinels are mapped by hand for
// filesystems that return them bare.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return unix.EACCES
	case errors.Is(err, fs.ErrInvalid):
		return unix.EINVAL
	case errors.Is(err, fs.ErrClosed):
		return unix.EBADF
	}
	return unix.EIO
}

// isNotExist reports whether a lower error means the name is absent.
func isNotExist(err error) bool {
	return errnoOf(err) == unix.ENOENT
}

// Errno returns the errno carried by err, EIO when there is none. Front ends
// use it to translate failures into kernel status codes.
func Errno(err error) syscall.Errno {
	return errnoOf(err)
}

func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return &os.PathError{Op: op, Path: name, Err: pe.Err}
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return &os.PathError{Op: op, Path: name, Err: le.Err}
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}
