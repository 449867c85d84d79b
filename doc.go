/*
Package stackfs provides a stacking filesystem layer for Go. A mount sits on
top of one directory of a lower filesystem and forwards every operation to it,
mirroring the lower objects with its own inodes, dentries and open files.

# Overview

Each upper object is bound to exactly one lower object:

  - an upper inode wraps one lower inode and mirrors its attributes
  - an upper dentry holds a reference on one lower dentry and mount
  - an upper file holds one open lower handle

Names are cached in a dentry tree. A name that does not exist below is cached
as a negative dentry, which later turns positive when something is created
under it. Cached entries are revalidated against the lower filesystem on
every lookup, or trusted for a while when a revalidation cache is configured.

# Basic Usage

	package main

	import (
	    "github.com/absfs/memfs"
	    "github.com/absfs/stackfs"
	)

	func main() {
	    lower, _ := memfs.NewFS()
	    lower.MkdirAll("/data", 0755)

	    sfs, err := stackfs.Mount(lower, "/data")
	    if err != nil {
	        panic(err)
	    }
	    defer sfs.Unmount()

	    fsys := sfs.FileSystem()
	    f, _ := fsys.Create("/hello.txt")   // lands in /data/hello.txt below
	    f.Write([]byte("hello"))
	    f.Close()
	}

# Trust Labels and the Mode Switch

Every successful open classifies the calling process by its control group.
Callers under the privileged prefix (DefaultPrivilegedCgroup unless changed
with WithPrivilegedCgroup) are labeled privileged, everyone else
unprivileged. The label is cached on the dentry that was opened, so the last
opener decides.

A mount carries a mode word that starts as ModeWritable. The control command
IoctlIOMsg, issued on an open file, flips it:

	msg, _ := stackfs.NewControlMessage(1, []byte{0xaa})
	buf, _ := msg.MarshalBinary()
	err := f.Ioctl(ctx, stackfs.IoctlIOMsg, buf)

The flip is refused with ENOTTY when the file's dentry carries a privileged
label. A caller whose control group cannot be resolved counts as privileged.

Front ends pass the caller in the context:

	ctx := stackfs.WithCaller(ctx, stackfs.Caller{Pid: pid, Uid: uid, Gid: gid})

Without it the current process is assumed.

# Front Ends

The package itself is driven through Go calls. Two front ends are provided:

  - FileSystem and FileSystemContext return an absfs.SymlinkFileSystem view
  - package fusefs serves a mount to the kernel over FUSE

# Object Accounting

Stats reports live objects on both sides of the stack. Once ShrinkDcache has
run and no files are open, a mount holds exactly its root on each side, and
Unmount releases that too. Unmount fails with EBUSY while files or mappings
are open or dentries below the root are still referenced.

WithObjectLimits caps the number of inodes, dentries and open files; an
exhausted pool fails the operation with ENOMEM.

# Limitations

  - Hard links are not supported
  - Symlink targets are resolved inside the mount; absolute targets start at
    the mount root
  - File modes are mirrored but not enforced
  - Mappings are emulated page by page through the lower handle unless it
    implements Mapper
*/
package stackfs
