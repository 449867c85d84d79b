package stackfs

import (
	"context"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// maxSymlinkDepth bounds symlink expansion during a walk.
const maxSymlinkDepth = 40

// cleanPath normalizes a path to an absolute slash path.
func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func splitPath(p string) []string {
	p = cleanPath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// walk resolves name from the mount root, one Lookup per component.
// Intermediate symlinks are always followed, a trailing one only with
// follow. Paths are cleaned lexically before the walk. Absolute link
// targets are taken relative to the mount root. The result carries a
// reference and may be negative.
func (sfs *StackFS) walk(ctx context.Context, name string, follow bool) (*Dentry, error) {
	comps := splitPath(name)
	d := sfs.Root()
	depth := 0

	for i := 0; i < len(comps); i++ {
		comp := comps[i]
		if d.Negative() {
			d.Put()
			return nil, unix.ENOENT
		}
		next, err := sfs.Lookup(ctx, d, comp)
		if err != nil {
			d.Put()
			return nil, err
		}
		last := i == len(comps)-1
		ino := next.Inode()
		if ino == nil || ino.kind != KindSymlink || (last && !follow) {
			d.Put()
			d = next
			continue
		}

		depth++
		if depth > maxSymlinkDepth {
			next.Put()
			d.Put()
			return nil, unix.ELOOP
		}
		target, err := sfs.Readlink(ctx, next)
		next.Put()
		if err != nil {
			d.Put()
			return nil, err
		}

		rest := comps[i+1:]
		if !strings.HasPrefix(target, "/") {
			target = path.Join(d.Path(), target)
		}
		comps = append(splitPath(target), rest...)
		i = -1
		d.Put()
		d = sfs.Root()
	}
	return d, nil
}

// walkParent resolves everything but the last component of name. The
// returned directory carries a reference; base is empty for the root.
func (sfs *StackFS) walkParent(ctx context.Context, name string) (*Dentry, string, error) {
	name = cleanPath(name)
	if name == "/" {
		return sfs.Root(), "", nil
	}
	dirName, base := path.Split(name)
	dir, err := sfs.walk(ctx, dirName, true)
	if err != nil {
		return nil, "", err
	}
	if dir.Negative() {
		dir.Put()
		return nil, "", unix.ENOENT
	}
	return dir, base, nil
}

// walkEntry resolves the parent of name and looks its last component up.
// Both dentries carry references; the entry may be negative.
func (sfs *StackFS) walkEntry(ctx context.Context, name string) (dir, d *Dentry, err error) {
	dir, base, err := sfs.walkParent(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if base == "" {
		return dir, dir.Get(), nil
	}
	d, err = sfs.Lookup(ctx, dir, base)
	if err != nil {
		dir.Put()
		return nil, nil, err
	}
	return dir, d, nil
}
