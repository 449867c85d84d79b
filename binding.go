package stackfs

// lowerPath names an object in the lower filesystem: a lower dentry together
// with the mount it was reached through. A lowerPath value is borrowed; get
// takes a reference on both halves and put drops them.
type lowerPath struct {
	dentry *lowerDentry
	mnt    *lowerMount
}

// get takes one reference on the dentry and one on the mount. A zero path is
// left alone.
func (p lowerPath) get() lowerPath {
	if p.dentry != nil {
		p.dentry.get()
	}
	if p.mnt != nil {
		p.mnt.get()
	}
	return p
}

// put drops the references taken by get.
func (p lowerPath) put() {
	if p.dentry != nil {
		p.dentry.put()
	}
	if p.mnt != nil {
		p.mnt.put()
	}
}

func (p lowerPath) equal(q lowerPath) bool {
	return p.dentry == q.dentry && p.mnt == q.mnt
}

func (p lowerPath) isZero() bool {
	return p.dentry == nil && p.mnt == nil
}

// String returns the lower path name, for logging.
func (p lowerPath) String() string {
	if p.dentry == nil {
		return "<nil>"
	}
	return p.dentry.path()
}
