package stackfs

import (
	"os"
	"time"
)

// Attr is the attribute set an upper inode mirrors from its lower inode.
type Attr struct {
	Ino    uint64
	Mode   os.FileMode
	Size   int64
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Rdev   uint64
	Blocks int64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// copyAttrAll copies everything but the size.
func copyAttrAll(ino *Inode, li *lowerInode) {
	st := li.attr()
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.attr.Ino = ino.key.ino
	ino.attr.Mode = st.mode
	ino.attr.Uid = st.uid
	ino.attr.Gid = st.gid
	ino.attr.Rdev = st.rdev
	ino.attr.Nlink = st.nlink
	ino.attr.Atime = st.atime
	ino.attr.Mtime = st.mtime
	ino.attr.Ctime = st.ctime
}

func copyAttrTimes(ino *Inode, li *lowerInode) {
	st := li.attr()
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.attr.Atime = st.atime
	ino.attr.Mtime = st.mtime
	ino.attr.Ctime = st.ctime
}

func copyAttrAtime(ino *Inode, li *lowerInode) {
	st := li.attr()
	ino.mu.Lock()
	ino.attr.Atime = st.atime
	ino.mu.Unlock()
}

func copyInodeSize(ino *Inode, li *lowerInode) {
	st := li.attr()
	ino.mu.Lock()
	ino.attr.Size = st.size
	ino.attr.Blocks = st.blocks
	ino.mu.Unlock()
}

// syncFromLower refreshes the upper attributes after an operation that may
// have changed the lower object.
func syncFromLower(ino *Inode) {
	copyAttrAll(ino, ino.lower)
	copyInodeSize(ino, ino.lower)
}
