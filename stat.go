package stackfs

import (
	"os"
	"reflect"
	"time"
)

// lowerStat is the subset of a lower inode's attributes the upper layer
// mirrors. It is decoded from os.FileInfo and whatever the lower filesystem
// hangs off Sys(): *syscall.Stat_t for host directories, an inode struct for
// in-memory filesystems.
type lowerStat struct {
	dev    uint64
	ino    uint64
	hasIno bool

	mode   os.FileMode
	size   int64
	nlink  uint32
	uid    uint32
	gid    uint32
	rdev   uint64
	blocks int64

	atime time.Time
	mtime time.Time
	ctime time.Time
}

func statOf(info os.FileInfo) lowerStat {
	st := lowerStat{
		mode:  info.Mode(),
		size:  info.Size(),
		nlink: 1,
		mtime: info.ModTime(),
	}
	st.atime, st.ctime = st.mtime, st.mtime

	v := reflect.ValueOf(info.Sys())
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return st
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Struct {
		return st
	}

	if ino, ok := uintField(v, "Ino"); ok && ino != 0 {
		st.ino, st.hasIno = ino, true
	}
	if dev, ok := uintField(v, "Dev"); ok {
		st.dev = dev
	}
	if n, ok := uintField(v, "Nlink"); ok && n > 0 {
		st.nlink = uint32(n)
	}
	if n, ok := uintField(v, "Uid"); ok {
		st.uid = uint32(n)
	}
	if n, ok := uintField(v, "Gid"); ok {
		st.gid = uint32(n)
	}
	if n, ok := uintField(v, "Rdev"); ok {
		st.rdev = n
	}
	if n, ok := uintField(v, "Blocks"); ok {
		st.blocks = int64(n)
	}
	if t, ok := timeField(v, "Atim", "Atimespec", "Atime"); ok {
		st.atime = t
	}
	if t, ok := timeField(v, "Ctim", "Ctimespec", "Ctime"); ok {
		st.ctime = t
	}
	if st.blocks == 0 && st.size > 0 {
		st.blocks = (st.size + 511) / 512
	}
	return st
}

func uintField(v reflect.Value, name string) (uint64, bool) {
	f := v.FieldByName(name)
	if !f.IsValid() {
		return 0, false
	}
	switch f.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return f.Uint(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f.Int() < 0 {
			return 0, false
		}
		return uint64(f.Int()), true
	}
	return 0, false
}

func timeField(v reflect.Value, names ...string) (time.Time, bool) {
	for _, name := range names {
		f := v.FieldByName(name)
		if !f.IsValid() {
			continue
		}
		if f.Type() == reflect.TypeOf(time.Time{}) {
			if !f.CanInterface() {
				continue
			}
			return f.Interface().(time.Time), true
		}
		if f.Kind() == reflect.Struct {
			sec, nsec := f.FieldByName("Sec"), f.FieldByName("Nsec")
			if sec.IsValid() && nsec.IsValid() && sec.CanInt() && nsec.CanInt() {
				return time.Unix(sec.Int(), nsec.Int()), true
			}
		}
	}
	return time.Time{}, false
}
