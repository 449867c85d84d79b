package stackfs

import "sync/atomic"

// Mode is the mount-wide enforcement mode. It starts writable and is flipped
// by the toggle control command.
type Mode uint32

const (
	ModeWritable Mode = 0xffffffff
	ModeFrozen   Mode = 0
)

func (m Mode) String() string {
	switch m {
	case ModeWritable:
		return "writable"
	case ModeFrozen:
		return "frozen"
	}
	return "invalid"
}

// modeCell holds the mode. Flips are a single compare-and-swap so two
// concurrent toggles always land on the original value.
type modeCell struct {
	v atomic.Uint32
}

func (c *modeCell) load() Mode {
	return Mode(c.v.Load())
}

func (c *modeCell) store(m Mode) {
	c.v.Store(uint32(m))
}

// flip inverts every bit and returns the new mode.
func (c *modeCell) flip() Mode {
	for {
		old := c.v.Load()
		if c.v.CompareAndSwap(old, ^old) {
			return Mode(^old)
		}
	}
}
