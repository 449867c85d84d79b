package stackfs

import (
	"context"

	"github.com/sirupsen/logrus"
)

const (
	// ControlPayloadSize is the capacity of a control message payload.
	ControlPayloadSize = 14
	// ControlMessageSize is the encoded size of a control message.
	ControlMessageSize = 2 + ControlPayloadSize
)

// Linux ioctl request encoding.
const (
	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
	iocWrite     = 1
)

// IoctlIOMsg is the only control command: a write of one ControlMessage.
// Sending it asks the mount to flip its mode.
const IoctlIOMsg uint32 = iocWrite<<iocDirShift | ControlMessageSize<<iocSizeShift | 'x'<<iocTypeShift | 0x8F<<iocNrShift

// ControlMessage is the fixed-size message carried by IoctlIOMsg. Len counts
// the meaningful payload bytes. Type is carried but not interpreted.
type ControlMessage struct {
	Len     uint8
	Type    uint8
	Payload [ControlPayloadSize]byte
}

// NewControlMessage builds a message around payload.
func NewControlMessage(typ uint8, payload []byte) (ControlMessage, error) {
	var m ControlMessage
	if len(payload) > ControlPayloadSize {
		return m, ErrInvalid
	}
	m.Len = uint8(len(payload))
	m.Type = typ
	copy(m.Payload[:], payload)
	return m, nil
}

// Data returns the meaningful part of the payload.
func (m ControlMessage) Data() []byte {
	n := int(m.Len)
	if n > ControlPayloadSize {
		n = ControlPayloadSize
	}
	return m.Payload[:n]
}

// MarshalBinary encodes m into its 16-byte wire form.
func (m ControlMessage) MarshalBinary() ([]byte, error) {
	if m.Len > ControlPayloadSize {
		return nil, ErrInvalid
	}
	b := make([]byte, ControlMessageSize)
	b[0] = m.Len
	b[1] = m.Type
	copy(b[2:], m.Payload[:])
	return b, nil
}

// UnmarshalBinary decodes a message. Trailing bytes are ignored.
func (m *ControlMessage) UnmarshalBinary(b []byte) error {
	if len(b) < ControlMessageSize {
		return ErrInvalid
	}
	if b[0] > ControlPayloadSize {
		return ErrInvalid
	}
	m.Len = b[0]
	m.Type = b[1]
	copy(m.Payload[:], b[2:ControlMessageSize])
	return nil
}

// Ioctl dispatches a control command issued on f. arg is the command's input
// buffer. Unknown commands fail with ErrNotSupported. A successful command
// refreshes the file's attributes from the lower inode.
func (f *File) Ioctl(ctx context.Context, cmd uint32, arg []byte) error {
	lf := f.lowerFile()
	if lf == nil {
		return ErrNotSupported
	}
	defer lf.put()

	err := ErrNotSupported
	switch cmd {
	case IoctlIOMsg:
		var msg ControlMessage
		if err = msg.UnmarshalBinary(arg); err == nil {
			err = f.sfs.toggle(ctx, f, msg)
		}
	}
	if err == nil {
		copyAttrAll(f.inode, f.inode.lower)
	}
	return err
}

// toggle is the security gate. Unused dentries are shrunk first, then the
// label cached on the requesting dentry decides: privileged callers are
// refused, anyone else flips the mode.
func (sfs *StackFS) toggle(ctx context.Context, f *File, msg ControlMessage) error {
	sfs.ShrinkDcache()

	log := sfs.log.WithFields(logrus.Fields{
		"path": f.dentry.Path(),
		"type": msg.Type,
		"pid":  callerOf(ctx).Pid,
	})
	lbl := f.dentry.Label()
	if lbl.Privileged() {
		log.WithField("label", lbl).Warn("mode change refused")
		return ErrNotSupported
	}
	mode := sfs.mode.flip()
	log.WithField("mode", mode).Info("mode changed")
	return nil
}
