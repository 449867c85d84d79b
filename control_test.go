package stackfs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func toggleMsg(t testing.TB) []byte {
	t.Helper()
	m, err := NewControlMessage(1, []byte{0xaa})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestIoctlNumber(t *testing.T) {
	// _IOW('x', 0x8F, 16 bytes)
	if IoctlIOMsg != 0x4010788f {
		t.Errorf("IoctlIOMsg = %#x, want 0x4010788f", IoctlIOMsg)
	}
}

func TestControlMessage(t *testing.T) {
	if _, err := NewControlMessage(0, make([]byte, ControlPayloadSize+1)); !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized payload = %v, want EINVAL", err)
	}

	m, err := NewControlMessage(7, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{5, 7, 'h', 'e', 'l', 'l', 'o'}, make([]byte, 9)...)
	if !bytes.Equal(b, want) {
		t.Errorf("encoding = %x, want %x", b, want)
	}

	var got ControlMessage
	if err := got.UnmarshalBinary(append(b, 0xff, 0xff)); err != nil {
		t.Fatalf("trailing bytes rejected: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("decoded message (-want +got):\n%s", diff)
	}
	if string(got.Data()) != "hello" {
		t.Errorf("Data() = %q", got.Data())
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short", make([]byte, ControlMessageSize-1)},
		{"length past payload", append([]byte{ControlPayloadSize + 1, 0}, make([]byte, ControlPayloadSize)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m ControlMessage
			if err := m.UnmarshalBinary(tt.buf); !errors.Is(err, ErrInvalid) {
				t.Errorf("UnmarshalBinary = %v, want EINVAL", err)
			}
		})
	}

	bad := ControlMessage{Len: ControlPayloadSize + 1}
	if _, err := bad.MarshalBinary(); !errors.Is(err, ErrInvalid) {
		t.Errorf("MarshalBinary with Len %d = %v, want EINVAL", bad.Len, err)
	}
	if n := len(bad.Data()); n != ControlPayloadSize {
		t.Errorf("Data() clamps to %d bytes, got %d", ControlPayloadSize, n)
	}
}

func TestToggleGate(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "ctl", "")
	msg := toggleMsg(t)

	tests := []struct {
		name   string
		caller Caller
		cmd    uint32
		arg    []byte
		want   error
		mode   Mode
	}{
		{"unprivileged flips", unprivileged, IoctlIOMsg, msg, nil, ModeFrozen},
		{"unprivileged flips back", unprivileged, IoctlIOMsg, msg, nil, ModeWritable},
		{"privileged refused", privileged, IoctlIOMsg, msg, ErrNotSupported, ModeWritable},
		{"unresolvable refused", unknown, IoctlIOMsg, msg, ErrNotSupported, ModeWritable},
		{"unknown command", unprivileged, IoctlIOMsg + 1, msg, ErrNotSupported, ModeWritable},
		{"short message", unprivileged, IoctlIOMsg, msg[:4], ErrInvalid, ModeWritable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := as(tt.caller)
			f := openPath(t, sfs, ctx, "/ctl", os.O_RDONLY)
			defer f.Release(ctx)

			err := f.Ioctl(ctx, tt.cmd, tt.arg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Ioctl = %v, want %v", err, tt.want)
			}
			if m := sfs.Mode(); m != tt.mode {
				t.Errorf("mode = %s, want %s", m, tt.mode)
			}
		})
	}
}

func TestToggleUsesLastOpener(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "ctl", "")
	msg := toggleMsg(t)
	user, admin := as(unprivileged), as(privileged)

	f := openPath(t, sfs, user, "/ctl", os.O_RDONLY)
	defer f.Release(user)
	if got := f.Dentry().Label(); got != LabelUnprivileged {
		t.Fatalf("label = %q, want %q", got, LabelUnprivileged)
	}

	g := openPath(t, sfs, admin, "/ctl", os.O_RDONLY)
	defer g.Release(admin)
	if err := f.Ioctl(user, IoctlIOMsg, msg); !errors.Is(err, ErrNotSupported) {
		t.Errorf("toggle after privileged open = %v, want ENOTTY", err)
	}

	h := openPath(t, sfs, user, "/ctl", os.O_RDONLY)
	defer h.Release(user)
	if err := g.Ioctl(admin, IoctlIOMsg, msg); err != nil {
		t.Errorf("toggle after unprivileged open = %v", err)
	}
	if sfs.Mode() != ModeFrozen {
		t.Errorf("mode = %s, want frozen", sfs.Mode())
	}
	if f.Mode() != ModeWritable {
		t.Errorf("file opened before the flip reports %s", f.Mode())
	}
}

func TestFailedOpenKeepsLabel(t *testing.T) {
	sfs, lower := newTestFS(t)
	if err := lower.MkdirAll(lowerDir+"/dir", 0755); err != nil {
		t.Fatal(err)
	}
	user := as(unprivileged)
	f := openPath(t, sfs, user, "/dir", os.O_RDONLY)
	defer f.Release(user)

	if _, err := sfs.Open(as(privileged), f.Dentry(), os.O_WRONLY); !errors.Is(err, unix.EISDIR) {
		t.Fatalf("write open of a directory = %v, want EISDIR", err)
	}
	if got := f.Dentry().Label(); got != LabelUnprivileged {
		t.Errorf("label = %q after failed open, want %q", got, LabelUnprivileged)
	}
}

func TestConcurrentToggles(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "ctl", "")
	msg := toggleMsg(t)
	ctx := as(unprivileged)

	const n = 64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			d, err := sfs.walk(context.Background(), "/ctl", false)
			if err != nil {
				return err
			}
			defer d.Put()
			f, err := sfs.Open(ctx, d, os.O_RDONLY)
			if err != nil {
				return err
			}
			defer f.Release(ctx)
			return f.Ioctl(ctx, IoctlIOMsg, msg)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if m := sfs.Mode(); m != ModeWritable {
		t.Errorf("mode after %d toggles = %s, want writable", n, m)
	}
	checkBalanced(t, sfs)
}

func TestIoctlAfterRelease(t *testing.T) {
	sfs, lower := newTestFS(t)
	mustWriteLower(t, lower, "ctl", "")
	ctx := as(unprivileged)
	f := openPath(t, sfs, ctx, "/ctl", os.O_RDONLY)
	if err := f.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.Ioctl(ctx, IoctlIOMsg, toggleMsg(t)); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Ioctl on released file = %v, want ENOTTY", err)
	}
	if err := f.Release(ctx); !errors.Is(err, unix.EBADF) {
		t.Errorf("second Release = %v, want EBADF", err)
	}
}
