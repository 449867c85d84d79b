package cgroup

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCgroup(t *testing.T, root string, pid, content string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCgroupPath(t *testing.T) {
	root := t.TempDir()
	writeCgroup(t, root, "10", "0::/lxc/cont-priv/init.scope\n")
	writeCgroup(t, root, "11", "12:cpuset:/lxc/cont-a\n1:name=systemd:/lxc/cont-a/init.scope\n")
	writeCgroup(t, root, "12", "4:memory:/user.slice\n3:cpuset:/lxc/cont-b\n")
	writeCgroup(t, root, "13", "garbage\n")

	r := NewResolver(root)
	tests := []struct {
		pid  int
		want string
	}{
		{10, "/lxc/cont-priv/init.scope"},
		{11, "/lxc/cont-a/init.scope"},
		{12, "/lxc/cont-b"},
	}
	for _, tt := range tests {
		got, err := r.CgroupPath(tt.pid)
		if err != nil {
			t.Errorf("CgroupPath(%d) error: %v", tt.pid, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CgroupPath(%d) = %q, want %q", tt.pid, got, tt.want)
		}
	}

	if _, err := r.CgroupPath(13); err == nil {
		t.Error("expected error for malformed cgroup file")
	}
	if _, err := r.CgroupPath(99); err == nil {
		t.Error("expected error for missing process")
	}
}

func TestCgroupPathSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/cgroup"); err != nil {
		t.Skip("no /proc on this host")
	}
	r := NewResolver("")
	if _, err := r.CgroupPath(os.Getpid()); err != nil {
		t.Fatalf("CgroupPath(self): %v", err)
	}
}
