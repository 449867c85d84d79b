// Package cgroup maps processes to their control-group paths by reading
// /proc/<pid>/cgroup.
package cgroup

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/containerd/cgroups"
)

// DefaultProcRoot is where the process table is mounted.
const DefaultProcRoot = "/proc"

// Resolver resolves a pid to one control-group path.
type Resolver struct {
	procRoot string
}

// NewResolver returns a Resolver reading below procRoot, DefaultProcRoot
// when empty.
func NewResolver(procRoot string) *Resolver {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	return &Resolver{procRoot: procRoot}
}

// CgroupPath returns the pid's path in the unified hierarchy when it has
// one. On legacy hosts the named systemd hierarchy is used, and failing that
// the first controller in name order.
func (r *Resolver) CgroupPath(pid int) (string, error) {
	file := filepath.Join(r.procRoot, strconv.Itoa(pid), "cgroup")
	legacy, unified, err := cgroups.ParseCgroupFileUnified(file)
	if err != nil {
		return "", fmt.Errorf("cgroup of pid %d: %w", pid, err)
	}
	if unified != "" {
		return unified, nil
	}
	if p, ok := legacy["name=systemd"]; ok {
		return p, nil
	}
	if len(legacy) == 0 {
		return "", fmt.Errorf("cgroup of pid %d: no hierarchies in %s", pid, file)
	}
	names := make([]string, 0, len(legacy))
	for name := range legacy {
		names = append(names, name)
	}
	sort.Strings(names)
	return legacy[names[0]], nil
}
