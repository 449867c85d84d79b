package stackfs

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Label is the trust label of the process that last opened a file.
type Label string

const (
	LabelNone         Label = ""
	LabelPrivileged   Label = "P1"
	LabelUnprivileged Label = "U1"
)

// DefaultPrivilegedCgroup is the control-group prefix that marks a caller
// privileged.
const DefaultPrivilegedCgroup = "/lxc/cont-priv"

func (l Label) Privileged() bool {
	return l == LabelPrivileged
}

// Caller identifies the process on whose behalf an operation runs.
type Caller struct {
	Pid int
	Uid uint32
	Gid uint32
}

type callerKey struct{}

// WithCaller returns a context that carries c. Front ends set it from the
// request they are serving; without it the current process is assumed.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func callerOf(ctx context.Context) Caller {
	if c, ok := CallerFrom(ctx); ok {
		return c
	}
	return Caller{Pid: os.Getpid(), Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}

// CgroupResolver maps a process to its control-group path.
type CgroupResolver interface {
	CgroupPath(pid int) (string, error)
}

// CgroupResolverFunc adapts a function to CgroupResolver.
type CgroupResolverFunc func(pid int) (string, error)

func (f CgroupResolverFunc) CgroupPath(pid int) (string, error) {
	return f(pid)
}

type classifier struct {
	resolver CgroupResolver
	prefix   string
	log      *logrus.Entry
}

// classify labels the caller in ctx. A caller whose control group cannot be
// resolved is treated as privileged, which the toggle gate refuses.
func (c *classifier) classify(ctx context.Context) Label {
	caller := callerOf(ctx)
	cg, err := c.resolver.CgroupPath(caller.Pid)
	if err != nil {
		c.log.WithError(err).WithField("pid", caller.Pid).Warn("cannot resolve caller cgroup")
		return LabelPrivileged
	}
	if strings.HasPrefix(cg, c.prefix) {
		return LabelPrivileged
	}
	return LabelUnprivileged
}
