package guard

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"judgeguard/internal/cgroup"
	"judgeguard/internal/confine"
	"judgeguard/internal/fault"
	"judgeguard/internal/fdio"
	"judgeguard/internal/limits"
	"judgeguard/internal/pump"
)

// prepare checks everything that can be checked before a privileged
// action is taken.
func (g *Guard) prepare() error {
	if err := g.spec.Validate(); err != nil {
		return err
	}

	ns, err := confine.ParseNamespaces(g.cfg.Guard.Namespaces)
	if err != nil {
		return err
	}
	g.namespaces = ns

	g.identity, err = confine.ResolveIdentity(g.spec.User, g.spec.Group, confine.AllowList(g.cfg.Guard.ValidUsers))
	if err != nil {
		return err
	}

	if g.spec.Root != "" {
		if g.root, err = confine.CheckRoot(g.spec.Root, g.cfg.Guard.ChrootPrefix); err != nil {
			return err
		}
	}

	if g.spec.CPUSet != "" {
		if err := limits.CheckCPUSet(g.spec.CPUSet, g.cfg.Guard.OnlineCPUsPath); err != nil {
			return fault.Config("checking cpuset", err)
		}
	}

	if !g.cfg.Cgroup.Disabled && g.cfg.Cgroup.RequireCgroup2 {
		if err := cgroup.CheckMount(g.cfg.Cgroup.Root); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) createCgroup() error {
	if g.cfg.Cgroup.Disabled {
		g.log.Warn().Msg("cgroups disabled: no memory limit and no cgroup accounting")
		return nil
	}
	name := cgroup.Name(g.cfg.Cgroup.Parent, os.Getpid(), g.spec.CPUSet, time.Now())
	cg := cgroup.New(g.cfg.Cgroup.Root, name, cgroup.Options{
		DeleteDelay:   g.cfg.Cgroup.DeleteDelay,
		DeleteRetries: g.cfg.Cgroup.DeleteRetries,
		Logger:        g.log,
	})
	if err := cg.Create(g.spec.Limits.CgroupResources(g.spec.CPUSet)); err != nil {
		// Create may have left the directory behind.
		if derr := cg.Delete(); derr != nil {
			g.log.Warn().Err(derr).Str("cgroup", name).Msg("removing partial cgroup")
		}
		return err
	}
	g.cg = cg
	g.log.Debug().Str("cgroup", name).Msg("cgroup created")
	return nil
}

// resetOOMScore undoes a negative oom_score_adj inherited from the
// caller, such as a judgedaemon protected from the OOM killer.
func resetOOMScore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.OS("reading "+path, err)
	}
	adj, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fault.Internal("parsing "+path, err)
	}
	if adj >= 0 {
		return nil
	}
	if err := os.WriteFile(path, []byte("0"), 0); err != nil {
		return fault.OS("resetting "+path, err)
	}
	return nil
}

// spawn starts the command through the confinement helper in a new
// session, so its pid is also its process group id.
func (g *Guard) spawn() error {
	env, err := confine.BuildEnv(os.Environ(), g.spec.PreserveEnv, g.spec.Variables)
	if err != nil {
		return err
	}

	var child fdio.Set
	defer child.CloseAll()
	outR, outW, err := fdio.Pipe()
	if err != nil {
		return fault.OS("creating stdout pipe", err)
	}
	g.fds.Add(outR)
	child.Add(outW)
	errR, errW, err := fdio.Pipe()
	if err != nil {
		return fault.OS("creating stderr pipe", err)
	}
	g.fds.Add(errR)
	child.Add(errW)
	g.stdoutR, g.stderrR = outR, errR

	req := &confine.Request{
		Command:      g.spec.Command,
		Args:         g.spec.Args,
		Env:          env,
		Root:         g.root,
		RootPrefix:   g.cfg.Guard.ChrootPrefix,
		Chdir:        g.spec.Chdir,
		UID:          g.identity.UID,
		GID:          g.identity.GID,
		Rlimits:      g.spec.Limits.Rlimits(),
		RlimitPolicy: g.cfg.Guard.RlimitPermission,
		AllowRoot:    g.cfg.Guard.AllowRootCommand,
	}
	if g.cg != nil {
		req.CgroupProcs = g.cg.ProcsPath()
	}
	attr := &syscall.SysProcAttr{
		Setsid:     true,
		Cloneflags: confine.CloneFlags(g.namespaces),
	}

	g.start = time.Now()
	pid, err := confine.Start(req, [3]int{unix.Stdin, outW.Int(), errW.Int()}, attr, func(msg string) {
		g.log.Warn().Msg(msg)
	})
	if err != nil {
		if pid > 0 {
			// The helper exits right after reporting; collect it so the
			// abort path does not signal a recycled process group.
			_, _ = unix.Wait4(pid, nil, 0, nil)
		}
		return err
	}
	g.pid = pid
	return nil
}

// openOutputs opens the redirect files as the invoking user and sets up
// the two output streams.
func (g *Guard) openOutputs() error {
	open := func(path string, std int) (*fdio.FD, error) {
		if path == "" {
			return fdio.Borrow(std), nil
		}
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o600)
		if err != nil {
			return nil, fault.OS("opening "+path, err)
		}
		f := fdio.New(fd)
		g.fds.Add(f)
		return f, nil
	}
	out, err := open(g.spec.StdoutPath, unix.Stdout)
	if err != nil {
		return err
	}
	errOut, err := open(g.spec.StderrPath, unix.Stderr)
	if err != nil {
		return err
	}

	g.stdout = pump.New("stdout", g.stdoutR, out, g.spec.StreamLimit)
	g.stderr = pump.New("stderr", g.stderrR, errOut, g.spec.StreamLimit)
	for _, s := range g.streams() {
		s.UseSplice(true)
		if err := s.Src().SetNonblock(true); err != nil {
			return fault.OS("setting "+s.Name+" non-blocking", err)
		}
	}
	return nil
}

func (g *Guard) streams() []*pump.Stream {
	if g.stdout == nil {
		return nil
	}
	return []*pump.Stream{g.stdout, g.stderr}
}

// armTimer raises SIGALRM on the signal pipe when the hard wall time
// has passed since the command started.
func (g *Guard) armTimer() {
	if !g.spec.WallTime.IsSet() {
		return
	}
	g.timer = time.AfterFunc(time.Until(g.start.Add(g.spec.WallTime.Hard)), func() {
		g.sig.Raise(unix.SIGALRM)
	})
}
