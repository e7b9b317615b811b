// Package cgroup drives a single cgroup v2 directory through the cgroup
// filesystem: create it with limits, read accounting, verify it is
// empty, kill what is left and remove it.
package cgroup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
)

const DefaultRoot = "/sys/fs/cgroup"

// Name builds a unique cgroup name below parent from the supervisor's
// pid, the (shortened) cpuset and the current time.
func Name(parent string, pid int, cpuset string, now time.Time) string {
	if len(cpuset) > 16 {
		cpuset = cpuset[:16]
	}
	leaf := fmt.Sprintf("jg_cgroup_%d_%s_%d.%06d", pid, cpuset, now.Unix(), now.Nanosecond()/1000)
	return path.Join(parent, leaf)
}

// CheckMount verifies that root is a cgroup v2 mount point.
func CheckMount(root string) error {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(filepath.Clean(root)))
	if err != nil {
		return fault.Cgroup("reading mountinfo", err)
	}
	if len(mounts) == 0 || mounts[0].FSType != "cgroup2" {
		return fault.Cgroup("checking "+root, fault.ErrNotCgroup2)
	}
	return nil
}

type Options struct {
	DeleteDelay   time.Duration
	DeleteRetries int
	Logger        zerolog.Logger
}

// Cgroup is one cgroup owned by one supervisor.
type Cgroup struct {
	root string
	name string
	path string
	opts Options
}

// New describes the cgroup root/name without touching the filesystem.
func New(root, name string, opts Options) *Cgroup {
	if opts.DeleteDelay <= 0 {
		opts.DeleteDelay = 10 * time.Millisecond
	}
	if opts.DeleteRetries <= 0 {
		opts.DeleteRetries = 50
	}
	return &Cgroup{
		root: root,
		name: name,
		path: filepath.Join(root, filepath.FromSlash(name)),
		opts: opts,
	}
}

func (c *Cgroup) Name() string { return c.name }
func (c *Cgroup) Path() string { return c.path }

// ProcsPath is the file a process writes its pid to in order to join.
func (c *Cgroup) ProcsPath() string {
	return filepath.Join(c.path, "cgroup.procs")
}

// Create makes the cgroup directory and applies res. Controllers are
// enabled in every ancestor below the root; failures there are only
// logged because they may already be enabled by the system.
func (c *Cgroup) Create(res *specs.LinuxResources) error {
	controllers := []string{"memory", "cpu"}
	if res != nil && res.CPU != nil && res.CPU.Cpus != "" {
		controllers = append(controllers, "cpuset")
	}

	parent := filepath.Dir(c.path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fault.Cgroup("creating cgroup parent", err)
	}
	dir := c.root
	c.enableControllers(dir, controllers)
	if p := path.Dir(c.name); p != "." && p != "/" {
		for _, elem := range strings.Split(p, "/") {
			dir = filepath.Join(dir, elem)
			c.enableControllers(dir, controllers)
		}
	}

	if err := os.Mkdir(c.path, 0o755); err != nil {
		return fault.Cgroup("creating cgroup", err)
	}
	if res == nil {
		return nil
	}
	if m := res.Memory; m != nil {
		if m.Limit != nil {
			if err := c.write("memory.max", limitValue(*m.Limit)); err != nil {
				return err
			}
		}
		if m.Swap != nil {
			if err := c.write("memory.swap.max", limitValue(*m.Swap)); err != nil {
				return err
			}
		}
	}
	if cpu := res.CPU; cpu != nil && cpu.Cpus != "" {
		mems := cpu.Mems
		if mems == "" {
			mems = "0"
		}
		if err := c.write("cpuset.mems", mems); err != nil {
			return err
		}
		if err := c.write("cpuset.cpus", cpu.Cpus); err != nil {
			return err
		}
	}
	return nil
}

func limitValue(v int64) string {
	if v < 0 {
		return "max"
	}
	return strconv.FormatInt(v, 10)
}

func (c *Cgroup) enableControllers(dir string, controllers []string) {
	file := filepath.Join(dir, "cgroup.subtree_control")
	for _, ctrl := range controllers {
		if err := os.WriteFile(file, []byte("+"+ctrl), 0o644); err != nil {
			c.opts.Logger.Debug().Err(err).Str("dir", dir).Str("controller", ctrl).Msg("enabling controller")
		}
	}
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0o644); err != nil {
		return fault.Cgroup("setting "+file, err)
	}
	return nil
}

// Procs lists the pids currently in the cgroup.
func (c *Cgroup) Procs() ([]int, error) {
	data, err := os.ReadFile(c.ProcsPath())
	if err != nil {
		return nil, fault.Cgroup("reading cgroup.procs", err)
	}
	var pids []int
	for _, f := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(f)
		if err != nil {
			return nil, fault.Cgroup("parsing cgroup.procs", err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// CheckEmpty fails when any process is still in the cgroup after the
// command has been reaped.
func (c *Cgroup) CheckEmpty() error {
	pids, err := c.Procs()
	if err != nil {
		return err
	}
	if len(pids) > 0 {
		return fault.Internal("checking cgroup", fmt.Errorf("%w: pids %v", fault.ErrLeftoverProcesses, pids))
	}
	return nil
}

// Stats is the accounting read after the run.
type Stats struct {
	MemoryPeak int64
	CPUUsage   time.Duration
}

func (c *Cgroup) Stats() (Stats, error) {
	var st Stats
	data, err := os.ReadFile(filepath.Join(c.path, "memory.peak"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w (memory.peak needs Linux 5.19 or later)", err)
		}
		return st, fault.Cgroup("reading memory.peak", err)
	}
	if st.MemoryPeak, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err != nil {
		return st, fault.Cgroup("parsing memory.peak", err)
	}

	data, err = os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return st, fault.Cgroup("reading cpu.stat", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), " ")
		if !ok || key != "usage_usec" {
			continue
		}
		usec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return st, fault.Cgroup("parsing cpu.stat", err)
		}
		st.CPUUsage = time.Duration(usec) * time.Microsecond
		return st, nil
	}
	return st, fault.Cgroup("reading cpu.stat", errors.New("no usage_usec entry"))
}

// Kill SIGKILLs every process in the cgroup until it is empty.
func (c *Cgroup) Kill() error {
	// cgroup.kill exists since Linux 5.14 and also catches processes that
	// fork while we iterate.
	_ = os.WriteFile(filepath.Join(c.path, "cgroup.kill"), []byte("1"), 0)

	for i := 0; i <= c.opts.DeleteRetries; i++ {
		pids, err := c.Procs()
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return nil
		}
		for _, pid := range pids {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
				return fault.Cgroup(fmt.Sprintf("killing pid %d", pid), err)
			}
		}
		time.Sleep(c.opts.DeleteDelay)
	}
	return fault.Cgroup("killing cgroup", fault.ErrLeftoverProcesses)
}

// Delete removes the cgroup directory, retrying while the kernel still
// reports it busy. A cgroup that no longer exists is not an error, so
// deleting twice is safe.
func (c *Cgroup) Delete() error {
	var err error
	for i := 0; i <= c.opts.DeleteRetries; i++ {
		time.Sleep(c.opts.DeleteDelay)
		err = unix.Rmdir(c.path)
		switch err {
		case nil, unix.ENOENT:
			c.opts.Logger.Debug().Str("cgroup", c.name).Msg("cgroup deleted")
			return nil
		case unix.EBUSY, unix.EAGAIN:
			continue
		default:
			return fault.Cgroup("deleting cgroup", err)
		}
	}
	return fault.Cgroup("deleting cgroup", err)
}
