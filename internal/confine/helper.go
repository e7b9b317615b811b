package confine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/reexec"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
	"judgeguard/internal/fdio"
)

// HelperName is the argv[0] under which a supervisor re-executes itself
// to confine and then exec the command. Register Main under this name
// with reexec.Register.
const HelperName = "judgeguard-confine"

// Descriptors the helper inherits next to stdin, stdout and stderr.
const (
	requestFD = 3
	statusFD  = 4
)

// Request is everything the helper needs to confine the command.
type Request struct {
	Command      string              `json:"command"`
	Args         []string            `json:"args,omitempty"`
	Env          []string            `json:"env"`
	Root         string              `json:"root,omitempty"`
	RootPrefix   string              `json:"root_prefix,omitempty"`
	Chdir        string              `json:"chdir,omitempty"`
	UID          int                 `json:"uid"`
	GID          int                 `json:"gid"`
	Rlimits      []specs.POSIXRlimit `json:"rlimits,omitempty"`
	RlimitPolicy PermissionPolicy    `json:"rlimit_policy"`
	CgroupProcs  string              `json:"cgroup_procs,omitempty"`
	AllowRoot    bool                `json:"allow_root,omitempty"`
}

// status is one JSON line the helper writes back to the supervisor.
type status struct {
	Level  string `json:"level"`
	Origin string `json:"origin,omitempty"`
	Op     string `json:"op,omitempty"`
	Msg    string `json:"msg"`
}

// Main is the helper's entry point. It only returns control to the
// kernel: either the command replaces the process or it exits with
// fault.ExitFailure after reporting why.
func Main() {
	out := os.NewFile(statusFD, "status")
	enc := json.NewEncoder(out)
	warn := func(msg string) {
		_ = enc.Encode(status{Level: "warn", Msg: msg})
	}

	req, err := readRequest(os.NewFile(requestFD, "request"))
	if err == nil {
		err = Apply(req, warn)
	}
	if err == nil {
		err = fault.Internalf("command returned from exec")
	}

	st := status{Level: "error", Msg: err.Error(), Origin: fault.OriginOf(err).String()}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Op != "" {
		st.Op, st.Msg = fe.Op, fe.Err.Error()
	}
	_ = enc.Encode(st)
	os.Exit(fault.ExitFailure)
}

func readRequest(f *os.File) (*Request, error) {
	defer f.Close()
	var req Request
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return nil, fault.Internal("reading confinement request", err)
	}
	if req.Command == "" {
		return nil, fault.Internalf("confinement request without command")
	}
	return &req, nil
}

// Apply confines the calling process and execs the command. It returns
// only on failure. The order matters: rlimits and the cgroup are set
// while still privileged, the cgroup is joined before the chroot hides
// the cgroup filesystem, and ids are dropped last. RLIMIT_NPROC is the
// exception: setuid checks it against every thread of this process, so
// it is only lowered once the uid has changed.
func Apply(req *Request, warn func(string)) error {
	os.Clearenv()
	for _, kv := range req.Env {
		k, v, _ := strings.Cut(kv, "=")
		if err := os.Setenv(k, v); err != nil {
			return fault.OS("setting environment", err)
		}
	}

	policy := req.RlimitPolicy
	if policy == "" {
		policy = PolicyWarn
	}
	early, late := splitRlimits(req.Rlimits)
	if err := ApplyRlimits(early, policy, warn); err != nil {
		return err
	}

	if req.CgroupProcs != "" {
		pid := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(req.CgroupProcs, []byte(pid), 0); err != nil {
			return fault.Cgroup("joining cgroup", err)
		}
	}

	if err := enterRoot(req.Root, req.RootPrefix, req.Chdir); err != nil {
		return err
	}

	if req.GID >= 0 {
		if err := syscall.Setgid(req.GID); err != nil {
			return fault.OS("setting group id", err)
		}
		if err := syscall.Setgroups(nil); err != nil {
			return fault.OS("clearing supplementary groups", err)
		}
	}
	uid := req.UID
	if uid < 0 {
		uid = unix.Getuid()
	}
	if err := syscall.Setuid(uid); err != nil {
		return fault.OS("setting user id", err)
	}
	if !req.AllowRoot && (unix.Getuid() == 0 || unix.Geteuid() == 0) {
		return fault.Config("dropping privileges", fault.ErrStillRoot)
	}
	if err := ApplyRlimits(late, policy, warn); err != nil {
		return err
	}

	path, err := exec.LookPath(req.Command)
	if err != nil {
		return fault.OS("finding command", err)
	}
	unix.CloseOnExec(statusFD)
	argv := append([]string{req.Command}, req.Args...)
	if err := unix.Exec(path, argv, req.Env); err != nil {
		return fault.OS("executing "+req.Command, err)
	}
	return nil
}

// Start launches the helper with the given stdio descriptors, hands it
// req and waits until it has either executed the command or failed.
// Warnings from the helper go to warn. The returned pid is valid even on
// a helper failure; the caller still has to reap it.
func Start(req *Request, stdio [3]int, attr *syscall.SysProcAttr, warn func(string)) (int, error) {
	var fds fdio.Set
	defer fds.CloseAll()

	reqR, reqW, err := fdio.Pipe()
	if err != nil {
		return 0, fault.OS("creating request pipe", err)
	}
	fds.Add(reqR, reqW)
	statR, statW, err := fdio.Pipe()
	if err != nil {
		return 0, fault.OS("creating status pipe", err)
	}
	fds.Add(statR, statW)

	pid, err := syscall.ForkExec(reexec.Self(), []string{HelperName}, &syscall.ProcAttr{
		Env: []string{},
		Files: []uintptr{
			uintptr(stdio[0]), uintptr(stdio[1]), uintptr(stdio[2]),
			uintptr(reqR.Int()), uintptr(statW.Int()),
		},
		Sys: attr,
	})
	if err != nil {
		return 0, fault.OS("starting confinement helper", err)
	}
	reqR.Close()
	statW.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return pid, fault.Internal("encoding confinement request", err)
	}
	// A write error means the helper died early; its status tells why.
	_ = writeAll(reqW.Int(), payload)
	reqW.Close()

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := unix.Read(statR.Int(), chunk)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return pid, fault.OS("reading helper status", err)
		}
		if n == 0 {
			break
		}
		buf.Write(chunk[:n])
	}

	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var st status
		if err := json.Unmarshal(sc.Bytes(), &st); err != nil {
			return pid, fault.Internal("decoding helper status", err)
		}
		if st.Level == "warn" {
			warn(st.Msg)
			continue
		}
		return pid, &fault.Error{Origin: fault.ParseOrigin(st.Origin), Op: st.Op, Err: errors.New(st.Msg)}
	}
	return pid, nil
}

func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
