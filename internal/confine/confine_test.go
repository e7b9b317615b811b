package confine

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"

	"github.com/moby/sys/reexec"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
	"judgeguard/internal/fdio"
)

func TestMain(m *testing.M) {
	reexec.Register(HelperName, Main)
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func TestBuildEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin:/bin", "HOME=/root", "SECRET=x", "broken"}
	tests := []struct {
		name     string
		preserve bool
		extra    []string
		want     []string
		wantErr  bool
	}{
		{"path only", false, nil, []string{"PATH=/usr/bin:/bin"}, false},
		{"preserve", true, nil, []string{"PATH=/usr/bin:/bin", "HOME=/root", "SECRET=x"}, false},
		{"extra", false, []string{"ONLINE_JUDGE=1;DOMJUDGE=1", "LANG=C"},
			[]string{"PATH=/usr/bin:/bin", "ONLINE_JUDGE=1", "DOMJUDGE=1", "LANG=C"}, false},
		{"override", false, []string{"PATH=/opt/bin"}, []string{"PATH=/opt/bin"}, false},
		{"value with equals", false, []string{"A=b=c"}, []string{"PATH=/usr/bin:/bin", "A=b=c"}, false},
		{"missing equals", false, []string{"NOVALUE"}, nil, true},
		{"empty key", false, []string{"=v"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildEnv(base, tt.preserve, tt.extra)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !fault.IsConfig(err) {
				t.Errorf("error origin = %s, want config", fault.OriginOf(err))
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("BuildEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowList(t *testing.T) {
	allow := AllowList{"1234", "judge*", "root"}
	tests := []struct {
		name string
		uid  int
		user string
		want bool
	}{
		{"numeric match", 1234, "", true},
		{"glob match", 2001, "judgehost-1", true},
		{"no match", 2002, "nobody-else", false},
		{"root by name", 0, "root", false},
		{"negative uid", -1, "judge", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allow.Permits(tt.uid, tt.user); got != tt.want {
				t.Errorf("Permits(%d, %q) = %v, want %v", tt.uid, tt.user, got, tt.want)
			}
		})
	}
}

func TestResolveIdentity(t *testing.T) {
	t.Run("root rejected", func(t *testing.T) {
		_, err := ResolveIdentity("root", "", AllowList{"root", "*"})
		if !errors.Is(err, fault.ErrUserNotAllowed) {
			t.Errorf("ResolveIdentity(root) = %v, want ErrUserNotAllowed", err)
		}
		if !fault.IsConfig(err) {
			t.Errorf("origin = %s, want config", fault.OriginOf(err))
		}
	})

	t.Run("not listed", func(t *testing.T) {
		_, err := ResolveIdentity("54321", "", AllowList{"1234"})
		if !errors.Is(err, fault.ErrUserNotAllowed) {
			t.Errorf("ResolveIdentity(54321) = %v, want ErrUserNotAllowed", err)
		}
	})

	t.Run("numeric defaults group", func(t *testing.T) {
		id, err := ResolveIdentity("54321", "", AllowList{"54321"})
		if err != nil {
			t.Fatalf("ResolveIdentity() = %v", err)
		}
		if id.UID != 54321 || id.GID != 54321 {
			t.Errorf("identity = %+v, want uid and gid 54321", id)
		}
	})

	t.Run("explicit group", func(t *testing.T) {
		id, err := ResolveIdentity("54321", "54322", AllowList{"54321"})
		if err != nil {
			t.Fatalf("ResolveIdentity() = %v", err)
		}
		if id.GID != 54322 {
			t.Errorf("GID = %d, want 54322", id.GID)
		}
	})

	t.Run("root group rejected", func(t *testing.T) {
		if _, err := ResolveIdentity("54321", "0", AllowList{"54321"}); err == nil {
			t.Error("gid 0 accepted")
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := ResolveIdentity("bad name;", "", AllowList{"*"})
		if !fault.IsConfig(err) {
			t.Errorf("ResolveIdentity(bad name) = %v, want config error", err)
		}
	})

	t.Run("nothing requested", func(t *testing.T) {
		id, err := ResolveIdentity("", "", nil)
		if err != nil || id != NoIdentity {
			t.Errorf("ResolveIdentity() = %+v, %v; want NoIdentity", id, err)
		}
	})
}

func TestCheckRoot(t *testing.T) {
	base := t.TempDir()
	prefix := filepath.Join(base, "chroot")
	inside := filepath.Join(prefix, "domjudge")
	sibling := filepath.Join(base, "chroot-evil")
	for _, d := range []string{inside, sibling} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	escape := filepath.Join(prefix, "escape")
	if err := os.Symlink(sibling, escape); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		root    string
		prefix  string
		wantErr bool
	}{
		{"inside", inside, prefix, false},
		{"prefix itself", prefix, prefix, false},
		{"no prefix", sibling, "", false},
		{"sibling with shared prefix", sibling, prefix, true},
		{"symlink escape", escape, prefix, true},
		{"dotdot escape", filepath.Join(inside, "..", ".."), prefix, true},
		{"missing", filepath.Join(prefix, "nope"), prefix, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CheckRoot(tt.root, tt.prefix)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckRoot(%s, %s) = %v, wantErr %v", tt.root, tt.prefix, err, tt.wantErr)
			}
			if err != nil && !fault.IsConfig(err) {
				t.Errorf("origin = %s, want config", fault.OriginOf(err))
			}
		})
	}
}

func TestApplyRlimitsPolicy(t *testing.T) {
	rls := []specs.POSIXRlimit{
		{Type: "RLIMIT_CPU", Soft: 2, Hard: 3},
		{Type: "RLIMIT_NPROC", Soft: 10, Hard: 10},
		{Type: "RLIMIT_CORE", Soft: 0, Hard: 0},
	}
	denyAll := func(int, *unix.Rlimit) error { return unix.EPERM }
	denyCPU := func(res int, _ *unix.Rlimit) error {
		if res == unix.RLIMIT_CPU {
			return unix.EPERM
		}
		return nil
	}

	t.Run("warn", func(t *testing.T) {
		var warnings []string
		err := applyRlimits(rls[:2], PolicyWarn, func(s string) { warnings = append(warnings, s) }, denyCPU)
		if err != nil {
			t.Fatalf("applyRlimits() = %v, want nil", err)
		}
		if len(warnings) != 1 || !strings.Contains(warnings[0], "RLIMIT_CPU") {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("strict", func(t *testing.T) {
		err := applyRlimits(rls[:2], PolicyStrict, func(string) {}, denyCPU)
		if !errors.Is(err, unix.EPERM) {
			t.Errorf("applyRlimits() = %v, want EPERM", err)
		}
	})

	t.Run("core always fatal", func(t *testing.T) {
		err := applyRlimits(rls[2:], PolicyWarn, func(string) {}, denyAll)
		if err == nil || fault.OriginOf(err) != fault.OriginOS {
			t.Errorf("applyRlimits() = %v, want OS error", err)
		}
	})

	t.Run("other errors fatal", func(t *testing.T) {
		err := applyRlimits(rls[:1], PolicyWarn, func(string) {}, func(int, *unix.Rlimit) error { return unix.EINVAL })
		if !errors.Is(err, unix.EINVAL) {
			t.Errorf("applyRlimits() = %v, want EINVAL", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		err := applyRlimits([]specs.POSIXRlimit{{Type: "RLIMIT_BOGUS"}}, PolicyWarn, func(string) {}, denyAll)
		if !fault.IsConfig(err) {
			t.Errorf("applyRlimits() = %v, want config error", err)
		}
	})
}

func TestNamespaces(t *testing.T) {
	if got := CloneFlags(DefaultNamespaces()); got != unix.CLONE_NEWIPC|unix.CLONE_NEWNET|unix.CLONE_NEWNS|unix.CLONE_NEWUTS {
		t.Errorf("CloneFlags(defaults) = %#x", got)
	}
	ns, err := ParseNamespaces([]string{"pid", "network"})
	if err != nil {
		t.Fatal(err)
	}
	if got := CloneFlags(ns); got != unix.CLONE_NEWPID|unix.CLONE_NEWNET {
		t.Errorf("CloneFlags(pid,network) = %#x", got)
	}
	if _, err := ParseNamespaces([]string{"user"}); err == nil {
		t.Error("user namespace accepted")
	}
}

func startHelper(t *testing.T, req *Request) (int, string, error) {
	t.Helper()
	r, w, err := fdio.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	pid, startErr := Start(req, [3]int{0, w.Int(), 2}, &syscall.SysProcAttr{Setsid: true}, func(msg string) {
		t.Logf("helper warning: %s", msg)
	})
	w.Close()

	var out strings.Builder
	buf := make([]byte, 512)
	for {
		n, err := unix.Read(r.Int(), buf)
		if n <= 0 || err != nil {
			break
		}
		out.Write(buf[:n])
	}
	if pid > 0 {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
			t.Fatalf("Wait4() = %v", err)
		}
	}
	return pid, out.String(), startErr
}

func TestStartRunsCommand(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	req := &Request{
		Command:   "sh",
		Args:      []string{"-c", "echo hello $GREETING"},
		Env:       []string{"PATH=/usr/bin:/bin", "GREETING=judge"},
		UID:       -1,
		GID:       -1,
		Rlimits:   []specs.POSIXRlimit{{Type: "RLIMIT_CORE"}},
		AllowRoot: true,
	}
	_, out, err := startHelper(t, req)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if out != "hello judge\n" {
		t.Errorf("output = %q, want %q", out, "hello judge\n")
	}
}

func TestStartReportsFailure(t *testing.T) {
	req := &Request{
		Command:   "/nonexistent/command",
		Env:       []string{"PATH=/bin"},
		UID:       -1,
		GID:       -1,
		AllowRoot: true,
	}
	pid, _, err := startHelper(t, req)
	if pid <= 0 {
		t.Fatalf("pid = %d, want the helper's pid", pid)
	}
	if err == nil {
		t.Fatal("Start() = nil, want error for missing command")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Origin != fault.OriginOS || fe.Op != "finding command" {
		t.Errorf("Start() = %#v, want OS error from finding command", err)
	}
}

func TestStartRefusesRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("needs root")
	}
	req := &Request{Command: "true", Env: []string{"PATH=/usr/bin:/bin"}, UID: -1, GID: -1}
	_, _, err := startHelper(t, req)
	// The helper's error crosses a pipe, so only its text survives.
	if err == nil || !strings.Contains(err.Error(), fault.ErrStillRoot.Error()) {
		t.Errorf("Start() = %v, want refusal to run as root", err)
	}
}

func TestSplitRlimits(t *testing.T) {
	rls := []specs.POSIXRlimit{
		{Type: "RLIMIT_CPU", Soft: 1, Hard: 2},
		{Type: "RLIMIT_NPROC", Soft: 1, Hard: 1},
		{Type: "RLIMIT_FSIZE", Soft: 10, Hard: 10},
	}
	early, late := splitRlimits(rls)
	if len(early) != 2 || early[0].Type != "RLIMIT_CPU" || early[1].Type != "RLIMIT_FSIZE" {
		t.Errorf("early = %+v", early)
	}
	if len(late) != 1 || late[0].Type != "RLIMIT_NPROC" {
		t.Errorf("late = %+v", late)
	}
}

// The helper runs several threads as the target user until exec, which a
// process limit of one must not prevent.
func TestStartWithProcessLimitOne(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("needs root")
	}
	nobody, err := LookupUser("nobody")
	if err != nil {
		t.Skipf("no nobody user: %v", err)
	}
	req := &Request{
		Command: "sh",
		Args:    []string{"-c", "echo ok"},
		Env:     []string{"PATH=/usr/bin:/bin"},
		UID:     nobody.Uid,
		GID:     nobody.Gid,
		Rlimits: []specs.POSIXRlimit{{Type: "RLIMIT_NPROC", Soft: 1, Hard: 1}},
	}
	_, out, err := startHelper(t, req)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if out != "ok\n" {
		t.Errorf("output = %q, want %q", out, "ok\n")
	}
}
