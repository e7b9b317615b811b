package cgroup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"judgeguard/internal/fault"
)

func testOptions() Options {
	return Options{DeleteDelay: time.Millisecond, DeleteRetries: 3, Logger: zerolog.Nop()}
}

func TestName(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	tests := []struct {
		cpuset string
		want   string
	}{
		{"", "judgeguard/jg_cgroup_42__1700000000.123456"},
		{"0-3", "judgeguard/jg_cgroup_42_0-3_1700000000.123456"},
		{"0,1,2,3,4,5,6,7,8,9", "judgeguard/jg_cgroup_42_0,1,2,3,4,5,6,7,_1700000000.123456"},
	}
	for _, tt := range tests {
		if got := Name("judgeguard", 42, tt.cpuset, now); got != tt.want {
			t.Errorf("Name(%q) = %q, want %q", tt.cpuset, got, tt.want)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCreateWritesLimits(t *testing.T) {
	root := t.TempDir()
	cg := New(root, "judgeguard/jg_test", testOptions())

	limit, swap := int64(64<<20), int64(0)
	res := &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &limit, Swap: &swap},
		CPU:    &specs.LinuxCPU{Cpus: "1"},
	}
	if err := cg.Create(res); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	want := map[string]string{
		"memory.max":      "67108864",
		"memory.swap.max": "0",
		"cpuset.cpus":     "1",
		"cpuset.mems":     "0",
	}
	for file, value := range want {
		if got := readFile(t, filepath.Join(cg.Path(), file)); got != value {
			t.Errorf("%s = %q, want %q", file, got, value)
		}
	}
	if got := readFile(t, filepath.Join(root, "judgeguard", "cgroup.subtree_control")); got != "+cpuset" {
		t.Errorf("parent subtree_control last write = %q, want +cpuset", got)
	}
	if cg.ProcsPath() != filepath.Join(root, "judgeguard", "jg_test", "cgroup.procs") {
		t.Errorf("ProcsPath() = %s", cg.ProcsPath())
	}

	// Names are unique; creating twice is an error.
	if err := New(root, "judgeguard/jg_test", testOptions()).Create(nil); fault.OriginOf(err) != fault.OriginCgroup {
		t.Errorf("second Create() = %v, want cgroup error", err)
	}
}

func TestCreateUnlimited(t *testing.T) {
	cg := New(t.TempDir(), "jg_unlimited", testOptions())
	unlimited := int64(-1)
	res := &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &unlimited, Swap: &unlimited}}
	if err := cg.Create(res); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	for _, file := range []string{"memory.max", "memory.swap.max"} {
		if got := readFile(t, filepath.Join(cg.Path(), file)); got != "max" {
			t.Errorf("%s = %q, want max", file, got)
		}
	}
	if _, err := os.Stat(filepath.Join(cg.Path(), "cpuset.cpus")); !errors.Is(err, os.ErrNotExist) {
		t.Error("cpuset.cpus written without a cpuset")
	}
}

func TestStats(t *testing.T) {
	cg := New(t.TempDir(), "jg_stats", testOptions())
	if err := cg.Create(nil); err != nil {
		t.Fatal(err)
	}

	if _, err := cg.Stats(); fault.OriginOf(err) != fault.OriginCgroup || !strings.Contains(err.Error(), "memory.peak") {
		t.Errorf("Stats() without memory.peak = %v, want cgroup error", err)
	}

	os.WriteFile(filepath.Join(cg.Path(), "memory.peak"), []byte("1048576\n"), 0o644)
	os.WriteFile(filepath.Join(cg.Path(), "cpu.stat"), []byte("usage_usec 1500000\nuser_usec 1000000\nsystem_usec 500000\n"), 0o644)
	st, err := cg.Stats()
	if err != nil {
		t.Fatalf("Stats() = %v", err)
	}
	if st.MemoryPeak != 1048576 {
		t.Errorf("MemoryPeak = %d, want 1048576", st.MemoryPeak)
	}
	if st.CPUUsage != 1500*time.Millisecond {
		t.Errorf("CPUUsage = %s, want 1.5s", st.CPUUsage)
	}
}

func TestCheckEmpty(t *testing.T) {
	cg := New(t.TempDir(), "jg_procs", testOptions())
	if err := cg.Create(nil); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(cg.ProcsPath(), nil, 0o644)
	if err := cg.CheckEmpty(); err != nil {
		t.Errorf("CheckEmpty() on empty cgroup = %v", err)
	}

	os.WriteFile(cg.ProcsPath(), []byte("123\n456\n"), 0o644)
	err := cg.CheckEmpty()
	if !errors.Is(err, fault.ErrLeftoverProcesses) {
		t.Errorf("CheckEmpty() = %v, want ErrLeftoverProcesses", err)
	}
	if fault.OriginOf(err) != fault.OriginInternal {
		t.Errorf("origin = %s, want internal", fault.OriginOf(err))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	cg := New(t.TempDir(), "jg_delete", testOptions())
	if err := cg.Create(nil); err != nil {
		t.Fatal(err)
	}
	if err := cg.Delete(); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := os.Stat(cg.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cgroup directory still exists: %v", err)
	}
	if err := cg.Delete(); err != nil {
		t.Errorf("second Delete() = %v, want nil", err)
	}
}

func TestKillMissingCgroup(t *testing.T) {
	cg := New(t.TempDir(), "jg_gone", testOptions())
	if err := cg.Kill(); err != nil {
		t.Errorf("Kill() on missing cgroup = %v, want nil", err)
	}
}

func TestCheckMountRejectsPlainDirectory(t *testing.T) {
	err := CheckMount(t.TempDir())
	if !errors.Is(err, fault.ErrNotCgroup2) {
		t.Errorf("CheckMount(tmpdir) = %v, want ErrNotCgroup2", err)
	}
}
