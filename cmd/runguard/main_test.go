package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"judgeguard/internal/fault"
	"judgeguard/internal/guard"
	"judgeguard/internal/limits"
	"judgeguard/internal/pump"
)

func parse(t *testing.T, args ...string) (*invocation, error) {
	t.Helper()
	inv := &invocation{spec: guard.DefaultSpec()}
	cmd := newCommand(inv, func(*cobra.Command, []string) error { return nil })
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return inv, cmd.Execute()
}

func TestFlags(t *testing.T) {
	inv, err := parse(t,
		"-r", "/chroot", "-u", "judge", "-g", "judges", "-d", "/work",
		"-t", "1:1.5", "-C", "0.5",
		"-m", "65536", "-f", "1024", "-p", "8", "-P", "0-1", "-c",
		"-o", "out", "-e", "err", "-s", "4",
		"-E", "-V", "A=1;B=2", "-V", "C=3",
		"-M", "meta", "-U", "42", "-v",
		"--", "prog", "-x", "--", "arg",
	)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	s := inv.spec
	want := guard.ExecutionSpec{
		Command:  "prog",
		Args:     []string{"-x", "--", "arg"},
		Root:     "/chroot",
		Chdir:    "/work",
		User:     "judge",
		Group:    "judges",
		WallTime: limits.TimeLimit{Soft: time.Second, Hard: 1500 * time.Millisecond},
		Limits: limits.ResourceLimits{
			CPUTime:    limits.TimeLimit{Soft: 500 * time.Millisecond, Hard: 500 * time.Millisecond},
			Memory:     64 << 20,
			FileSize:   1 << 20,
			Processes:  8,
			NoCoreDump: true,
		},
		StreamLimit: 4096,
		CPUSet:      "0-1",
		StdoutPath:  "out",
		StderrPath:  "err",
		PreserveEnv: true,
		Variables:   []string{"A=1;B=2", "C=3"},
		MetaPath:    "meta",
		RunpipePID:  42,
		TimeUsed:    guard.ClockCPU,
	}
	if !reflect.DeepEqual(s, want) {
		t.Errorf("spec =\n%+v\nwant\n%+v", s, want)
	}
	if !inv.verbose || inv.quiet {
		t.Errorf("verbose = %v, quiet = %v", inv.verbose, inv.quiet)
	}
}

func TestTimeUsedFollowsLastClock(t *testing.T) {
	tests := []struct {
		args []string
		want guard.Clock
	}{
		{[]string{"true"}, guard.ClockCPU},
		{[]string{"-t", "2", "true"}, guard.ClockWall},
		{[]string{"-C", "1", "true"}, guard.ClockCPU},
		{[]string{"-C", "1", "-t", "2", "true"}, guard.ClockWall},
		{[]string{"-t", "2", "-C", "1", "true"}, guard.ClockCPU},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			inv, err := parse(t, tt.args...)
			if err != nil {
				t.Fatalf("Execute() = %v", err)
			}
			if inv.spec.TimeUsed != tt.want {
				t.Errorf("TimeUsed = %v, want %v", inv.spec.TimeUsed, tt.want)
			}
		})
	}
}

func TestCommandArgumentsAreNotParsed(t *testing.T) {
	inv, err := parse(t, "-t", "1", "ls", "-t", "-C", "x")
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if inv.spec.Command != "ls" || !reflect.DeepEqual(inv.spec.Args, []string{"-t", "-C", "x"}) {
		t.Errorf("command = %q %q", inv.spec.Command, inv.spec.Args)
	}
}

func TestDefaults(t *testing.T) {
	inv, err := parse(t, "true")
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if inv.spec.StreamLimit != pump.NoLimit {
		t.Errorf("StreamLimit = %d, want no limit", inv.spec.StreamLimit)
	}
	if inv.spec.Limits.Memory != limits.Unlimited || inv.spec.Limits.Processes != limits.Unlimited {
		t.Errorf("Limits = %+v, want unlimited", inv.spec.Limits)
	}
	if inv.spec.WallTime.IsSet() {
		t.Errorf("WallTime = %v, want unset", inv.spec.WallTime)
	}
}

func TestInvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"bad walltime", []string{"-t", "abc", "true"}},
		{"hard below soft", []string{"-C", "2:1", "true"}},
		{"negative memsize", []string{"-m", "-1", "true"}},
		{"zero nproc", []string{"-p", "0", "true"}},
		{"unknown flag", []string{"--frobnicate", "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(t, tt.args...); err == nil {
				t.Error("Execute() succeeded")
			}
		})
	}
}

func TestExecuteReportsFailure(t *testing.T) {
	var stderr bytes.Buffer
	code := execute([]string{"-t", "nope", "true"}, &stderr)
	if code != fault.ExitFailure {
		t.Errorf("execute() = %d, want %d", code, fault.ExitFailure)
	}
	if !strings.HasPrefix(stderr.String(), "runguard: ") {
		t.Errorf("stderr = %q", stderr.String())
	}
}
