// Package guard supervises a single command: it confines it, enforces
// wall and CPU time limits, forwards its output with byte ceilings and
// records what happened in a metadata file.
package guard

import (
	"fmt"

	"judgeguard/internal/fault"
	"judgeguard/internal/limits"
	"judgeguard/internal/pump"
)

// Clock selects which time is reported as time-used.
type Clock int

const (
	ClockCPU Clock = iota
	ClockWall
)

func (c Clock) String() string {
	if c == ClockWall {
		return "wall-time"
	}
	return "cpu-time"
}

// ParseClock is the inverse of Clock.String.
func ParseClock(s string) (Clock, error) {
	switch s {
	case "cpu-time":
		return ClockCPU, nil
	case "wall-time":
		return ClockWall, nil
	}
	return ClockCPU, fmt.Errorf("unknown clock %q", s)
}

// ExecutionSpec is everything a caller asks of one guarded run.
type ExecutionSpec struct {
	Command string
	Args    []string

	Root  string // chroot directory, empty for none
	Chdir string // working directory, inside Root if set
	User  string // name or numeric uid
	Group string // name or numeric gid, defaults to User

	WallTime    limits.TimeLimit
	Limits      limits.ResourceLimits
	StreamLimit int64 // per output stream in bytes, or pump.NoLimit
	CPUSet      string

	StdoutPath string
	StderrPath string

	PreserveEnv bool
	Variables   []string // KEY=VALUE entries added to the environment

	MetaPath   string
	RunpipePID int
	TimeUsed   Clock
}

// DefaultSpec returns a spec without any limits.
func DefaultSpec() ExecutionSpec {
	return ExecutionSpec{
		Limits:      limits.DefaultLimits(),
		StreamLimit: pump.NoLimit,
		TimeUsed:    ClockCPU,
	}
}

// Validate checks the parts of the spec that need no system lookups.
func (s *ExecutionSpec) Validate() error {
	if s.Command == "" {
		return fault.Configf("no command specified")
	}
	if err := s.WallTime.Validate(); err != nil {
		return fault.Config("checking wall time limit", err)
	}
	if err := s.Limits.Validate(); err != nil {
		return fault.Config("checking resource limits", err)
	}
	if s.StreamLimit < pump.NoLimit {
		return fault.Configf("invalid stream size limit %d", s.StreamLimit)
	}
	if s.RunpipePID < 0 {
		return fault.Configf("invalid runpipe pid %d", s.RunpipePID)
	}
	return nil
}
