package limits

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"judgeguard/internal/fault"
)

// Unlimited marks a byte or count ceiling that is not enforced. It has
// the same value as RLIM_INFINITY on Linux.
const Unlimited = math.MaxUint64

// TimeLimit is a soft/hard pair. The zero value means no limit.
type TimeLimit struct {
	Soft time.Duration
	Hard time.Duration
}

// IsSet reports whether a limit was given.
func (tl TimeLimit) IsSet() bool {
	return tl.Hard > 0
}

func (tl TimeLimit) String() string {
	if !tl.IsSet() {
		return "unlimited"
	}
	return fmt.Sprintf("%.3f:%.3f", tl.Soft.Seconds(), tl.Hard.Seconds())
}

// ParseTimeLimit parses "SOFT" or "SOFT:HARD" in (fractional) seconds.
// A single value sets both.
func ParseTimeLimit(s string) (TimeLimit, error) {
	softStr, hardStr, hasHard := strings.Cut(s, ":")
	soft, err := parseSeconds(softStr)
	if err != nil {
		return TimeLimit{}, err
	}
	hard := soft
	if hasHard {
		if hard, err = parseSeconds(hardStr); err != nil {
			return TimeLimit{}, err
		}
	}
	tl := TimeLimit{Soft: soft, Hard: hard}
	if err := tl.Validate(); err != nil {
		return TimeLimit{}, err
	}
	return tl, nil
}

func parseSeconds(s string) (time.Duration, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: time value %q is not a number", fault.ErrInvalidLimit, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("%w: time value %q must be positive and finite", fault.ErrInvalidLimit, s)
	}
	if v > float64(math.MaxInt64)/float64(time.Second) {
		return 0, fmt.Errorf("%w: time value %q is too large", fault.ErrInvalidLimit, s)
	}
	return time.Duration(v * float64(time.Second)), nil
}

// Validate checks hard >= soft > 0 for a set limit.
func (tl TimeLimit) Validate() error {
	if !tl.IsSet() && tl.Soft == 0 {
		return nil
	}
	if tl.Soft <= 0 {
		return fmt.Errorf("%w: soft time limit must be positive, got %s", fault.ErrInvalidLimit, tl.Soft)
	}
	if tl.Hard < tl.Soft {
		return fmt.Errorf("%w: hard time limit (%s) must be >= soft limit (%s)", fault.ErrInvalidLimit, tl.Hard, tl.Soft)
	}
	return nil
}

// ParseKB parses a non-negative size in kilobytes and returns bytes.
// Values that overflow are clamped to Unlimited.
func ParseKB(s string) (uint64, error) {
	kb, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q must be a non-negative integer (kB)", fault.ErrInvalidLimit, s)
	}
	if kb > Unlimited/1024 {
		return Unlimited, nil
	}
	return kb * 1024, nil
}

// ParseCount parses a positive process count.
func ParseCount(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: count %q must be a positive integer", fault.ErrInvalidLimit, s)
	}
	return n, nil
}

// ResourceLimits are the per-run ceilings other than wall time.
type ResourceLimits struct {
	CPUTime    TimeLimit
	Memory     uint64 // enforced by the cgroup, not by RLIMIT_AS
	FileSize   uint64
	Processes  uint64
	NoCoreDump bool
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		Memory:    Unlimited,
		FileSize:  Unlimited,
		Processes: Unlimited,
	}
}

func (rl ResourceLimits) Validate() error {
	if err := rl.CPUTime.Validate(); err != nil {
		return fmt.Errorf("cputime: %w", err)
	}
	if rl.Processes == 0 {
		return fmt.Errorf("%w: process limit must be positive", fault.ErrInvalidLimit)
	}
	return nil
}

// Rlimits returns the rlimits to apply in the child. Address space,
// data and stack are always unlimited since memory is accounted by the
// cgroup. The CPU hard limit is one second above the soft limit so the
// kernel sends SIGXCPU before SIGKILL.
func (rl ResourceLimits) Rlimits() []specs.POSIXRlimit {
	var out []specs.POSIXRlimit
	if rl.CPUTime.IsSet() {
		cur := uint64(math.Ceil(rl.CPUTime.Hard.Seconds()))
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_CPU", Soft: cur, Hard: cur + 1})
	}
	out = append(out,
		specs.POSIXRlimit{Type: "RLIMIT_AS", Soft: Unlimited, Hard: Unlimited},
		specs.POSIXRlimit{Type: "RLIMIT_DATA", Soft: Unlimited, Hard: Unlimited},
		specs.POSIXRlimit{Type: "RLIMIT_STACK", Soft: Unlimited, Hard: Unlimited},
	)
	if rl.FileSize != Unlimited {
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_FSIZE", Soft: rl.FileSize, Hard: rl.FileSize})
	}
	if rl.Processes != Unlimited {
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_NPROC", Soft: rl.Processes, Hard: rl.Processes})
	}
	if rl.NoCoreDump {
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_CORE", Soft: 0, Hard: 0})
	}
	return out
}

// CgroupResources describes the cgroup settings for these limits. Swap
// is the swap-only ceiling (memory.swap.max), not memory+swap; -1 means
// "max".
func (rl ResourceLimits) CgroupResources(cpuset string) *specs.LinuxResources {
	limit, swap := int64(-1), int64(-1)
	if rl.Memory != Unlimited {
		limit = int64(min(rl.Memory, math.MaxInt64))
		swap = 0
	}
	res := &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &limit, Swap: &swap},
	}
	if cpuset != "" {
		res.CPU = &specs.LinuxCPU{Cpus: cpuset, Mems: "0"}
	}
	return res
}
