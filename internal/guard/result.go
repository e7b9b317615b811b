package guard

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"judgeguard/internal/limits"
	"judgeguard/internal/meta"
)

// LimitHit records which thresholds of one clock were exceeded.
type LimitHit uint8

const (
	LimitSoft LimitHit = 1 << iota
	LimitHard
)

func (l LimitHit) String() string {
	switch l {
	case LimitSoft:
		return "soft"
	case LimitHard:
		return "hard"
	case LimitSoft | LimitHard:
		return "soft,hard"
	}
	return ""
}

// TimeResult is the value of the time-result key. A hard limit always
// wins over a soft one.
func (l LimitHit) TimeResult() string {
	switch {
	case l&LimitHard != 0:
		return "hard-timelimit"
	case l&LimitSoft != 0:
		return "soft-timelimit"
	}
	return ""
}

func ParseLimitHit(s string) (LimitHit, error) {
	var l LimitHit
	if s == "" {
		return l, nil
	}
	for _, part := range strings.Split(s, ",") {
		switch part {
		case "soft":
			l |= LimitSoft
		case "hard":
			l |= LimitHard
		default:
			return 0, fmt.Errorf("unknown limit %q", part)
		}
	}
	return l, nil
}

// RunResult is what one guarded run produced.
type RunResult struct {
	RunID string

	ExitCode       int
	Signal         int // signal that terminated the command, 0 if none
	ReceivedSignal int // signal that made the supervisor kill the command

	Wall time.Duration
	User time.Duration
	Sys  time.Duration
	CPU  time.Duration

	MemoryBytes int64

	TimeUsed  Clock
	WallLimit LimitHit
	CPULimit  LimitHit

	StreamLimited   bool
	StdoutTruncated bool
	StderrTruncated bool
	StdinBytes      int64
	StdoutBytes     int64
	StderrBytes     int64

	InternalError string
}

// TimeLimit is the classification reported as time-result: the limits
// of the selected clock plus any hard limit of the other one.
func (r *RunResult) TimeLimit() LimitHit {
	hit := r.CPULimit
	if r.TimeUsed == ClockWall {
		hit = r.WallLimit
	}
	if (r.WallLimit|r.CPULimit)&LimitHard != 0 {
		hit |= LimitHard
	}
	return hit
}

// Classify marks soft limits exceeded by the measured times. Hard
// limits are set as they are enforced: by the wall timer and by
// SIGXCPU.
func (r *RunResult) Classify(wall, cpu limits.TimeLimit) {
	if wall.IsSet() && r.Wall > wall.Soft {
		r.WallLimit |= LimitSoft
	}
	if cpu.IsSet() && r.CPU > cpu.Soft {
		r.CPULimit |= LimitSoft
	}
}

// Truncated lists the streams that lost output to the byte ceiling.
func (r *RunResult) Truncated() []string {
	var out []string
	if r.StdoutTruncated {
		out = append(out, "stdout")
	}
	if r.StderrTruncated {
		out = append(out, "stderr")
	}
	return out
}

// Outcome summarizes the run for metrics.
func (r *RunResult) Outcome() string {
	switch {
	case r.InternalError != "":
		return "internal-error"
	case r.TimeLimit()&LimitHard != 0:
		return "hard-timelimit"
	case r.TimeLimit()&LimitSoft != 0:
		return "soft-timelimit"
	case r.Signal != 0:
		return "signaled"
	case r.ExitCode != 0:
		return "nonzero-exit"
	}
	return "ok"
}

// WriteMeta records the result in w.
func (r *RunResult) WriteMeta(w *meta.Writer) {
	if r.RunID != "" {
		w.Set("run-id", r.RunID)
	}
	w.SetInt("exitcode", int64(r.ExitCode))
	if r.Signal != 0 {
		w.SetInt("signal", int64(r.Signal))
	}
	if r.ReceivedSignal != 0 {
		w.SetInt("received-signal", int64(r.ReceivedSignal))
	}
	w.SetSeconds("wall-time", r.Wall)
	w.SetSeconds("user-time", r.User)
	w.SetSeconds("sys-time", r.Sys)
	w.SetSeconds("cpu-time", r.CPU)
	w.SetInt("memory-bytes", r.MemoryBytes)
	w.Set("time-used", r.TimeUsed.String())
	w.Set("time-result", r.TimeLimit().TimeResult())
	w.Set("wall-limit", r.WallLimit.String())
	w.Set("cpu-limit", r.CPULimit.String())
	if r.StreamLimited {
		w.Set("output-truncated", strings.Join(r.Truncated(), ","))
	}
	w.SetInt("stdin-bytes", r.StdinBytes)
	w.SetInt("stdout-bytes", r.StdoutBytes)
	w.SetInt("stderr-bytes", r.StderrBytes)
	if r.InternalError != "" {
		w.Set("internal-error", r.InternalError)
	}
}

// ParseRunResult reads a result back from a metadata record.
func ParseRunResult(rec *meta.Record) (*RunResult, error) {
	r := &RunResult{}
	var err error
	ints := []struct {
		key string
		dst *int64
	}{
		{"memory-bytes", &r.MemoryBytes},
		{"stdin-bytes", &r.StdinBytes},
		{"stdout-bytes", &r.StdoutBytes},
		{"stderr-bytes", &r.StderrBytes},
	}
	for _, f := range ints {
		if *f.dst, err = rec.Int(f.key); err != nil {
			return nil, err
		}
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"wall-time", &r.Wall},
		{"user-time", &r.User},
		{"sys-time", &r.Sys},
		{"cpu-time", &r.CPU},
	}
	for _, f := range durations {
		if *f.dst, err = rec.Seconds(f.key); err != nil {
			return nil, err
		}
	}

	code, err := rec.Int("exitcode")
	if err != nil {
		return nil, err
	}
	r.ExitCode = int(code)
	if r.Signal, err = optionalInt(rec, "signal"); err != nil {
		return nil, err
	}
	if r.ReceivedSignal, err = optionalInt(rec, "received-signal"); err != nil {
		return nil, err
	}

	used, _ := rec.Get("time-used")
	if r.TimeUsed, err = ParseClock(used); err != nil {
		return nil, err
	}
	wall, _ := rec.Get("wall-limit")
	if r.WallLimit, err = ParseLimitHit(wall); err != nil {
		return nil, err
	}
	cpu, _ := rec.Get("cpu-limit")
	if r.CPULimit, err = ParseLimitHit(cpu); err != nil {
		return nil, err
	}

	if streams, ok := rec.Get("output-truncated"); ok {
		r.StreamLimited = true
		for _, s := range strings.Split(streams, ",") {
			switch s {
			case "stdout":
				r.StdoutTruncated = true
			case "stderr":
				r.StderrTruncated = true
			}
		}
	}
	r.RunID, _ = rec.Get("run-id")
	r.InternalError, _ = rec.Get("internal-error")
	return r, nil
}

func optionalInt(rec *meta.Record, key string) (int, error) {
	s, ok := rec.Get(key)
	if !ok {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// exitStatus maps a wait status to the supervisor's exit code. The
// second result is the terminating signal, if any.
func exitStatus(ws unix.WaitStatus) (code int, sig syscall.Signal, err error) {
	switch {
	case ws.Exited():
		return ws.ExitStatus(), 0, nil
	case ws.Signaled():
		return 128 + int(ws.Signal()), ws.Signal(), nil
	case ws.Stopped():
		return 128 + int(ws.StopSignal()), ws.StopSignal(), nil
	}
	return 0, 0, fmt.Errorf("unknown wait status %#x", uint32(ws))
}
