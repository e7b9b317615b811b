package guard

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
	"judgeguard/internal/monitor"
	"judgeguard/internal/pump"
)

// finish runs after the command has been reaped: it collects the rest
// of the output and the accounting, checks that nothing escaped, removes
// the cgroup and writes the result.
func (g *Guard) finish() (int, error) {
	res := &g.result

	// Background processes left in the command's own process group go
	// down with it. Anything still in the cgroup after that has left the
	// group on purpose.
	if err := unix.Kill(-g.pid, unix.SIGKILL); err == nil {
		g.log.Debug().Msg("killed processes left in the command's process group")
	} else if err != unix.ESRCH {
		g.log.Warn().Err(err).Msg("killing the command's process group")
	}

	deadline := time.Now().Add(g.cfg.Guard.DrainTimeout)
	for _, s := range g.streams() {
		if err := s.Src().SetNonblock(false); err != nil {
			return 0, fault.OS("setting "+s.Name+" blocking", err)
		}
		err := s.Drain(deadline)
		if errors.Is(err, pump.ErrDrainDeadline) {
			g.log.Warn().Str("stream", s.Name).Msg("output still arriving after the command exited, discarding the rest")
		} else if err != nil {
			return 0, fault.OS("draining "+s.Name, err)
		}
		s.Close()
	}
	if err := g.fds.CloseAll(); err != nil {
		return 0, fault.OS("closing output files", err)
	}

	code, sig, err := exitStatus(g.status)
	if err != nil {
		return 0, fault.Internal("decoding exit status", err)
	}
	res.ExitCode = code
	switch {
	case sig == unix.SIGXCPU:
		res.Signal = int(sig)
		res.CPULimit |= LimitHard
		g.log.Warn().Msg("timelimit exceeded (hard cpu time)")
	case sig != 0:
		res.Signal = int(sig)
		g.log.Warn().Str("signal", unix.SignalName(sig)).Msg("command terminated by signal")
	}

	if g.timer != nil {
		g.timer.Stop()
	}

	res.Wall = g.end.Sub(g.start)
	res.User = time.Duration(g.rusage.Utime.Nano())
	res.Sys = time.Duration(g.rusage.Stime.Nano())

	if err := g.raisePrivileges(); err != nil {
		return 0, err
	}
	if g.cg != nil {
		if err := g.waitCgroupEmpty(); err != nil {
			return 0, err
		}
		st, err := g.cg.Stats()
		if err != nil {
			return 0, err
		}
		res.CPU = st.CPUUsage
		res.MemoryBytes = st.MemoryPeak
		if err := g.cg.Kill(); err != nil {
			return 0, err
		}
		if err := g.cg.Delete(); err != nil {
			return 0, err
		}
	} else {
		// rusage covers the confinement helper too, so memory never drops
		// below the helper's own resident set.
		res.CPU = res.User + res.Sys
		res.MemoryBytes = g.rusage.Maxrss * 1024
	}
	if err := g.releasePrivileges(); err != nil {
		return 0, err
	}

	res.Classify(g.spec.WallTime, g.spec.Limits.CPUTime)
	if res.WallLimit&LimitSoft != 0 {
		g.log.Warn().Msg("timelimit exceeded (soft wall time)")
	}
	if res.CPULimit&LimitSoft != 0 {
		g.log.Warn().Msg("timelimit exceeded (soft cpu time)")
	}

	res.StreamLimited = g.spec.StreamLimit != pump.NoLimit
	if g.stdout != nil {
		res.StdoutBytes, res.StdoutTruncated = g.stdout.Read, g.stdout.Truncated()
		res.StderrBytes, res.StderrTruncated = g.stderr.Read, g.stderr.Truncated()
	}

	g.log.Debug().
		Int("exitcode", code).
		Dur("wall", res.Wall).
		Dur("cpu", res.CPU).
		Int64("memory_bytes", res.MemoryBytes).
		Msg("command finished")

	res.WriteMeta(g.meta)
	if err := g.meta.Flush(); err != nil {
		return 0, fault.OS("writing metadata", err)
	}
	g.recordMetrics()
	return code, nil
}

// waitCgroupEmpty gives processes killed a moment ago the kill delay to
// leave the cgroup before they count as escaped.
func (g *Guard) waitCgroupEmpty() error {
	deadline := time.Now().Add(g.cfg.Guard.KillDelay)
	for {
		err := g.cg.CheckEmpty()
		if err == nil || !errors.Is(err, fault.ErrLeftoverProcesses) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(g.cfg.Cgroup.DeleteDelay)
	}
}

func (g *Guard) recordMetrics() {
	if g.metrics == nil {
		return
	}
	res := &g.result
	sample := monitor.RunSample{
		Outcome:    res.Outcome(),
		ExitCode:   res.ExitCode,
		Wall:       res.Wall,
		CPU:        res.CPU,
		MemoryPeak: res.MemoryBytes,
	}
	for _, s := range g.streams() {
		sample.Streams = append(sample.Streams, monitor.StreamSample{
			Name:      s.Name,
			Read:      s.Read,
			Passed:    s.Passed,
			Truncated: s.Truncated(),
		})
	}
	g.metrics.RecordRun(sample)
	for clock, hit := range map[string]LimitHit{"wall": res.WallLimit, "cpu": res.CPULimit} {
		if hit&LimitSoft != 0 {
			g.metrics.RecordTimeLimit(clock, "soft")
		}
		if hit&LimitHard != 0 {
			g.metrics.RecordTimeLimit(clock, "hard")
		}
	}
	g.writeMetrics()
}
