package guard

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
	"judgeguard/internal/pump"
)

// watch pumps output and reacts to signals until the command has been
// reaped.
func (g *Guard) watch() error {
	fds := make([]unix.PollFd, 0, 3)
	polled := make([]*pump.Stream, 0, 2)
	for {
		fds = append(fds[:0], unix.PollFd{Fd: int32(g.sig.Fd()), Events: unix.POLLIN})
		polled = polled[:0]
		for _, s := range g.streams() {
			switch {
			case s.WantsWrite():
				fds = append(fds, unix.PollFd{Fd: int32(s.Dst().Int()), Events: unix.POLLOUT})
			case s.WantsRead():
				fds = append(fds, unix.PollFd{Fd: int32(s.Src().Int()), Events: unix.POLLIN})
			default:
				continue
			}
			polled = append(polled, s)
		}

		if _, err := unix.Poll(fds, -1); err != nil && err != unix.EINTR {
			return fault.OS("waiting for events", err)
		}

		for i, s := range polled {
			if fds[i+1].Revents == 0 {
				continue
			}
			if _, err := s.Step(); err != nil {
				return fault.OS("copying "+s.Name, err)
			}
		}

		if fds[0].Revents != 0 {
			sigs := g.sig.Drain()
			for _, sig := range []syscall.Signal{unix.SIGALRM, unix.SIGTERM} {
				if sigs.Has(sig) {
					g.terminate(sig)
				}
			}
		}

		done, err := g.reap(unix.WNOHANG)
		if err != nil {
			return err
		}
		if g.killErr != nil {
			return g.killErr
		}
		if done {
			return nil
		}
	}
}

// terminate kills the command's process group, first with SIGTERM and
// then with SIGKILL. Only the first call has an effect.
func (g *Guard) terminate(sig syscall.Signal) {
	if g.terminated {
		return
	}
	g.terminated = true
	g.result.ReceivedSignal = int(sig)

	if sig == unix.SIGALRM {
		if g.spec.RunpipePID > 0 {
			g.log.Warn().Int("pid", g.spec.RunpipePID).Msg("sending SIGUSR1 to runpipe")
			if err := unix.Kill(g.spec.RunpipePID, unix.SIGUSR1); err != nil {
				g.log.Warn().Err(err).Msg("notifying runpipe")
			}
		}
		g.result.WallLimit |= LimitHard
		g.log.Warn().Msg("timelimit exceeded (hard wall time): aborting command")
	} else {
		g.log.Warn().Str("signal", unix.SignalName(sig)).Msg("received signal: aborting command")
	}

	for _, s := range []syscall.Signal{unix.SIGTERM, unix.SIGKILL} {
		g.log.Debug().Str("signal", unix.SignalName(s)).Msg("signalling command")
		if g.metrics != nil {
			g.metrics.RecordKill(int(s))
		}
		if err := unix.Kill(-g.pid, s); err != nil && err != unix.ESRCH {
			g.killErr = fault.OS(fmt.Sprintf("sending %s to command", unix.SignalName(s)), err)
			return
		}
		time.Sleep(g.cfg.Guard.KillDelay)
	}
}

// reap collects the command's exit status. It reports false while the
// command is still running.
func (g *Guard) reap(options int) (bool, error) {
	for {
		pid, err := unix.Wait4(g.pid, &g.status, options, &g.rusage)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fault.OS("waiting for command", err)
		}
		if pid == 0 {
			return false, nil
		}
		g.end = time.Now()
		return true, nil
	}
}
