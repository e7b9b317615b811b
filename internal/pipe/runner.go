package pipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"judgeguard/internal/config"
	"judgeguard/internal/fault"
	"judgeguard/internal/fdio"
	"judgeguard/internal/meta"
	"judgeguard/internal/monitor"
	"judgeguard/internal/pump"
	"judgeguard/internal/selfpipe"
)

type Options struct {
	LogPath  string // proxy log; empty connects the commands directly
	MetaPath string
	Logger   zerolog.Logger
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
}

type process struct {
	n      int // 1 or 2
	cmd    Command
	pid    int
	exited bool
	status unix.WaitStatus
}

// Runner supervises one pair of commands. It is single-use.
type Runner struct {
	cfg  *config.Config
	opts Options
	log  zerolog.Logger

	procs [2]*process
	// streams[i] carries the output of command i+1 to the other one; nil
	// without a proxy.
	streams  [2]*pump.Stream
	proxyLog *ProxyLog
	sig      *selfpipe.Pipe
	fds      fdio.Set
	pipeSize int

	start time.Time
	end   time.Time
	// exitOrder is the order in which commands were reaped. Two commands
	// exiting within one loop iteration are reaped in wait4 order, which
	// need not be the order in which they exited.
	exitOrder      []int
	validatorFirst bool
	notified       bool
	terminated     bool
}

func New(cfg *config.Config, cmds [2]Command, opts Options) *Runner {
	if opts.Tracer == nil {
		opts.Tracer = monitor.NewTracer()
	}
	r := &Runner{cfg: cfg, opts: opts, log: opts.Logger}
	for i := range cmds {
		r.procs[i] = &process{n: i + 1, cmd: cmds[i]}
	}
	if !cfg.Pipe.ResizePipes {
		r.pipeSize = -1
	}
	return r
}

// Run starts both commands, forwards their traffic until both have
// exited and returns the exit code of command #1. An error means the
// caller should exit with fault.ExitFailure; this includes command #1
// dying from a signal.
func (r *Runner) Run(ctx context.Context) (code int, err error) {
	ctx, span := r.opts.Tracer.StartSpan(ctx, "pipe",
		monitor.AttrCommand.String(r.procs[0].cmd.String()),
	)
	defer span.End()
	defer r.fds.CloseAll()
	defer func() {
		if err != nil {
			span.RecordError(err)
			code = fault.ExitFailure
		}
	}()

	r.sig, err = selfpipe.New()
	if err != nil {
		return 0, fault.OS("creating signal pipe", err)
	}
	defer r.sig.Close()
	r.sig.Notify(unix.SIGCHLD, unix.SIGTERM, unix.SIGUSR1)
	stop := context.AfterFunc(ctx, func() { r.sig.Raise(unix.SIGTERM) })
	defer stop()

	if err := r.setup(); err != nil {
		r.killAll()
		return 0, r.fail(err)
	}
	if err := r.loop(); err != nil {
		r.killAll()
		return 0, r.fail(err)
	}
	r.end = time.Now()

	if err := r.drain(); err != nil {
		return 0, r.fail(err)
	}
	if r.proxyLog != nil {
		if err := r.proxyLog.Close(); err != nil {
			return 0, r.fail(fault.OS("closing "+r.opts.LogPath, err))
		}
	}
	return r.report()
}

// setup creates the pipes and starts both commands. Command i reads
// from in[i]; it writes to in[1-i] directly or, with a proxy, to out[i]
// which the proxy forwards to in[1-i].
func (r *Runner) setup() error {
	var in, out [2][2]*fdio.FD
	for i := range in {
		rd, wr, err := fdio.Pipe()
		if err != nil {
			return fault.OS("creating pipes", err)
		}
		r.fds.Add(rd, wr)
		r.resize(wr)
		in[i] = [2]*fdio.FD{rd, wr}
	}

	proxy := r.opts.LogPath != ""
	if proxy {
		for i := range out {
			rd, wr, err := fdio.Pipe()
			if err != nil {
				return fault.OS("creating pipes", err)
			}
			r.fds.Add(rd, wr)
			r.resize(wr)
			out[i] = [2]*fdio.FD{rd, wr}
		}
		l, err := CreateProxyLog(r.opts.LogPath, time.Now())
		if err != nil {
			return fault.OS("opening "+r.opts.LogPath, err)
		}
		r.proxyLog = l
	}

	for i, p := range r.procs {
		stdout := in[1-i][1]
		if proxy {
			stdout = out[i][1]
		}
		if err := r.spawn(p, in[i][0], stdout); err != nil {
			return err
		}
	}
	r.start = time.Now()
	if r.proxyLog != nil {
		r.proxyLog.start = r.start
	}

	// Keep only the proxy's ends.
	for i := range in {
		in[i][0].Close()
		if proxy {
			out[i][1].Close()
		} else {
			in[i][1].Close()
		}
	}
	if !proxy {
		return nil
	}

	for i := range r.streams {
		i := i
		s := pump.New(fmt.Sprintf("to-%d", 2-i), out[i][0], in[1-i][1], pump.NoLimit)
		s.CloseDstOnEOF = true
		s.Tap = func(chunk []byte) { r.proxyLog.Record(i, chunk) }
		for _, fd := range []*fdio.FD{s.Src(), s.Dst()} {
			if err := fd.SetNonblock(true); err != nil {
				return fault.OS("setting pipe non-blocking", err)
			}
		}
		r.streams[i] = s
	}
	return nil
}

// resize enlarges a pipe to the system maximum so that neither command
// blocks on a peer that does not read. Failures are only reported.
func (r *Runner) resize(fd *fdio.FD) {
	if r.pipeSize < 0 {
		return
	}
	if r.pipeSize == 0 {
		data, err := os.ReadFile(r.cfg.Pipe.MaxPipeSizePath)
		if err == nil {
			r.pipeSize, err = strconv.Atoi(strings.TrimSpace(string(data)))
		}
		if err != nil || r.pipeSize <= 0 {
			r.log.Warn().Err(err).Str("path", r.cfg.Pipe.MaxPipeSizePath).Msg("could not read maximum pipe size")
			r.pipeSize = -1
			return
		}
	}
	size, err := fd.Resize(r.pipeSize)
	if err != nil {
		r.log.Warn().Err(err).Msg("could not change pipe size")
		return
	}
	r.log.Debug().Int("fd", fd.Int()).Int("size", size).Msg("resized pipe")
}

func (r *Runner) spawn(p *process, stdin, stdout *fdio.FD) error {
	path, err := exec.LookPath(p.cmd.Name)
	if err != nil {
		return fault.OS(fmt.Sprintf("finding command #%d", p.n), err)
	}
	argv := append([]string{p.cmd.Name}, p.cmd.Args...)
	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{uintptr(stdin.Int()), uintptr(stdout.Int()), uintptr(unix.Stderr)},
	})
	if err != nil {
		return fault.OS(fmt.Sprintf("executing command #%d", p.n), err)
	}
	p.pid = pid
	r.log.Debug().Int("command", p.n).Int("pid", pid).Str("cmdline", p.cmd.String()).Msg("started")
	return nil
}

func (r *Runner) loop() error {
	fds := make([]unix.PollFd, 0, 3)
	polled := make([]int, 0, 2)
	for !r.procs[0].exited || !r.procs[1].exited {
		fds = append(fds[:0], unix.PollFd{Fd: int32(r.sig.Fd()), Events: unix.POLLIN})
		polled = polled[:0]
		for i, s := range r.streams {
			switch {
			case s == nil:
				continue
			case s.WantsWrite():
				fds = append(fds, unix.PollFd{Fd: int32(s.Dst().Int()), Events: unix.POLLOUT})
			case s.WantsRead():
				fds = append(fds, unix.PollFd{Fd: int32(s.Src().Int()), Events: unix.POLLIN})
			default:
				continue
			}
			polled = append(polled, i)
		}

		if _, err := unix.Poll(fds, -1); err != nil && err != unix.EINTR {
			return fault.OS("waiting for events", err)
		}

		for k, i := range polled {
			if fds[k+1].Revents == 0 {
				continue
			}
			if err := r.step(i); err != nil {
				return err
			}
		}

		if fds[0].Revents != 0 {
			sigs := r.sig.Drain()
			if sigs.Has(unix.SIGUSR1) {
				r.log.Warn().Msg("received SIGUSR1: a command hit its wall time limit")
				r.notified = true
			}
			if sigs.Has(unix.SIGTERM) {
				r.terminate()
			}
		}

		if err := r.reap(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) step(i int) error {
	s := r.streams[i]
	if _, err := s.Step(); err != nil {
		return fault.OS("forwarding "+s.Name, err)
	}
	if err := r.proxyLog.Err(); err != nil {
		return fault.OS("writing "+r.opts.LogPath, err)
	}
	if i == 0 && !s.Open() && !r.procs[1].exited && !r.validatorFirst {
		r.log.Warn().Msg("validator exited first")
		r.validatorFirst = true
	}
	return nil
}

// terminate passes a SIGTERM on to both commands once.
func (r *Runner) terminate() {
	if r.terminated {
		return
	}
	r.terminated = true
	r.log.Warn().Msg("received SIGTERM, passing it on")
	for _, p := range r.procs {
		if p.exited {
			continue
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordKill(int(unix.SIGTERM))
		}
		if err := unix.Kill(p.pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			r.log.Warn().Err(err).Int("command", p.n).Msg("sending SIGTERM")
		}
	}
}

func (r *Runner) reap() error {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD, err == nil && pid == 0:
			return nil
		case err != nil:
			return fault.OS("waiting for children", err)
		}
		p := r.byPID(pid)
		if p == nil {
			r.log.Warn().Int("pid", pid).Msg("reaped unknown child")
			continue
		}
		if err := r.exited(p, ws); err != nil {
			return err
		}
	}
}

func (r *Runner) byPID(pid int) *process {
	for _, p := range r.procs {
		if p.pid == pid && !p.exited {
			return p
		}
	}
	return nil
}

// exited handles one reaped command. Data still sent to it is dropped.
// Its own output keeps flowing through the loop until the peer has read
// it all, and the end-of-file that follows reaches the peer from there.
func (r *Runner) exited(p *process, ws unix.WaitStatus) error {
	p.exited, p.status = true, ws
	r.exitOrder = append(r.exitOrder, p.n)
	r.log.Debug().Int("command", p.n).Int("pid", p.pid).Uint32("status", uint32(ws)).Msg("command exited")

	i := p.n - 1
	if i == 0 && !r.procs[1].exited && !r.validatorFirst {
		r.log.Warn().Msg("validator exited first")
		r.validatorFirst = true
	}
	if s := r.streams[1-i]; s != nil {
		if err := s.CloseDst(); err != nil {
			return fault.OS("closing input of command #"+strconv.Itoa(p.n), err)
		}
	}
	return nil
}

// drain runs once both commands have exited and collects what is left
// in the proxy's pipes. Nobody reads it anymore, so the deadline only
// bounds the time spent on grandchildren still writing.
func (r *Runner) drain() error {
	deadline := time.Now().Add(r.cfg.Pipe.DrainTimeout)
	for _, s := range r.streams {
		if s == nil {
			continue
		}
		err := s.Drain(deadline)
		if errors.Is(err, pump.ErrDrainDeadline) {
			r.log.Warn().Str("stream", s.Name).Msg("output still arriving after both commands exited, discarding the rest")
		} else if err != nil {
			return fault.OS("forwarding "+s.Name, err)
		}
		if err := r.proxyLog.Err(); err != nil {
			return fault.OS("writing "+r.opts.LogPath, err)
		}
		s.Close()
	}
	return nil
}

// killAll is the error path: nothing may outlive the runner.
func (r *Runner) killAll() {
	for _, p := range r.procs {
		if p.pid <= 0 || p.exited {
			continue
		}
		if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			r.log.Error().Err(err).Int("command", p.n).Msg("killing command")
			continue
		}
		if _, err := unix.Wait4(p.pid, &p.status, 0, nil); err == nil {
			p.exited = true
		}
	}
}

// fail records err in the metadata file before it is returned.
func (r *Runner) fail(err error) error {
	if r.proxyLog != nil {
		r.proxyLog.Close()
	}
	w := meta.NewWriter(r.opts.MetaPath)
	w.Set("internal-error", err.Error())
	if ferr := w.Flush(); ferr != nil {
		r.log.Error().Err(ferr).Msg("writing metadata")
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RunsTotal.WithLabelValues("internal-error").Inc()
		r.writeMetrics()
	}
	return err
}

func (r *Runner) report() (int, error) {
	codes := [2]int{}
	var sig syscall.Signal
	for i, p := range r.procs {
		switch ws := p.status; {
		case ws.Exited():
			codes[i] = ws.ExitStatus()
			if codes[i] != 0 {
				r.log.Warn().Int("command", p.n).Int("exitcode", codes[i]).Msg("command exited with non-zero exit code")
			}
		case ws.Signaled():
			codes[i] = 128 + int(ws.Signal())
			r.log.Warn().Int("command", p.n).Str("signal", unix.SignalName(ws.Signal())).Msg("command terminated by signal")
			if i == 0 {
				sig = ws.Signal()
			}
		default:
			return 0, r.fail(fault.Internalf("command #%d exit status unknown: %#x", p.n, uint32(ws)))
		}
	}

	w := meta.NewWriter(r.opts.MetaPath)
	w.SetInt("exitcode", int64(codes[0]))
	if sig != 0 {
		w.SetInt("signal", int64(sig))
	}
	w.SetSeconds("elapsed-time", r.end.Sub(r.start))
	if r.streams[0] != nil {
		to2, to1 := r.streams[0].Passed, r.streams[1].Passed
		w.SetInt("bytes-to-2", to2)
		w.SetInt("bytes-to-1", to1)
		w.SetInt("bytes-transferred", to1+to2)
	}
	if len(r.exitOrder) > 0 {
		w.SetInt("exited-first", int64(r.exitOrder[0]))
	}
	w.SetBool("validator-exited-first", r.validatorFirst)
	w.SetBool("timelimit-notified", r.notified)
	if err := w.Flush(); err != nil {
		return 0, fault.OS("writing metadata", err)
	}

	if m := r.opts.Metrics; m != nil {
		outcome := "ok"
		switch {
		case sig != 0:
			outcome = "signaled"
		case codes[0] != 0:
			outcome = "nonzero-exit"
		}
		m.RunsTotal.WithLabelValues(outcome).Inc()
		m.ExitCode.Set(float64(codes[0]))
		m.WallSeconds.Set(r.end.Sub(r.start).Seconds())
		if r.streams[0] != nil {
			m.RecordPipe("to-2", r.streams[0].Passed)
			m.RecordPipe("to-1", r.streams[1].Passed)
		}
		r.writeMetrics()
	}

	if sig != 0 {
		return 0, fault.Internalf("command #1 terminated with signal %d", int(sig))
	}
	return codes[0], nil
}

func (r *Runner) writeMetrics() {
	if err := r.opts.Metrics.WriteTextfile(r.cfg.Metrics.Textfile); err != nil {
		r.log.Warn().Err(err).Str("path", r.cfg.Metrics.Textfile).Msg("writing metrics")
	}
}
