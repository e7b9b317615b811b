package guard

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"judgeguard/internal/cgroup"
	"judgeguard/internal/config"
	"judgeguard/internal/confine"
	"judgeguard/internal/fault"
	"judgeguard/internal/fdio"
	"judgeguard/internal/meta"
	"judgeguard/internal/monitor"
	"judgeguard/internal/pump"
	"judgeguard/internal/selfpipe"
)

type Options struct {
	Logger  zerolog.Logger
	Metrics *monitor.Metrics // nil disables metrics
	Tracer  *monitor.Tracer

	// OOMScorePath is reset to 0 when negative so the command is not
	// shielded from the OOM killer.
	OOMScorePath string
}

// Guard runs one ExecutionSpec. It is single-use.
type Guard struct {
	cfg     *config.Config
	spec    ExecutionSpec
	opts    Options
	log     zerolog.Logger
	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	runID  string
	meta   *meta.Writer
	result RunResult

	identity   confine.Identity
	root       string
	namespaces []specs.LinuxNamespace

	sig     *selfpipe.Pipe
	cg      *cgroup.Cgroup
	fds     fdio.Set
	stdoutR *fdio.FD
	stderrR *fdio.FD
	stdout  *pump.Stream
	stderr  *pump.Stream
	timer   *time.Timer

	pid    int
	start  time.Time
	end    time.Time
	status unix.WaitStatus
	rusage unix.Rusage

	dropped   bool
	savedEUID int

	terminated bool
	killErr    error
	aborting   atomic.Bool
}

func New(cfg *config.Config, spec ExecutionSpec, opts Options) *Guard {
	if opts.Tracer == nil {
		opts.Tracer = monitor.NewTracer()
	}
	if opts.OOMScorePath == "" {
		opts.OOMScorePath = "/proc/self/oom_score_adj"
	}
	runID := uuid.New().String()
	return &Guard{
		cfg:     cfg,
		spec:    spec,
		opts:    opts,
		log:     opts.Logger.With().Str("run_id", runID).Logger(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		runID:   runID,
		meta:    meta.NewWriter(spec.MetaPath),
		result:  RunResult{RunID: runID, TimeUsed: spec.TimeUsed},
	}
}

// RunID identifies this run in logs, spans and the metadata file.
func (g *Guard) RunID() string {
	return g.runID
}

// Result is the outcome of a completed Run.
func (g *Guard) Result() RunResult {
	return g.result
}

// Run executes the command and returns the exit code the supervisor
// should exit with. On error the metadata file carries internal-error,
// the command and its cgroup are gone and the caller should exit with
// fault.ExitFailure.
func (g *Guard) Run(ctx context.Context) (code int, err error) {
	ctx, span := g.tracer.StartSpan(ctx, "run",
		monitor.AttrRunID.String(g.runID),
		monitor.AttrCommand.String(g.spec.Command),
	)
	defer span.End()

	g.meta.Set("run-id", g.runID)
	defer g.fds.CloseAll()
	defer func() {
		if err != nil {
			span.RecordError(err)
			g.abort(err)
			code = fault.ExitFailure
		}
	}()

	if err := g.prepare(); err != nil {
		return 0, err
	}

	g.sig, err = selfpipe.New()
	if err != nil {
		return 0, fault.OS("creating signal pipe", err)
	}
	defer g.sig.Close()
	g.sig.Notify(unix.SIGCHLD, unix.SIGTERM, unix.SIGALRM)
	stop := context.AfterFunc(ctx, func() { g.sig.Raise(unix.SIGTERM) })
	defer stop()

	if err := g.createCgroup(); err != nil {
		return 0, err
	}
	if g.cg != nil {
		span.SetAttributes(monitor.AttrCgroup.String(g.cg.Name()))
	}
	if err := resetOOMScore(g.opts.OOMScorePath); err != nil {
		return 0, err
	}

	_, spawnSpan := g.tracer.StartSpan(ctx, "spawn")
	err = g.spawn()
	spawnSpan.End()
	if err != nil {
		return 0, err
	}
	span.SetAttributes(monitor.AttrPID.Int(g.pid))
	g.log.Debug().Int("pid", g.pid).Str("command", g.spec.Command).Msg("command started")

	if err := g.dropPrivileges(); err != nil {
		return 0, err
	}
	if err := g.openOutputs(); err != nil {
		return 0, err
	}
	g.armTimer()

	if err := g.watch(); err != nil {
		return 0, err
	}
	code, err = g.finish()
	if err != nil {
		return 0, err
	}
	span.SetAttributes(monitor.AttrExitCode.Int(code))
	if g.result.Signal != 0 {
		span.SetAttributes(monitor.AttrSignal.Int(g.result.Signal))
	}
	return code, nil
}

// abort is the single fatal-error path. It records the error in the
// metadata file and removes every trace of the command. It runs at most
// once; anything failing inside it is only logged.
func (g *Guard) abort(cause error) {
	if !g.aborting.CompareAndSwap(false, true) {
		g.log.Error().Err(cause).Msg("error while aborting")
		return
	}
	g.log.Error().Err(cause).Msg("aborting")

	g.result.InternalError = cause.Error()
	g.meta.Set("internal-error", cause.Error())
	if err := g.meta.Flush(); err != nil {
		g.log.Error().Err(err).Str("path", g.meta.Path()).Msg("writing metadata")
	}

	if g.timer != nil {
		g.timer.Stop()
	}
	if err := g.raisePrivileges(); err != nil {
		g.log.Error().Err(err).Msg("regaining privileges for cleanup")
	}
	if g.pid > 0 {
		if err := unix.Kill(-g.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			g.log.Error().Err(err).Int("pid", g.pid).Msg("killing command")
		}
		time.Sleep(g.cfg.Guard.KillDelay)
		_, _ = unix.Wait4(g.pid, nil, unix.WNOHANG, nil)
	}
	if g.cg != nil {
		if err := g.cg.Kill(); err != nil {
			g.log.Error().Err(err).Str("cgroup", g.cg.Name()).Msg("killing cgroup")
		}
		if err := g.cg.Delete(); err != nil {
			g.log.Error().Err(err).Str("cgroup", g.cg.Name()).Msg("deleting cgroup")
		}
	}

	if g.metrics != nil {
		g.metrics.RunsTotal.WithLabelValues(g.result.Outcome()).Inc()
		g.writeMetrics()
	}
}

// dropPrivileges gives up the effective uid for the watch phase when the
// command runs as the invoking user. The saved uid keeps root so the
// cgroup can still be removed at the end.
func (g *Guard) dropPrivileges() error {
	if g.identity.UID >= 0 {
		return nil
	}
	uid, euid := syscall.Getuid(), syscall.Geteuid()
	if uid == euid {
		return nil
	}
	if err := syscall.Seteuid(uid); err != nil {
		return fault.OS("dropping privileges", err)
	}
	g.dropped, g.savedEUID = true, euid
	return nil
}

func (g *Guard) raisePrivileges() error {
	if !g.dropped {
		return nil
	}
	if err := syscall.Seteuid(g.savedEUID); err != nil {
		return fault.OS("regaining privileges", err)
	}
	g.dropped = false
	return nil
}

// releasePrivileges permanently becomes the invoking user.
func (g *Guard) releasePrivileges() error {
	if err := g.raisePrivileges(); err != nil {
		return err
	}
	if err := syscall.Setuid(syscall.Getuid()); err != nil {
		return fault.OS("dropping root privileges", err)
	}
	return nil
}

func (g *Guard) writeMetrics() {
	if err := g.metrics.WriteTextfile(g.cfg.Metrics.Textfile); err != nil {
		g.log.Warn().Err(err).Str("path", g.cfg.Metrics.Textfile).Msg("writing metrics")
	}
}
