// Command runguard runs a single command under time, memory and output
// limits and writes what happened to a metadata file.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/moby/sys/reexec"
	"github.com/spf13/cobra"

	"judgeguard/internal/config"
	"judgeguard/internal/confine"
	"judgeguard/internal/fault"
	"judgeguard/internal/guard"
	"judgeguard/internal/logging"
	"judgeguard/internal/monitor"
)

var version = "dev"

type invocation struct {
	spec            guard.ExecutionSpec
	configPath      string
	metricsTextfile string
	verbose         bool
	quiet           bool
}

func main() {
	reexec.Register(confine.HelperName, confine.Main)
	if reexec.Init() {
		return
	}
	os.Exit(execute(os.Args[1:], os.Stderr))
}

func execute(args []string, stderr io.Writer) int {
	inv := &invocation{spec: guard.DefaultSpec()}
	code := 0
	cmd := newCommand(inv, func(_ *cobra.Command, _ []string) error {
		var err error
		code, err = run(inv)
		return err
	})
	cmd.SetArgs(args)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "runguard: %v\n", err)
		return fault.ExitFailure
	}
	return code
}

func newCommand(inv *invocation, runE func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "runguard [OPTION]... [--] COMMAND [ARGUMENT]...",
		Short:         "Run a command with resource limits and report how it ended",
		Version:       version,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.spec.Command = args[0]
			inv.spec.Args = args[1:]
			return runE(cmd, args)
		},
	}

	s := &inv.spec
	f := cmd.Flags()
	f.SetInterspersed(false)
	f.StringVarP(&s.Root, "root", "r", "", "run COMMAND with ROOT as root directory")
	f.StringVarP(&s.User, "user", "u", "", "run COMMAND as user with username or ID")
	f.StringVarP(&s.Group, "group", "g", "", "run COMMAND under group with name or ID")
	f.StringVarP(&s.Chdir, "chdir", "d", "", "change to directory DIR after setting root directory")
	f.VarP(&timeFlag{limit: &s.WallTime, clock: guard.ClockWall, last: &s.TimeUsed}, "walltime", "t", "kill COMMAND after wall time in seconds")
	f.VarP(&timeFlag{limit: &s.Limits.CPUTime, clock: guard.ClockCPU, last: &s.TimeUsed}, "cputime", "C", "set CPU time limit in seconds")
	f.VarP(&kbFlag{bytes: &s.Limits.Memory}, "memsize", "m", "set total memory limit in kB")
	f.VarP(&kbFlag{bytes: &s.Limits.FileSize}, "filesize", "f", "set maximum created file size in kB")
	f.VarP(&countFlag{n: &s.Limits.Processes}, "nproc", "p", "set maximum number of processes")
	f.StringVarP(&s.CPUSet, "cpuset", "P", "", "run COMMAND on the CPUs in LIST")
	f.BoolVarP(&s.Limits.NoCoreDump, "no-core", "c", false, "disable core dumps")
	f.StringVarP(&s.StdoutPath, "stdout", "o", "", "write stdout of COMMAND to FILE")
	f.StringVarP(&s.StderrPath, "stderr", "e", "", "write stderr of COMMAND to FILE")
	f.VarP(&streamFlag{limit: &s.StreamLimit}, "streamsize", "s", "truncate COMMAND stdout and stderr streams at size in kB")
	f.BoolVarP(&s.PreserveEnv, "environment", "E", false, "preserve environment variables (default only PATH)")
	f.StringArrayVarP(&s.Variables, "variable", "V", nil, "add KEY=VALUE pairs separated by ';' to the environment")
	f.StringVarP(&s.MetaPath, "outmeta", "M", "", "write metadata (runtime, exit code, etc.) to FILE")
	f.IntVarP(&s.RunpipePID, "runpipepid", "U", 0, "send SIGUSR1 to process with PID on hard wall timeout")
	f.BoolVarP(&inv.verbose, "verbose", "v", false, "display some extra warnings and information")
	f.BoolVarP(&inv.quiet, "quiet", "q", false, "suppress all warnings and verbose output")
	f.StringVar(&inv.configPath, "config", "", "site configuration file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	f.StringVar(&inv.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics of the run to FILE")
	return cmd
}

func run(inv *invocation) (int, error) {
	cfg, err := config.Resolve(inv.configPath)
	if err != nil {
		return 0, fault.Config("loading configuration", err)
	}
	if inv.metricsTextfile != "" {
		cfg.Metrics.Textfile = inv.metricsTextfile
	}

	verbosity := logging.Normal
	switch {
	case inv.quiet:
		verbosity = logging.Quiet
	case inv.verbose:
		verbosity = logging.Verbose
	}
	logger := logging.Setup(cfg.Log, "runguard", verbosity)

	var metrics *monitor.Metrics
	if cfg.Metrics.Textfile != "" {
		metrics = monitor.NewMetrics("runguard")
	}

	g := guard.New(cfg, inv.spec, guard.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  monitor.NewTracer(),
	})
	return g.Run(context.Background())
}
