// Command runpipe connects the standard input and output of two
// commands to each other, for interactive problems where a validator
// talks to a solution.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"judgeguard/internal/config"
	"judgeguard/internal/fault"
	"judgeguard/internal/logging"
	"judgeguard/internal/monitor"
	"judgeguard/internal/pipe"
)

var version = "dev"

type invocation struct {
	cmds            [2]pipe.Command
	logPath         string
	metaPath        string
	configPath      string
	metricsTextfile string
	verbose         bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stderr))
}

func execute(args []string, stderr io.Writer) int {
	inv := &invocation{}
	code := 0
	cmd := newCommand(inv, func(*cobra.Command, []string) error {
		var err error
		code, err = run(inv)
		return err
	})
	cmd.SetArgs(args)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "runpipe: %v\n", err)
		return fault.ExitFailure
	}
	return code
}

func newCommand(inv *invocation, runE func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runpipe [OPTION]... COMMAND1 [ARGS...] = COMMAND2 [ARGS...]",
		Short: "Run two commands with stdin/stdout bi-directionally connected",
		Long: `Run two commands with stdin/stdout bi-directionally connected.

Arguments starting with '=' must be written as '==...'. The exit code
is the one of COMMAND1.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds, err := pipe.SplitCommands(args)
			if err != nil {
				return err
			}
			inv.cmds = cmds
			return runE(cmd, args)
		},
	}

	f := cmd.Flags()
	f.SetInterspersed(false)
	f.StringVarP(&inv.logPath, "outprog", "o", "", "write stdout of both commands to FILE through a proxy")
	f.StringVarP(&inv.metaPath, "outmeta", "M", "", "write metadata (exit code, who exited first, etc.) to FILE")
	f.BoolVarP(&inv.verbose, "verbose", "v", false, "display some extra warnings and information")
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
	if inv.verbose {
		verbosity = logging.Verbose
	}
	logger := logging.Setup(cfg.Log, "runpipe", verbosity)

	var metrics *monitor.Metrics
	if cfg.Metrics.Textfile != "" {
		metrics = monitor.NewMetrics("runpipe")
	}

	r := pipe.New(cfg, inv.cmds, pipe.Options{
		LogPath:  inv.logPath,
		MetaPath: inv.metaPath,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   monitor.NewTracer(),
	})
	return r.Run(context.Background())
}
