package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sidecar-host/internal/config"
	"github.com/shinji-kodama/sidecar-host/internal/host"
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

// runFlags holds the flag values for the run command. Each one, when
// given, overrides the matching config file value.
type runFlags struct {
	exitWithWorker bool
	worker         string
	flag           string
	runtime        string
	image          string
	bindHost       string
	port           int
	control        string
	workerOutput   string
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate a port, start the worker and serve the port to the shell",
		Long: `Run the host: take the instance lock, allocate a free port, start the
worker with "--port <port>" and answer port queries until interrupted.

Worker output is forwarded to the host log: stdout at INFO, stderr at WARN.
By default the host exits when the worker exits; the worker is never
restarted.

Examples:
  sidecar-host run
  sidecar-host run --worker ./binaries/renamer-api
  sidecar-host run --runtime container --image renamer-api:latest
  sidecar-host run --config host.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			stdout, stderr, err := workerSinks(flags.workerOutput, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts := host.Options{Config: cfg, Stdout: stdout, Stderr: stderr}
			return runHost(ctx, cmd.OutOrStdout(), opts, flags.exitWithWorker)
		},
	}

	cmd.Flags().BoolVar(&flags.exitWithWorker, "exit-with-worker", true,
		"Exit when the worker exits (a failed worker exits non-zero)")
	cmd.Flags().StringVar(&flags.worker, "worker", "", "Worker executable name or path")
	cmd.Flags().StringVar(&flags.flag, "flag", "", "Flag that precedes the port on the worker command line")
	cmd.Flags().StringVar(&flags.runtime, "runtime", "", "Worker runtime: process or container")
	cmd.Flags().StringVar(&flags.image, "image", "", "Worker image for the container runtime")
	cmd.Flags().StringVar(&flags.bindHost, "bind-host", "", "Address the worker port is allocated on")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Fixed worker port (0 picks a free one)")
	cmd.Flags().StringVar(&flags.control, "control", "", `Control surface address ("off" disables it)`)
	cmd.Flags().StringVar(&flags.workerOutput, "worker-output", "log",
		"Where worker output goes: log (host log), stdio (host stdout/stderr) or discard")

	return cmd
}

// apply copies explicitly set flags into cfg and re-validates it.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("worker") {
		cfg.Worker.Path = f.worker
	}
	if changed("flag") {
		cfg.Worker.Flag = f.flag
	}
	if changed("runtime") {
		cfg.Worker.Runtime = f.runtime
	}
	if changed("image") {
		cfg.Worker.Image = f.image
	}
	if changed("bind-host") {
		cfg.Network.BindHost = f.bindHost
	}
	if changed("port") {
		cfg.Network.Port = f.port
	}
	if changed("control") {
		cfg.Control.Addr = f.control
		if f.control == "off" {
			cfg.Control.Addr = ""
		}
	}
	if err := cfg.Check(); err != nil {
		return err
	}
	setupLogging(cfg)
	return nil
}

// runResult is printed once the worker has started.
type runResult struct {
	Port        model.Port `json:"port"`
	ControlAddr string     `json:"controlAddr,omitempty"`
	Runtime     string     `json:"runtime"`
	PID         int        `json:"pid"`
}

// workerSinks maps --worker-output to the supervisor's sinks. Nil sinks
// select the supervisor's log sinks.
func workerSinks(mode string, stdout, stderr io.Writer) (sidecar.Sink, sidecar.Sink, error) {
	switch mode {
	case "log":
		return nil, nil, nil
	case "stdio":
		return lineWriter(stdout), lineWriter(stderr), nil
	case "discard":
		return sidecar.DiscardSink, sidecar.DiscardSink, nil
	default:
		return nil, nil, model.NewCLIError(model.ExitConfigInvalid,
			fmt.Sprintf("invalid --worker-output %q: valid values are log, stdio, discard", mode))
	}
}

func lineWriter(w io.Writer) sidecar.Sink {
	return sidecar.SinkFunc(func(line []byte) {
		_, _ = w.Write(append(append([]byte(nil), line...), '\n'))
	})
}

func runHost(ctx context.Context, out io.Writer, opts host.Options, exitWithWorker bool) error {
	cfg := opts.Config
	h := host.New(opts)

	VerboseLog("Starting host (runtime %s, lock %s)", cfg.Worker.Runtime, cfg.Lock.Path)
	if err := h.Start(ctx); err != nil {
		return err
	}

	result := runResult{
		Port:        h.Facade().GetAPIPort(),
		ControlAddr: h.ControlAddr(),
		Runtime:     cfg.Worker.Runtime,
		PID:         os.Getpid(),
	}
	if err := printRunResult(out, result); err != nil {
		_ = h.Close()
		return err
	}

	waitErr := h.Wait(ctx, exitWithWorker)
	VerboseLog("Shutting down")
	if err := h.Close(); err != nil && waitErr == nil {
		return err
	}
	return waitErr
}

func printRunResult(w io.Writer, r runResult) error {
	if IsJSONOutput() {
		return printJSON(w, r)
	}

	fmt.Fprintf(w, "Worker running on port %s (%s runtime)\n", r.Port, r.Runtime)
	if r.ControlAddr != "" {
		fmt.Fprintf(w, "Control surface: http://%s/api/port\n", r.ControlAddr)
	}
	return nil
}
