package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sidecar-host/internal/facade"
	"github.com/shinji-kodama/sidecar-host/internal/lock"
	"github.com/shinji-kodama/sidecar-host/internal/model"
)

type portFlags struct {
	control string
}

// NewPortCommand creates the "port" cobra command.
func NewPortCommand() *cobra.Command {
	flags := &portFlags{}

	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print the worker port of a running host",
		Long: `Ask a running host which port its worker is on.

Without --control the host is found through the instance record it
writes next to its lock file (see lock.path in the config). A record
whose lock is no longer held belongs to a host that died and is
reported as stale.

Examples:
  sidecar-host port
  sidecar-host port --control 127.0.0.1:8743
  sidecar-host port --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPort(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.control, "control", "", "Control address of the running host (host:port)")

	return cmd
}

// portResult is the output of the port command.
type portResult struct {
	Port   model.Port `json:"port"`
	Source string     `json:"source"`
}

func runPort(ctx context.Context, out io.Writer, flags *portFlags) error {
	addr := flags.control
	var recorded model.Port

	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		info, err := lock.ReadInfo(cfg.Lock.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return model.NewCLIError(model.ExitHostUnreachable,
					fmt.Sprintf("no running host found (no instance record for %s)", cfg.Lock.Path))
			}
			return model.WrapCLIError(model.ExitHostUnreachable, "failed to read instance record", err)
		}
		held, err := lock.Held(cfg.Lock.Path)
		if err != nil {
			return model.WrapCLIError(model.ExitHostUnreachable, "failed to check instance lock", err)
		}
		if !held {
			return model.NewCLIError(model.ExitHostUnreachable,
				fmt.Sprintf("stale instance record: host pid %d no longer holds %s", info.PID, cfg.Lock.Path))
		}
		VerboseLog("Found host pid %d (control %q)", info.PID, info.ControlAddr)
		addr, recorded = info.ControlAddr, info.Port
	}

	if addr == "" {
		return printPortResult(out, portResult{Port: recorded, Source: "record"})
	}

	p, err := facade.QueryPort(ctx, addr)
	if err != nil {
		return err
	}
	return printPortResult(out, portResult{Port: p, Source: addr})
}

func printPortResult(w io.Writer, r portResult) error {
	if IsJSONOutput() {
		return printJSON(w, r)
	}
	_, err := fmt.Fprintln(w, r.Port)
	return err
}
