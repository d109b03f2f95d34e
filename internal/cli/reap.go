package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sidecar-host/internal/docker"
	"github.com/shinji-kodama/sidecar-host/internal/lock"
	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// NewReapCommand creates the "reap" cobra command.
func NewReapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove worker containers left behind by a crashed host",
		Long: `Force-remove every worker container carrying the sidecar-host labels.

reap takes the instance lock first, so it refuses to run while a host is
running. Containers whose host process (sidecar-host.host-pid label) is
still alive are skipped, which covers hosts using a different lock path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runReap(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	l, err := lock.Acquire(cfg.Lock.Path)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()

	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}

	removed, skipped, reapErr := docker.ReapStale(ctx, cli)
	for _, c := range removed {
		VerboseLog("Removed %s (%s)", c.ContainerName, shortID(c.ContainerID))
	}
	for _, c := range skipped {
		VerboseLog("Skipped %s: host pid %s is still running", c.ContainerName, c.Labels[docker.LabelHostPID])
	}

	if IsJSONOutput() {
		if err := printJSON(out, map[string]any{
			"removed": toContainerJSON(removed),
			"skipped": toContainerJSON(skipped),
		}); err != nil {
			return err
		}
	} else {
		ports := make([]model.Port, 0, len(removed))
		for _, c := range removed {
			if c.Port.IsSet() {
				ports = append(ports, c.Port)
			}
		}
		fmt.Fprintf(out, "Removed %d worker container(s) (ports: %s).\n", len(removed), FormatPortsList(ports))
		if len(skipped) > 0 {
			fmt.Fprintf(out, "Skipped %d container(s) whose host is still running.\n", len(skipped))
		}
	}

	if reapErr != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, "some worker containers could not be removed", reapErr)
	}
	return nil
}
