// list.go implements the "sidecar-host list" command.
//
// The list command shows worker containers by querying Docker for the
// "sidecar-host.managed-by=sidecar-host" label. Containers left behind
// by a host that crashed show up here until "reap" removes them.
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sidecar-host/internal/docker"
	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters containers by Docker state: "running", "exited",
	// "created", or "all" (default).
	status string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worker containers",
		Long: `List the worker containers started by the container runtime, running
or not, with the run and port each was started with.

Examples:
  sidecar-host list
  sidecar-host list --status running
  sidecar-host list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", "all",
		"Filter by status: running, exited, created, all")

	return cmd
}

func runList(ctx context.Context, out io.Writer, flags *listFlags) error {
	switch flags.status {
	case "all", "running", "exited", "created":
	default:
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("invalid status filter %q: valid values are running, exited, created, all", flags.status))
	}

	if _, err := loadConfig(); err != nil {
		return err
	}

	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}
	VerboseLog("Connected to Docker daemon")

	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		return err
	}
	VerboseLog("Found %d worker containers", len(containers))

	return printContainers(out, FilterContainers(containers, flags.status))
}

// FilterContainers sorts containers by name and keeps those whose Docker
// state matches status ("all" keeps everything).
func FilterContainers(containers []model.ContainerInfo, status string) []model.ContainerInfo {
	out := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		if status == "all" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ContainerName < out[j].ContainerName
	})
	return out
}

// containerJSON is the JSON form of one container in list and reap output.
type containerJSON struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	RunID  string     `json:"runId"`
	Port   model.Port `json:"port"`
	Status string     `json:"status"`
}

func toContainerJSON(containers []model.ContainerInfo) []containerJSON {
	// Empty slice, not nil, so the JSON shows [] rather than null.
	out := make([]containerJSON, 0, len(containers))
	for _, c := range containers {
		out = append(out, containerJSON{
			ID:     c.ContainerID,
			Name:   c.ContainerName,
			RunID:  c.RunID,
			Port:   c.Port,
			Status: c.Status,
		})
	}
	return out
}

func printContainers(w io.Writer, containers []model.ContainerInfo) error {
	if IsJSONOutput() {
		return printJSON(w, map[string]any{"containers": toContainerJSON(containers)})
	}
	FormatContainerTable(w, containers)
	return nil
}

// FormatContainerTable writes containers as an aligned text table:
//
//	NAME                                   STATUS    PORT   CONTAINER
//	sidecar-host-worker-0b6f2d1e-...       running   54321  3f2a1b9c0d4e
func FormatContainerTable(w io.Writer, containers []model.ContainerInfo) {
	if len(containers) == 0 {
		fmt.Fprintln(w, "No worker containers found.")
		return
	}

	fmt.Fprintf(w, "%-56s %-10s %-6s %s\n", "NAME", "STATUS", "PORT", "CONTAINER")
	for _, c := range containers {
		fmt.Fprintf(w, "%-56s %-10s %-6s %s\n",
			c.ContainerName,
			c.Status,
			FormatPort(c.Port),
			shortID(c.ContainerID),
		)
	}
}

// FormatPort renders a port for tables: "-" for the sentinel.
func FormatPort(p model.Port) string {
	if !p.IsSet() {
		return "-"
	}
	return p.String()
}

// FormatPortsList converts ports into a comma-separated string sorted
// numerically, or "-" when there are none.
//
//	[54321 8742] → "8742,54321"
func FormatPortsList(ports []model.Port) string {
	if len(ports) == 0 {
		return "-"
	}

	nums := make([]int, 0, len(ports))
	for _, p := range ports {
		nums = append(nums, int(p))
	}
	sort.Ints(nums)

	out := make([]string, 0, len(nums))
	for _, n := range nums {
		out = append(out, strconv.Itoa(n))
	}
	return strings.Join(out, ",")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
