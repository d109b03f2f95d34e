package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sidecar-host/internal/config"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

// NewResolveCommand creates the "resolve" cobra command, a packaging
// check that shows which worker "run" would start.
func NewResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Show which worker executable run would start",
		Long: `Resolve the worker the way "run" does and print its path.

A bare worker name is looked up next to this binary (plain and with the
target-triple suffix), then in binaries/ next to it, then on $PATH.
For the container runtime the image name is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runResolve(cmd.OutOrStdout(), cfg, sidecar.DefaultResolver())
		},
	}
}

// resolveResult is the output of the resolve command.
type resolveResult struct {
	Runtime    string   `json:"runtime"`
	Worker     string   `json:"worker"`
	Resolved   string   `json:"resolved"`
	Candidates []string `json:"candidates,omitempty"`
}

func runResolve(out io.Writer, cfg *config.Config, resolver *sidecar.Resolver) error {
	result := resolveResult{Runtime: cfg.Worker.Runtime}

	if cfg.Worker.Runtime == config.RuntimeContainer {
		result.Worker = cfg.Worker.Image
		result.Resolved = cfg.Worker.Image
	} else {
		result.Worker = cfg.WorkerExecutable()
		if filepath.Base(result.Worker) == result.Worker {
			result.Candidates = resolver.Candidates(result.Worker)
		}
		for _, c := range result.Candidates {
			VerboseLog("Candidate: %s", c)
		}
		path, err := resolver.Resolve(result.Worker)
		if err != nil {
			return err
		}
		result.Resolved = path
	}

	if IsJSONOutput() {
		return printJSON(out, result)
	}
	_, err := fmt.Fprintln(out, result.Resolved)
	return err
}
