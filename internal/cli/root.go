// Package cli implements the cobra-based CLI commands for sidecar-host.
//
// Each subcommand (run, port, resolve, list, reap) is defined in its own
// file within this package. This file defines the root command that
// carries the global flags and maps errors to exit codes.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sidecar-host/internal/config"
	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command.
var (
	// jsonOutput switches command output (and error output) to JSON.
	jsonOutput bool

	// verbose enables [verbose] progress lines on stderr and debug logging.
	verbose bool

	// configPath is the optional host configuration file.
	configPath string
)

// Version, Commit and Date are set at build time via ldflags and injected
// from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does nothing; it provides help text and the
// global flags inherited by every subcommand.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sidecar-host",
		Short: "Run a backend worker as a sidecar on a free local port",
		Long: `sidecar-host allocates a free loopback port, starts the backend worker
with "--port <port>", forwards the worker's output to its own log and
tells the desktop shell which port the worker is on.

The worker runs either as a local process (bundled next to this binary
or found on $PATH) or as a Docker container.`,

		// Errors are printed by Execute in text or JSON form.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Host config file (.json, .jsonc, .yaml, .yml or .toml)")

	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewPortCommand())
	rootCmd.AddCommand(NewResolveCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewReapCommand())

	return rootCmd
}

// Execute runs the root command and exits with the code carried by the
// returned error, if any.
func Execute(rootCmd *cobra.Command) {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) && cliErr == err {
		printError(os.Stderr, cliErr.Message, cliErr.Err)
	} else {
		printError(os.Stderr, err.Error(), nil)
	}
	os.Exit(int(model.ExitCodeOf(err)))
}

// printError writes an error message to w as text or, with --json, as
// {"error": {"message": ..., "detail": ...}}.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{"message": message}
		if underlying != nil {
			errObj["detail"] = underlying.Error()
		}
		data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadConfig loads --config (or the defaults) and sets up logging from
// it. --verbose forces debug logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		VerboseLog("Loaded config: %s", configPath)
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log.Setup(level, cfg.Log.Format)
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
