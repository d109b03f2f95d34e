// Package model defines the domain types and value objects for the
// sidecar-host binary.
//
// This package contains pure data structures with no external dependencies.
// Port, OutputEvent, ExitStatus and State describe the supervised worker
// process and the port it serves on. None of them are persisted; they
// live only for the lifetime of the host process.
//
// The package also defines exit codes (ExitCode), the sentinel error
// kinds used across the host, and a custom error type (CLIError) that
// carries an exit code for proper OS process exit handling.
package model
