package model

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Functions that fail with one of these kinds wrap
// it (usually inside a CLIError), so callers test with errors.Is.
var (
	// ErrPortAllocation means no ephemeral port could be bound.
	ErrPortAllocation = errors.New("port allocation failed")

	// ErrPortAlreadySet means the shared port cell was already initialized.
	ErrPortAlreadySet = errors.New("port already initialized")

	// ErrSidecarSpawn means the operating system (or container runtime)
	// refused to create the worker.
	ErrSidecarSpawn = errors.New("sidecar spawn failed")

	// ErrWorkerNotFound means the worker executable (or image) could not
	// be located. It is a spawn failure too: errors.Is(ErrWorkerNotFound,
	// ErrSidecarSpawn) holds.
	ErrWorkerNotFound error = &subKind{msg: "worker executable not found", parent: ErrSidecarSpawn}

	// ErrOutputChannel marks a malformed or interrupted worker output stream.
	ErrOutputChannel = errors.New("output channel error")

	// ErrAlreadyRunning means another host instance holds the instance lock.
	ErrAlreadyRunning = errors.New("host already running")

	// ErrConfigInvalid means the host configuration failed validation.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// subKind is a sentinel that also matches a broader parent sentinel.
type subKind struct {
	msg    string
	parent error
}

func (k *subKind) Error() string { return k.msg }
func (k *subKind) Unwrap() error { return k.parent }

// ExitCode defines standard CLI exit codes.
// These codes allow scripts and CI systems to programmatically determine
// the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigInvalid indicates the configuration file or flags were invalid.
	ExitConfigInvalid ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible
	// (container runtime only).
	ExitDockerNotRunning ExitCode = 3

	// ExitPortAllocationFailed indicates no free port could be obtained.
	ExitPortAllocationFailed ExitCode = 4

	// ExitWorkerNotFound indicates the worker executable or image is missing.
	ExitWorkerNotFound ExitCode = 5

	// ExitSidecarSpawnFailed indicates the worker could not be started.
	ExitSidecarSpawnFailed ExitCode = 6

	// ExitAlreadyRunning indicates another host instance holds the lock.
	ExitAlreadyRunning ExitCode = 7

	// ExitWorkerFailed indicates the worker exited with a non-zero status
	// while the host was waiting on it.
	ExitWorkerFailed ExitCode = 8

	// ExitHostUnreachable indicates the control endpoint of a running
	// host could not be queried.
	ExitHostUnreachable ExitCode = 9
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// KindError creates a CLIError whose chain contains both the sentinel
// kind and the underlying cause, so errors.Is matches either.
// A nil cause yields a chain holding only the kind.
func KindError(code ExitCode, kind error, message string, cause error) *CLIError {
	if cause == nil {
		return &CLIError{Code: code, Message: message, Err: kind}
	}
	return &CLIError{Code: code, Message: message, Err: fmt.Errorf("%w: %w", kind, cause)}
}

// ExitCodeOf returns the exit code carried by err, ExitSuccess for nil,
// and ExitGeneralError for errors without a CLIError in their chain.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	return ExitGeneralError
}
