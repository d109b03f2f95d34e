// Package model defines the domain types for the sidecar-host binary.
//
// These types are passed between the port allocator, the sidecar
// supervisor, the launchers and the facade. They are transient: the
// host reconstructs nothing from disk on startup.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Port is a TCP port number. The zero value is the sentinel meaning
// "not yet allocated"; valid published ports are 1-65535.
type Port uint16

// NoPort is the sentinel returned by readers before a port is published.
const NoPort Port = 0

// String returns the decimal representation of the port. This is the
// exact token handed to the worker on its command line.
func (p Port) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// IsSet reports whether p holds a real port rather than the sentinel.
func (p Port) IsSet() bool {
	return p != NoPort
}

// ParsePort converts a decimal string into a Port.
// Returns an error for non-numeric input, 0, or values above 65535.
func ParsePort(s string) (Port, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return NoPort, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if n == 0 {
		return NoPort, fmt.Errorf("invalid port %q: must be in range 1-65535", s)
	}
	return Port(n), nil
}

// State represents the lifecycle state of the supervised worker.
// The state transitions are:
//
//	NotStarted → Spawning → Running → Exited
//
// There is no restarting state: a worker that exits stays exited.
type State string

const (
	// StateNotStarted is the initial state, and the state the supervisor
	// returns to when a launch attempt fails.
	StateNotStarted State = "not-started"

	// StateSpawning covers the window between the spawn request and the
	// operating system confirming the process (or container) exists.
	StateSpawning State = "spawning"

	// StateRunning means the worker exists and its output is being drained.
	StateRunning State = "running"

	// StateExited means the worker's event channel has closed.
	StateExited State = "exited"
)

// String returns the string representation of State.
func (s State) String() string {
	return string(s)
}

// IsValid checks whether the State value is one of the defined states.
func (s State) IsValid() bool {
	switch s {
	case StateNotStarted, StateSpawning, StateRunning, StateExited:
		return true
	default:
		return false
	}
}

// EventKind tags an OutputEvent.
type EventKind string

const (
	// EventStdout carries one line written by the worker to standard output.
	EventStdout EventKind = "stdout"

	// EventStderr carries one line written by the worker to standard error.
	EventStderr EventKind = "stderr"

	// EventExited is the final event on a channel. It carries the worker's
	// exit status so a crash can be told apart from a clean exit.
	EventExited EventKind = "exited"

	// EventError reports a malformed or interrupted output stream
	// (an over-long line, a broken pipe). The stream may continue.
	EventError EventKind = "error"
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	return string(k)
}

// OutputEvent is a single item on a worker's output channel.
//
// Which fields are meaningful depends on Kind:
//   - EventStdout / EventStderr: Line holds the line without its terminator.
//   - EventExited: Status holds the exit status.
//   - EventError: Err holds the stream error.
//
// Events with any other Kind are ignored by consumers.
type OutputEvent struct {
	Kind   EventKind
	Line   []byte
	Status ExitStatus
	Err    error
}

// StdoutEvent builds an EventStdout event.
func StdoutEvent(line []byte) OutputEvent {
	return OutputEvent{Kind: EventStdout, Line: line}
}

// StderrEvent builds an EventStderr event.
func StderrEvent(line []byte) OutputEvent {
	return OutputEvent{Kind: EventStderr, Line: line}
}

// ExitedEvent builds an EventExited event.
func ExitedEvent(status ExitStatus) OutputEvent {
	return OutputEvent{Kind: EventExited, Status: status}
}

// ErrorEvent builds an EventError event. The error is wrapped so that
// errors.Is(ev.Err, ErrOutputChannel) holds.
func ErrorEvent(err error) OutputEvent {
	return OutputEvent{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrOutputChannel, err)}
}

// ExitStatus describes how a worker terminated.
type ExitStatus struct {
	// Code is the process exit code. It is -1 when the worker was killed
	// by a signal or its status could not be collected.
	Code int `json:"code"`

	// Signal names the terminating signal, if any (e.g. "killed").
	Signal string `json:"signal,omitempty"`
}

// Success reports whether the worker exited with code 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// String returns a short human-readable form such as "exit 0" or
// "signal: killed".
func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// ContainerInfo describes a worker container found on the Docker host.
type ContainerInfo struct {
	// ContainerID is the full Docker container ID.
	ContainerID string `json:"containerId"`

	// ContainerName is the name without Docker's leading "/".
	ContainerName string `json:"containerName"`

	// RunID is the launch that created the container, from its labels.
	RunID string `json:"runId"`

	// Port is the port the worker was started with, or NoPort when the
	// label is missing or malformed.
	Port Port `json:"port"`

	// Status is Docker's short state ("running", "exited", ...).
	Status string `json:"status"`

	// Labels holds all Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`
}
