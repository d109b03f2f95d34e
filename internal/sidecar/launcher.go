package sidecar

import (
	"context"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// Runtime names reported by Handle.Runtime.
const (
	RuntimeProcess   = "process"
	RuntimeContainer = "container"
)

// Spec is everything a Launcher needs to start one worker.
type Spec struct {
	// RunID uniquely identifies this launch (logs, container names, labels).
	RunID string

	// Args is the command-line contract; launchers pass Args.Argv() and
	// nothing else as the worker's arguments.
	Args Args

	// Env holds extra environment variables for the worker.
	Env map[string]string

	// Dir is the worker's working directory. Empty means inherit.
	Dir string
}

// Launcher starts a worker and returns a Handle for it.
//
// A Launcher must return only after the worker exists (process created,
// container started). The returned Handle's channel must deliver every
// output line, then exactly one EventExited, then close. EventError
// events should carry Err (model.ErrorEvent builds one); consumers treat
// a nil Err as model.ErrOutputChannel. The worker is stopped when ctx is
// cancelled.
//
// Failures must wrap model.ErrWorkerNotFound when the executable or
// image cannot be located, and model.ErrSidecarSpawn otherwise.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Handle, error)
}

// Handle is a started worker and its output channel.
type Handle struct {
	id      string
	runtime string
	pid     int
	events  <-chan model.OutputEvent
}

// NewHandle wraps a started worker. pid is 0 when the runtime has no
// host-visible process (containers).
func NewHandle(id, runtime string, pid int, events <-chan model.OutputEvent) *Handle {
	return &Handle{id: id, runtime: runtime, pid: pid, events: events}
}

// ID returns the launch's run ID.
func (h *Handle) ID() string { return h.id }

// Runtime returns RuntimeProcess or RuntimeContainer.
func (h *Handle) Runtime() string { return h.runtime }

// PID returns the worker's OS process ID, or 0.
func (h *Handle) PID() int { return h.pid }

// Events returns the worker's output channel.
func (h *Handle) Events() <-chan model.OutputEvent { return h.events }
