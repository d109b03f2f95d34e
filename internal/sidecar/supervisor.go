package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// Options configures a Supervisor. Zero values select the defaults.
type Options struct {
	// Flag is the port flag token. Defaults to DefaultPortFlag.
	Flag string

	// Env holds extra environment variables for the worker.
	Env map[string]string

	// Dir is the worker's working directory.
	Dir string

	// Stdout and Stderr receive the worker's output lines. They default to
	// LogSink at INFO and WARN respectively.
	Stdout Sink
	Stderr Sink

	// Logger defaults to log.WithComponent("sidecar").
	Logger *slog.Logger
}

// Supervisor owns exactly one worker and its event stream.
type Supervisor struct {
	launcher Launcher
	flag     string
	env      map[string]string
	dir      string
	stdout   Sink
	stderr   Sink
	logger   *slog.Logger

	mu     sync.Mutex
	state  model.State
	handle *Handle
	exit   *model.ExitStatus
}

// NewSupervisor creates a Supervisor in the not-started state.
func NewSupervisor(launcher Launcher, opts Options) *Supervisor {
	if opts.Flag == "" {
		opts.Flag = DefaultPortFlag
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("sidecar")
	}

	return &Supervisor{
		launcher: launcher,
		flag:     opts.Flag,
		env:      opts.Env,
		dir:      opts.Dir,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		logger:   opts.Logger,
		state:    model.StateNotStarted,
	}
}

// Spawn starts the worker with port as its only argument pair.
//
// The supervisor moves to spawning for the duration of the launch and to
// running once the launcher returns a handle. A failed launch puts it back
// to not-started. Spawn may succeed at most once per Supervisor; later
// calls return model.ErrAlreadyRunning.
//
// ctx bounds the worker's lifetime, not just the launch.
func (s *Supervisor) Spawn(ctx context.Context, port model.Port) (*Handle, error) {
	args := Args{Flag: s.flag, Port: port}
	if err := args.Validate(); err != nil {
		return nil, model.KindError(model.ExitSidecarSpawnFailed, model.ErrSidecarSpawn,
			"invalid worker arguments", err)
	}

	s.mu.Lock()
	if s.state != model.StateNotStarted {
		state := s.state
		s.mu.Unlock()
		return nil, model.KindError(model.ExitAlreadyRunning, model.ErrAlreadyRunning,
			fmt.Sprintf("worker already %s", state), nil)
	}
	s.state = model.StateSpawning
	s.mu.Unlock()

	runID := uuid.NewString()
	logger := log.WithRun(s.logger, runID)
	logger.Debug("spawning worker", slog.Any("argv", args.Argv()))

	h, err := s.launcher.Launch(ctx, Spec{RunID: runID, Args: args, Env: s.env, Dir: s.dir})
	if err != nil {
		s.mu.Lock()
		s.state = model.StateNotStarted
		s.mu.Unlock()
		logger.Error("worker spawn failed", slog.String("error", err.Error()))
		return nil, err
	}

	s.mu.Lock()
	s.state = model.StateRunning
	s.handle = h
	s.mu.Unlock()

	logger.Info("worker started",
		slog.String("runtime", h.Runtime()),
		slog.Int("pid", h.PID()),
		slog.Int("port", int(port)),
	)
	return h, nil
}

// Drain consumes h's events until the channel closes, then marks the
// worker exited. Stdout and stderr lines go to their sinks in the order
// they were received; stream errors are logged and skipped; unknown
// events are ignored. Drain has no cancellation of its own: it returns
// when the worker is gone and its output consumed.
func (s *Supervisor) Drain(h *Handle) {
	logger := log.WithRun(s.logger, h.ID())
	stdout, stderr := s.sinks(logger)

	for ev := range h.Events() {
		switch ev.Kind {
		case model.EventStdout:
			stdout.WriteLine(ev.Line)
		case model.EventStderr:
			stderr.WriteLine(ev.Line)
		case model.EventExited:
			status := ev.Status
			s.mu.Lock()
			s.exit = &status
			s.mu.Unlock()
			if status.Success() {
				logger.Info("worker exited", slog.String("status", status.String()))
			} else {
				logger.Warn("worker exited", slog.String("status", status.String()))
			}
		case model.EventError:
			streamErr := ev.Err
			if streamErr == nil {
				streamErr = model.ErrOutputChannel
			}
			logger.Warn("worker output error", slog.String("error", streamErr.Error()))
		}
	}

	s.mu.Lock()
	s.state = model.StateExited
	s.mu.Unlock()
}

func (s *Supervisor) sinks(logger *slog.Logger) (Sink, Sink) {
	stdout, stderr := s.stdout, s.stderr
	if stdout == nil {
		stdout = NewLogSink(logger, slog.LevelInfo, string(model.EventStdout))
	}
	if stderr == nil {
		stderr = NewLogSink(logger, slog.LevelWarn, string(model.EventStderr))
	}
	return stdout, stderr
}

// State returns the worker's lifecycle state.
func (s *Supervisor) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitStatus returns the worker's exit status once Drain has seen it.
func (s *Supervisor) ExitStatus() (model.ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return model.ExitStatus{}, false
	}
	return *s.exit, true
}

// Handle returns the running worker's handle, or nil before a successful
// Spawn.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}
