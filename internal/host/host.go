package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shinji-kodama/sidecar-host/internal/config"
	"github.com/shinji-kodama/sidecar-host/internal/docker"
	"github.com/shinji-kodama/sidecar-host/internal/facade"
	"github.com/shinji-kodama/sidecar-host/internal/lock"
	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/port"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

// Options configures a Host. Only Config is required.
type Options struct {
	Config *config.Config

	// Launcher overrides the launcher built from Config.Worker.Runtime.
	Launcher sidecar.Launcher

	// Resolver locates the worker executable for the process runtime.
	// Defaults to sidecar.DefaultResolver().
	Resolver *sidecar.Resolver

	// Stdout and Stderr receive worker output; see sidecar.Options.
	Stdout sidecar.Sink
	Stderr sidecar.Sink

	Logger *slog.Logger
}

// Host owns the lock, the shared port, the worker and the control surface.
type Host struct {
	cfg    *config.Config
	opts   Options
	base   *slog.Logger
	logger *slog.Logger

	shared     *port.Shared
	facade     *facade.Facade
	supervisor atomic.Pointer[sidecar.Supervisor]

	lock         *lock.Lock
	dockerClient *docker.Client
	controlAddr  string

	cancelWorker context.CancelFunc
	drained      chan struct{}

	cancelServer context.CancelFunc
	serverDone   chan struct{}
	serverErr    error

	closeOnce sync.Once
	closeErr  error
}

// New creates a Host. Nothing happens until Start.
func New(opts Options) *Host {
	base := opts.Logger
	if base == nil {
		base = log.Get()
	}
	shared := port.NewShared()
	return &Host{
		cfg:    opts.Config,
		opts:   opts,
		base:   base,
		logger: base.With(slog.String("component", "host")),
		shared: shared,
		facade: facade.New(shared),
	}
}

// Facade returns the port query facade. It answers model.NoPort until
// Start has allocated the port.
func (h *Host) Facade() *facade.Facade { return h.facade }

// ControlAddr returns the bound control surface address, or "" when the
// surface is disabled or the host has not started.
func (h *Host) ControlAddr() string { return h.controlAddr }

// State returns the worker's lifecycle state.
func (h *Host) State() model.State {
	s := h.supervisor.Load()
	if s == nil {
		return model.StateNotStarted
	}
	return s.State()
}

// WorkerDone is closed once the worker has exited and its output has
// been drained. It is nil before a successful Start.
func (h *Host) WorkerDone() <-chan struct{} { return h.drained }

// Start runs the startup sequence. ctx bounds the worker: cancelling it
// stops the worker. On error everything Start acquired is released.
func (h *Host) Start(ctx context.Context) (err error) {
	if h.cfg == nil {
		return model.NewCLIError(model.ExitConfigInvalid, "host started without configuration")
	}
	defer func() {
		if err != nil {
			if cerr := h.Close(); cerr != nil {
				h.logger.Warn("cleanup after failed start", slog.String("error", cerr.Error()))
			}
		}
	}()

	h.lock, err = lock.Acquire(h.cfg.Lock.Path)
	if err != nil {
		return err
	}
	h.logger.Debug("instance lock acquired", slog.String("path", h.lock.Path()))

	allocator := port.NewAllocator(port.NewScanner(), h.cfg.Network.BindHost)
	p, err := allocator.Allocate(h.cfg.RequestedPort())
	if err != nil {
		return err
	}
	if err := h.shared.Initialize(p); err != nil {
		return model.KindError(model.ExitPortAllocationFailed, model.ErrPortAllocation,
			"failed to publish worker port", err)
	}
	h.logger.Info("worker port allocated", slog.Int("port", int(p)), slog.String("bind_host", allocator.Host()))

	if h.cfg.ControlEnabled() {
		server := facade.NewServer(h.facade, facade.ServerOptions{
			BindHost: h.cfg.Network.BindHost,
			State:    h.State,
			Logger:   h.base.With(slog.String("component", "facade")),
		})
		addr, err := server.Listen(h.cfg.Control.Addr)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to bind control surface", err)
		}
		h.controlAddr = addr.String()

		serverCtx, cancelServer := context.WithCancel(context.WithoutCancel(ctx))
		h.cancelServer = cancelServer
		h.serverDone = make(chan struct{})
		go func() {
			defer close(h.serverDone)
			h.serverErr = server.Serve(serverCtx)
		}()
	}

	launcher, err := h.launcher(ctx)
	if err != nil {
		return err
	}
	supervisor := sidecar.NewSupervisor(launcher, sidecar.Options{
		Flag:   h.cfg.Worker.Flag,
		Env:    h.cfg.Worker.Env,
		Dir:    h.cfg.Worker.Dir,
		Stdout: h.opts.Stdout,
		Stderr: h.opts.Stderr,
		Logger: h.base.With(slog.String("component", "sidecar")),
	})
	h.supervisor.Store(supervisor)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	h.cancelWorker = cancelWorker
	handle, err := supervisor.Spawn(workerCtx, p)
	if err != nil {
		return err
	}

	h.drained = make(chan struct{})
	go func() {
		defer close(h.drained)
		supervisor.Drain(handle)
	}()

	if err := h.lock.Publish(lock.Info{
		PID:         os.Getpid(),
		Port:        p,
		ControlAddr: h.controlAddr,
		RunID:       handle.ID(),
		StartedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("publish instance info: %w", err)
	}

	return nil
}

// launcher returns the injected launcher or builds one for the
// configured runtime.
func (h *Host) launcher(ctx context.Context) (sidecar.Launcher, error) {
	if h.opts.Launcher != nil {
		return h.opts.Launcher, nil
	}

	switch h.cfg.Worker.Runtime {
	case config.RuntimeContainer:
		c, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		h.dockerClient = c
		if err := c.Ping(ctx); err != nil {
			return nil, err
		}
		return docker.NewLauncher(c, h.cfg.Worker.Image), nil
	default:
		return sidecar.NewProcessLauncher(h.cfg.WorkerExecutable(), h.opts.Resolver), nil
	}
}

// Wait blocks until ctx is done or, when exitWithWorker is set, the
// worker has exited. A worker that exits unsuccessfully is reported as
// ExitWorkerFailed. A control surface that stops serving is an error
// too.
func (h *Host) Wait(ctx context.Context, exitWithWorker bool) error {
	var workerDone <-chan struct{}
	if exitWithWorker {
		workerDone = h.drained
	}

	select {
	case <-ctx.Done():
		return nil
	case <-workerDone:
		status, ok := h.supervisor.Load().ExitStatus()
		if !ok {
			return model.NewCLIError(model.ExitWorkerFailed, "worker output closed without an exit status")
		}
		if !status.Success() {
			return model.NewCLIError(model.ExitWorkerFailed, fmt.Sprintf("worker exited unexpectedly (%s)", status))
		}
		return nil
	case <-h.serverDone:
		if h.serverErr != nil {
			return h.serverErr
		}
		return errors.New("control surface stopped")
	}
}

// Run starts the host, waits, then closes it.
func (h *Host) Run(ctx context.Context, exitWithWorker bool) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	waitErr := h.Wait(ctx, exitWithWorker)
	return errors.Join(waitErr, h.Close())
}

// Close stops the worker, waits for its output to drain, stops the
// control surface and releases the lock. Safe to call more than once.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		var errs []error

		if h.cancelWorker != nil {
			h.cancelWorker()
		}
		if h.drained != nil {
			<-h.drained
		}

		if h.cancelServer != nil {
			h.cancelServer()
			<-h.serverDone
			if h.serverErr != nil {
				h.logger.Warn("control surface stopped with error", slog.String("error", h.serverErr.Error()))
			}
		}

		if h.dockerClient != nil {
			if err := h.dockerClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close docker client: %w", err))
			}
		}

		if err := h.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release instance lock: %w", err))
		}

		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}
