package host

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sidecar-host/internal/config"
	"github.com/shinji-kodama/sidecar-host/internal/facade"
	"github.com/shinji-kodama/sidecar-host/internal/lock"
	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/port"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

const fakeWorkerEnv = "HOST_TEST_WORKER"

// TestMain lets the test binary double as the worker.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeWorkerEnv); mode != "" {
		os.Exit(runFakeWorker(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runFakeWorker modes:
//
//	ready   print "ready" and "listening", exit 0
//	fail    print "boom" on stderr, exit 3
//	serve   listen on 127.0.0.1:<port> until killed
func runFakeWorker(mode string, args []string) int {
	switch mode {
	case "ready":
		fmt.Println("ready")
		fmt.Println("listening")
		return 0
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		return 3
	case "serve":
		if len(args) != 2 {
			return 2
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", args[1]))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer ln.Close()
		fmt.Println("listening")
		for {
			conn, err := ln.Accept()
			if err != nil {
				return 0
			}
			_ = conn.Close()
		}
	default:
		return 2
	}
}

type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) WriteLine(line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, string(line))
}

func (l *lines) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Worker.Path = exe
	cfg.Worker.Env = map[string]string{fakeWorkerEnv: mode}
	cfg.Lock.Path = filepath.Join(t.TempDir(), "host.lock")
	require.NoError(t, cfg.Check())
	return &cfg
}

func newTestHost(cfg *config.Config, stdout, stderr sidecar.Sink) *Host {
	return New(Options{Config: cfg, Stdout: stdout, Stderr: stderr, Logger: log.Discard()})
}

// TestHost_StartServesPort runs the full startup sequence against a
// worker that binds its port, then queries the port three ways.
func TestHost_StartServesPort(t *testing.T) {
	cfg := testConfig(t, "serve")
	h := newTestHost(cfg, nil, nil)

	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	p := h.Facade().GetAPIPort()
	require.True(t, p.IsSet())
	assert.Equal(t, model.StateRunning, h.State())

	require.NotEmpty(t, h.ControlAddr())
	got, err := facade.QueryPort(context.Background(), h.ControlAddr())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	info, err := lock.ReadInfo(cfg.Lock.Path)
	require.NoError(t, err)
	assert.Equal(t, p, info.Port)
	assert.Equal(t, h.ControlAddr(), info.ControlAddr)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.NotEmpty(t, info.RunID)

	scanner := port.NewScanner()
	assert.Eventually(t, func() bool {
		return scanner.IsListening(context.Background(), "127.0.0.1", p)
	}, 10*time.Second, 50*time.Millisecond, "worker never bound its port")

	require.NoError(t, h.Close())
	assert.Equal(t, model.StateExited, h.State())

	_, err = lock.ReadInfo(cfg.Lock.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	again, err := lock.Acquire(cfg.Lock.Path)
	require.NoError(t, err, "lock must be free after Close")
	require.NoError(t, again.Release())
}

// TestHost_RunExitsWithWorker verifies that a worker exiting cleanly ends
// Run without error after all its output was delivered.
func TestHost_RunExitsWithWorker(t *testing.T) {
	stdout := &lines{}
	h := newTestHost(testConfig(t, "ready"), stdout, nil)

	require.NoError(t, h.Run(context.Background(), true))
	assert.Equal(t, []string{"ready", "listening"}, stdout.Lines())
	assert.Equal(t, model.StateExited, h.State())
}

func TestHost_RunWorkerFails(t *testing.T) {
	stderr := &lines{}
	h := newTestHost(testConfig(t, "fail"), nil, stderr)

	err := h.Run(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, model.ExitWorkerFailed, model.ExitCodeOf(err))
	assert.Contains(t, err.Error(), "exit 3")
	assert.Equal(t, []string{"boom"}, stderr.Lines())
}

// TestHost_RunStopsOnCancel verifies that cancelling the host's context
// stops a worker that would otherwise run forever.
func TestHost_RunStopsOnCancel(t *testing.T) {
	h := newTestHost(testConfig(t, "serve"), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, true) }()

	require.Eventually(t, func() bool {
		return h.State() == model.StateRunning
	}, 10*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, model.StateExited, h.State())
}

// TestHost_MissingWorker verifies that a worker that cannot be found
// aborts the start, keeps the published port and frees the lock.
func TestHost_MissingWorker(t *testing.T) {
	cfg := testConfig(t, "ready")
	cfg.Worker.Path = filepath.Join(t.TempDir(), "renamer-api")
	h := newTestHost(cfg, nil, nil)

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrWorkerNotFound)
	assert.Equal(t, model.ExitWorkerNotFound, model.ExitCodeOf(err))
	assert.True(t, h.Facade().GetAPIPort().IsSet())
	assert.Equal(t, model.StateNotStarted, h.State())
	assert.Nil(t, h.WorkerDone())

	l, err := lock.Acquire(cfg.Lock.Path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestHost_SecondInstanceRefused(t *testing.T) {
	cfg := testConfig(t, "ready")
	held, err := lock.Acquire(cfg.Lock.Path)
	require.NoError(t, err)
	defer held.Release()

	h := newTestHost(cfg, nil, nil)
	err = h.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
	assert.Equal(t, model.NoPort, h.Facade().GetAPIPort(), "nothing allocated before the lock")
}

func TestHost_FixedPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, "ready")
	cfg.Network.Port = ln.Addr().(*net.TCPAddr).Port
	h := newTestHost(cfg, nil, nil)

	err = h.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPortAllocation)
	assert.Equal(t, model.ExitPortAllocationFailed, model.ExitCodeOf(err))
}

func TestHost_ControlDisabled(t *testing.T) {
	cfg := testConfig(t, "ready")
	cfg.Control.Addr = ""
	h := newTestHost(cfg, nil, nil)

	require.NoError(t, h.Run(context.Background(), true))
	assert.Empty(t, h.ControlAddr())
}

// exitedLauncher hands out a worker that has already exited.
type exitedLauncher struct {
	status model.ExitStatus
}

func (l exitedLauncher) Launch(_ context.Context, spec sidecar.Spec) (*sidecar.Handle, error) {
	events := make(chan model.OutputEvent, 1)
	events <- model.ExitedEvent(l.status)
	close(events)
	return sidecar.NewHandle(spec.RunID, sidecar.RuntimeProcess, 0, events), nil
}

// TestHost_WaitIgnoresWorkerWhenNotExiting verifies that without
// exit-with-worker the host keeps serving the port after the worker is
// gone, until its context ends.
func TestHost_WaitIgnoresWorkerWhenNotExiting(t *testing.T) {
	cfg := testConfig(t, "ready")
	h := New(Options{Config: cfg, Launcher: exitedLauncher{status: model.ExitStatus{Code: 1}}, Logger: log.Discard()})

	require.NoError(t, h.Start(context.Background()))
	defer h.Close()
	<-h.WorkerDone()

	got, err := facade.QueryPort(context.Background(), h.ControlAddr())
	require.NoError(t, err)
	assert.Equal(t, h.Facade().GetAPIPort(), got)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, h.Wait(ctx, false))
	assert.Equal(t, model.ExitWorkerFailed, model.ExitCodeOf(h.Wait(context.Background(), true)))
}

func TestHost_NoConfig(t *testing.T) {
	err := New(Options{Logger: log.Discard()}).Start(context.Background())
	assert.Equal(t, model.ExitConfigInvalid, model.ExitCodeOf(err))
}
