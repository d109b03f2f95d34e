package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

// stubAPI implements the parts of client.APIClient the launcher uses.
// Calling any other method panics through the nil embedded interface.
type stubAPI struct {
	client.APIClient

	createErr error
	startErr  error
	logs      []byte
	exitCode  int64
	list      []container.Summary
	removeErr map[string]error

	mu      sync.Mutex
	created *container.Config
	host    *container.HostConfig
	name    string
	removed []string
	stopped []string
}

func (s *stubAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return container.CreateResponse{}, s.createErr
	}
	s.created, s.host, s.name = cfg, host, name
	return container.CreateResponse{ID: "cid-1"}, nil
}

func (s *stubAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return s.startErr
}

func (s *stubAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.logs)), nil
}

func (s *stubAPI) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: s.exitCode}
	return statusCh, make(chan error)
}

func (s *stubAPI) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, id)
	return nil
}

func (s *stubAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removeErr[id]; err != nil {
		return err
	}
	s.removed = append(s.removed, id)
	return nil
}

func (s *stubAPI) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	return s.list, nil
}

func (s *stubAPI) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// muxLogs builds a multiplexed log stream as the daemon sends it.
func muxLogs(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if stdout != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
		require.NoError(t, err)
	}
	if stderr != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func newTestLauncher(api client.APIClient, image string) *Launcher {
	l := NewLauncher(NewClientFromAPI(api), image)
	l.hostPID = 4242
	l.now = func() time.Time { return time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC) }
	l.logger = log.Discard()
	return l
}

func drainHandle(t *testing.T, h *sidecar.Handle) []model.OutputEvent {
	t.Helper()
	var events []model.OutputEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event channel not closed")
		}
	}
}

func testSpec() sidecar.Spec {
	return sidecar.Spec{
		RunID: "run-1",
		Args:  sidecar.Args{Flag: sidecar.DefaultPortFlag, Port: 54321},
		Env:   map[string]string{"B": "2", "A": "1"},
		Dir:   "/app",
	}
}

func TestContainerConfig(t *testing.T) {
	labels := map[string]string{LabelManagedBy: ManagedByValue}
	cfg := ContainerConfig("renamer-api:latest", testSpec(), labels)

	assert.Equal(t, "renamer-api:latest", cfg.Image)
	assert.Equal(t, []string{"--port", "54321"}, []string(cfg.Cmd))
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
	assert.Equal(t, "/app", cfg.WorkingDir)
	assert.Equal(t, labels, cfg.Labels)
}

// TestLauncher_StreamsAndRemoves verifies the event stream of a container
// worker: its lines, the exit status, closure, then removal.
func TestLauncher_StreamsAndRemoves(t *testing.T) {
	api := &stubAPI{logs: muxLogs(t, "ready\nlistening\n", ""), exitCode: 0}
	l := newTestLauncher(api, "renamer-api:latest")

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, sidecar.RuntimeContainer, h.Runtime())
	assert.Equal(t, "run-1", h.ID())
	assert.Zero(t, h.PID())

	events := drainHandle(t, h)
	require.Len(t, events, 3)
	assert.Equal(t, "ready", string(events[0].Line))
	assert.Equal(t, "listening", string(events[1].Line))
	assert.Equal(t, model.EventExited, events[2].Kind)
	assert.True(t, events[2].Status.Success())

	assert.Equal(t, "sidecar-host-worker-run-1", api.name)
	assert.Equal(t, container.NetworkMode("host"), api.host.NetworkMode)
	assert.Equal(t, "54321", api.created.Labels[LabelPort])
	assert.Equal(t, "4242", api.created.Labels[LabelHostPID])
	assert.Equal(t, []string{"cid-1"}, api.Removed())
}

func TestLauncher_NonZeroExit(t *testing.T) {
	api := &stubAPI{logs: muxLogs(t, "", "Traceback\n"), exitCode: 1}
	l := newTestLauncher(api, "renamer-api:latest")

	h, err := l.Launch(context.Background(), testSpec())
	require.NoError(t, err)

	events := drainHandle(t, h)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventStderr, events[0].Kind)
	assert.Equal(t, "Traceback", string(events[0].Line))
	assert.Equal(t, 1, events[1].Status.Code)
}

// TestLauncher_ImageNotFound verifies that a missing image is the
// distinct "not found" kind.
func TestLauncher_ImageNotFound(t *testing.T) {
	api := &stubAPI{createErr: fmt.Errorf("No such image: renamer-api:latest: %w", cerrdefs.ErrNotFound)}
	l := newTestLauncher(api, "renamer-api:latest")

	_, err := l.Launch(context.Background(), testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrWorkerNotFound)
	assert.ErrorIs(t, err, model.ErrSidecarSpawn)
	assert.Equal(t, model.ExitWorkerNotFound, model.ExitCodeOf(err))
}

func TestLauncher_NoImage(t *testing.T) {
	_, err := newTestLauncher(&stubAPI{}, "").Launch(context.Background(), testSpec())
	assert.ErrorIs(t, err, model.ErrWorkerNotFound)
}

// TestLauncher_StartFailureCleansUp verifies that a container that could
// not start is removed and reported as a spawn error.
func TestLauncher_StartFailureCleansUp(t *testing.T) {
	api := &stubAPI{startErr: errors.New("port is already allocated")}
	l := newTestLauncher(api, "renamer-api:latest")

	_, err := l.Launch(context.Background(), testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSidecarSpawn)
	assert.NotErrorIs(t, err, model.ErrWorkerNotFound)
	assert.Equal(t, model.ExitSidecarSpawnFailed, model.ExitCodeOf(err))
	assert.Equal(t, []string{"cid-1"}, api.Removed())
}

// TestDemuxLogs_CorruptStream verifies that a frame with an unknown
// stream type is reported once after the lines decoded so far.
func TestDemuxLogs_CorruptStream(t *testing.T) {
	stream := append(muxLogs(t, "ok\n", ""), 0x07, 0, 0, 0, 0, 0, 0, 0x01, 'x')
	events := make(chan model.OutputEvent, 16)

	DemuxLogs(bytes.NewReader(stream), events)
	close(events)

	var got []model.OutputEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "ok", string(got[0].Line))
	assert.Equal(t, model.EventError, got[1].Kind)
	assert.ErrorIs(t, got[1].Err, model.ErrOutputChannel)
}

func TestContainerToInfo(t *testing.T) {
	info := containerToInfo(container.Summary{
		ID:     "cid-1",
		Names:  []string{"/sidecar-host-worker-run-1"},
		State:  "running",
		Labels: validLabels(),
	})

	assert.Equal(t, "cid-1", info.ContainerID)
	assert.Equal(t, "sidecar-host-worker-run-1", info.ContainerName)
	assert.Equal(t, "0b6f2d1e-run", info.RunID)
	assert.Equal(t, model.Port(54321), info.Port)
	assert.Equal(t, "running", info.Status)
}

func TestContainerToInfo_BadPortLabel(t *testing.T) {
	labels := validLabels()
	labels[LabelPort] = "nope"

	info := containerToInfo(container.Summary{ID: "cid-2", Labels: labels})
	assert.Equal(t, model.NoPort, info.Port)
	assert.Empty(t, info.ContainerName)
}

// TestReapStale verifies that every listed container is removed, that a
// container already gone counts as removed, and that real failures are
// returned without stopping the sweep.
func TestReapStale(t *testing.T) {
	stubProcessAlive(t, func(int) bool { return false })
	api := &stubAPI{
		list: []container.Summary{
			{ID: "a", Labels: validLabels()},
			{ID: "b", Labels: validLabels()},
			{ID: "c", Labels: validLabels()},
		},
		removeErr: map[string]error{
			"b": errors.New("device busy"),
			"c": fmt.Errorf("gone: %w", cerrdefs.ErrNotFound),
		},
	}

	removed, skipped, err := ReapStale(context.Background(), NewClientFromAPI(api))
	require.Error(t, err)
	assert.Empty(t, skipped)
	assert.Contains(t, err.Error(), "device busy")

	var ids []string
	for _, r := range removed {
		ids = append(ids, r.ContainerID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func stubProcessAlive(t *testing.T, alive func(int) bool) {
	t.Helper()
	orig := processAlive
	processAlive = alive
	t.Cleanup(func() { processAlive = orig })
}

// TestReapStale_SkipsLiveHosts verifies that a container whose host is
// still running is left alone, even though the caller holds its own lock.
func TestReapStale_SkipsLiveHosts(t *testing.T) {
	stubProcessAlive(t, func(pid int) bool { return pid == 4242 })

	dead := validLabels()
	dead[LabelHostPID] = "5151"
	broken := validLabels()
	delete(broken, LabelCreatedAt)

	api := &stubAPI{list: []container.Summary{
		{ID: "live", Labels: validLabels()},
		{ID: "dead", Labels: dead},
		{ID: "broken", Labels: broken},
	}}

	removed, skipped, err := ReapStale(context.Background(), NewClientFromAPI(api))
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "live", skipped[0].ContainerID)
	assert.Len(t, removed, 2)
	assert.Equal(t, []string{"dead", "broken"}, api.Removed())
}

func TestHostProcessAlive(t *testing.T) {
	assert.True(t, hostProcessAlive(os.Getpid()))
	assert.False(t, hostProcessAlive(0))
	assert.False(t, hostProcessAlive(-1))
}
