// container.go runs the worker as a Docker container. It is the container
// counterpart of sidecar.ProcessLauncher: same argv contract, same event
// stream, with the image's entrypoint standing in for the executable.
//
// Worker containers are found again through their labels, so leftovers
// from a crashed host can be listed and removed (ReapStale).
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

const (
	// stopTimeoutSeconds is how long a stopped worker container gets
	// before Docker kills it.
	stopTimeoutSeconds = 5

	// cleanupTimeout bounds the stop, wait and remove calls made after the
	// launch context may already be cancelled.
	cleanupTimeout = 30 * time.Second

	eventBuffer = 64
)

// Launcher starts the worker from a Docker image.
//
// The container runs with host networking so the worker's bind on the
// allocated port is reachable exactly as a local process would be. The
// image's ENTRYPOINT must be the worker; Launch sets CMD to the argv.
type Launcher struct {
	client  *Client
	image   string
	hostPID int
	now     func() time.Time
	logger  *slog.Logger
}

// NewLauncher creates a Launcher for image.
func NewLauncher(c *Client, image string) *Launcher {
	return &Launcher{
		client:  c,
		image:   image,
		hostPID: os.Getpid(),
		now:     time.Now,
		logger:  log.WithComponent("docker"),
	}
}

// Launch creates and starts the worker container and begins streaming
// its logs into the handle's channel.
//
// A missing image is reported as model.ErrWorkerNotFound; the image is
// never pulled. Any other daemon error is model.ErrSidecarSpawn.
// Cancelling ctx stops the container; it is removed once it has exited.
func (l *Launcher) Launch(ctx context.Context, spec sidecar.Spec) (*sidecar.Handle, error) {
	if l.image == "" {
		return nil, model.KindError(model.ExitWorkerNotFound, model.ErrWorkerNotFound,
			"no worker image configured for the container runtime", nil)
	}

	labels := BuildLabels(WorkerLabels{
		RunID:     spec.RunID,
		Port:      spec.Args.Port,
		HostPID:   l.hostPID,
		CreatedAt: l.now(),
	})
	api := l.client.Inner()

	resp, err := api.ContainerCreate(ctx,
		ContainerConfig(l.image, spec, labels),
		&container.HostConfig{NetworkMode: "host"},
		nil, nil,
		ContainerName(spec.RunID),
	)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, model.KindError(model.ExitWorkerNotFound, model.ErrWorkerNotFound,
				fmt.Sprintf("worker image %q not found locally", l.image), err)
		}
		return nil, model.KindError(model.ExitSidecarSpawnFailed, model.ErrSidecarSpawn,
			"failed to create worker container", err)
	}

	if err := api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.remove(resp.ID)
		return nil, model.KindError(model.ExitSidecarSpawnFailed, model.ErrSidecarSpawn,
			fmt.Sprintf("failed to start worker container %q", ContainerName(spec.RunID)), err)
	}

	// The log stream must outlive ctx so output written during shutdown
	// is still delivered; it ends when the container stops.
	logs, err := api.ContainerLogs(context.WithoutCancel(ctx), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		l.remove(resp.ID)
		return nil, model.KindError(model.ExitSidecarSpawnFailed, model.ErrSidecarSpawn,
			"failed to attach to worker container logs", err)
	}

	events := make(chan model.OutputEvent, eventBuffer)
	go l.pump(ctx, resp.ID, logs, events)

	return sidecar.NewHandle(spec.RunID, sidecar.RuntimeContainer, 0, events), nil
}

// ContainerConfig builds the container configuration for one launch.
func ContainerConfig(image string, spec sidecar.Spec, labels map[string]string) *container.Config {
	return &container.Config{
		Image:      image,
		Cmd:        spec.Args.Argv(),
		Env:        envList(spec.Env),
		WorkingDir: spec.Dir,
		Labels:     labels,
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// pump forwards the container's output, then its exit status, then
// removes the container and closes events.
func (l *Launcher) pump(ctx context.Context, id string, logs io.ReadCloser, events chan<- model.OutputEvent) {
	defer close(events)

	stop := context.AfterFunc(ctx, func() { l.stop(id) })
	defer stop()

	DemuxLogs(logs, events)
	logs.Close()

	status, err := l.wait(id)
	if err != nil {
		events <- model.ErrorEvent(err)
	}
	events <- model.ExitedEvent(status)

	l.remove(id)
}

// DemuxLogs splits a multiplexed Docker log stream into stdout and stderr
// line events. It returns once r is exhausted and every line was sent. A
// corrupt stream is reported as one EventError after the lines read so
// far.
func DemuxLogs(r io.Reader, events chan<- model.OutputEvent) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sidecar.ReadLines(outR, sidecar.MaxLineBytes, model.StdoutEvent, events)
	}()
	go func() {
		defer wg.Done()
		sidecar.ReadLines(errR, sidecar.MaxLineBytes, model.StderrEvent, events)
	}()

	_, copyErr := stdcopy.StdCopy(outW, errW, r)
	outW.Close()
	errW.Close()
	wg.Wait()

	if copyErr != nil {
		events <- model.ErrorEvent(copyErr)
	}
}

// wait returns the exit status of a container that is no longer running.
func (l *Launcher) wait(id string) (model.ExitStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	statusCh, errCh := l.client.Inner().ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-statusCh:
		status := model.ExitStatus{Code: int(resp.StatusCode)}
		if resp.Error != nil && resp.Error.Message != "" {
			return status, errors.New(resp.Error.Message)
		}
		return status, nil
	case err := <-errCh:
		return model.ExitStatus{Code: -1}, fmt.Errorf("waiting for worker container: %w", err)
	}
}

func (l *Launcher) stop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := StopContainer(ctx, l.client, id, stopTimeoutSeconds); err != nil {
		l.logger.Warn("failed to stop worker container", slog.String("container", id), slog.String("error", err.Error()))
	}
}

func (l *Launcher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := RemoveContainer(ctx, l.client, id, true); err != nil {
		l.logger.Warn("failed to remove worker container", slog.String("container", id), slog.String("error", err.Error()))
	}
}

// ListManagedContainers returns every container, running or not, that
// carries the sidecar-host management label.
func ListManagedContainers(ctx context.Context, c *Client) ([]model.ContainerInfo, error) {
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)

	containers, err := c.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, s := range containers {
		result = append(result, containerToInfo(s))
	}
	return result, nil
}

// containerToInfo maps an SDK summary to the domain type. Malformed
// labels leave RunID and Port empty rather than failing the listing.
func containerToInfo(s container.Summary) model.ContainerInfo {
	name := ""
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}

	info := model.ContainerInfo{
		ContainerID:   s.ID,
		ContainerName: name,
		RunID:         s.Labels[LabelRunID],
		Status:        string(s.State),
		Labels:        s.Labels,
	}
	if p, err := model.ParsePort(s.Labels[LabelPort]); err == nil {
		info.Port = p
	}
	return info
}

// processAlive is replaced in tests.
var processAlive = hostProcessAlive

// ReapStale force-removes every managed worker container whose host
// process is gone and returns the ones it removed and the ones it
// skipped. A container whose host-pid label names a live process is
// skipped, which protects hosts running under a different instance lock.
// Containers with unreadable labels are treated as stale. Callers should
// also hold the instance lock.
//
// A recycled pid makes a stale container look live; it is then left for
// a later reap.
func ReapStale(ctx context.Context, c *Client) (removed, skipped []model.ContainerInfo, err error) {
	containers, err := ListManagedContainers(ctx, c)
	if err != nil {
		return nil, nil, err
	}

	var errs []error
	for _, info := range containers {
		if w, perr := ParseLabels(info.Labels); perr == nil && processAlive(w.HostPID) {
			skipped = append(skipped, info)
			continue
		}
		if err := RemoveContainer(ctx, c, info.ContainerID, true); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, info)
	}
	return removed, skipped, errors.Join(errs...)
}

// StopContainer stops a container, giving it timeoutSeconds before
// Docker sends SIGKILL.
func StopContainer(ctx context.Context, c *Client, containerID string, timeoutSeconds int) error {
	err := c.Inner().ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stop container %q", containerID),
			err,
		)
	}
	return nil
}

// RemoveContainer removes a container. With force, a running container is
// killed first. A container that is already gone is not an error.
func RemoveContainer(ctx context.Context, c *Client, containerID string, force bool) error {
	err := c.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}
