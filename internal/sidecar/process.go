package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

const (
	// MaxLineBytes caps a single output line, terminator included. Longer
	// lines are dropped and reported as an EventError; the stream goes on.
	MaxLineBytes = 1 << 20

	// eventBuffer is the capacity of a handle's event channel.
	eventBuffer = 64

	// terminationGracePeriod is how long a cancelled worker gets between
	// SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ProcessLauncher runs the worker as a local child process.
type ProcessLauncher struct {
	executable string
	resolver   *Resolver
}

// NewProcessLauncher creates a launcher for executable, which is either a
// path or a bare name looked up by resolver.
func NewProcessLauncher(executable string, resolver *Resolver) *ProcessLauncher {
	if resolver == nil {
		resolver = DefaultResolver()
	}
	return &ProcessLauncher{executable: executable, resolver: resolver}
}

// Launch resolves the executable, starts it with spec.Args.Argv() and
// begins pumping its stdout and stderr into the handle's channel.
//
// The process is created before Launch returns. Cancelling ctx sends the
// worker (and its process group on Linux) SIGTERM, then SIGKILL after
// terminationGracePeriod.
func (l *ProcessLauncher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	path, err := l.resolver.Resolve(l.executable)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, spec.Args.Argv()...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.WaitDelay = terminationGracePeriod
	configureCommand(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, model.KindError(model.ExitSidecarSpawnFailed, model.ErrSidecarSpawn,
			"failed to open worker stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, model.KindError(model.ExitSidecarSpawnFailed, model.ErrSidecarSpawn,
			"failed to open worker stderr", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			return nil, model.KindError(model.ExitWorkerNotFound, model.ErrWorkerNotFound,
				fmt.Sprintf("worker executable %q disappeared before start", path), err)
		}
		return nil, model.KindError(model.ExitSidecarSpawnFailed, model.ErrSidecarSpawn,
			fmt.Sprintf("failed to start worker %q", path), err)
	}

	events := make(chan model.OutputEvent, eventBuffer)
	go pumpProcess(cmd, stdout, stderr, events)

	return NewHandle(spec.RunID, RuntimeProcess, cmd.Process.Pid, events), nil
}

// pumpProcess forwards both output streams, waits for the process once
// both reach EOF, emits the exit status and closes events.
func pumpProcess(cmd *exec.Cmd, stdout, stderr io.Reader, events chan<- model.OutputEvent) {
	defer close(events)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ReadLines(stdout, MaxLineBytes, model.StdoutEvent, events)
	}()
	go func() {
		defer wg.Done()
		ReadLines(stderr, MaxLineBytes, model.StderrEvent, events)
	}()
	wg.Wait()

	// exec.Cmd requires all pipe reads to finish before Wait.
	waitErr := cmd.Wait()
	status, unexpected := exitStatus(cmd.ProcessState, waitErr)
	if unexpected != nil {
		events <- model.ErrorEvent(unexpected)
	}
	events <- model.ExitedEvent(status)
}

// exitStatus converts the result of cmd.Wait into an ExitStatus. The
// second result is non-nil only for failures other than the process
// exiting unsuccessfully.
func exitStatus(state *os.ProcessState, waitErr error) (model.ExitStatus, error) {
	var unexpected error
	if waitErr != nil {
		var exitErr *exec.ExitError
		cancelled := errors.Is(waitErr, context.Canceled) || errors.Is(waitErr, context.DeadlineExceeded)
		if !errors.As(waitErr, &exitErr) && !cancelled {
			unexpected = waitErr
		}
	}

	if state == nil {
		return model.ExitStatus{Code: -1}, unexpected
	}

	status := model.ExitStatus{Code: state.ExitCode()}
	if status.Code == -1 {
		if desc := state.String(); strings.HasPrefix(desc, "signal: ") {
			status.Signal = strings.TrimPrefix(desc, "signal: ")
		}
	}
	return status, unexpected
}

// ReadLines splits r into lines and sends each one, without its line
// terminator, as the event built by wrap. Lines longer than maxLine bytes
// are skipped up to the next newline and reported with an EventError.
// A read error other than EOF or a closed pipe is reported once and
// ends the stream.
//
// A final line without a trailing newline is still delivered.
func ReadLines(r io.Reader, maxLine int, wrap func([]byte) model.OutputEvent, out chan<- model.OutputEvent) {
	br := bufio.NewReader(r)
	var buf []byte
	skipping := false

	emit := func() {
		out <- wrap(bytes.Clone(trimEOL(buf)))
		buf = buf[:0]
	}

	for {
		chunk, err := br.ReadSlice('\n')
		complete := err == nil

		if skipping {
			if complete {
				skipping = false
			}
		} else {
			buf = append(buf, chunk...)
			switch {
			case len(buf) > maxLine:
				out <- model.ErrorEvent(fmt.Errorf("line exceeds %d bytes, dropped", maxLine))
				buf = buf[:0]
				skipping = !complete
			case complete:
				emit()
			}
		}

		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if !skipping && len(buf) > 0 {
			emit()
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			out <- model.ErrorEvent(err)
		}
		return
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// mergeEnv appends extra to base in sorted key order so the resulting
// environment is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
