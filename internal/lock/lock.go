// Package lock keeps a single host instance per lock file and publishes
// where that instance can be reached.
//
// The lock itself is an advisory file lock (github.com/gofrs/flock). Next
// to it the running host writes an Info record so other invocations of
// the binary can find its control endpoint without being told.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// Lock is a held instance lock. Keep it until the host exits.
type Lock struct {
	path string
	fl   *flock.Flock
}

// Acquire takes the lock at path without blocking, creating parent
// directories as needed.
//
// A lock held by another process is a model.CLIError with
// ExitAlreadyRunning wrapping model.ErrAlreadyRunning.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		msg := fmt.Sprintf("another sidecar-host instance holds %s", path)
		if info, err := ReadInfo(path); err == nil {
			msg = fmt.Sprintf("another sidecar-host instance (pid %d, port %s) holds %s", info.PID, info.Port, path)
		}
		return nil, model.KindError(model.ExitAlreadyRunning, model.ErrAlreadyRunning, msg, nil)
	}

	return &Lock{path: path, fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes the info record and unlocks. Safe on a nil Lock and
// safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := os.Remove(infoPath(l.path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = l.fl.Unlock()
		l.fl = nil
		return fmt.Errorf("remove instance info: %w", err)
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}

// Held reports whether some process holds the lock at path. A missing
// lock file means no holder. Held briefly takes and drops the lock when
// it is free, so it must not be called by the holder's own Lock.
func Held(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", path, err)
	}
	if !ok {
		return true, nil
	}
	return false, fl.Unlock()
}

// Info describes the running host instance.
type Info struct {
	PID         int        `json:"pid"`
	Port        model.Port `json:"port"`
	ControlAddr string     `json:"controlAddr,omitempty"`
	RunID       string     `json:"runId,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
}

// Publish writes info next to the lock file. The write is atomic: readers
// see either the previous record or the new one.
func (l *Lock) Publish(info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance info: %w", err)
	}

	target := infoPath(l.path)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".host-info-*")
	if err != nil {
		return fmt.Errorf("write instance info: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write instance info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write instance info: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("write instance info: %w", err)
	}
	return nil
}

// ReadInfo reads the record published by the instance holding the lock
// at lockPath.
func ReadInfo(lockPath string) (Info, error) {
	var info Info
	data, err := os.ReadFile(infoPath(lockPath))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decode instance info: %w", err)
	}
	return info, nil
}

func infoPath(lockPath string) string {
	return lockPath + ".json"
}
