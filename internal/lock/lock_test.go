package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// TestAcquire_SecondHolderRefused verifies the single-instance guarantee.
func TestAcquire_SecondHolderRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "host.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer first.Release()
	assert.Equal(t, path, first.Path())

	_, err = Acquire(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
	assert.Equal(t, model.ExitAlreadyRunning, model.ExitCodeOf(err))
}

func TestAcquire_AfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "second release is a no-op")

	second, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestAcquire_EmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Error(t, err)
}

// TestPublish_ReadInfo verifies the info record round trip and that the
// refusal message names the running instance.
func TestPublish_ReadInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	info := Info{
		PID:         os.Getpid(),
		Port:        54321,
		ControlAddr: "127.0.0.1:8743",
		RunID:       "run-1",
		StartedAt:   time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, l.Publish(info))

	got, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	_, err = Acquire(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 54321")
}

// TestRelease_RemovesInfo verifies that a stopped host leaves no stale
// record behind.
func TestRelease_RemovesInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Publish(Info{PID: 1, Port: 8742}))

	require.NoError(t, l.Release())

	_, err = ReadInfo(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadInfo_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")
	require.NoError(t, os.WriteFile(path+".json", []byte("{not json"), 0o644))

	_, err := ReadInfo(path)
	assert.ErrorContains(t, err, "decode instance info")
}

func TestHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.lock")

	held, err := Held(path)
	require.NoError(t, err)
	assert.False(t, held, "no lock file")

	l, err := Acquire(path)
	require.NoError(t, err)

	held, err = Held(path)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, l.Release())
	held, err = Held(path)
	require.NoError(t, err)
	assert.False(t, held, "released lock")

	again, err := Acquire(path)
	require.NoError(t, err, "Held must not keep the lock")
	require.NoError(t, again.Release())
}
