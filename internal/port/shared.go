package port

import (
	"fmt"
	"sync"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// Shared is a write-once, read-many cell holding the worker's port.
//
// The host controller owns one Shared and hands it by pointer to every
// reader. Initialize is called exactly once on the startup path; Read may
// be called from any goroutine at any time and returns model.NoPort until
// Initialize has returned.
//
// The zero value is ready to use.
type Shared struct {
	mu   sync.RWMutex
	port model.Port
}

// NewShared returns an uninitialized cell.
func NewShared() *Shared {
	return &Shared{}
}

// Initialize publishes p. It fails with model.ErrPortAlreadySet if the
// cell already holds a port (the stored value is left unchanged), and
// rejects the sentinel port.
func (s *Shared) Initialize(p model.Port) error {
	if !p.IsSet() {
		return fmt.Errorf("cannot publish the sentinel port 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port.IsSet() {
		return fmt.Errorf("%w: holds %d, refused %d", model.ErrPortAlreadySet, s.port, p)
	}
	s.port = p
	return nil
}

// Read returns the published port, or model.NoPort before Initialize.
// It never blocks on anything but the cell's own lock.
func (s *Shared) Read() model.Port {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}
