package facade

import (
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/port"
)

// Facade reads the published worker port on behalf of the shell.
type Facade struct {
	shared *port.Shared
}

// New returns a Facade over shared. The host owns shared; the facade
// only reads it.
func New(shared *port.Shared) *Facade {
	return &Facade{shared: shared}
}

// GetAPIPort returns the worker's port, or model.NoPort before the host
// has published one. It never blocks on the worker and never fails.
func (f *Facade) GetAPIPort() model.Port {
	if f == nil || f.shared == nil {
		return model.NoPort
	}
	return f.shared.Read()
}
