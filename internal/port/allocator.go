package port

import (
	"fmt"
	"net"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// DefaultBindHost is the loopback address the allocator binds to when no
// host is configured. The worker is only ever reached locally.
const DefaultBindHost = "127.0.0.1"

// Allocator obtains a port for the worker.
//
// With no fixed port requested it asks the OS for an ephemeral one by
// binding port 0. The Allocator holds a Scanner for verifying a fixed
// port when one is configured.
type Allocator struct {
	// scanner is used to probe the OS for actual port availability.
	scanner *Scanner

	// host is the address the probe listener binds to.
	host string
}

// NewAllocator creates a new Allocator bound to host. An empty host
// falls back to DefaultBindHost. The scanner must not be nil.
func NewAllocator(scanner *Scanner, host string) *Allocator {
	if host == "" {
		host = DefaultBindHost
	}
	return &Allocator{
		scanner: scanner,
		host:    host,
	}
}

// Host returns the bind address used for allocation.
func (a *Allocator) Host() string {
	return a.host
}

// AllocateFreePort binds a TCP listener to host:0, reads back the port
// the OS assigned, closes the listener and returns the port.
//
// The listener is closed before returning, so the port can be bound
// again by a different process (the worker). No retry is attempted.
//
// Returns a model.CLIError wrapping model.ErrPortAllocation with
// ExitPortAllocationFailed if no socket can be bound.
func (a *Allocator) AllocateFreePort() (model.Port, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return model.NoPort, model.KindError(model.ExitPortAllocationFailed, model.ErrPortAllocation,
			fmt.Sprintf("failed to bind an ephemeral port on %s", a.host), err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	// Close before inspecting the result so no return path leaks the socket.
	closeErr := listener.Close()
	if !ok || tcpAddr.Port <= 0 || tcpAddr.Port > 65535 {
		return model.NoPort, model.KindError(model.ExitPortAllocationFailed, model.ErrPortAllocation,
			fmt.Sprintf("unexpected listener address %v", listener.Addr()), nil)
	}
	if closeErr != nil {
		return model.NoPort, model.KindError(model.ExitPortAllocationFailed, model.ErrPortAllocation,
			fmt.Sprintf("failed to release port %d", tcpAddr.Port), closeErr)
	}

	return model.Port(tcpAddr.Port), nil
}

// Allocate returns requested if it is set and currently free, otherwise
// an ephemeral port from AllocateFreePort.
//
// A fixed port that is already in use is an allocation failure; the
// allocator does not silently substitute a different port, because the
// caller asked for that one.
func (a *Allocator) Allocate(requested model.Port) (model.Port, error) {
	if !requested.IsSet() {
		return a.AllocateFreePort()
	}

	if !a.scanner.IsPortAvailable(a.host, requested) {
		return model.NoPort, model.KindError(model.ExitPortAllocationFailed, model.ErrPortAllocation,
			fmt.Sprintf("configured port %d is already in use on %s", requested, a.host), nil)
	}
	return requested, nil
}
