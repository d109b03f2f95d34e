package port

import (
	"context"
	"net"
	"time"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// defaultDialTimeout bounds IsListening when the caller's context has no
// deadline of its own.
const defaultDialTimeout = 500 * time.Millisecond

// Scanner checks the state of specific ports on the host machine.
//
// It asks the operating system's network stack directly: a successful
// net.Listen means the port is free, a successful net.Dial means
// something is accepting connections on it.
type Scanner struct{}

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable checks whether a TCP port is free on host.
//
// It attempts net.Listen on host:port. If the listen succeeds, the port
// is available and the listener is closed immediately.
//
// Returns false for the sentinel port or when the bind fails.
func (s *Scanner) IsPortAvailable(host string, port model.Port) bool {
	if !port.IsSet() {
		return false
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, port.String()))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// IsListening reports whether something accepts TCP connections on
// host:port. The facade uses this to tell callers whether the worker has
// bound its port yet.
//
// The dial honors ctx; without a deadline it gives up after
// defaultDialTimeout.
func (s *Scanner) IsListening(ctx context.Context, host string, port model.Port) bool {
	if !port.IsSet() {
		return false
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port.String()))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
