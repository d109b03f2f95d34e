package port

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// TestAllocateFreePort_InRange verifies that the OS-assigned port is a
// real port number and not the sentinel.
func TestAllocateFreePort_InRange(t *testing.T) {
	allocator := NewAllocator(NewScanner(), "")

	p, err := allocator.AllocateFreePort()
	require.NoError(t, err)

	assert.True(t, p.IsSet(), "allocated port must not be the sentinel")
	assert.GreaterOrEqual(t, int(p), 1)
	assert.LessOrEqual(t, int(p), 65535)
}

// TestAllocateFreePort_ReleasedBeforeReturn verifies that the allocator
// closes its listener: a second, independent listener can bind the exact
// same port immediately afterwards.
func TestAllocateFreePort_ReleasedBeforeReturn(t *testing.T) {
	allocator := NewAllocator(NewScanner(), DefaultBindHost)

	for i := 0; i < 20; i++ {
		p, err := allocator.AllocateFreePort()
		require.NoError(t, err)

		ln, err := net.Listen("tcp", net.JoinHostPort(DefaultBindHost, p.String()))
		require.NoError(t, err, "port %d should be re-bindable after allocation", p)
		_ = ln.Close()
	}
}

// TestAllocateFreePort_DefaultHost checks that an empty host falls back
// to loopback.
func TestAllocateFreePort_DefaultHost(t *testing.T) {
	allocator := NewAllocator(NewScanner(), "")
	assert.Equal(t, DefaultBindHost, allocator.Host())
}

// TestAllocateFreePort_BindFailure verifies that an unbindable host is
// reported as a port allocation error with the matching exit code.
func TestAllocateFreePort_BindFailure(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1; it is never assigned to a local interface.
	allocator := NewAllocator(NewScanner(), "192.0.2.1")

	p, err := allocator.AllocateFreePort()
	require.Error(t, err)

	assert.Equal(t, model.NoPort, p)
	assert.ErrorIs(t, err, model.ErrPortAllocation)
	assert.Equal(t, model.ExitPortAllocationFailed, model.ExitCodeOf(err))
}

// TestAllocate_Ephemeral verifies that an unset request falls through to
// ephemeral allocation.
func TestAllocate_Ephemeral(t *testing.T) {
	allocator := NewAllocator(NewScanner(), "")

	p, err := allocator.Allocate(model.NoPort)
	require.NoError(t, err)
	assert.True(t, p.IsSet())
}

// TestAllocate_FixedFree verifies that a free fixed port is returned as-is.
func TestAllocate_FixedFree(t *testing.T) {
	allocator := NewAllocator(NewScanner(), "")

	free, err := allocator.AllocateFreePort()
	require.NoError(t, err)

	p, err := allocator.Allocate(free)
	require.NoError(t, err)
	assert.Equal(t, free, p)
}

// TestAllocate_FixedInUse verifies that a fixed port held by another
// listener is an allocation failure, not a silent substitution.
func TestAllocate_FixedInUse(t *testing.T) {
	ln, err := net.Listen("tcp", net.JoinHostPort(DefaultBindHost, "0"))
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	busy := model.Port(ln.Addr().(*net.TCPAddr).Port)
	allocator := NewAllocator(NewScanner(), DefaultBindHost)

	_, err = allocator.Allocate(busy)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPortAllocation)
	assert.Contains(t, err.Error(), "already in use")
}
