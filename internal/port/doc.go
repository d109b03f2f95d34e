// Package port implements port allocation, port probing and the shared
// port cell for the sidecar-host binary.
//
// The port management system hands the worker a port it can bind:
//   - Allocator binds 127.0.0.1:0, reads back the OS-assigned port and
//     releases the socket before returning it
//   - Scanner probes a specific port with net.Listen (is it free?) or
//     net.Dial (is the worker listening yet?)
//   - Shared publishes the allocated port once and serves it to any
//     number of concurrent readers
//
// Between the allocator releasing a port and the worker binding it,
// another process may take it. That race is accepted; the worker is
// expected to fail loudly if its bind fails.
package port
