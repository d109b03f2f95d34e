// Package host wires the sidecar-host components together and owns them
// for the life of the process.
//
// Start runs the startup sequence synchronously:
//
//  1. take the single-instance lock
//  2. allocate the worker port and publish it in the shared cell
//  3. bind the control surface (when enabled)
//  4. spawn the worker with that port and start draining its output
//  5. publish the instance record next to the lock
//
// Any failure unwinds what was already done, so a failed start leaves no
// worker running and the lock free. Close tears a started host down.
package host
