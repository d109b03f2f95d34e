// Package sidecar supervises the backend worker process.
//
// The Supervisor owns exactly one worker for the life of the host:
//
//	NotStarted → Spawning → Running → Exited
//
// Spawn hands the worker its port as a fixed two-token argument list
// (flag, then the decimal port) and obtains a Handle whose event channel
// carries the worker's stdout lines, stderr lines, stream errors and,
// last, its exit status. Drain consumes that channel until it closes and
// routes each event to a Sink. A worker that exits is never restarted.
//
// How the worker is started is a Launcher's business. ProcessLauncher
// runs a local executable found by a Resolver; the docker package
// provides a container-based Launcher.
package sidecar
