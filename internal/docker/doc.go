// Package docker runs the worker in a Docker container instead of as a
// local process.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Labels that mark worker containers and record their run ID and port
//   - Launcher, a sidecar.Launcher backed by the Docker Engine API
//   - Listing and reaping leftover worker containers
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
