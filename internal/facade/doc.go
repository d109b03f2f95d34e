// Package facade is the shell-facing side of the host: it answers "which
// port is the worker on?" for the desktop shell and for other processes.
//
// Facade.GetAPIPort is the in-process query. Server exposes the same
// answer over a small loopback HTTP surface built on go-chi, and
// QueryPort is the matching client used by the "port" command.
package facade
