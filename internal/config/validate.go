package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

// ValidationError is one invalid configuration field.
type ValidationError struct {
	// Field is the dotted key, e.g. "worker.flag".
	Field string

	// Message says what is wrong with it.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate returns every problem with c. An empty result means c is
// usable. Validate does not normalize; Check does both.
func (c *Config) Validate() []ValidationError {
	var problems []ValidationError
	add := func(field, format string, args ...any) {
		problems = append(problems, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := sidecar.ValidateFlag(c.Worker.Flag); err != nil {
		add("worker.flag", "%v", err)
	}

	switch c.Worker.Runtime {
	case RuntimeProcess:
		if strings.TrimSpace(c.WorkerExecutable()) == "" {
			add("worker.name", "one of worker.name or worker.path is required")
		}
	case RuntimeContainer:
		if strings.TrimSpace(c.Worker.Image) == "" {
			add("worker.image", "required when worker.runtime is %q", RuntimeContainer)
		}
	default:
		add("worker.runtime", "unknown runtime %q (want %q or %q)", c.Worker.Runtime, RuntimeProcess, RuntimeContainer)
	}

	for key := range c.Worker.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			add("worker.env", "invalid variable name %q", key)
		}
	}

	if !validBindHost(c.Network.BindHost) {
		add("network.bind_host", "%q is not an IP address or \"localhost\"", c.Network.BindHost)
	}
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		add("network.port", "%d is out of range 0-65535", c.Network.Port)
	}

	if c.Control.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
			add("control.addr", "%v", err)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case log.FormatAuto, log.FormatJSON, log.FormatText:
	default:
		add("log.format", "unknown format %q (want auto, json or text)", c.Log.Format)
	}

	if strings.TrimSpace(c.Lock.Path) == "" {
		add("lock.path", "must not be empty")
	}

	return problems
}

func validBindHost(host string) bool {
	return host == "localhost" || net.ParseIP(host) != nil
}

// invalid folds validation problems into one CLIError.
func invalid(problems []ValidationError) error {
	msgs := make([]string, 0, len(problems))
	for i := range problems {
		msgs = append(msgs, problems[i].Error())
	}
	return model.KindError(model.ExitConfigInvalid, model.ErrConfigInvalid,
		"invalid configuration: "+strings.Join(msgs, "; "), nil)
}
