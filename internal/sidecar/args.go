package sidecar

import (
	"fmt"
	"strings"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// DefaultPortFlag is the flag token that precedes the port on the
// worker's command line.
const DefaultPortFlag = "--port"

// Args is the startup contract between the host and the worker: a flag
// token followed by the port's decimal string. Argv renders it; nothing
// else is ever passed on the command line.
type Args struct {
	Flag string
	Port model.Port
}

// Validate checks that the record can be rendered into a valid argv.
func (a Args) Validate() error {
	if err := ValidateFlag(a.Flag); err != nil {
		return err
	}
	if !a.Port.IsSet() {
		return fmt.Errorf("port must be set before spawning the worker")
	}
	return nil
}

// Argv returns the two-token argument list, e.g. ["--port", "54321"].
func (a Args) Argv() []string {
	return []string{a.Flag, a.Port.String()}
}

// ValidateFlag checks that flag is a single dash-prefixed token that the
// worker will read the next argument for.
func ValidateFlag(flag string) error {
	if flag == "" {
		return fmt.Errorf("port flag must not be empty")
	}
	if !strings.HasPrefix(flag, "-") {
		return fmt.Errorf("port flag %q must start with '-'", flag)
	}
	if strings.ContainsAny(flag, " \t=") {
		return fmt.Errorf("port flag %q must be a single token without '='", flag)
	}
	return nil
}
