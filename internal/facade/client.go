package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

const queryTimeout = 3 * time.Second

// QueryPort asks the host listening on addr (host:port) for the worker
// port. Failures are a model.CLIError with ExitHostUnreachable.
func QueryPort(ctx context.Context, addr string) (model.Port, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	url := "http://" + addr + "/api/port"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.NoPort, model.WrapCLIError(model.ExitHostUnreachable,
			fmt.Sprintf("invalid control address %q", addr), err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return model.NoPort, model.WrapCLIError(model.ExitHostUnreachable,
			fmt.Sprintf("host not reachable at %s", addr), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.NoPort, model.NewCLIError(model.ExitHostUnreachable,
			fmt.Sprintf("host at %s answered %s", addr, resp.Status))
	}

	var body PortResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.NoPort, model.WrapCLIError(model.ExitHostUnreachable,
			fmt.Sprintf("unexpected response from %s", addr), err)
	}
	return body.Port, nil
}
