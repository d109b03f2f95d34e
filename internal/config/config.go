package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// Worker describes the backend worker and how to start it.
type Worker struct {
	// Name is the bare executable name looked up next to the host binary
	// and on $PATH.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Path, when set, is used instead of looking Name up.
	Path string `json:"path" yaml:"path" toml:"path"`

	// Flag is the token that precedes the port on the worker's command line.
	Flag string `json:"flag" yaml:"flag" toml:"flag"`

	// Runtime selects how the worker runs: RuntimeProcess or RuntimeContainer.
	Runtime string `json:"runtime" yaml:"runtime" toml:"runtime"`

	// Image is the Docker image for the container runtime.
	Image string `json:"image" yaml:"image" toml:"image"`

	// Dir is the worker's working directory.
	Dir string `json:"dir" yaml:"dir" toml:"dir"`

	// Env holds extra environment variables for the worker.
	Env map[string]string `json:"env" yaml:"env" toml:"env"`
}

// Network configures port allocation.
type Network struct {
	// BindHost is the address the port is allocated on.
	BindHost string `json:"bind_host" yaml:"bind_host" toml:"bind_host"`

	// Port pins the worker to a fixed port. 0 asks the OS for a free one.
	Port int `json:"port" yaml:"port" toml:"port"`
}

// Control configures the local HTTP surface.
type Control struct {
	// Addr is the listen address. Empty disables the surface.
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

// Log configures the host's own logger.
type Log struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Lock configures the single-instance lock.
type Lock struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

// Config is the host configuration.
type Config struct {
	Worker  Worker  `json:"worker" yaml:"worker" toml:"worker"`
	Network Network `json:"network" yaml:"network" toml:"network"`
	Control Control `json:"control" yaml:"control" toml:"control"`
	Log     Log     `json:"log" yaml:"log" toml:"log"`
	Lock    Lock    `json:"lock" yaml:"lock" toml:"lock"`
}

// Load returns the defaults overlaid with the file at path, validated.
// An empty path yields the validated defaults. Keys present in the file
// override defaults even when empty; unknown keys are an error.
//
// The format is chosen by extension: .json and .jsonc (comments and
// trailing commas allowed), .yaml and .yml, .toml.
//
// Every failure is a model.CLIError with ExitConfigInvalid wrapping
// model.ErrConfigInvalid.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, model.KindError(model.ExitConfigInvalid, model.ErrConfigInvalid,
					fmt.Sprintf("config file not found: %s", path), err)
			}
			return nil, model.KindError(model.ExitConfigInvalid, model.ErrConfigInvalid,
				fmt.Sprintf("failed to read config file %s", path), err)
		}

		if err := decode(path, data, &cfg); err != nil {
			return nil, model.KindError(model.ExitConfigInvalid, model.ErrConfigInvalid,
				fmt.Sprintf("failed to parse config file %s", path), err)
		}
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check normalizes c and validates it. Callers that change a loaded
// Config (command-line overrides) call Check again before using it.
func (c *Config) Check() error {
	c.normalize()
	if problems := c.Validate(); len(problems) > 0 {
		return invalid(problems)
	}
	return nil
}

// decode strictly unmarshals data into cfg according to path's extension.
func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil

	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil

	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)

	default:
		return fmt.Errorf("unsupported config format %q (use .json, .jsonc, .yaml, .yml or .toml)", ext)
	}
}

// normalize trims values and fills fields the file cleared but that have
// no meaningful empty form.
func (c *Config) normalize() {
	c.Worker.Runtime = strings.ToLower(strings.TrimSpace(c.Worker.Runtime))
	if c.Worker.Runtime == "" {
		c.Worker.Runtime = RuntimeProcess
	}
	c.Network.BindHost = strings.TrimSpace(c.Network.BindHost)
	if c.Network.BindHost == "" {
		c.Network.BindHost = defaultBindHost
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Lock.Path == "" {
		c.Lock.Path = defaultLockPath()
	}
}

// WorkerExecutable returns the path or name the process runtime resolves.
func (c *Config) WorkerExecutable() string {
	if c.Worker.Path != "" {
		return c.Worker.Path
	}
	return c.Worker.Name
}

// ControlEnabled reports whether the HTTP surface should be served.
func (c *Config) ControlEnabled() bool {
	return c.Control.Addr != ""
}

// RequestedPort returns the configured fixed port, or model.NoPort.
func (c *Config) RequestedPort() model.Port {
	return model.Port(c.Network.Port)
}
