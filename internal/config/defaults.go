package config

import (
	"os"
	"path/filepath"

	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/port"
	"github.com/shinji-kodama/sidecar-host/internal/sidecar"
)

// Worker runtimes.
const (
	RuntimeProcess   = sidecar.RuntimeProcess
	RuntimeContainer = sidecar.RuntimeContainer
)

const (
	defaultWorkerName  = "renamer-api"
	defaultBindHost    = port.DefaultBindHost
	defaultControlAddr = "127.0.0.1:0"
	defaultLogLevel    = "info"
	defaultLogFormat   = log.FormatAuto
	lockFileName       = "host.lock"
	appDirName         = "sidecar-host"
)

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Worker: Worker{
			Name:    defaultWorkerName,
			Flag:    sidecar.DefaultPortFlag,
			Runtime: RuntimeProcess,
		},
		Network: Network{
			BindHost: defaultBindHost,
		},
		Control: Control{
			Addr: defaultControlAddr,
		},
		Log: Log{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Lock: Lock{
			Path: defaultLockPath(),
		},
	}
}

// defaultLockPath places the lock in the user cache directory, or the
// temp directory when there is none.
func defaultLockPath() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, appDirName, lockFileName)
}
