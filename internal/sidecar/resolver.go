package sidecar

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shinji-kodama/sidecar-host/internal/model"
)

// bundleSubdir is the directory next to the host executable where
// development builds keep target-suffixed worker binaries.
const bundleSubdir = "binaries"

// Resolver locates the worker executable.
//
// Bundled workers ship next to the host binary, either under their plain
// name or suffixed with the target triple they were built for
// (renamer-api-x86_64-unknown-linux-gnu). The search order for a bare
// name is:
//  1. <exeDir>/<name>
//  2. <exeDir>/<name>-<triple>
//  3. <exeDir>/binaries/<name>
//  4. <exeDir>/binaries/<name>-<triple>
//  5. $PATH
//
// On Windows ".exe" is appended to every candidate.
type Resolver struct {
	exeDir string
	goos   string
	goarch string
}

// NewResolver creates a Resolver that searches exeDir. An empty exeDir
// skips the bundle candidates and only consults $PATH.
func NewResolver(exeDir string) *Resolver {
	return &Resolver{exeDir: exeDir, goos: runtime.GOOS, goarch: runtime.GOARCH}
}

// DefaultResolver searches the directory of the running executable.
func DefaultResolver() *Resolver {
	exe, err := os.Executable()
	if err != nil {
		return NewResolver("")
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return NewResolver(filepath.Dir(exe))
}

// Candidates returns the bundle paths Resolve checks for name, in order.
// It does not include the $PATH lookup.
func (r *Resolver) Candidates(name string) []string {
	if r.exeDir == "" {
		return nil
	}

	bases := []string{name}
	if triple := TargetTriple(r.goos, r.goarch); triple != "" {
		bases = append(bases, name+"-"+triple)
	}

	var out []string
	for _, dir := range []string{r.exeDir, filepath.Join(r.exeDir, bundleSubdir)} {
		for _, base := range bases {
			out = append(out, filepath.Join(dir, r.withExeSuffix(base)))
		}
	}
	return out
}

// Resolve returns the absolute path of the worker executable.
//
// A name containing a path separator is taken as a path and only checked
// for existence. Returns a model.CLIError wrapping model.ErrWorkerNotFound
// (exit code ExitWorkerNotFound) when nothing matches.
func (r *Resolver) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", model.KindError(model.ExitWorkerNotFound, model.ErrWorkerNotFound,
			"worker executable name is empty", nil)
	}

	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator) {
		if isExecutableFile(name) {
			return filepath.Abs(name)
		}
		return "", model.KindError(model.ExitWorkerNotFound, model.ErrWorkerNotFound,
			fmt.Sprintf("worker executable %q does not exist or is not executable", name), nil)
	}

	candidates := r.Candidates(name)
	for _, c := range candidates {
		if isExecutableFile(c) {
			return c, nil
		}
	}

	if path, err := exec.LookPath(r.withExeSuffix(name)); err == nil {
		return filepath.Abs(path)
	}

	searched := "$PATH"
	if len(candidates) > 0 {
		searched = strings.Join(candidates, ", ") + " and $PATH"
	}
	return "", model.KindError(model.ExitWorkerNotFound, model.ErrWorkerNotFound,
		fmt.Sprintf("worker %q not found (searched %s)", name, searched), nil)
}

func (r *Resolver) withExeSuffix(name string) string {
	if r.goos == "windows" && !strings.EqualFold(filepath.Ext(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// isExecutableFile reports whether path is a regular file the current
// user could execute. On Windows any regular file qualifies.
func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// TargetTriple returns the Rust-style target triple used to suffix
// bundled worker binaries, or "" for unsupported platforms.
func TargetTriple(goos, goarch string) string {
	arch := map[string]string{
		"amd64": "x86_64",
		"arm64": "aarch64",
		"386":   "i686",
		"arm":   "armv7",
	}[goarch]
	if arch == "" {
		return ""
	}

	switch goos {
	case "linux":
		if goarch == "arm" {
			return arch + "-unknown-linux-gnueabihf"
		}
		return arch + "-unknown-linux-gnu"
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	case "freebsd":
		return arch + "-unknown-freebsd"
	default:
		return ""
	}
}
