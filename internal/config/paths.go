package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ExecutableDir returns the directory where the current executable resides.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err == nil && strings.TrimSpace(exe) != "" {
		if resolved, resolveErr := filepath.EvalSymlinks(exe); resolveErr == nil && strings.TrimSpace(resolved) != "" {
			exe = resolved
		}
		return filepath.Dir(exe)
	}

	if wd, wdErr := os.Getwd(); wdErr == nil && strings.TrimSpace(wd) != "" {
		return wd
	}
	return "."
}

// ResolveConfigPath keeps absolute paths and paths that exist relative to the
// working directory; anything else is looked up next to the executable.
func ResolveConfigPath(raw string) string {
	target := strings.TrimSpace(raw)
	if target == "" || filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	if _, err := os.Stat(target); err == nil {
		return target
	}
	candidate := filepath.Join(ExecutableDir(), target)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return target
}
