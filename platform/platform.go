// Package platform provides cross-platform utilities for directory paths
// and OS-specific file operations.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is the application name used for directory naming
const AppName = "magpie-model-manager"

// AppDisplayName is the display name used on Windows and macOS
const AppDisplayName = "Magpie Model Manager"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Magpie Model Manager
// Linux: ~/.local/share/magpie-model-manager
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the cache directory for in-flight downloads.
// Windows: %APPDATA%\Magpie Model Manager
// Linux: ~/.cache/magpie-model-manager
func GetCacheDir() string {
	return getCacheDir()
}

// OpenFile opens a file or directory with the default application.
func OpenFile(path string) error {
	return openFile(path)
}

// EnsureExecutable ensures a file has executable permissions.
// On Windows, this is a no-op.
func EnsureExecutable(path string) error {
	return ensureExecutable(path)
}

// UserHomeDir returns the user's home directory with a fallback.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// DefaultModelRoot returns the default location for the managed model tree.
func DefaultModelRoot() string {
	return filepath.Join(UserHomeDir(), "models")
}
