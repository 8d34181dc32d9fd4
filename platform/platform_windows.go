//go:build windows
// +build windows

package platform

import (
	"os"
	"os/exec"
	"path/filepath"
)

func getDataDir() string {
	appDataDir := os.Getenv("APPDATA")
	if appDataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, "."+AppName)
	}
	return filepath.Join(appDataDir, AppDisplayName)
}

func getCacheDir() string {
	// On Windows, cache and data share a location
	return getDataDir()
}

func openFile(path string) error {
	// The empty string after /c start is the window title parameter
	cmd := exec.Command("cmd", "/c", "start", "", path)
	return cmd.Start()
}

func ensureExecutable(path string) error {
	// Executability is determined by file extension on Windows
	return nil
}
