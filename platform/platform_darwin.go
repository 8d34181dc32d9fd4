//go:build darwin
// +build darwin

package platform

import (
	"os"
	"os/exec"
	"path/filepath"
)

func getDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Library", "Application Support", AppDisplayName)
}

func getCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Library", "Caches", AppName)
}

func openFile(path string) error {
	return exec.Command("open", path).Start()
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode()|0111)
}
