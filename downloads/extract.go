package downloads

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/mikelund/magpie/platform"
)

// IsArchive reports whether a downloaded file needs extraction before it can
// be placed in the model tree.
func IsArchive(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".7z":
		return true
	}
	return false
}

// Extract unpacks a downloaded archive into destDir, dispatching on the
// archive extension.
func Extract(archivePath, destDir string, progressCb ProgressCallback) error {
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip":
		return ExtractZip(archivePath, destDir, "", progressCb)
	case ".7z":
		return Extract7z(archivePath, destDir, "", progressCb)
	}
	return fmt.Errorf("unsupported archive type: %s", archivePath)
}

// ExtractZip extracts a ZIP archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func ExtractZip(archivePath, destDir string, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if progressCb != nil && i%10 == 0 {
			progressCb(Progress{
				Status:  StatusInstalling,
				Message: fmt.Sprintf("Extracting %d/%d files...", i+1, len(reader.File)),
			})
		}

		name := file.Name
		if stripPrefix != "" && strings.HasPrefix(name, stripPrefix) {
			name = strings.TrimPrefix(name, stripPrefix)
		}

		if name == "" || file.FileInfo().IsDir() {
			continue
		}

		destPath := filepath.Join(destDir, name)

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		if err := extractZipFile(file, destPath); err != nil {
			return err
		}
	}

	return nil
}

func extractZipFile(file *zip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()

	outFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}

	// Set executable permission on Unix-like systems
	if file.Mode()&0111 != 0 {
		if err := platform.EnsureExecutable(destPath); err != nil {
			// Non-fatal error
		}
	}

	return nil
}

// Extract7z extracts a 7z archive to the destination directory.
// If stripPrefix is provided, it removes that prefix from extracted file paths.
func Extract7z(archivePath, destDir string, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		if progressCb != nil && i%10 == 0 {
			progressCb(Progress{
				Status:  StatusInstalling,
				Message: fmt.Sprintf("Extracting %d/%d files...", i+1, len(reader.File)),
			})
		}

		name := file.Name
		if stripPrefix != "" && strings.HasPrefix(name, stripPrefix) {
			name = strings.TrimPrefix(name, stripPrefix)
		}

		if name == "" {
			continue
		}

		destPath := filepath.Join(destDir, name)

		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		info := file.FileInfo()
		if info.IsDir() {
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := extract7zFile(file, destPath); err != nil {
			return err
		}
	}

	return nil
}

func extract7zFile(file *sevenzip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()

	outFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}

	return nil
}
