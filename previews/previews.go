// Package previews generates and caches thumbnail images for model preview
// files.
package previews

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"

	"github.com/mikelund/magpie/platform"
)

const (
	ThumbWidth  = 320
	ThumbHeight = 480
	jpegQuality = 80
)

// PreviewExtensions are the image formats accepted as model previews.
var PreviewExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// IsPreviewFile reports whether a filename looks like a preview image.
func IsPreviewFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range PreviewExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// CachePath returns the cache location for a source path's thumbnail. The
// name is derived from the source path so regenerating is idempotent.
func CachePath(srcPath string) string {
	sum := sha1.Sum([]byte(srcPath))
	return filepath.Join(platform.GetCacheDir(), "thumbs", hex.EncodeToString(sum[:])+".jpg")
}

// Thumbnail returns the path to a cached thumbnail for the given image,
// generating it on first use.
func Thumbnail(srcPath string) (string, error) {
	thumbPath := CachePath(srcPath)

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return "", err
	}
	if thumbInfo, err := os.Stat(thumbPath); err == nil && thumbInfo.ModTime().After(srcInfo.ModTime()) {
		return thumbPath, nil
	}

	if err := Generate(srcPath, thumbPath); err != nil {
		return "", err
	}
	return thumbPath, nil
}

// Generate decodes the source image and writes a bounded JPEG thumbnail to
// destPath.
func Generate(srcPath, destPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(srcPath), err)
	}

	thumb := resize.Thumbnail(ThumbWidth, ThumbHeight, img, resize.Lanczos3)

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	tmpPath := destPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, destPath)
}

// FindPreview looks next to a model file for a sibling preview image, e.g.
// model.safetensors -> model.png.
func FindPreview(modelPath string) (string, bool) {
	base := strings.TrimSuffix(modelPath, filepath.Ext(modelPath))
	for _, ext := range PreviewExtensions {
		for _, candidate := range []string{base + ext, base + ".preview" + ext} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
	}
	return "", false
}
