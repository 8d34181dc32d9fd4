package previews

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "preview.png")
	dest := filepath.Join(dir, "thumbs", "preview.jpg")
	writeTestPNG(t, src, 1024, 1536)

	if err := Generate(src, dest); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	defer f.Close()

	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatalf("thumbnail is not a valid jpeg: %v", err)
	}
	if cfg.Width > ThumbWidth || cfg.Height > ThumbHeight {
		t.Errorf("thumbnail %dx%d exceeds bounds %dx%d", cfg.Width, cfg.Height, ThumbWidth, ThumbHeight)
	}
}

func TestGenerateSmallImageNotUpscaled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "small.png")
	dest := filepath.Join(dir, "small.jpg")
	writeTestPNG(t, src, 100, 80)

	if err := Generate(src, dest); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 100 || cfg.Height != 80 {
		t.Errorf("small image was resized to %dx%d", cfg.Width, cfg.Height)
	}
}

func TestGenerateBadInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "not-an-image.png")
	if err := os.WriteFile(src, []byte("plain text"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Generate(src, filepath.Join(dir, "out.jpg")); err == nil {
		t.Error("expected decode error for non-image input")
	}
}

func TestCachePathStable(t *testing.T) {
	a := CachePath("/models/checkpoints/sd15.png")
	b := CachePath("/models/checkpoints/sd15.png")
	if a != b {
		t.Errorf("CachePath not stable: %s vs %s", a, b)
	}
	if c := CachePath("/models/checkpoints/other.png"); a == c {
		t.Error("distinct sources mapped to the same thumbnail path")
	}
}

func TestFindPreview(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "sd15.safetensors")
	writeTestPNG(t, filepath.Join(dir, "sd15.png"), 10, 10)

	got, ok := FindPreview(model)
	if !ok {
		t.Fatal("expected to find sibling preview")
	}
	if got != filepath.Join(dir, "sd15.png") {
		t.Errorf("found %s", got)
	}

	if _, ok := FindPreview(filepath.Join(dir, "missing.safetensors")); ok {
		t.Error("found preview for model without one")
	}
}

func TestIsPreviewFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"a.png", true},
		{"a.JPG", true},
		{"a.webp", true},
		{"a.safetensors", false},
		{"a.txt", false},
	}
	for _, tt := range tests {
		if got := IsPreviewFile(tt.name); got != tt.want {
			t.Errorf("IsPreviewFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
