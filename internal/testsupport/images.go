package testsupport

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// FixtureImage renders a deterministic test pattern. Different seeds yield
// visually distinct images so content and perceptual hashes differ; the same
// seed always yields identical pixels.
func FixtureImage(width, height int, seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := (x*7 + y*13 + seed*31) % 256
			var c color.RGBA
			if ((x/8)+(y/8)+seed)%2 == 0 {
				c = color.RGBA{R: uint8(v), G: uint8(255 - v), B: uint8(seed * 17 % 256), A: 255}
			} else {
				c = color.RGBA{R: uint8(255 - v), G: uint8(v), B: uint8(seed * 53 % 256), A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// JPEGBytes encodes a deterministic fixture image as JPEG.
func JPEGBytes(t testing.TB, width, height, seed int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, FixtureImage(width, height, seed), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode fixture jpeg: %v", err)
	}
	return buf.Bytes()
}

// PNGBytes encodes a deterministic fixture image as PNG.
func PNGBytes(t testing.TB, width, height, seed int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, FixtureImage(width, height, seed)); err != nil {
		t.Fatalf("encode fixture png: %v", err)
	}
	return buf.Bytes()
}

// WriteJPEG writes a deterministic fixture JPEG to the target path, creating
// parent directories as needed.
func WriteJPEG(t testing.TB, path string, width, height, seed int) {
	t.Helper()

	writeBytes(t, path, JPEGBytes(t, width, height, seed))
}

// WritePNG writes a deterministic fixture PNG to the target path.
func WritePNG(t testing.TB, path string, width, height, seed int) {
	t.Helper()

	writeBytes(t, path, PNGBytes(t, width, height, seed))
}

func writeBytes(t testing.TB, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
