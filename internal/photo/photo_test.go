package photo_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/disintegration/imaging"

	"facet/internal/photo"
	"facet/internal/testsupport"
)

const normalizeQuality = 95

// halvesJPEG encodes an image whose left half is red and right half is blue,
// so orientation transforms are observable from pixel samples.
func halvesJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < width/2 {
				img.SetRGBA(x, y, color.RGBA{R: 220, A: 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{B: 220, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode halves jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizePassthroughWithoutOrientation(t *testing.T) {
	data := testsupport.JPEGBytes(t, 64, 48, 1)

	n, err := photo.Normalize(data, normalizeQuality)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if n.OrientationApplied {
		t.Fatal("expected no orientation fix for plain jpeg")
	}
	if !bytes.Equal(n.Bytes, data) {
		t.Fatal("expected original bytes to pass through untouched")
	}
	if n.Width != 64 || n.Height != 48 {
		t.Fatalf("expected 64x48, got %dx%d", n.Width, n.Height)
	}
	if n.Image == nil {
		t.Fatal("expected decoded image")
	}
}

func TestNormalizePNGPassthrough(t *testing.T) {
	data := testsupport.PNGBytes(t, 32, 24, 2)

	n, err := photo.Normalize(data, normalizeQuality)
	if err != nil {
		t.Fatalf("normalize png: %v", err)
	}
	if n.OrientationApplied {
		t.Fatal("png has no exif, expected passthrough")
	}
	if !bytes.Equal(n.Bytes, data) {
		t.Fatal("expected png bytes to pass through untouched")
	}
	if n.Width != 32 || n.Height != 24 {
		t.Fatalf("expected 32x24, got %dx%d", n.Width, n.Height)
	}
}

func TestNormalizeUprightTagPassesThrough(t *testing.T) {
	data := testsupport.JPEGWithEXIF(t, 48, 32, 3, testsupport.EXIFOptions{Orientation: 1})

	n, err := photo.Normalize(data, normalizeQuality)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if n.OrientationApplied {
		t.Fatal("orientation 1 is already upright, expected passthrough")
	}
	if !bytes.Equal(n.Bytes, data) {
		t.Fatal("expected upright file to keep its original bytes")
	}
}

func TestNormalizeAppliesOrientation(t *testing.T) {
	data := testsupport.SpliceEXIF(t, halvesJPEG(t, 40, 20), testsupport.EXIFOptions{Orientation: 6})

	n, err := photo.Normalize(data, normalizeQuality)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !n.OrientationApplied {
		t.Fatal("expected orientation 6 to be applied")
	}
	if n.Width != 20 || n.Height != 40 {
		t.Fatalf("expected rotated 20x40, got %dx%d", n.Width, n.Height)
	}
	if bytes.Equal(n.Bytes, data) {
		t.Fatal("expected re-encoded bytes for rotated image")
	}

	// Orientation 6 rotates 90 degrees clockwise, so the red left half must
	// end up as the top half.
	top := n.Image.At(10, 5)
	bottom := n.Image.At(10, 35)
	tr, _, tb, _ := top.RGBA()
	br, _, bb, _ := bottom.RGBA()
	if tr <= tb {
		t.Fatalf("expected red top after rotation, got r=%d b=%d", tr>>8, tb>>8)
	}
	if bb <= br {
		t.Fatalf("expected blue bottom after rotation, got r=%d b=%d", br>>8, bb>>8)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	data := testsupport.SpliceEXIF(t, halvesJPEG(t, 40, 20), testsupport.EXIFOptions{Orientation: 6})

	first, err := photo.Normalize(data, normalizeQuality)
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	second, err := photo.Normalize(first.Bytes, normalizeQuality)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if second.OrientationApplied {
		t.Fatal("normalized output must not need another orientation fix")
	}
	if !bytes.Equal(second.Bytes, first.Bytes) {
		t.Fatal("expected normalized bytes to be stable across runs")
	}
	if second.Width != first.Width || second.Height != first.Height {
		t.Fatalf("expected stable dimensions, got %dx%d then %dx%d",
			first.Width, first.Height, second.Width, second.Height)
	}
}

func TestNormalizeRejectsCorruptData(t *testing.T) {
	if _, err := photo.Normalize([]byte("not an image at all"), normalizeQuality); err == nil {
		t.Fatal("expected error for undecodable data")
	}
}

func TestApplyOrientationDimensions(t *testing.T) {
	src := testsupport.FixtureImage(30, 20, 4)

	tests := []struct {
		orientation int
		wantW       int
		wantH       int
	}{
		{2, 30, 20},
		{3, 30, 20},
		{4, 30, 20},
		{5, 20, 30},
		{6, 20, 30},
		{7, 20, 30},
		{8, 20, 30},
	}
	for _, tt := range tests {
		out := photo.ApplyOrientation(src, tt.orientation)
		b := out.Bounds()
		if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
			t.Errorf("orientation %d: expected %dx%d, got %dx%d",
				tt.orientation, tt.wantW, tt.wantH, b.Dx(), b.Dy())
		}
	}
}

func TestExtractMetadataCameraFields(t *testing.T) {
	data := testsupport.JPEGWithEXIF(t, 32, 32, 5, testsupport.EXIFOptions{
		Orientation: 1,
		Make:        "Go",
		Model:       "Cam",
	})

	entries := photo.ExtractMetadata(data)
	if len(entries) == 0 {
		t.Fatal("expected metadata entries")
	}
	byKey := make(map[string]string, len(entries))
	for _, e := range entries {
		byKey[e.Key] = e.Value
	}
	if byKey["camera_make"] != "Go" {
		t.Fatalf("expected camera_make=Go, got %q", byKey["camera_make"])
	}
	if byKey["camera_model"] != "Cam" {
		t.Fatalf("expected camera_model=Cam, got %q", byKey["camera_model"])
	}
	if _, ok := byKey["taken_at"]; ok {
		t.Fatal("fixture has no datetime, taken_at must be absent")
	}
}

func TestExtractMetadataMissingEXIF(t *testing.T) {
	if entries := photo.ExtractMetadata(testsupport.JPEGBytes(t, 32, 32, 6)); entries != nil {
		t.Fatalf("expected nil for exif-less jpeg, got %d entries", len(entries))
	}
}

func TestThumbnailBoundsWidth(t *testing.T) {
	src := testsupport.FixtureImage(800, 600, 7)

	data, err := photo.Thumbnail(src, 200)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	thumb, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	b := thumb.Bounds()
	if b.Dx() != 200 {
		t.Fatalf("expected width 200, got %d", b.Dx())
	}
	if b.Dy() != 150 {
		t.Fatalf("expected aspect-preserving height 150, got %d", b.Dy())
	}
}

func TestThumbnailKeepsSmallImages(t *testing.T) {
	src := testsupport.FixtureImage(100, 80, 8)

	data, err := photo.Thumbnail(src, 200)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	thumb, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	b := thumb.Bounds()
	if b.Dx() != 100 || b.Dy() != 80 {
		t.Fatalf("expected untouched 100x80, got %dx%d", b.Dx(), b.Dy())
	}
}
