package photo

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
)

const thumbnailQuality = 80

// Thumbnail renders a JPEG preview bounded by maxWidth. Images narrower than
// the bound are re-encoded at their native size so every catalogued photo
// carries a browsable preview regardless of source format.
func Thumbnail(img image.Image, maxWidth int) ([]byte, error) {
	thumb := img
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		thumb = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
