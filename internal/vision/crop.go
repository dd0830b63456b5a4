package vision

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const cropQuality = 90

// clampedBox converts a corner-form detection [x1, y1, x2, y2] into a
// padded pixel box confined to the image bounds. The second return is false
// when nothing of the box survives clamping.
func clampedBox(img image.Image, corners []float64, padPercent int) (BBox, bool) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	x1 := int(math.Floor(corners[0]))
	y1 := int(math.Floor(corners[1]))
	x2 := int(math.Ceil(corners[2]))
	y2 := int(math.Ceil(corners[3]))

	if padPercent > 0 {
		padX := (x2 - x1) * padPercent / 100
		padY := (y2 - y1) * padPercent / 100
		x1 -= padX
		x2 += padX
		y1 -= padY
		y2 += padY
	}

	x1 = max(x1, 0)
	y1 = max(y1, 0)
	x2 = min(x2, width)
	y2 = min(y2, height)
	if x2 <= x1 || y2 <= y1 {
		return BBox{}, false
	}
	return BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}, true
}

// cropFace cuts the box out of the image and assembles the Face record,
// absolute and relative coordinates included.
func cropFace(img image.Image, box BBox, score float64) (Face, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	crop := imaging.Crop(img, image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H))
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, crop, imaging.JPEG, imaging.JPEGQuality(cropQuality)); err != nil {
		return Face{}, fmt.Errorf("encode face crop: %w", err)
	}

	return Face{
		BBox: box,
		RelBBox: RelBBox{
			X: float64(box.X) / float64(width),
			Y: float64(box.Y) / float64(height),
			W: float64(box.W) / float64(width),
			H: float64(box.H) / float64(height),
		},
		Confidence: score,
		Crop:       buf.Bytes(),
	}, nil
}
