package photo

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	_ "golang.org/x/image/webp"
)

// Normalized is the canonical form of one image file. Bytes is the digest
// input: the original file when no orientation fix was needed, otherwise the
// upright re-encoding.
type Normalized struct {
	Bytes              []byte
	Image              image.Image
	Width              int
	Height             int
	OrientationApplied bool
}

// Normalize decodes the file and corrects EXIF orientation. Files without an
// Orientation tag (or with the upright value 1) pass through untouched;
// rotated or mirrored files are transformed and re-encoded as JPEG at the
// given quality, which becomes the identity the catalog tracks.
func Normalize(data []byte, quality int) (*Normalized, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	orientation := readOrientation(data)
	if orientation <= 1 {
		bounds := img.Bounds()
		return &Normalized{
			Bytes:  data,
			Image:  img,
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
		}, nil
	}

	oriented := ApplyOrientation(img, orientation)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, oriented, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode normalized image: %w", err)
	}
	bounds := oriented.Bounds()
	return &Normalized{
		Bytes:              buf.Bytes(),
		Image:              oriented,
		Width:              bounds.Dx(),
		Height:             bounds.Dy(),
		OrientationApplied: true,
	}, nil
}

// ApplyOrientation maps an EXIF Orientation value (2-8) onto the transform
// that makes the image upright. Unknown values return the image unchanged.
func ApplyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// readOrientation extracts the EXIF Orientation value, defaulting to upright
// when the tag or the whole EXIF block is missing or malformed.
func readOrientation(data []byte) int {
	exifData, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := exifData.Get(exif.Orientation)
	if err != nil || tag == nil {
		return 1
	}
	value, err := tag.Int(0)
	if err != nil || value < 1 || value > 8 {
		return 1
	}
	return value
}
