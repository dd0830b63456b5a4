package vision

import "image"

// Source carries one photo in both the encoded form posted to sidecars and
// the decoded form used for local cropping.
type Source struct {
	Data  []byte
	Image image.Image
}

// BBox is an absolute pixel region, clamped to the image bounds.
type BBox struct {
	X int
	Y int
	W int
	H int
}

// RelBBox mirrors BBox as fractions of the image dimensions, so the region
// stays meaningful across resizes and thumbnails.
type RelBBox struct {
	X float64
	Y float64
	W float64
	H float64
}

// Face is one detected face region plus its padded JPEG crop.
type Face struct {
	BBox       BBox
	RelBBox    RelBBox
	Confidence float64
	Crop       []byte
}

// DetectOptions tunes one detection pass.
type DetectOptions struct {
	// PadPercent widens each detected box by this percentage of its size on
	// every side before cropping, keeping hair and chin context in the crop.
	PadPercent int
}

// FaceCrop is one stored crop submitted for identity prediction.
type FaceCrop struct {
	FaceID int64
	Crop   []byte
}

// Prediction is the predictor's verdict for one submitted crop. Crops the
// model does not recognize simply have no entry.
type Prediction struct {
	FaceID     int64
	PersonID   int64
	Confidence float64
}

// PredictOptions tunes one prediction batch.
type PredictOptions struct {
	Threshold float64
	BatchSize int
}
