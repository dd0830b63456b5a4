package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"facet/internal/config"
	"facet/internal/faults"
)

// Detector finds face regions in a photo.
type Detector interface {
	// Available reports whether the detector can serve requests right now.
	Available(ctx context.Context) bool
	// Detect returns the faces found in the source image, padded crops
	// included.
	Detect(ctx context.Context, src Source, opts DetectOptions) ([]Face, error)
}

// NewDetector selects the sidecar adapter when an endpoint is configured,
// the null detector otherwise.
func NewDetector(cfg config.Vision) Detector {
	if strings.TrimSpace(cfg.DetectorURL) == "" {
		return NullDetector{}
	}
	return NewSidecarDetector(cfg.DetectorURL, time.Duration(cfg.RequestTimeout)*time.Second)
}

// SidecarDetector posts images to a local face detection server.
type SidecarDetector struct {
	client *sidecarClient
}

func NewSidecarDetector(baseURL string, timeout time.Duration) *SidecarDetector {
	return &SidecarDetector{client: newSidecarClient(baseURL, timeout)}
}

func (d *SidecarDetector) Available(ctx context.Context) bool {
	return d.client.available(ctx)
}

// wireDetection mirrors the model server's per-face result: a corner-form
// box plus the detection score.
type wireDetection struct {
	FaceIndex int       `json:"face_index"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type detectResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []wireDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Detect posts the encoded image and converts each returned detection into
// a Face, cropping locally from the decoded pixels.
func (d *SidecarDetector) Detect(ctx context.Context, src Source, opts DetectOptions) ([]Face, error) {
	body, err := d.client.postMultipartImage(ctx, "/detect", src.Data)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse detect response: %w", err)
	}

	faces := make([]Face, 0, len(resp.Faces))
	for _, det := range resp.Faces {
		if len(det.BBox) != 4 {
			continue
		}
		box, ok := clampedBox(src.Image, det.BBox, opts.PadPercent)
		if !ok {
			// Box fell entirely outside the image; nothing to crop.
			continue
		}
		face, err := cropFace(src.Image, box, det.DetScore)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	return faces, nil
}

// NullDetector stands in when no detection sidecar is configured.
type NullDetector struct{}

func (NullDetector) Available(context.Context) bool { return false }

func (NullDetector) Detect(context.Context, Source, DetectOptions) ([]Face, error) {
	return nil, faults.ErrDetectorUnavailable
}
