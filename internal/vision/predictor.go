package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"facet/internal/config"
	"facet/internal/faults"
)

// Predictor assigns person identities to face crops.
type Predictor interface {
	// Available reports whether the predictor can serve requests right now.
	Available(ctx context.Context) bool
	// PredictBatch posts one batch of crops and returns a prediction per
	// crop the model recognized. Callers own batching and the confidence
	// threshold; the threshold is forwarded so the server can pre-filter.
	PredictBatch(ctx context.Context, crops []FaceCrop, opts PredictOptions) ([]Prediction, error)
}

// NewPredictor selects the sidecar adapter when an endpoint is configured,
// the null predictor otherwise.
func NewPredictor(cfg config.Vision) Predictor {
	if strings.TrimSpace(cfg.PredictorURL) == "" {
		return NullPredictor{}
	}
	return NewSidecarPredictor(cfg.PredictorURL, time.Duration(cfg.RequestTimeout)*time.Second)
}

// SidecarPredictor posts crop batches to a local recognition server.
type SidecarPredictor struct {
	client *sidecarClient
}

func NewSidecarPredictor(baseURL string, timeout time.Duration) *SidecarPredictor {
	return &SidecarPredictor{client: newSidecarClient(baseURL, timeout)}
}

func (p *SidecarPredictor) Available(ctx context.Context) bool {
	return p.client.available(ctx)
}

type predictRequestFace struct {
	FaceID int64  `json:"face_id"`
	Crop   string `json:"crop"` // base64 JPEG
}

type predictRequest struct {
	Faces     []predictRequestFace `json:"faces"`
	Threshold float64              `json:"threshold,omitempty"`
}

type wirePrediction struct {
	FaceID     int64   `json:"face_id"`
	PersonID   int64   `json:"person_id"`
	Confidence float64 `json:"confidence"`
}

type predictResponse struct {
	Predictions []wirePrediction `json:"predictions"`
	Model       string           `json:"model"`
}

func (p *SidecarPredictor) PredictBatch(ctx context.Context, crops []FaceCrop, opts PredictOptions) ([]Prediction, error) {
	if len(crops) == 0 {
		return nil, nil
	}

	request := predictRequest{
		Faces:     make([]predictRequestFace, 0, len(crops)),
		Threshold: opts.Threshold,
	}
	for _, crop := range crops {
		request.Faces = append(request.Faces, predictRequestFace{
			FaceID: crop.FaceID,
			Crop:   base64.StdEncoding.EncodeToString(crop.Crop),
		})
	}

	body, err := p.client.postJSON(ctx, "/predict", request)
	if err != nil {
		return nil, err
	}

	var resp predictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse predict response: %w", err)
	}

	predictions := make([]Prediction, 0, len(resp.Predictions))
	for _, pred := range resp.Predictions {
		predictions = append(predictions, Prediction{
			FaceID:     pred.FaceID,
			PersonID:   pred.PersonID,
			Confidence: pred.Confidence,
		})
	}
	return predictions, nil
}

// NullPredictor stands in when no recognition sidecar is configured.
type NullPredictor struct{}

func (NullPredictor) Available(context.Context) bool { return false }

func (NullPredictor) PredictBatch(context.Context, []FaceCrop, PredictOptions) ([]Prediction, error) {
	return nil, faults.ErrPredictorUnavailable
}
