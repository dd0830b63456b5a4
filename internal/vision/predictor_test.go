package vision_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"facet/internal/config"
	"facet/internal/faults"
	"facet/internal/vision"
)

func TestSidecarPredictorBatch(t *testing.T) {
	cropA := []byte{0xFF, 0xD8, 0xFF, 0x01}
	cropB := []byte{0xFF, 0xD8, 0xFF, 0x02}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Faces []struct {
				FaceID int64  `json:"face_id"`
				Crop   string `json:"crop"`
			} `json:"faces"`
			Threshold float64 `json:"threshold"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Faces) != 2 {
			t.Errorf("expected 2 faces in batch, got %d", len(req.Faces))
		}
		if req.Faces[0].FaceID != 7 || req.Faces[1].FaceID != 9 {
			t.Errorf("unexpected face ids %d, %d", req.Faces[0].FaceID, req.Faces[1].FaceID)
		}
		decoded, err := base64.StdEncoding.DecodeString(req.Faces[0].Crop)
		if err != nil {
			t.Errorf("crop is not base64: %v", err)
		}
		if string(decoded) != string(cropA) {
			t.Error("crop bytes did not round-trip")
		}
		if req.Threshold != 0.8 {
			t.Errorf("expected threshold 0.8 forwarded, got %v", req.Threshold)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"predictions":[{"face_id":7,"person_id":3,"confidence":0.92}],"model":"arc"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	predictor := vision.NewSidecarPredictor(srv.URL, 0)
	crops := []vision.FaceCrop{
		{FaceID: 7, Crop: cropA},
		{FaceID: 9, Crop: cropB},
	}

	predictions, err := predictor.PredictBatch(context.Background(), crops, vision.PredictOptions{Threshold: 0.8})
	if err != nil {
		t.Fatalf("predict batch: %v", err)
	}
	if len(predictions) != 1 {
		t.Fatalf("expected 1 prediction, got %d", len(predictions))
	}
	want := vision.Prediction{FaceID: 7, PersonID: 3, Confidence: 0.92}
	if predictions[0] != want {
		t.Fatalf("expected %+v, got %+v", want, predictions[0])
	}
}

func TestSidecarPredictorEmptyBatchSkipsRequest(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	predictor := vision.NewSidecarPredictor(srv.URL, 0)
	predictions, err := predictor.PredictBatch(context.Background(), nil, vision.PredictOptions{})
	if err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if predictions != nil {
		t.Fatalf("expected no predictions, got %d", len(predictions))
	}
	if hits.Load() != 0 {
		t.Fatal("empty batch must not hit the sidecar")
	}
}

func TestNullPredictor(t *testing.T) {
	predictor := vision.NullPredictor{}

	if predictor.Available(context.Background()) {
		t.Fatal("null predictor must never report available")
	}
	_, err := predictor.PredictBatch(context.Background(), []vision.FaceCrop{{FaceID: 1}}, vision.PredictOptions{})
	if !errors.Is(err, faults.ErrPredictorUnavailable) {
		t.Fatalf("expected ErrPredictorUnavailable, got %v", err)
	}
}

func TestNewPredictorSelection(t *testing.T) {
	if _, ok := vision.NewPredictor(config.Vision{}).(vision.NullPredictor); !ok {
		t.Fatal("expected null predictor without an endpoint")
	}
	if _, ok := vision.NewPredictor(config.Vision{PredictorURL: "http://127.0.0.1:9"}).(*vision.SidecarPredictor); !ok {
		t.Fatal("expected sidecar predictor with an endpoint")
	}
}
