package vision_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/disintegration/imaging"

	"facet/internal/config"
	"facet/internal/identity"
	"facet/internal/testsupport"
	"facet/internal/vision"
)

func TestPerceptualEmbedderMatchesHashBits(t *testing.T) {
	crop := testsupport.JPEGBytes(t, 64, 64, 3)
	embedder := vision.PerceptualEmbedder{}

	vec, err := embedder.Embed(context.Background(), crop)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 64 {
		t.Fatalf("expected 64 dimensions, got %d", len(vec))
	}

	img, err := imaging.Decode(bytes.NewReader(crop))
	if err != nil {
		t.Fatalf("decode crop: %v", err)
	}
	bits := identity.BitVector(identity.PerceptualHash(img))
	for i, bit := range bits {
		if vec[i] != float64(bit) {
			t.Fatalf("dimension %d: expected %v, got %v", i, bit, vec[i])
		}
		if vec[i] != 0 && vec[i] != 1 {
			t.Fatalf("dimension %d: expected binary value, got %v", i, vec[i])
		}
	}

	again, err := embedder.Embed(context.Background(), crop)
	if err != nil {
		t.Fatalf("second embed: %v", err)
	}
	for i := range vec {
		if vec[i] != again[i] {
			t.Fatalf("embedding not deterministic at dimension %d", i)
		}
	}
}

func TestPerceptualEmbedderRejectsCorruptCrop(t *testing.T) {
	if _, err := (vision.PerceptualEmbedder{}).Embed(context.Background(), []byte("junk")); err == nil {
		t.Fatal("expected error for undecodable crop")
	}
}

func TestSidecarEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/image" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file field: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"dim":3,"embedding":[0.25,0.5,0.75],"model":"clip"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	embedder := vision.NewSidecarEmbedder(srv.URL, 0)
	vec, err := embedder.Embed(context.Background(), testsupport.JPEGBytes(t, 32, 32, 4))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	want := []float64{0.25, 0.5, 0.75}
	if len(vec) != len(want) {
		t.Fatalf("expected %d dimensions, got %d", len(want), len(vec))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Fatalf("dimension %d: expected %v, got %v", i, want[i], vec[i])
		}
	}
}

func TestSidecarEmbedderRejectsEmptyEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"dim":0,"embedding":[],"model":"clip"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	embedder := vision.NewSidecarEmbedder(srv.URL, 0)
	if _, err := embedder.Embed(context.Background(), testsupport.JPEGBytes(t, 16, 16, 5)); err == nil {
		t.Fatal("expected error for empty embedding")
	}
}

func TestNewEmbedderSelection(t *testing.T) {
	if _, ok := vision.NewEmbedder(config.Vision{}).(vision.PerceptualEmbedder); !ok {
		t.Fatal("expected perceptual embedder without an endpoint")
	}
	if _, ok := vision.NewEmbedder(config.Vision{EmbedderURL: "http://127.0.0.1:9"}).(*vision.SidecarEmbedder); !ok {
		t.Fatal("expected sidecar embedder with an endpoint")
	}
}
