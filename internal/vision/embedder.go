package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"facet/internal/config"
	"facet/internal/identity"
)

// Embedder turns a face crop into the feature vector clustering consumes.
type Embedder interface {
	Embed(ctx context.Context, crop []byte) ([]float64, error)
}

// NewEmbedder selects the sidecar adapter when an endpoint is configured.
// The default is the local perceptual embedder, which needs no sidecar.
func NewEmbedder(cfg config.Vision) Embedder {
	if strings.TrimSpace(cfg.EmbedderURL) == "" {
		return PerceptualEmbedder{}
	}
	return NewSidecarEmbedder(cfg.EmbedderURL, time.Duration(cfg.RequestTimeout)*time.Second)
}

// PerceptualEmbedder derives a 64-dimension {0,1} vector from the crop's
// perceptual hash. Squared Euclidean distance between two such vectors
// equals the Hamming distance between the hashes, so hash thresholds carry
// over directly.
type PerceptualEmbedder struct{}

func (PerceptualEmbedder) Embed(_ context.Context, crop []byte) ([]float64, error) {
	img, err := imaging.Decode(bytes.NewReader(crop))
	if err != nil {
		return nil, fmt.Errorf("decode crop: %w", err)
	}
	bits := identity.BitVector(identity.PerceptualHash(img))
	vec := make([]float64, len(bits))
	for i, bit := range bits {
		vec[i] = float64(bit)
	}
	return vec, nil
}

// SidecarEmbedder requests embeddings from a local embedding server.
type SidecarEmbedder struct {
	client *sidecarClient
}

func NewSidecarEmbedder(baseURL string, timeout time.Duration) *SidecarEmbedder {
	return &SidecarEmbedder{client: newSidecarClient(baseURL, timeout)}
}

// Available probes the embedding server's health endpoint.
func (e *SidecarEmbedder) Available(ctx context.Context) bool {
	return e.client.available(ctx)
}

type embedResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float64 `json:"embedding"`
	Model     string    `json:"model"`
}

func (e *SidecarEmbedder) Embed(ctx context.Context, crop []byte) ([]float64, error) {
	body, err := e.client.postMultipartImage(ctx, "/embed/image", crop)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	return resp.Embedding, nil
}
