package testsupport

import (
	"testing"

	"facet/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config scoped to a unique temp library root per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	if err := cfgVal.SetRoot(base); err != nil {
		t.Fatalf("set test root: %v", err)
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithNearDupThreshold overrides the perceptual distance threshold.
func WithNearDupThreshold(threshold int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Identity.NearDupThreshold = threshold
	}
}

// WithClusterStrategy selects the clustering strategy for the test config.
func WithClusterStrategy(strategy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cluster.Strategy = strategy
	}
}

// WithDetectorURL points the test config at a detector endpoint, typically an
// httptest server.
func WithDetectorURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Vision.DetectorURL = url
	}
}

// WithPredictorURL points the test config at a predictor endpoint.
func WithPredictorURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Vision.PredictorURL = url
	}
}

// WithCheckpointInterval overrides the checkpoint cadence.
func WithCheckpointInterval(interval int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Jobs.CheckpointInterval = interval
	}
}

// BaseDir returns the library root backing the generated config.
func BaseDir(cfg *config.Config) string {
	return cfg.Library.Root
}
