package cluster

import (
	"context"
	"fmt"

	"log/slog"

	"facet/internal/catalog"
	"facet/internal/config"
	"facet/internal/faults"
	"facet/internal/jobs"
	"facet/internal/logging"
	"facet/internal/vision"
)

// Payload carries per-job overrides of the configured clustering policy.
// Zero fields keep the [cluster] config values.
type Payload struct {
	Strategy   string  `json:"strategy,omitempty"`
	Eps        float64 `json:"eps,omitempty"`
	MinSamples int     `json:"min_samples,omitempty"`
	K          int     `json:"k,omitempty"`
}

// Handler executes cluster jobs: embed every stored face crop, run the
// clustering engine, and persist the final labels in one batch.
type Handler struct {
	cfg       *config.Config
	store     *catalog.Store
	jobsStore *jobs.Store
	tracker   *jobs.Tracker
	logger    *slog.Logger
	embedder  vision.Embedder
}

// NewHandler constructs the cluster handler with the embedder resolved from
// configuration.
func NewHandler(cfg *config.Config, store *catalog.Store, jobsStore *jobs.Store, tracker *jobs.Tracker, logger *slog.Logger) *Handler {
	return NewHandlerWithDependencies(cfg, store, jobsStore, tracker, logger, vision.NewEmbedder(cfg.Vision))
}

// NewHandlerWithDependencies allows injecting the embedder (used in tests).
func NewHandlerWithDependencies(
	cfg *config.Config,
	store *catalog.Store,
	jobsStore *jobs.Store,
	tracker *jobs.Tracker,
	logger *slog.Logger,
	embedder vision.Embedder,
) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		jobsStore: jobsStore,
		tracker:   tracker,
		logger:    logging.NewComponentLogger(logger, "cluster"),
		embedder:  embedder,
	}
}

func (h *Handler) resolve(payload Payload) (Strategy, Params, error) {
	name := payload.Strategy
	if name == "" {
		name = h.cfg.Cluster.Strategy
	}
	strategy, err := ForName(name)
	if err != nil {
		return nil, Params{}, err
	}
	params := Params{
		Eps:           h.cfg.Cluster.Eps,
		MinSamples:    h.cfg.Cluster.MinSamples,
		K:             h.cfg.Cluster.KMeansK,
		Seed:          h.cfg.Cluster.Seed,
		MaxIterations: h.cfg.Cluster.MaxIterations,
	}
	if payload.Eps > 0 {
		params.Eps = payload.Eps
	}
	if payload.MinSamples > 0 {
		params.MinSamples = payload.MinSamples
	}
	if payload.K > 0 {
		params.K = payload.K
	}
	return strategy, params, nil
}

// Prepare validates the requested strategy before the run claims its slot.
func (h *Handler) Prepare(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload Payload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "cluster", "decode payload", "cluster payload is not valid JSON", err)
	}
	strategy, params, err := h.resolve(payload)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "cluster", "resolve strategy", err.Error(), nil)
	}
	logger.Info("preparing clustering",
		logging.String("strategy", strategy.Name()),
		logging.Float64("eps", params.Eps),
		logging.Int("min_samples", params.MinSamples),
		logging.Int("k", params.K))
	return nil
}

// Execute embeds the stored face crops, clusters them, and commits the
// assignments. Cancellation before the batch write leaves every cluster_id
// untouched.
func (h *Handler) Execute(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload Payload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "cluster", "decode payload", "cluster payload is not valid JSON", err)
	}
	strategy, params, err := h.resolve(payload)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "cluster", "resolve strategy", err.Error(), nil)
	}

	crops, err := h.store.FaceCropsForClustering(ctx)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "cluster", "load crops", "could not load face crops", err)
	}

	interval := h.cfg.Jobs.CheckpointInterval
	if interval <= 0 {
		interval = 1
	}

	logger.Info("clustering started",
		logging.String("strategy", strategy.Name()),
		logging.Int("faces", len(crops)))
	if err := h.tracker.Progress(ctx, job, Stats{FacesTotal: len(crops)}); err != nil {
		return faults.Wrap(faults.ErrStorage, "cluster", "publish progress", "could not persist progress snapshot", err)
	}

	vectors := make(map[int64][]float64, len(crops))
	skipped := 0
	for _, crop := range crops {
		if err := ctx.Err(); err != nil {
			return err
		}
		vec, err := h.embedder.Embed(ctx, crop.Crop)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rerr := h.recordEmbedError(ctx, job, crop, err); rerr != nil {
				return rerr
			}
			skipped++
			continue
		}
		vectors[crop.FaceID] = vec
		if len(vectors)%interval == 0 {
			if err := h.tracker.Progress(ctx, job, Stats{FacesTotal: len(crops), FacesDone: len(vectors)}); err != nil {
				return faults.Wrap(faults.ErrStorage, "cluster", "publish progress", "could not persist progress snapshot", err)
			}
		}
	}

	engine := NewEngine(h.cfg.Cluster.MaxClusterSize, h.cfg.Cluster.SplitTighten)
	assignments, stats, err := engine.Run(ctx, vectors, strategy, params)
	if err != nil {
		return err
	}
	stats.FacesTotal = len(crops)

	// The batch write is all-or-nothing; a cancelled run commits nothing.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.store.AssignClusters(ctx, assignments); err != nil {
		return faults.Wrap(faults.ErrStorage, "cluster", "assign clusters", "could not persist cluster assignments", err)
	}

	if err := h.tracker.Progress(ctx, job, stats); err != nil {
		return faults.Wrap(faults.ErrStorage, "cluster", "publish progress", "could not persist progress snapshot", err)
	}
	if err := h.store.AppendAudit(ctx, "cluster.completed", "job", nil, struct {
		JobID string `json:"job_id"`
		Stats
	}{JobID: job.ID, Stats: stats}); err != nil {
		return faults.Wrap(faults.ErrStorage, "cluster", "append audit", "could not record completion", err)
	}
	logger.Info("clustering finished",
		logging.Int("faces", stats.FacesTotal),
		logging.Int("clustered", stats.FacesDone),
		logging.Int("skipped", skipped),
		logging.Int("clusters", stats.ClustersCreated),
		logging.Int("noise", stats.NoiseCount),
		logging.Int("oversized", len(stats.Oversized)))
	return nil
}

func (h *Handler) recordEmbedError(ctx context.Context, job *jobs.Job, crop catalog.FaceCrop, err error) error {
	wrapped := faults.Wrap(faults.ErrCorruptItem, "cluster", "embed",
		fmt.Sprintf("face %d crop could not be embedded", crop.FaceID), err)
	detail := faults.Details(wrapped)
	ref := fmt.Sprintf("face:%d", crop.FaceID)
	if _, aerr := h.jobsStore.AddError(ctx, job.ID, ref, detail.Code, detail.Message); aerr != nil {
		return faults.Wrap(faults.ErrStorage, "cluster", "record error", "could not record item error", aerr)
	}
	logging.WithContext(ctx, h.logger).Warn("face skipped",
		logging.Int64("face_id", crop.FaceID),
		logging.String("code", detail.Code),
		logging.Error(err))
	return nil
}

// HealthCheck reports readiness. The default perceptual embedder is local
// and always ready; a configured sidecar is probed, and clustering cannot
// run without it.
func (h *Handler) HealthCheck(ctx context.Context) jobs.Health {
	if probe, ok := h.embedder.(interface{ Available(context.Context) bool }); ok {
		if !probe.Available(ctx) {
			return jobs.Unhealthy("cluster", "embedding sidecar offline")
		}
	}
	return jobs.Healthy("cluster")
}

var _ jobs.Handler = (*Handler)(nil)
