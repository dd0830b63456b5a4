package ingest

import (
	"context"
	"fmt"
	"os"
	"sort"

	"log/slog"

	"facet/internal/catalog"
	"facet/internal/config"
	"facet/internal/faults"
	"facet/internal/jobs"
	"facet/internal/logging"
	"facet/internal/vision"
)

// Handler executes ingest jobs. One handler serves every run; per-job state
// lives on the run type.
type Handler struct {
	cfg       *config.Config
	store     *catalog.Store
	jobsStore *jobs.Store
	tracker   *jobs.Tracker
	logger    *slog.Logger
	detector  vision.Detector
	predictor vision.Predictor
}

// NewHandler constructs the ingest handler with collaborators resolved from
// configuration.
func NewHandler(cfg *config.Config, store *catalog.Store, jobsStore *jobs.Store, tracker *jobs.Tracker, logger *slog.Logger) *Handler {
	return NewHandlerWithDependencies(cfg, store, jobsStore, tracker, logger,
		vision.NewDetector(cfg.Vision), vision.NewPredictor(cfg.Vision))
}

// NewHandlerWithDependencies allows injecting the vision collaborators (used
// in tests).
func NewHandlerWithDependencies(
	cfg *config.Config,
	store *catalog.Store,
	jobsStore *jobs.Store,
	tracker *jobs.Tracker,
	logger *slog.Logger,
	detector vision.Detector,
	predictor vision.Predictor,
) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		jobsStore: jobsStore,
		tracker:   tracker,
		logger:    logging.NewComponentLogger(logger, "ingest"),
		detector:  detector,
		predictor: predictor,
	}
}

func (h *Handler) rootFor(payload Payload) string {
	if payload.Root != "" {
		return payload.Root
	}
	return h.cfg.Library.Root
}

func (h *Handler) thresholdFor(payload Payload) int {
	if payload.Threshold > 0 {
		return payload.Threshold
	}
	return h.cfg.Identity.NearDupThreshold
}

// Prepare validates the payload and the scoped root before the run claims
// its lane slot.
func (h *Handler) Prepare(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload Payload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "ingest", "decode payload", "ingest payload is not valid JSON", err)
	}
	root := h.rootFor(payload)
	if _, err := os.Stat(root); err != nil {
		return faults.Wrap(faults.ErrValidation, "ingest", "check root", fmt.Sprintf("library root %s is not accessible", root), err)
	}
	logger.Info("preparing ingest",
		logging.String("root", root),
		logging.Int("folders", len(payload.Folders)),
		logging.Bool("recursive", payload.Recursive),
		logging.Bool("retry_only", job.RetryOnly))
	return nil
}

// Execute runs the import pipeline for one job.
func (h *Handler) Execute(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload Payload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "ingest", "decode payload", "ingest payload is not valid JSON", err)
	}
	cp, err := job.DecodeCheckpoint()
	if err != nil {
		return faults.Wrap(faults.ErrResumeMismatch, "ingest", "decode checkpoint", "stored checkpoint is not readable", err)
	}

	r := &run{
		h:         h,
		job:       job,
		logger:    logger,
		root:      h.rootFor(payload),
		threshold: h.thresholdFor(payload),
		predict:   payload.Predict,
		interval:  h.cfg.Jobs.CheckpointInterval,
	}
	if r.interval <= 0 {
		r.interval = 1
	}
	r.counters.Processed = cp.Done

	if err := r.resolveSession(ctx, payload, cp); err != nil {
		return err
	}
	r.counters.SessionID = r.session.ID

	if err := r.loadIndex(ctx); err != nil {
		return err
	}
	r.resolveCollaborators(ctx)

	if job.RetryOnly {
		return r.executeRetry(ctx)
	}

	files, err := Enumerate(r.root, payload.Folders, payload.Recursive, h.cfg.EligibleExtension)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "ingest", "enumerate", "could not enumerate eligible files", err)
	}
	start := 0
	if cp.Last != "" {
		idx := sort.SearchStrings(files, cp.Last)
		if idx >= len(files) || files[idx] != cp.Last {
			return faults.Wrap(faults.ErrResumeMismatch, "ingest", "resume",
				fmt.Sprintf("checkpoint file %s is no longer part of the scan", cp.Last), nil)
		}
		start = idx + 1
		logger.Info("resuming from checkpoint",
			logging.String("last_file", cp.Last),
			logging.Int("done", cp.Done))
	}
	r.counters.Total = len(files)

	logger.Info("ingest started",
		logging.Int64("session_id", r.session.ID),
		logging.Int("files", len(files)),
		logging.Int("skipped_by_checkpoint", start))
	if err := h.tracker.Progress(ctx, job, r.counters); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "publish progress", "could not persist progress snapshot", err)
	}

	for i := start; i < len(files); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := files[i]
		if err := r.processFile(ctx, rel); err != nil {
			if abortable(ctx, err) {
				return err
			}
			if rerr := r.recordItemError(ctx, rel, err); rerr != nil {
				return rerr
			}
		}
		r.counters.Processed++
		r.counters.CurrentFile = rel
		if r.counters.Processed%r.interval == 0 {
			if err := r.publish(ctx); err != nil {
				return err
			}
		}
	}

	if err := r.publish(ctx); err != nil {
		return err
	}
	if err := r.finishSession(ctx); err != nil {
		return err
	}
	if err := h.store.AppendAudit(ctx, "ingest.completed", "import_session", &r.session.ID, r.counters); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "append audit", "could not record completion", err)
	}
	logger.Info("ingest finished",
		logging.Int64("session_id", r.session.ID),
		logging.Int("new", r.counters.New),
		logging.Int("duplicates", r.counters.Duplicates),
		logging.Int("renames", r.counters.Renames),
		logging.Int("conflicts", r.counters.Conflicts),
		logging.Int("near_duplicates", r.counters.NearDups),
		logging.Int("corrupt", r.counters.Corrupt),
		logging.Int("faces", r.counters.Faces))
	return nil
}

// HealthCheck reports whether the pipeline can run. A missing detector only
// degrades detection, so it never fails the check.
func (h *Handler) HealthCheck(ctx context.Context) jobs.Health {
	if _, err := os.Stat(h.cfg.Library.Root); err != nil {
		return jobs.Unhealthy("ingest", fmt.Sprintf("library root inaccessible: %v", err))
	}
	if !h.detector.Available(ctx) {
		return jobs.Health{Name: "ingest", Ready: true, Detail: "detector offline; imports run without face detection"}
	}
	return jobs.Healthy("ingest")
}

// abortable reports whether err must end the run instead of being recorded
// against the current item.
func abortable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return faults.Fatal(err)
}

var _ jobs.Handler = (*Handler)(nil)
