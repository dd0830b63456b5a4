package predict

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"log/slog"

	"facet/internal/catalog"
	"facet/internal/config"
	"facet/internal/faults"
	"facet/internal/jobs"
	"facet/internal/logging"
	"facet/internal/vision"
)

// Payload carries per-job overrides of the configured prediction policy.
type Payload struct {
	// Threshold overrides the configured confidence floor. Zero uses the
	// config.
	Threshold float64 `json:"threshold,omitempty"`
	// BatchSize overrides how many crops go to the predictor per request.
	BatchSize int `json:"batch_size,omitempty"`
}

// Progress is the published snapshot of one batch-predict run. Counters
// move per completed batch, never mid-batch.
type Progress struct {
	FacesTotal int `json:"faces_total"`
	FacesDone  int `json:"faces_done"`
	Predicted  int `json:"predicted"`
	Skipped    int `json:"skipped"`
	Batches    int `json:"batches"`
}

// Handler executes batch-predict jobs: faces without a confirmed identity
// are sent to the predictor in batches, and results at or above the
// confidence threshold are persisted one transaction per batch.
type Handler struct {
	cfg       *config.Config
	store     *catalog.Store
	jobsStore *jobs.Store
	tracker   *jobs.Tracker
	logger    *slog.Logger
	predictor vision.Predictor
}

// NewHandler constructs the batch-predict handler with the predictor
// resolved from configuration.
func NewHandler(cfg *config.Config, store *catalog.Store, jobsStore *jobs.Store, tracker *jobs.Tracker, logger *slog.Logger) *Handler {
	return NewHandlerWithDependencies(cfg, store, jobsStore, tracker, logger, vision.NewPredictor(cfg.Vision))
}

// NewHandlerWithDependencies allows injecting the predictor (used in tests).
func NewHandlerWithDependencies(
	cfg *config.Config,
	store *catalog.Store,
	jobsStore *jobs.Store,
	tracker *jobs.Tracker,
	logger *slog.Logger,
	predictor vision.Predictor,
) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		jobsStore: jobsStore,
		tracker:   tracker,
		logger:    logging.NewComponentLogger(logger, "predict"),
		predictor: predictor,
	}
}

func (h *Handler) thresholdFor(payload Payload) float64 {
	if payload.Threshold > 0 {
		return payload.Threshold
	}
	return h.cfg.Vision.PredictThreshold
}

func (h *Handler) batchSizeFor(payload Payload) int {
	size := payload.BatchSize
	if size <= 0 {
		size = h.cfg.Vision.PredictBatchSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Prepare validates the payload before the run claims its lane slot.
func (h *Handler) Prepare(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload Payload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "predict", "decode payload", "predict payload is not valid JSON", err)
	}
	if payload.Threshold < 0 || payload.Threshold > 1 {
		return faults.Wrap(faults.ErrValidation, "predict", "check threshold",
			fmt.Sprintf("confidence threshold %v is outside [0, 1]", payload.Threshold), nil)
	}
	if payload.BatchSize < 0 {
		return faults.Wrap(faults.ErrValidation, "predict", "check batch size",
			fmt.Sprintf("batch size %d is negative", payload.BatchSize), nil)
	}
	logger.Info("preparing batch prediction",
		logging.Float64("threshold", h.thresholdFor(payload)),
		logging.Int("batch_size", h.batchSizeFor(payload)))
	return nil
}

// Execute runs prediction over every unconfirmed face. The checkpoint
// cursor is the last face id of the newest committed batch, so a resumed
// job skips exactly the work already persisted.
func (h *Handler) Execute(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload Payload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "predict", "decode payload", "predict payload is not valid JSON", err)
	}
	cp, err := job.DecodeCheckpoint()
	if err != nil {
		return faults.Wrap(faults.ErrResumeMismatch, "predict", "decode checkpoint", "stored checkpoint is not readable", err)
	}
	threshold := h.thresholdFor(payload)
	batchSize := h.batchSizeFor(payload)

	crops, err := h.store.FaceCropsWithoutPerson(ctx)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "predict", "load crops", "could not load prediction candidates", err)
	}

	start := 0
	if cp.Last != "" {
		lastID, err := strconv.ParseInt(cp.Last, 10, 64)
		if err != nil {
			return faults.Wrap(faults.ErrResumeMismatch, "predict", "resume",
				fmt.Sprintf("checkpoint cursor %q is not a face id", cp.Last), err)
		}
		start = sort.Search(len(crops), func(i int) bool { return crops[i].FaceID > lastID })
		logger.Info("resuming from checkpoint",
			logging.Int64("last_face_id", lastID),
			logging.Int("done", cp.Done))
	}

	progress := Progress{FacesTotal: len(crops), FacesDone: cp.Done}

	logger.Info("batch prediction started",
		logging.Int("faces", len(crops)),
		logging.Int("skipped_by_checkpoint", start),
		logging.Float64("threshold", threshold),
		logging.Int("batch_size", batchSize))
	if err := h.tracker.Progress(ctx, job, progress); err != nil {
		return faults.Wrap(faults.ErrStorage, "predict", "publish progress", "could not persist progress snapshot", err)
	}

	if start < len(crops) && !h.predictor.Available(ctx) {
		logger.Warn("predictor offline; no predictions applied")
		return h.finish(ctx, job, logger, progress)
	}

	for i := start; i < len(crops); i += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+batchSize, len(crops))
		batch := crops[i:end]

		applied, err := h.predictBatch(ctx, batch, threshold, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if faults.Fatal(err) {
				return err
			}
			if rerr := h.recordBatchError(ctx, job, batch, err); rerr != nil {
				return rerr
			}
			if !h.predictor.Available(ctx) {
				logger.Warn("predictor went offline; finishing with partial coverage",
					logging.Int("faces_remaining", len(crops)-i))
				break
			}
		}

		progress.FacesDone += len(batch)
		progress.Predicted += applied
		progress.Skipped += len(batch) - applied
		progress.Batches++
		if err := h.tracker.Progress(ctx, job, progress); err != nil {
			return faults.Wrap(faults.ErrStorage, "predict", "publish progress", "could not persist progress snapshot", err)
		}
		checkpoint := jobs.Checkpoint{
			Done: progress.FacesDone,
			Last: strconv.FormatInt(batch[len(batch)-1].FaceID, 10),
		}
		if err := h.tracker.Checkpoint(ctx, job, checkpoint); err != nil {
			return faults.Wrap(faults.ErrStorage, "predict", "write checkpoint", "could not persist checkpoint", err)
		}
	}

	return h.finish(ctx, job, logger, progress)
}

// predictBatch posts one batch and persists the confident results in a
// single transaction. It returns how many faces gained a prediction.
func (h *Handler) predictBatch(ctx context.Context, batch []catalog.FaceCrop, threshold float64, batchSize int) (int, error) {
	wire := make([]vision.FaceCrop, len(batch))
	members := make(map[int64]bool, len(batch))
	for i, crop := range batch {
		wire[i] = vision.FaceCrop{FaceID: crop.FaceID, Crop: crop.Crop}
		members[crop.FaceID] = true
	}

	predictions, err := h.predictor.PredictBatch(ctx, wire, vision.PredictOptions{Threshold: threshold, BatchSize: batchSize})
	if err != nil {
		return 0, err
	}

	rows := make([]catalog.Prediction, 0, len(predictions))
	for _, p := range predictions {
		if !members[p.FaceID] || p.Confidence < threshold {
			continue
		}
		rows = append(rows, catalog.Prediction{FaceID: p.FaceID, PersonID: p.PersonID, Confidence: p.Confidence})
	}
	applied, err := h.store.ApplyPredictions(ctx, rows)
	if err != nil {
		return 0, faults.Wrap(faults.ErrStorage, "predict", "apply predictions", "could not persist predictions", err)
	}
	return int(applied), nil
}

func (h *Handler) recordBatchError(ctx context.Context, job *jobs.Job, batch []catalog.FaceCrop, err error) error {
	wrapped := faults.Wrap(faults.ErrPredictorUnavailable, "predict", "predict batch",
		fmt.Sprintf("batch of %d faces failed", len(batch)), err)
	detail := faults.Details(wrapped)
	ref := fmt.Sprintf("faces:%d-%d", batch[0].FaceID, batch[len(batch)-1].FaceID)
	if _, aerr := h.jobsStore.AddError(ctx, job.ID, ref, detail.Code, detail.Message); aerr != nil {
		return faults.Wrap(faults.ErrStorage, "predict", "record error", "could not record batch error", aerr)
	}
	logging.WithContext(ctx, h.logger).Warn("prediction batch skipped",
		logging.String("item", ref),
		logging.String("code", detail.Code),
		logging.Error(err))
	return nil
}

func (h *Handler) finish(ctx context.Context, job *jobs.Job, logger *slog.Logger, progress Progress) error {
	if err := h.tracker.Progress(ctx, job, progress); err != nil {
		return faults.Wrap(faults.ErrStorage, "predict", "publish progress", "could not persist progress snapshot", err)
	}
	if err := h.store.AppendAudit(ctx, "predict.completed", "job", nil, struct {
		JobID string `json:"job_id"`
		Progress
	}{JobID: job.ID, Progress: progress}); err != nil {
		return faults.Wrap(faults.ErrStorage, "predict", "append audit", "could not record completion", err)
	}
	logger.Info("batch prediction finished",
		logging.Int("faces", progress.FacesTotal),
		logging.Int("predicted", progress.Predicted),
		logging.Int("skipped", progress.Skipped),
		logging.Int("batches", progress.Batches))
	return nil
}

// HealthCheck reports readiness. An offline predictor degrades the job to a
// no-op rather than blocking it.
func (h *Handler) HealthCheck(ctx context.Context) jobs.Health {
	if !h.predictor.Available(ctx) {
		return jobs.Health{Name: "predict", Ready: true, Detail: "predictor offline; batch prediction applies nothing"}
	}
	return jobs.Healthy("predict")
}

var _ jobs.Handler = (*Handler)(nil)
