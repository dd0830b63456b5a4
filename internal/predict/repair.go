package predict

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"log/slog"

	"facet/internal/catalog"
	"facet/internal/config"
	"facet/internal/faults"
	"facet/internal/identity"
	"facet/internal/ingest"
	"facet/internal/jobs"
	"facet/internal/logging"
	"facet/internal/photo"
)

// RepairPayload selects what one repair run scans.
type RepairPayload struct {
	// Root overrides the configured library root. Empty uses the config.
	Root string `json:"root,omitempty"`
}

// RepairProgress is the published snapshot of one repair run.
type RepairProgress struct {
	FilesScanned  int `json:"files_scanned"`
	Tracked       int `json:"tracked"`
	Missing       int `json:"missing"`
	Relinked      int `json:"relinked"`
	Unresolved    int `json:"unresolved"`
	Untracked     int `json:"untracked"`
	FlagsRepaired int `json:"flags_repaired"`
}

// RepairHandler executes repair jobs: the scoped root is re-scanned,
// catalog entries whose files vanished are matched against untracked files
// by content digest and then by perceptual distance with filename hints,
// matched paths are rewritten in place, and has_faces flags are recomputed.
// Repair never deletes catalog rows; unresolved entries are only reported.
type RepairHandler struct {
	cfg       *config.Config
	store     *catalog.Store
	jobsStore *jobs.Store
	tracker   *jobs.Tracker
	logger    *slog.Logger
}

// NewRepairHandler constructs the repair handler.
func NewRepairHandler(cfg *config.Config, store *catalog.Store, jobsStore *jobs.Store, tracker *jobs.Tracker, logger *slog.Logger) *RepairHandler {
	return &RepairHandler{
		cfg:       cfg,
		store:     store,
		jobsStore: jobsStore,
		tracker:   tracker,
		logger:    logging.NewComponentLogger(logger, "repair"),
	}
}

func (h *RepairHandler) rootFor(payload RepairPayload) string {
	if payload.Root != "" {
		return payload.Root
	}
	return h.cfg.Library.Root
}

// Prepare validates the payload and the scoped root.
func (h *RepairHandler) Prepare(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload RepairPayload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "repair", "decode payload", "repair payload is not valid JSON", err)
	}
	root := h.rootFor(payload)
	if _, err := os.Stat(root); err != nil {
		return faults.Wrap(faults.ErrValidation, "repair", "check root", fmt.Sprintf("library root %s is not accessible", root), err)
	}
	logger.Info("preparing repair", logging.String("root", root))
	return nil
}

// Execute reconciles the catalog with the files under the scoped root.
func (h *RepairHandler) Execute(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, h.logger)

	var payload RepairPayload
	if err := job.DecodePayload(&payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "repair", "decode payload", "repair payload is not valid JSON", err)
	}
	root := h.rootFor(payload)

	files, err := ingest.Enumerate(root, nil, true, h.cfg.EligibleExtension)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "repair", "enumerate", "could not enumerate eligible files", err)
	}
	entries, err := h.store.IdentityEntries(ctx)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "load entries", "could not load catalog entries", err)
	}

	onDisk := make(map[string]struct{}, len(files))
	for _, rel := range files {
		onDisk[rel] = struct{}{}
	}
	tracked := make(map[string]struct{}, len(entries))
	var missing []*catalog.IdentityEntry
	for i := range entries {
		tracked[entries[i].RelativePath] = struct{}{}
		if _, ok := onDisk[entries[i].RelativePath]; !ok {
			missing = append(missing, &entries[i])
		}
	}
	var untracked []string
	for _, rel := range files {
		if _, ok := tracked[rel]; !ok {
			untracked = append(untracked, rel)
		}
	}

	progress := RepairProgress{
		FilesScanned: len(files),
		Tracked:      len(entries),
		Missing:      len(missing),
		Untracked:    len(untracked),
	}
	logger.Info("repair started",
		logging.String("root", root),
		logging.Int("files", len(files)),
		logging.Int("tracked", len(entries)),
		logging.Int("missing", len(missing)),
		logging.Int("untracked", len(untracked)))
	if err := h.tracker.Progress(ctx, job, progress); err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "publish progress", "could not persist progress snapshot", err)
	}

	// Hashing candidates is the expensive part; skip it when nothing is
	// missing.
	var candidates []identity.RelinkCandidate
	if len(missing) > 0 {
		for _, rel := range untracked {
			if err := ctx.Err(); err != nil {
				return err
			}
			candidate, ok := h.candidateFor(logger, root, rel)
			if ok {
				candidates = append(candidates, candidate)
			}
		}
	}

	matches, unresolved := identity.Relink(missing, candidates, h.cfg.Identity.NearDupThreshold)
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.applyRelink(ctx, match); err != nil {
			return err
		}
		progress.Relinked++
	}
	progress.Unresolved = len(unresolved)
	progress.Untracked = len(untracked) - progress.Relinked
	if err := h.tracker.Progress(ctx, job, progress); err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "publish progress", "could not persist progress snapshot", err)
	}

	for _, entry := range unresolved {
		if rerr := h.recordUnresolved(ctx, job, entry); rerr != nil {
			return rerr
		}
	}

	repaired, err := h.store.RecomputeHasFaces(ctx)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "recompute flags", "could not recompute has_faces flags", err)
	}
	progress.FlagsRepaired = int(repaired)

	if err := h.tracker.Progress(ctx, job, progress); err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "publish progress", "could not persist progress snapshot", err)
	}
	if err := h.store.AppendAudit(ctx, "repair.completed", "job", nil, struct {
		JobID string `json:"job_id"`
		RepairProgress
	}{JobID: job.ID, RepairProgress: progress}); err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "append audit", "could not record completion", err)
	}
	logger.Info("repair finished",
		logging.Int("relinked", progress.Relinked),
		logging.Int("unresolved", progress.Unresolved),
		logging.Int("untracked", progress.Untracked),
		logging.Int("flags_repaired", progress.FlagsRepaired))
	return nil
}

// candidateFor hashes one untracked file. Unreadable files are skipped;
// repair reports, it does not fail on damaged strays.
func (h *RepairHandler) candidateFor(logger *slog.Logger, root, rel string) (identity.RelinkCandidate, bool) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		logger.Warn("untracked file unreadable", logging.String("path", rel), logging.Error(err))
		return identity.RelinkCandidate{}, false
	}
	normalized, err := photo.Normalize(data, h.cfg.Identity.NormalizeQuality)
	if err != nil {
		logger.Warn("untracked file undecodable", logging.String("path", rel), logging.Error(err))
		return identity.RelinkCandidate{}, false
	}
	return identity.RelinkCandidate{
		RelativePath: rel,
		Digest:       identity.ContentDigest(normalized.Bytes),
		Perceptual:   identity.PerceptualHash(normalized.Image),
	}, true
}

func (h *RepairHandler) applyRelink(ctx context.Context, match identity.RelinkMatch) error {
	sub := path.Dir(match.NewPath)
	if sub == "." {
		sub = ""
	}
	if err := h.store.UpdateImagePath(ctx, match.Entry.ID, match.NewPath, sub, path.Base(match.NewPath)); err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "update path", "could not relink image", err)
	}
	details := map[string]any{
		"from":   match.Entry.RelativePath,
		"to":     match.NewPath,
		"method": match.Method,
	}
	if match.Method == identity.RelinkByPerceptual {
		details["distance"] = match.Distance
	}
	if err := h.store.AppendAudit(ctx, "image.relink", "image", &match.Entry.ID, details); err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "append audit", "could not record relink", err)
	}
	logging.WithContext(ctx, h.logger).Info("image relinked",
		logging.Int64("image_id", match.Entry.ID),
		logging.String("from", match.Entry.RelativePath),
		logging.String("to", match.NewPath),
		logging.String("method", match.Method))
	return nil
}

func (h *RepairHandler) recordUnresolved(ctx context.Context, job *jobs.Job, entry *catalog.IdentityEntry) error {
	wrapped := faults.Wrap(faults.ErrNotFound, "repair", "relink",
		fmt.Sprintf("%s is missing and no untracked file matches it", entry.RelativePath), nil)
	detail := faults.Details(wrapped)
	ref := fmt.Sprintf("image:%d", entry.ID)
	if _, err := h.jobsStore.AddError(ctx, job.ID, ref, detail.Code, detail.Message); err != nil {
		return faults.Wrap(faults.ErrStorage, "repair", "record error", "could not record unresolved entry", err)
	}
	return nil
}

// HealthCheck reports whether the scoped root can be scanned.
func (h *RepairHandler) HealthCheck(_ context.Context) jobs.Health {
	if _, err := os.Stat(h.cfg.Library.Root); err != nil {
		return jobs.Unhealthy("repair", fmt.Sprintf("library root inaccessible: %v", err))
	}
	return jobs.Healthy("repair")
}

var _ jobs.Handler = (*RepairHandler)(nil)
