package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"log/slog"

	"facet/internal/catalog"
	"facet/internal/faults"
	"facet/internal/identity"
	"facet/internal/jobs"
	"facet/internal/logging"
	"facet/internal/photo"
	"facet/internal/vision"
)

// run carries the state of one ingest job execution.
type run struct {
	h      *Handler
	job    *jobs.Job
	logger *slog.Logger

	root      string
	threshold int
	predict   bool
	interval  int

	session     *catalog.ImportSession
	ownsSession bool
	index       *identity.Index
	counters    Progress

	detectReady  bool
	predictReady bool
}

// resolveSession binds the run to its import session. A checkpointed session
// wins over one named in the payload; with neither, the run creates its own
// and finishes it when done.
func (r *run) resolveSession(ctx context.Context, payload Payload, cp jobs.Checkpoint) error {
	r.ownsSession = payload.SessionID == 0

	switch {
	case cp.SessionID != 0:
		session, err := r.h.store.SessionByID(ctx, cp.SessionID)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "ingest", "load session", "could not load checkpointed session", err)
		}
		if session == nil {
			return faults.Wrap(faults.ErrResumeMismatch, "ingest", "load session",
				fmt.Sprintf("checkpointed session %d no longer exists", cp.SessionID), nil)
		}
		r.session = session
	case payload.SessionID != 0:
		session, err := r.h.store.SessionByID(ctx, payload.SessionID)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "ingest", "load session", "could not load requested session", err)
		}
		if session == nil {
			return faults.Wrap(faults.ErrValidation, "ingest", "load session",
				fmt.Sprintf("import session %d does not exist", payload.SessionID), nil)
		}
		r.session = session
	default:
		folderCount := len(payload.Folders)
		if folderCount == 0 {
			folderCount = 1
		}
		session, err := r.h.store.CreateSession(ctx, folderCount)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "ingest", "create session", "could not open import session", err)
		}
		r.session = session
	}
	return nil
}

// loadIndex builds the in-memory identity index from the catalog.
func (r *run) loadIndex(ctx context.Context) error {
	entries, err := r.h.store.IdentityEntries(ctx)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "load index", "could not load identity entries", err)
	}
	r.index = identity.NewIndex(r.root)
	r.index.Load(entries)
	r.logger.Debug("identity index loaded", logging.Int("entries", r.index.Len()))
	return nil
}

// resolveCollaborators probes the sidecars once per run. An offline detector
// degrades the run to import-only; an offline predictor skips inline
// prediction. Neither fails the job.
func (r *run) resolveCollaborators(ctx context.Context) {
	r.detectReady = r.h.detector.Available(ctx)
	if !r.detectReady {
		r.logger.Warn("detector unavailable; importing without face detection")
	}
	if r.predict {
		r.predictReady = r.h.predictor.Available(ctx)
		if !r.predictReady {
			r.logger.Warn("predictor unavailable; skipping inline prediction")
		}
	}
}

// processFile runs the identity pipeline for one relative path. Item-scoped
// failures come back as classified faults for the caller to record; storage
// and context failures abort the run.
func (r *run) processFile(ctx context.Context, rel string) error {
	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(rel)))
	if err != nil {
		return faults.Wrap(faults.ErrCorruptItem, "ingest", "read", fmt.Sprintf("could not read %s", rel), err)
	}
	normalized, err := photo.Normalize(data, r.h.cfg.Identity.NormalizeQuality)
	if err != nil {
		return faults.Wrap(faults.ErrCorruptItem, "ingest", "decode", fmt.Sprintf("could not decode %s", rel), err)
	}

	probe := identity.Probe{
		RelativePath: rel,
		Digest:       identity.ContentDigest(normalized.Bytes),
		Perceptual:   identity.PerceptualHash(normalized.Image),
		Width:        normalized.Width,
		Height:       normalized.Height,
		SizeBytes:    int64(len(normalized.Bytes)),
	}
	decision, err := r.index.Classify(ctx, probe, r.threshold)
	if err != nil {
		return err
	}

	switch decision.Kind {
	case identity.KindDuplicate:
		r.counters.Duplicates++
		r.logger.Debug("duplicate skipped", logging.String("file", rel))
		return nil
	case identity.KindRename:
		return r.applyRename(ctx, rel, decision)
	case identity.KindConflict:
		return faults.Wrap(faults.ErrIdentityConflict, "ingest", "classify", decision.Reason, nil)
	case identity.KindNearDuplicate:
		return faults.Wrap(faults.ErrNearDuplicate, "ingest", "classify",
			fmt.Sprintf("%s sits within distance %d of catalogued image %d",
				rel, decision.Distance, decision.Candidates[0]), nil)
	}
	return r.commitNew(ctx, rel, data, normalized, probe)
}

// applyRename points an existing catalog row at the file's new location.
func (r *run) applyRename(ctx context.Context, rel string, decision identity.Decision) error {
	match := decision.Match
	subFolder, filename := splitRelative(rel)
	if err := r.h.store.UpdateImagePath(ctx, match.ID, rel, subFolder, filename); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "rename", fmt.Sprintf("could not move image %d", match.ID), err)
	}
	if err := r.h.store.AppendAudit(ctx, "image.rename", "image", &match.ID, map[string]any{
		"from":       decision.OldPath,
		"to":         rel,
		"session_id": r.session.ID,
	}); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "rename", "could not record rename", err)
	}
	r.index.SetPath(match.ID, rel)
	r.counters.Renames++
	r.logger.Info("image renamed",
		logging.Int64("image_id", match.ID),
		logging.String("from", decision.OldPath),
		logging.String("to", rel))
	return nil
}

// commitNew catalogues a brand-new image: metadata off the original bytes,
// thumbnail and faces off the normalized ones, all in one transaction.
func (r *run) commitNew(ctx context.Context, rel string, original []byte, normalized *photo.Normalized, probe identity.Probe) error {
	meta := photo.ExtractMetadata(original)
	thumbnail, err := photo.Thumbnail(normalized.Image, r.h.cfg.Library.ThumbnailMaxWidth)
	if err != nil {
		return faults.Wrap(faults.ErrCorruptItem, "ingest", "thumbnail", fmt.Sprintf("could not build thumbnail for %s", rel), err)
	}

	faces, err := r.detectFaces(ctx, normalized)
	if err != nil {
		return err
	}
	if err := r.predictFaces(ctx, faces); err != nil {
		return err
	}

	subFolder, filename := splitRelative(rel)
	image := &catalog.Image{
		ImportID:           r.session.ID,
		RelativePath:       rel,
		SubFolder:          subFolder,
		Filename:           filename,
		ContentHash:        probe.Digest,
		PerceptualHash:     probe.Perceptual,
		Width:              probe.Width,
		Height:             probe.Height,
		OrientationApplied: normalized.OrientationApplied,
		Thumbnail:          thumbnail,
		SizeBytes:          probe.SizeBytes,
	}
	if err := r.h.store.CommitImage(ctx, image, faces, meta); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "commit", fmt.Sprintf("could not commit %s", rel), err)
	}
	r.index.Add(&catalog.IdentityEntry{
		ID:             image.ID,
		RelativePath:   rel,
		ContentHash:    probe.Digest,
		PerceptualHash: probe.Perceptual,
		Width:          probe.Width,
		Height:         probe.Height,
		SizeBytes:      probe.SizeBytes,
	})
	r.counters.New++
	r.counters.Faces += len(faces)
	r.logger.Debug("image catalogued",
		logging.Int64("image_id", image.ID),
		logging.String("file", rel),
		logging.Int("faces", len(faces)))
	return nil
}

// detectFaces asks the sidecar for face regions. A sidecar failure flips the
// run to import-only rather than failing the item.
func (r *run) detectFaces(ctx context.Context, normalized *photo.Normalized) ([]catalog.Face, error) {
	if !r.detectReady {
		return nil, nil
	}
	detected, err := r.h.detector.Detect(ctx,
		vision.Source{Data: normalized.Bytes, Image: normalized.Image},
		vision.DetectOptions{PadPercent: r.h.cfg.Vision.BBoxPadPercent})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.detectReady = false
		r.logger.Warn("detector failed; continuing without face detection", logging.Error(err))
		return nil, nil
	}

	faces := make([]catalog.Face, 0, len(detected))
	for _, face := range detected {
		faces = append(faces, catalog.Face{
			BBoxX:    face.BBox.X,
			BBoxY:    face.BBox.Y,
			BBoxW:    face.BBox.W,
			BBoxH:    face.BBox.H,
			RelX:     face.RelBBox.X,
			RelY:     face.RelBBox.Y,
			RelW:     face.RelBBox.W,
			RelH:     face.RelBBox.H,
			Crop:     face.Crop,
			DetScore: face.Confidence,
		})
	}
	return faces, nil
}

// predictFaces runs inline identity prediction over uncommitted faces,
// correlating predictions by slice index. Only predictions at or above the
// configured threshold are kept.
func (r *run) predictFaces(ctx context.Context, faces []catalog.Face) error {
	if !r.predictReady || len(faces) == 0 {
		return nil
	}
	crops := make([]vision.FaceCrop, len(faces))
	for i := range faces {
		crops[i] = vision.FaceCrop{FaceID: int64(i), Crop: faces[i].Crop}
	}
	predictions, err := r.h.predictor.PredictBatch(ctx, crops, vision.PredictOptions{
		Threshold: r.h.cfg.Vision.PredictThreshold,
		BatchSize: r.h.cfg.Vision.PredictBatchSize,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.predictReady = false
		r.logger.Warn("predictor failed; continuing without inline prediction", logging.Error(err))
		return nil
	}
	for _, prediction := range predictions {
		idx := int(prediction.FaceID)
		if idx < 0 || idx >= len(faces) {
			continue
		}
		if prediction.Confidence < r.h.cfg.Vision.PredictThreshold {
			continue
		}
		personID := prediction.PersonID
		confidence := prediction.Confidence
		faces[idx].PredictedPersonID = &personID
		faces[idx].PredictionConfidence = &confidence
		faces[idx].Provenance = catalog.ProvenancePredicted
		r.counters.Predicted++
	}
	return nil
}

// recordItemError persists one skipped item so the operator can inspect and
// retry it, then bumps the matching counter.
func (r *run) recordItemError(ctx context.Context, rel string, itemErr error) error {
	detail := faults.Details(itemErr)
	if _, err := r.h.jobsStore.AddError(ctx, r.job.ID, rel, detail.Code, detail.Message); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "record error", "could not persist item error", err)
	}
	if err := r.h.store.AppendAudit(ctx, "ingest."+detail.Code, "image", nil, map[string]any{
		"path":       rel,
		"session_id": r.session.ID,
		"message":    detail.Message,
	}); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "record error", "could not record audit entry", err)
	}

	switch detail.Code {
	case "identity_conflict":
		r.counters.Conflicts++
	case "near_duplicate":
		r.counters.NearDups++
	default:
		r.counters.Corrupt++
	}
	r.logger.Warn("item skipped",
		logging.String("file", rel),
		logging.String("code", detail.Code),
		logging.String("detail", detail.Message))
	return nil
}

// publish persists the progress snapshot and checkpoint cursor together.
func (r *run) publish(ctx context.Context) error {
	if err := r.h.tracker.Progress(ctx, r.job, r.counters); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "publish progress", "could not persist progress snapshot", err)
	}
	cp := jobs.Checkpoint{
		Done:      r.counters.Processed,
		Last:      r.counters.CurrentFile,
		SessionID: r.session.ID,
	}
	if err := r.h.tracker.Checkpoint(ctx, r.job, cp); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "publish checkpoint", "could not persist checkpoint", err)
	}
	return nil
}

// finishSession closes the import session when this run opened it.
func (r *run) finishSession(ctx context.Context) error {
	if !r.ownsSession {
		return nil
	}
	if err := r.h.store.FinishSession(ctx, r.session.ID); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "finish session", "could not close import session", err)
	}
	return nil
}

// executeRetry re-processes exactly the items marked for retry. Every
// selected row resolves; items that fail again get a fresh pending row.
func (r *run) executeRetry(ctx context.Context) error {
	selection, err := r.h.jobsStore.RetrySelection(ctx, r.job.ID)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "retry", "could not load retry selection", err)
	}
	if len(selection) == 0 {
		r.logger.Warn("retry selection is empty; nothing to do")
		return nil
	}
	r.counters.Total = len(selection)
	r.logger.Info("retrying failed items", logging.Int("items", len(selection)))

	for _, entry := range selection {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := entry.ItemRef
		if err := r.processFile(ctx, rel); err != nil {
			if abortable(ctx, err) {
				return err
			}
			if rerr := r.recordItemError(ctx, rel, err); rerr != nil {
				return rerr
			}
		}
		if err := r.h.jobsStore.ResolveError(ctx, entry.ID, jobs.ResolutionResolved); err != nil {
			return faults.Wrap(faults.ErrStorage, "ingest", "retry", "could not resolve retried error", err)
		}
		r.counters.Retried++
		r.counters.Processed++
		r.counters.CurrentFile = rel
	}

	if err := r.publish(ctx); err != nil {
		return err
	}
	if err := r.finishSession(ctx); err != nil {
		return err
	}
	if err := r.h.store.AppendAudit(ctx, "ingest.retry_completed", "import_session", &r.session.ID, r.counters); err != nil {
		return faults.Wrap(faults.ErrStorage, "ingest", "retry", "could not record completion", err)
	}
	r.logger.Info("retry finished",
		logging.Int("retried", r.counters.Retried),
		logging.Int("new", r.counters.New),
		logging.Int("still_failing", r.counters.Conflicts+r.counters.NearDups+r.counters.Corrupt))
	return nil
}
