package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "image/jpeg"

	"facet/internal/catalog"
	"facet/internal/config"
	"facet/internal/faults"
	"facet/internal/ingest"
	"facet/internal/jobs"
	"facet/internal/logging"
	"facet/internal/testsupport"
	"facet/internal/vision"
)

type harness struct {
	cfg       *config.Config
	store     *catalog.Store
	jobsStore *jobs.Store
	tracker   *jobs.Tracker
	handler   *ingest.Handler
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	jobsStore := jobs.NewStore(store.DB())
	tracker := jobs.NewTracker(jobsStore, jobs.NewHub(cfg.Jobs.ProgressBuffer))
	return &harness{
		cfg:       cfg,
		store:     store,
		jobsStore: jobsStore,
		tracker:   tracker,
		handler:   ingest.NewHandler(cfg, store, jobsStore, tracker, logging.NewNop()),
	}
}

func (h *harness) root() string {
	return h.cfg.Library.Root
}

func (h *harness) newJob(t *testing.T, id string, payload ingest.Payload) *jobs.Job {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job := &jobs.Job{
		ID:       id,
		Type:     jobs.TypeIngest,
		Lane:     jobs.LaneCPU,
		Priority: jobs.PriorityBackground,
		Payload:  string(body),
	}
	if err := h.jobsStore.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (h *harness) execute(t *testing.T, job *jobs.Job) error {
	t.Helper()

	ctx := context.Background()
	if err := h.handler.Prepare(ctx, job); err != nil {
		return err
	}
	return h.handler.Execute(ctx, job)
}

func (h *harness) reload(t *testing.T, id string) *jobs.Job {
	t.Helper()

	job, err := h.jobsStore.JobByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job == nil {
		t.Fatalf("job %s disappeared", id)
	}
	return job
}

func (h *harness) progress(t *testing.T, id string) ingest.Progress {
	t.Helper()

	job := h.reload(t, id)
	if strings.TrimSpace(job.Progress) == "" {
		t.Fatalf("job %s has no progress snapshot", id)
	}
	var p ingest.Progress
	if err := json.Unmarshal([]byte(job.Progress), &p); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	return p
}

func (h *harness) auditActions(t *testing.T) []string {
	t.Helper()

	entries, err := h.store.ListAudit(context.Background(), 50)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func containsAction(actions []string, want string) bool {
	for _, action := range actions {
		if action == want {
			return true
		}
	}
	return false
}

type wireFace struct {
	FaceIndex int       `json:"face_index"`
	BBox      []float64 `json:"bbox"`
	DetScore  float64   `json:"det_score"`
}

func newDetectorServer(t *testing.T, faces []wireFace) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"faces_count": len(faces),
			"faces":       faces,
			"model":       "scrfd-test",
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newPredictorServer(t *testing.T, predictions []map[string]any) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictions": predictions,
			"model":       "arcface-test",
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestExecuteCatalogsNewImages(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "2024", "beach.jpg"), 64, 48, 1)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "alpha.jpg"), 64, 48, 2)

	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx := context.Background()
	count, err := h.store.CountImages(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("catalogued %d images, want 2", count)
	}

	img, err := h.store.ImageByPath(ctx, "2024/beach.jpg")
	if err != nil || img == nil {
		t.Fatalf("image by path: %v %v", img, err)
	}
	if img.Width != 64 || img.Height != 48 {
		t.Fatalf("dimensions = %dx%d, want 64x48", img.Width, img.Height)
	}
	if len(img.ContentHash) != 32 {
		t.Fatalf("content hash length = %d, want 32", len(img.ContentHash))
	}
	if img.SubFolder != "2024" || img.Filename != "beach.jpg" {
		t.Fatalf("split = %q/%q", img.SubFolder, img.Filename)
	}
	if len(img.Thumbnail) == 0 {
		t.Fatal("missing thumbnail")
	}
	if img.SizeBytes <= 0 {
		t.Fatal("missing size")
	}
	if img.HasFaces {
		t.Fatal("has_faces set without a detector")
	}

	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].FinishedAt == nil {
		t.Fatal("session left unfinished")
	}
	if sessions[0].ImageCount != 2 {
		t.Fatalf("session image count = %d, want 2", sessions[0].ImageCount)
	}
	if img.ImportID != sessions[0].ID {
		t.Fatalf("image import id = %d, want %d", img.ImportID, sessions[0].ID)
	}

	progress := h.progress(t, job.ID)
	if progress.New != 2 || progress.Processed != 2 || progress.Total != 2 {
		t.Fatalf("progress = %+v", progress)
	}
	if progress.SessionID != sessions[0].ID {
		t.Fatalf("progress session = %d, want %d", progress.SessionID, sessions[0].ID)
	}

	cp, err := h.reload(t, job.ID).DecodeCheckpoint()
	if err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if cp.Done != 2 || cp.Last != "alpha.jpg" || cp.SessionID != sessions[0].ID {
		t.Fatalf("checkpoint = %+v", cp)
	}

	if actions := h.auditActions(t); !containsAction(actions, "ingest.completed") {
		t.Fatalf("audit actions = %v, want ingest.completed", actions)
	}
}

func TestExecuteDetectsFacesAndExtractsMetadata(t *testing.T) {
	server := newDetectorServer(t, []wireFace{
		{FaceIndex: 0, BBox: []float64{8, 8, 40, 40}, DetScore: 0.9},
	})
	h := newHarness(t, testsupport.WithDetectorURL(server.URL))
	testsupport.WriteJPEGWithEXIF(t, filepath.Join(h.root(), "cam.jpg"), 64, 48, 3,
		testsupport.EXIFOptions{Make: "Go", Model: "Cam"})

	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx := context.Background()
	img, err := h.store.ImageByPath(ctx, "cam.jpg")
	if err != nil || img == nil {
		t.Fatalf("image by path: %v %v", img, err)
	}
	if !img.HasFaces {
		t.Fatal("has_faces not set")
	}

	faces, err := h.store.FacesByImage(ctx, img.ID)
	if err != nil {
		t.Fatalf("faces: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("faces = %d, want 1", len(faces))
	}
	face := faces[0]
	// 32px box padded by 10% on each side, clamped inside 64x48.
	if face.BBoxX != 5 || face.BBoxY != 5 || face.BBoxW != 38 || face.BBoxH != 38 {
		t.Fatalf("bbox = %d,%d %dx%d", face.BBoxX, face.BBoxY, face.BBoxW, face.BBoxH)
	}
	if face.RelX != 5.0/64.0 || face.RelY != 5.0/48.0 || face.RelW != 38.0/64.0 || face.RelH != 38.0/48.0 {
		t.Fatalf("rel bbox = %v,%v %vx%v", face.RelX, face.RelY, face.RelW, face.RelH)
	}
	if face.DetScore != 0.9 {
		t.Fatalf("det score = %v, want 0.9", face.DetScore)
	}
	crop, _, err := image.Decode(bytes.NewReader(face.Crop))
	if err != nil {
		t.Fatalf("decode crop: %v", err)
	}
	if crop.Bounds().Dx() != 38 || crop.Bounds().Dy() != 38 {
		t.Fatalf("crop = %dx%d, want 38x38", crop.Bounds().Dx(), crop.Bounds().Dy())
	}

	meta, err := h.store.MetadataForImage(ctx, img.ID)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	byKey := make(map[string]string, len(meta))
	for _, entry := range meta {
		byKey[entry.Key] = entry.Value
	}
	if byKey["camera_make"] != "Go" || byKey["camera_model"] != "Cam" {
		t.Fatalf("metadata = %v", byKey)
	}

	if progress := h.progress(t, job.ID); progress.Faces != 1 {
		t.Fatalf("progress faces = %d, want 1", progress.Faces)
	}
}

func TestExecuteSkipsExactDuplicates(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "a.jpg"), 64, 48, 1)

	if err := h.execute(t, h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})); err != nil {
		t.Fatalf("first run: %v", err)
	}
	job2 := h.newJob(t, "ingest-2", ingest.Payload{Recursive: true})
	if err := h.execute(t, job2); err != nil {
		t.Fatalf("second run: %v", err)
	}

	ctx := context.Background()
	count, err := h.store.CountImages(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("catalogued %d images, want 1", count)
	}
	progress := h.progress(t, job2.ID)
	if progress.Duplicates != 1 || progress.New != 0 {
		t.Fatalf("progress = %+v", progress)
	}
	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[1].ImageCount != 0 || sessions[1].FinishedAt == nil {
		t.Fatalf("second session = %+v", sessions[len(sessions)-1])
	}
}

func TestExecuteAppliesRenames(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "old", "a.jpg"), 64, 48, 1)

	if err := h.execute(t, h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})); err != nil {
		t.Fatalf("first run: %v", err)
	}
	ctx := context.Background()
	before, err := h.store.ImageByPath(ctx, "old/a.jpg")
	if err != nil || before == nil {
		t.Fatalf("image before move: %v %v", before, err)
	}

	if err := os.MkdirAll(filepath.Join(h.root(), "new"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Rename(
		filepath.Join(h.root(), "old", "a.jpg"),
		filepath.Join(h.root(), "new", "a.jpg"),
	); err != nil {
		t.Fatalf("move file: %v", err)
	}

	job2 := h.newJob(t, "ingest-2", ingest.Payload{Recursive: true})
	if err := h.execute(t, job2); err != nil {
		t.Fatalf("second run: %v", err)
	}

	after, err := h.store.ImageByPath(ctx, "new/a.jpg")
	if err != nil || after == nil {
		t.Fatalf("image after move: %v %v", after, err)
	}
	if after.ID != before.ID {
		t.Fatalf("rename produced new row: %d != %d", after.ID, before.ID)
	}
	if after.SubFolder != "new" || after.Filename != "a.jpg" {
		t.Fatalf("split = %q/%q", after.SubFolder, after.Filename)
	}
	if stale, err := h.store.ImageByPath(ctx, "old/a.jpg"); err != nil || stale != nil {
		t.Fatalf("old path still resolves: %v %v", stale, err)
	}
	count, err := h.store.CountImages(ctx)
	if err != nil || count != 1 {
		t.Fatalf("count = %d err=%v, want 1", count, err)
	}
	if progress := h.progress(t, job2.ID); progress.Renames != 1 || progress.New != 0 {
		t.Fatalf("progress = %+v", progress)
	}
	if actions := h.auditActions(t); !containsAction(actions, "image.rename") {
		t.Fatalf("audit actions = %v, want image.rename", actions)
	}
}

func TestExecuteRecordsConflictsAndKeepsGoing(t *testing.T) {
	h := newHarness(t)
	aPath := filepath.Join(h.root(), "a.jpg")
	testsupport.WriteJPEG(t, aPath, 64, 48, 1)

	if err := h.execute(t, h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Identical bytes at a second path while the first is still present.
	data, err := os.ReadFile(aPath)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.root(), "b.jpg"), data, 0o644); err != nil {
		t.Fatalf("write copy: %v", err)
	}

	job2 := h.newJob(t, "ingest-2", ingest.Payload{Recursive: true})
	if err := h.execute(t, job2); err != nil {
		t.Fatalf("second run: %v", err)
	}

	ctx := context.Background()
	count, err := h.store.CountImages(ctx)
	if err != nil || count != 1 {
		t.Fatalf("count = %d err=%v, want 1", count, err)
	}
	errs, err := h.jobsStore.ErrorsForJob(ctx, job2.ID)
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("job errors = %d, want 1", len(errs))
	}
	if errs[0].ItemRef != "b.jpg" || errs[0].Code != "identity_conflict" {
		t.Fatalf("error = %+v", errs[0])
	}
	if errs[0].Resolution != jobs.ResolutionPending {
		t.Fatalf("resolution = %q, want pending", errs[0].Resolution)
	}
	if !strings.Contains(errs[0].Message, "identical bytes") {
		t.Fatalf("message = %q", errs[0].Message)
	}
	progress := h.progress(t, job2.ID)
	if progress.Conflicts != 1 || progress.Duplicates != 1 {
		t.Fatalf("progress = %+v", progress)
	}
	if actions := h.auditActions(t); !containsAction(actions, "ingest.identity_conflict") {
		t.Fatalf("audit actions = %v, want ingest.identity_conflict", actions)
	}
}

func TestExecuteRecordsNearDuplicates(t *testing.T) {
	h := newHarness(t)
	base := testsupport.JPEGBytes(t, 64, 48, 1)
	if err := os.WriteFile(filepath.Join(h.root(), "a.jpg"), base, 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}
	// Same pixels re-exported with different embedded metadata: the digest
	// changes, the perceptual hash does not.
	respliced := testsupport.SpliceEXIF(t, base, testsupport.EXIFOptions{Make: "Go"})
	if err := os.WriteFile(filepath.Join(h.root(), "b.jpg"), respliced, 0o644); err != nil {
		t.Fatalf("write variant: %v", err)
	}

	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx := context.Background()
	count, err := h.store.CountImages(ctx)
	if err != nil || count != 1 {
		t.Fatalf("count = %d err=%v, want 1", count, err)
	}
	errs, err := h.jobsStore.ErrorsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	if len(errs) != 1 || errs[0].Code != "near_duplicate" || errs[0].ItemRef != "b.jpg" {
		t.Fatalf("errors = %+v", errs)
	}
	if !strings.Contains(errs[0].Message, "within distance") {
		t.Fatalf("message = %q", errs[0].Message)
	}
	progress := h.progress(t, job.ID)
	if progress.New != 1 || progress.NearDups != 1 {
		t.Fatalf("progress = %+v", progress)
	}
	if actions := h.auditActions(t); !containsAction(actions, "ingest.near_duplicate") {
		t.Fatalf("audit actions = %v, want ingest.near_duplicate", actions)
	}
}

func TestExecuteSkipsCorruptFilesAndContinues(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteCorruptImage(t, filepath.Join(h.root(), "bad.jpg"))
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "good.jpg"), 64, 48, 2)

	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx := context.Background()
	count, err := h.store.CountImages(ctx)
	if err != nil || count != 1 {
		t.Fatalf("count = %d err=%v, want 1", count, err)
	}
	errs, err := h.jobsStore.ErrorsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	if len(errs) != 1 || errs[0].Code != "corrupt_item" || errs[0].ItemRef != "bad.jpg" {
		t.Fatalf("errors = %+v", errs)
	}
	progress := h.progress(t, job.ID)
	if progress.Corrupt != 1 || progress.New != 1 || progress.Processed != 2 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "a.jpg"), 64, 48, 1)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "b.jpg"), 64, 48, 2)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "c.jpg"), 64, 48, 3)
	session := testsupport.NewSession(t, h.store, 1)

	ctx := context.Background()
	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	checkpoint := fmt.Sprintf(`{"done":2,"last":"b.jpg","session_id":%d}`, session.ID)
	if err := h.jobsStore.UpdateCheckpoint(ctx, job.ID, checkpoint); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := h.execute(t, h.reload(t, job.ID)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	count, err := h.store.CountImages(ctx)
	if err != nil || count != 1 {
		t.Fatalf("count = %d err=%v, want only the file past the cursor", count, err)
	}
	img, err := h.store.ImageByPath(ctx, "c.jpg")
	if err != nil || img == nil {
		t.Fatalf("resumed file missing: %v %v", img, err)
	}
	if img.ImportID != session.ID {
		t.Fatalf("import id = %d, want checkpointed session %d", img.ImportID, session.ID)
	}
	progress := h.progress(t, job.ID)
	if progress.Processed != 3 || progress.New != 1 || progress.SessionID != session.ID {
		t.Fatalf("progress = %+v", progress)
	}
	finished, err := h.store.SessionByID(ctx, session.ID)
	if err != nil || finished == nil || finished.FinishedAt == nil {
		t.Fatalf("session not closed after resume: %+v err=%v", finished, err)
	}
}

func TestExecuteFailsOnResumeMismatch(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "a.jpg"), 64, 48, 1)
	session := testsupport.NewSession(t, h.store, 1)

	ctx := context.Background()
	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	checkpoint := fmt.Sprintf(`{"done":5,"last":"vanished.jpg","session_id":%d}`, session.ID)
	if err := h.jobsStore.UpdateCheckpoint(ctx, job.ID, checkpoint); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	err := h.execute(t, h.reload(t, job.ID))
	if !errors.Is(err, faults.ErrResumeMismatch) {
		t.Fatalf("err = %v, want resume mismatch", err)
	}
	if count, cerr := h.store.CountImages(ctx); cerr != nil || count != 0 {
		t.Fatalf("count = %d err=%v, want 0", count, cerr)
	}
}

func TestExecuteFailsWhenCheckpointSessionGone(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "a.jpg"), 64, 48, 1)

	ctx := context.Background()
	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	if err := h.jobsStore.UpdateCheckpoint(ctx, job.ID, `{"done":1,"last":"a.jpg","session_id":777}`); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	err := h.execute(t, h.reload(t, job.ID))
	if !errors.Is(err, faults.ErrResumeMismatch) {
		t.Fatalf("err = %v, want resume mismatch", err)
	}
}

func TestExecuteUsesRequestedSession(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "a.jpg"), 64, 48, 1)
	session := testsupport.NewSession(t, h.store, 2)

	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true, SessionID: session.ID})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx := context.Background()
	img, err := h.store.ImageByPath(ctx, "a.jpg")
	if err != nil || img == nil {
		t.Fatalf("image: %v %v", img, err)
	}
	if img.ImportID != session.ID {
		t.Fatalf("import id = %d, want %d", img.ImportID, session.ID)
	}
	// The caller owns the session, so the run must not close it.
	current, err := h.store.SessionByID(ctx, session.ID)
	if err != nil || current == nil {
		t.Fatalf("session: %v %v", current, err)
	}
	if current.FinishedAt != nil {
		t.Fatal("run closed a session it does not own")
	}
}

func TestExecuteRejectsUnknownSession(t *testing.T) {
	h := newHarness(t)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "a.jpg"), 64, 48, 1)

	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true, SessionID: 4242})
	if err := h.execute(t, job); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

type cancellingDetector struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDetector) Available(context.Context) bool { return true }

func (d *cancellingDetector) Detect(ctx context.Context, _ vision.Source, _ vision.DetectOptions) ([]vision.Face, error) {
	d.calls++
	if d.calls >= 2 {
		d.cancel()
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestExecuteStopsAtItemBoundaryOnCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCheckpointInterval(1))
	store := testsupport.MustOpenStore(t, cfg)
	jobsStore := jobs.NewStore(store.DB())
	tracker := jobs.NewTracker(jobsStore, jobs.NewHub(cfg.Jobs.ProgressBuffer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	detector := &cancellingDetector{cancel: cancel}
	handler := ingest.NewHandlerWithDependencies(cfg, store, jobsStore, tracker,
		logging.NewNop(), detector, vision.NullPredictor{})

	testsupport.WriteJPEG(t, filepath.Join(cfg.Library.Root, "a.jpg"), 64, 48, 1)
	testsupport.WriteJPEG(t, filepath.Join(cfg.Library.Root, "b.jpg"), 64, 48, 2)

	payload, _ := json.Marshal(ingest.Payload{Recursive: true})
	job := &jobs.Job{ID: "ingest-1", Type: jobs.TypeIngest, Lane: jobs.LaneCPU,
		Priority: jobs.PriorityBackground, Payload: string(payload)}
	if err := jobsStore.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	err := handler.Execute(ctx, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	bg := context.Background()
	count, cerr := store.CountImages(bg)
	if cerr != nil || count != 1 {
		t.Fatalf("count = %d err=%v, want the one committed item", count, cerr)
	}
	reloaded, rerr := jobsStore.JobByID(bg, job.ID)
	if rerr != nil || reloaded == nil {
		t.Fatalf("reload: %v", rerr)
	}
	cp, cpErr := reloaded.DecodeCheckpoint()
	if cpErr != nil {
		t.Fatalf("decode checkpoint: %v", cpErr)
	}
	if cp.Done != 1 || cp.Last != "a.jpg" {
		t.Fatalf("checkpoint = %+v, want the committed boundary", cp)
	}
}

func TestExecuteRetryOnlyReprocessesSelection(t *testing.T) {
	h := newHarness(t)
	brokenPath := filepath.Join(h.root(), "broken.jpg")
	testsupport.WriteCorruptImage(t, brokenPath)
	testsupport.WriteJPEG(t, filepath.Join(h.root(), "fine.jpg"), 64, 48, 1)

	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("first run: %v", err)
	}

	ctx := context.Background()
	errs, err := h.jobsStore.ErrorsForJob(ctx, job.ID)
	if err != nil || len(errs) != 1 {
		t.Fatalf("errors = %v err=%v, want one", errs, err)
	}
	firstProgress := h.progress(t, job.ID)

	// Operator replaces the broken file and retries just that item.
	testsupport.WriteJPEG(t, brokenPath, 64, 48, 7)
	if err := h.jobsStore.MarkErrorsRetry(ctx, job.ID, []int64{errs[0].ID}); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if err := h.jobsStore.Requeue(ctx, job.ID, true); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	retryJob := h.reload(t, job.ID)
	if !retryJob.RetryOnly {
		t.Fatal("requeue did not set retry_only")
	}
	if err := h.execute(t, retryJob); err != nil {
		t.Fatalf("retry run: %v", err)
	}

	img, err := h.store.ImageByPath(ctx, "broken.jpg")
	if err != nil || img == nil {
		t.Fatalf("retried image: %v %v", img, err)
	}
	if img.ImportID != firstProgress.SessionID {
		t.Fatalf("import id = %d, want original session %d", img.ImportID, firstProgress.SessionID)
	}
	count, err := h.store.CountImages(ctx)
	if err != nil || count != 2 {
		t.Fatalf("count = %d err=%v, want 2", count, err)
	}
	after, err := h.jobsStore.ErrorsForJob(ctx, job.ID)
	if err != nil || len(after) != 1 {
		t.Fatalf("errors after retry = %v err=%v", after, err)
	}
	if after[0].Resolution != jobs.ResolutionResolved {
		t.Fatalf("resolution = %q, want resolved", after[0].Resolution)
	}
	progress := h.progress(t, job.ID)
	if progress.Retried != 1 || progress.New != 1 {
		t.Fatalf("progress = %+v", progress)
	}
	if actions := h.auditActions(t); !containsAction(actions, "ingest.retry_completed") {
		t.Fatalf("audit actions = %v, want ingest.retry_completed", actions)
	}
}

func TestExecuteInlinePrediction(t *testing.T) {
	ctx := context.Background()
	detector := newDetectorServer(t, []wireFace{
		{FaceIndex: 0, BBox: []float64{4, 4, 28, 28}, DetScore: 0.95},
		{FaceIndex: 1, BBox: []float64{32, 4, 56, 28}, DetScore: 0.9},
	})

	h := newHarness(t, testsupport.WithDetectorURL(detector.URL))
	person, err := h.store.CreatePerson(ctx, "Ada")
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	predictor := newPredictorServer(t, []map[string]any{
		{"face_id": 0, "person_id": person.ID, "confidence": 0.95},
		{"face_id": 1, "person_id": person.ID, "confidence": 0.3},
	})
	h.cfg.Vision.PredictorURL = predictor.URL
	h.handler = ingest.NewHandler(h.cfg, h.store, h.jobsStore, h.tracker, logging.NewNop())

	testsupport.WriteJPEG(t, filepath.Join(h.root(), "pair.jpg"), 64, 48, 1)
	job := h.newJob(t, "ingest-1", ingest.Payload{Recursive: true, Predict: true})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	img, err := h.store.ImageByPath(ctx, "pair.jpg")
	if err != nil || img == nil {
		t.Fatalf("image: %v %v", img, err)
	}
	faces, err := h.store.FacesByImage(ctx, img.ID)
	if err != nil || len(faces) != 2 {
		t.Fatalf("faces = %v err=%v, want 2", faces, err)
	}

	confident := faces[0]
	if confident.PredictedPersonID == nil || *confident.PredictedPersonID != person.ID {
		t.Fatalf("predicted person = %v, want %d", confident.PredictedPersonID, person.ID)
	}
	if confident.PredictionConfidence == nil || *confident.PredictionConfidence != 0.95 {
		t.Fatalf("confidence = %v, want 0.95", confident.PredictionConfidence)
	}
	if confident.Provenance != catalog.ProvenancePredicted {
		t.Fatalf("provenance = %q, want predicted", confident.Provenance)
	}
	if confident.PersonID != nil {
		t.Fatal("inline prediction must not bind person_id directly")
	}

	// Below the confidence threshold: stays unassigned.
	uncertain := faces[1]
	if uncertain.PredictedPersonID != nil {
		t.Fatalf("low-confidence face got person %d", *uncertain.PredictedPersonID)
	}

	progress := h.progress(t, job.ID)
	if progress.Predicted != 1 || progress.Faces != 2 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestPrepareRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	missingRoot := filepath.Join(t.TempDir(), "missing")
	job := h.newJob(t, "ingest-1", ingest.Payload{Root: missingRoot})
	if err := h.handler.Prepare(ctx, job); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("missing root err = %v, want validation", err)
	}

	malformed := &jobs.Job{ID: "ingest-2", Type: jobs.TypeIngest, Lane: jobs.LaneCPU,
		Priority: jobs.PriorityBackground, Payload: `{"root": 12`}
	if err := h.handler.Prepare(ctx, malformed); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("malformed payload err = %v, want validation", err)
	}
}

func TestHealthCheckReportsDegradedDetector(t *testing.T) {
	h := newHarness(t)
	health := h.handler.HealthCheck(context.Background())
	if !health.Ready {
		t.Fatalf("health = %+v, want ready without a detector", health)
	}
	if !strings.Contains(health.Detail, "detector offline") {
		t.Fatalf("detail = %q", health.Detail)
	}

	server := newDetectorServer(t, nil)
	h2 := newHarness(t, testsupport.WithDetectorURL(server.URL))
	if health := h2.handler.HealthCheck(context.Background()); !health.Ready || health.Detail != "" {
		t.Fatalf("health with detector = %+v", health)
	}
}

func TestHealthCheckFailsWithoutRoot(t *testing.T) {
	h := newHarness(t)
	if err := os.RemoveAll(h.root()); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	if health := h.handler.HealthCheck(context.Background()); health.Ready {
		t.Fatalf("health = %+v, want not ready", health)
	}
}
