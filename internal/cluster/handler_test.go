package cluster_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"facet/internal/catalog"
	"facet/internal/cluster"
	"facet/internal/config"
	"facet/internal/faults"
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
	handler   *cluster.Handler
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
		handler:   cluster.NewHandler(cfg, store, jobsStore, tracker, logging.NewNop()),
	}
}

func (h *harness) newJob(t *testing.T, id string, payload cluster.Payload) *jobs.Job {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job := &jobs.Job{
		ID:       id,
		Type:     jobs.TypeCluster,
		Lane:     jobs.LaneAccel,
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

func (h *harness) stats(t *testing.T, id string) cluster.Stats {
	t.Helper()

	job, err := h.jobsStore.JobByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job == nil || strings.TrimSpace(job.Progress) == "" {
		t.Fatalf("job %s has no progress snapshot", id)
	}
	var stats cluster.Stats
	if err := json.Unmarshal([]byte(job.Progress), &stats); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	return stats
}

// commitImage stores one image with a face per supplied crop and returns the
// face ids in insertion order.
func (h *harness) commitImage(t *testing.T, sessionID int64, name string, crops ...[]byte) []int64 {
	t.Helper()

	image := &catalog.Image{
		ImportID:       sessionID,
		RelativePath:   name,
		Filename:       name,
		ContentHash:    []byte("hash-" + name),
		PerceptualHash: int64(len(name)),
		Width:          96,
		Height:         96,
		SizeBytes:      int64(1000 + len(name)),
	}
	faces := make([]catalog.Face, len(crops))
	for i, crop := range crops {
		faces[i] = catalog.Face{
			BBoxX: 0, BBoxY: 0, BBoxW: 48, BBoxH: 48,
			RelX: 0, RelY: 0, RelW: 0.5, RelH: 0.5,
			Crop:     crop,
			DetScore: 0.9,
		}
	}
	if err := h.store.CommitImage(context.Background(), image, faces, nil); err != nil {
		t.Fatalf("commit image %s: %v", name, err)
	}
	stored, err := h.store.FacesByImage(context.Background(), image.ID)
	if err != nil {
		t.Fatalf("faces by image: %v", err)
	}
	ids := make([]int64, len(stored))
	for i, face := range stored {
		ids[i] = face.ID
	}
	return ids
}

// labelsByFace reads every assigned cluster label keyed by face id.
func (h *harness) labelsByFace(t *testing.T) map[int64]int64 {
	t.Helper()

	labels := make(map[int64]int64)
	rows, err := h.store.DB().QueryContext(context.Background(), `SELECT id, cluster_id FROM face WHERE cluster_id IS NOT NULL`)
	if err != nil {
		t.Fatalf("query labels: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, label int64
		if err := rows.Scan(&id, &label); err != nil {
			t.Fatalf("scan label: %v", err)
		}
		labels[id] = label
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate labels: %v", err)
	}
	return labels
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

func crop(t *testing.T, seed int) []byte {
	t.Helper()
	return testsupport.JPEGBytes(t, 48, 48, seed)
}

// tightPayload clusters only byte-identical crops together: eps 0.01 admits
// zero differing hash bits.
func tightPayload() cluster.Payload {
	return cluster.Payload{Strategy: "dbscan", Eps: 0.01, MinSamples: 1}
}

func TestExecuteClustersStoredFaces(t *testing.T) {
	h := newHarness(t)
	session := testsupport.NewSession(t, h.store, 1)

	imgA := h.commitImage(t, session.ID, "a.jpg", crop(t, 1), crop(t, 1))
	imgB := h.commitImage(t, session.ID, "b.jpg", crop(t, 1), crop(t, 2))
	imgC := h.commitImage(t, session.ID, "c.jpg", crop(t, 3))

	job := h.newJob(t, "job-cluster-assign", tightPayload())
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	labels := h.labelsByFace(t)
	// Three identical crops form the largest cluster; it is renumbered
	// first. The two singletons keep their discovery order.
	for _, id := range []int64{imgA[0], imgA[1], imgB[0]} {
		if labels[id] != 1 {
			t.Fatalf("expected face %d in cluster 1, got %d", id, labels[id])
		}
	}
	if labels[imgB[1]] != 2 {
		t.Fatalf("expected face %d in cluster 2, got %d", imgB[1], labels[imgB[1]])
	}
	if labels[imgC[0]] != 3 {
		t.Fatalf("expected face %d in cluster 3, got %d", imgC[0], labels[imgC[0]])
	}

	sizes, err := h.store.ClusterSizes(context.Background())
	if err != nil {
		t.Fatalf("cluster sizes: %v", err)
	}
	if sizes[1] != 3 || sizes[2] != 1 || sizes[3] != 1 {
		t.Fatalf("unexpected cluster sizes %v", sizes)
	}

	stats := h.stats(t, job.ID)
	if stats.FacesTotal != 5 || stats.FacesDone != 5 {
		t.Fatalf("expected 5 faces total and done, got %+v", stats)
	}
	if stats.ClustersCreated != 3 || stats.NoiseCount != 0 {
		t.Fatalf("expected 3 clusters and no noise, got %+v", stats)
	}
	if stats.SizeHistogram[3] != 1 || stats.SizeHistogram[1] != 2 {
		t.Fatalf("unexpected size histogram %v", stats.SizeHistogram)
	}

	if actions := h.auditActions(t); !containsAction(actions, "cluster.completed") {
		t.Fatalf("expected a cluster.completed audit entry, got %v", actions)
	}
}

func TestExecuteRoutesSingletonsToNoise(t *testing.T) {
	h := newHarness(t)
	session := testsupport.NewSession(t, h.store, 1)

	pair := h.commitImage(t, session.ID, "pair.jpg", crop(t, 1), crop(t, 1))
	lone := h.commitImage(t, session.ID, "lone.jpg", crop(t, 2))

	job := h.newJob(t, "job-cluster-noise", cluster.Payload{Strategy: "dbscan", Eps: 0.01, MinSamples: 2})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	labels := h.labelsByFace(t)
	if labels[pair[0]] != 1 || labels[pair[1]] != 1 {
		t.Fatalf("expected the identical pair in cluster 1, got %v", labels)
	}
	if labels[lone[0]] != 0 {
		t.Fatalf("expected the singleton in the uncategorized bucket, got %d", labels[lone[0]])
	}

	stats := h.stats(t, job.ID)
	if stats.ClustersCreated != 1 || stats.NoiseCount != 1 {
		t.Fatalf("expected 1 cluster and 1 noise face, got %+v", stats)
	}
}

func TestExecuteFlagsUnsplittableCluster(t *testing.T) {
	h := newHarness(t)
	h.cfg.Cluster.MaxClusterSize = 2
	session := testsupport.NewSession(t, h.store, 1)

	ids := h.commitImage(t, session.ID, "triple.jpg", crop(t, 1), crop(t, 1), crop(t, 1))

	job := h.newJob(t, "job-cluster-oversized", tightPayload())
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	labels := h.labelsByFace(t)
	for _, id := range ids {
		if labels[id] != 1 {
			t.Fatalf("expected face %d in cluster 1, got %d", id, labels[id])
		}
	}
	stats := h.stats(t, job.ID)
	if len(stats.Oversized) != 1 || stats.Oversized[0] != 1 {
		t.Fatalf("expected cluster 1 flagged oversized, got %v", stats.Oversized)
	}
}

func TestExecuteKMeansAssignsEveryFace(t *testing.T) {
	h := newHarness(t)
	session := testsupport.NewSession(t, h.store, 1)

	h.commitImage(t, session.ID, "a.jpg", crop(t, 1), crop(t, 1), crop(t, 1))
	h.commitImage(t, session.ID, "b.jpg", crop(t, 2), crop(t, 2))

	job := h.newJob(t, "job-cluster-kmeans", cluster.Payload{Strategy: "kmeans", K: 2})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	labels := h.labelsByFace(t)
	if len(labels) != 5 {
		t.Fatalf("expected all 5 faces labelled, got %d", len(labels))
	}
	for id, label := range labels {
		if label < 1 {
			t.Fatalf("kmeans must not produce noise, face %d got %d", id, label)
		}
	}
	stats := h.stats(t, job.ID)
	if stats.NoiseCount != 0 {
		t.Fatalf("expected no noise, got %+v", stats)
	}
}

func TestExecuteDeterministicAcrossJobs(t *testing.T) {
	h := newHarness(t)
	session := testsupport.NewSession(t, h.store, 1)

	h.commitImage(t, session.ID, "a.jpg", crop(t, 1), crop(t, 1))
	h.commitImage(t, session.ID, "b.jpg", crop(t, 2), crop(t, 2))
	h.commitImage(t, session.ID, "c.jpg", crop(t, 3))

	first := h.newJob(t, "job-cluster-first", tightPayload())
	if err := h.execute(t, first); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := h.labelsByFace(t)

	second := h.newJob(t, "job-cluster-second", tightPayload())
	if err := h.execute(t, second); err != nil {
		t.Fatalf("second run: %v", err)
	}
	after := h.labelsByFace(t)

	if len(before) != len(after) {
		t.Fatalf("label count changed between runs: %d vs %d", len(before), len(after))
	}
	for id, label := range before {
		if after[id] != label {
			t.Fatalf("face %d moved from cluster %d to %d between identical runs", id, label, after[id])
		}
	}
}

func TestExecuteRecordsEmbedFailures(t *testing.T) {
	h := newHarness(t)
	session := testsupport.NewSession(t, h.store, 1)

	good := h.commitImage(t, session.ID, "good.jpg", crop(t, 1), crop(t, 1))
	bad := h.commitImage(t, session.ID, "bad.jpg", []byte("not a jpeg"))

	job := h.newJob(t, "job-cluster-embed-fail", tightPayload())
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	labels := h.labelsByFace(t)
	if labels[good[0]] != 1 || labels[good[1]] != 1 {
		t.Fatalf("expected the readable crops clustered, got %v", labels)
	}
	if _, ok := labels[bad[0]]; ok {
		t.Fatalf("expected the unreadable crop to stay unassigned, got %v", labels)
	}

	jobErrors, err := h.jobsStore.ErrorsForJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("errors for job: %v", err)
	}
	if len(jobErrors) != 1 {
		t.Fatalf("expected 1 recorded error, got %d", len(jobErrors))
	}
	entry := jobErrors[0]
	if entry.Code != "corrupt_item" {
		t.Fatalf("expected code corrupt_item, got %q", entry.Code)
	}
	if entry.ItemRef != fmt.Sprintf("face:%d", bad[0]) {
		t.Fatalf("unexpected item ref %q", entry.ItemRef)
	}
	if entry.Resolution != jobs.ResolutionPending {
		t.Fatalf("expected pending resolution, got %q", entry.Resolution)
	}

	stats := h.stats(t, job.ID)
	if stats.FacesTotal != 3 || stats.FacesDone != 2 {
		t.Fatalf("expected 3 total and 2 clustered, got %+v", stats)
	}
}

func TestExecuteEmptyCatalogCompletes(t *testing.T) {
	h := newHarness(t)

	job := h.newJob(t, "job-cluster-empty", cluster.Payload{})
	if err := h.execute(t, job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	stats := h.stats(t, job.ID)
	if stats.FacesTotal != 0 || stats.ClustersCreated != 0 {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
	if actions := h.auditActions(t); !containsAction(actions, "cluster.completed") {
		t.Fatalf("expected a cluster.completed audit entry, got %v", actions)
	}
}

// cancellingEmbedder embeds the first crop, then cancels the job context.
type cancellingEmbedder struct {
	cancel context.CancelFunc
	calls  int
}

func (e *cancellingEmbedder) Embed(ctx context.Context, crop []byte) ([]float64, error) {
	e.calls++
	if e.calls >= 2 {
		e.cancel()
		return nil, ctx.Err()
	}
	return vision.PerceptualEmbedder{}.Embed(ctx, crop)
}

func TestExecuteCancellationCommitsNothing(t *testing.T) {
	h := newHarness(t)
	session := testsupport.NewSession(t, h.store, 1)

	ids := h.commitImage(t, session.ID, "a.jpg", crop(t, 1), crop(t, 1), crop(t, 2))

	// A label from an earlier run must survive a cancelled one untouched.
	if err := h.store.AssignClusters(context.Background(), map[int64]int64{ids[0]: 7}); err != nil {
		t.Fatalf("preassign cluster: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := cluster.NewHandlerWithDependencies(
		h.cfg, h.store, h.jobsStore, h.tracker, logging.NewNop(),
		&cancellingEmbedder{cancel: cancel},
	)

	job := h.newJob(t, "job-cluster-cancel", tightPayload())
	if err := handler.Prepare(ctx, job); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := handler.Execute(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	labels := h.labelsByFace(t)
	if len(labels) != 1 || labels[ids[0]] != 7 {
		t.Fatalf("expected only the preassigned label to survive, got %v", labels)
	}
}

func TestPrepareRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unknown := h.newJob(t, "job-cluster-unknown", cluster.Payload{Strategy: "voronoi"})
	if err := h.handler.Prepare(ctx, unknown); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected a validation error for an unknown strategy, got %v", err)
	}

	malformed := &jobs.Job{
		ID:       "job-cluster-malformed",
		Type:     jobs.TypeCluster,
		Lane:     jobs.LaneAccel,
		Priority: jobs.PriorityBackground,
		Payload:  `{"strategy": 12`,
	}
	if err := h.jobsStore.CreateJob(ctx, malformed); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := h.handler.Prepare(ctx, malformed); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected a validation error for malformed payload, got %v", err)
	}
}

func TestHealthCheckProbesSidecar(t *testing.T) {
	h := newHarness(t)

	// The default perceptual embedder is local and always ready.
	if health := h.handler.HealthCheck(context.Background()); !health.Ready {
		t.Fatalf("expected the perceptual embedder ready, got %+v", health)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	h.cfg.Vision.EmbedderURL = server.URL
	sidecar := cluster.NewHandler(h.cfg, h.store, h.jobsStore, h.tracker, logging.NewNop())

	if health := sidecar.HealthCheck(context.Background()); !health.Ready {
		t.Fatalf("expected a live sidecar ready, got %+v", health)
	}

	server.Close()
	health := sidecar.HealthCheck(context.Background())
	if health.Ready {
		t.Fatal("expected an unreachable sidecar to fail the health check")
	}
	if !strings.Contains(health.Detail, "sidecar") {
		t.Fatalf("expected the detail to name the sidecar, got %q", health.Detail)
	}
}
