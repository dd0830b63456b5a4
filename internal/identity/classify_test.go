package identity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"facet/internal/catalog"
	"facet/internal/identity"
)

const testThreshold = 5

func entry(id int64, rel string, digestSeed string, perceptual int64) *catalog.IdentityEntry {
	return &catalog.IdentityEntry{
		ID:             id,
		RelativePath:   rel,
		ContentHash:    identity.ContentDigest([]byte(digestSeed)),
		PerceptualHash: perceptual,
		Width:          640,
		Height:         480,
		SizeBytes:      1000,
	}
}

func probeFor(e *catalog.IdentityEntry) identity.Probe {
	return identity.Probe{
		RelativePath: e.RelativePath,
		Digest:       e.ContentHash,
		Perceptual:   e.PerceptualHash,
		Width:        e.Width,
		Height:       e.Height,
		SizeBytes:    e.SizeBytes,
	}
}

func writeLibraryFile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestClassifyDuplicate(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	known := entry(1, "2024/a.jpg", "image-a", 0)
	ix.Load([]catalog.IdentityEntry{*known})

	decision, err := ix.Classify(context.Background(), probeFor(known), testThreshold)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.Kind != identity.KindDuplicate {
		t.Fatalf("kind = %s, want duplicate", decision.Kind)
	}
	if decision.Match == nil || decision.Match.ID != 1 {
		t.Fatalf("match = %+v", decision.Match)
	}
}

func TestClassifyRenameWhenOldPathAbsent(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	known := entry(1, "2024/a.jpg", "image-a", 0)
	ix.Load([]catalog.IdentityEntry{*known})

	probe := probeFor(known)
	probe.RelativePath = "2024/renamed.jpg"
	decision, err := ix.Classify(context.Background(), probe, testThreshold)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.Kind != identity.KindRename {
		t.Fatalf("kind = %s, want rename", decision.Kind)
	}
	if decision.OldPath != "2024/a.jpg" {
		t.Fatalf("old path = %q", decision.OldPath)
	}
}

func TestClassifyConflictWhenBothPathsLive(t *testing.T) {
	root := t.TempDir()
	ix := identity.NewIndex(root)
	known := entry(1, "2024/a.jpg", "image-a", 0)
	ix.Load([]catalog.IdentityEntry{*known})
	writeLibraryFile(t, root, "2024/a.jpg")

	probe := probeFor(known)
	probe.RelativePath = "2024/copy.jpg"
	decision, err := ix.Classify(context.Background(), probe, testThreshold)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.Kind != identity.KindConflict {
		t.Fatalf("kind = %s, want conflict", decision.Kind)
	}
	if decision.Reason == "" {
		t.Fatal("conflict missing reason")
	}
}

func TestClassifyConflictOnRecordedShapeMismatch(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	known := entry(1, "2024/a.jpg", "image-a", 0)
	ix.Load([]catalog.IdentityEntry{*known})

	probe := probeFor(known)
	probe.Width = 999
	decision, err := ix.Classify(context.Background(), probe, testThreshold)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.Kind != identity.KindConflict {
		t.Fatalf("kind = %s, want conflict", decision.Kind)
	}
}

func TestClassifyNearDuplicateWithinThreshold(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	close1 := entry(1, "2024/a.jpg", "image-a", 0)
	close2 := entry(2, "2024/b.jpg", "image-b", 0x0F)
	far := entry(3, "2024/c.jpg", "image-c", 0x0F0F0F0F0F0F0F0F)
	ix.Load([]catalog.IdentityEntry{*close1, *close2, *far})

	probe := identity.Probe{
		RelativePath: "2024/new.jpg",
		Digest:       identity.ContentDigest([]byte("image-new")),
		Perceptual:   0x03, // distance 2 to close1, 2 to close2, far beyond for far
		Width:        640,
		Height:       480,
		SizeBytes:    1000,
	}
	decision, err := ix.Classify(context.Background(), probe, testThreshold)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.Kind != identity.KindNearDuplicate {
		t.Fatalf("kind = %s, want near_duplicate", decision.Kind)
	}
	if len(decision.Candidates) != 2 {
		t.Fatalf("candidates = %v", decision.Candidates)
	}
	if decision.Distance != 2 {
		t.Fatalf("distance = %d, want 2", decision.Distance)
	}
	// Candidates are ordered closest-first with id as tiebreak.
	if decision.Candidates[0] != 1 || decision.Candidates[1] != 2 {
		t.Fatalf("candidate order = %v", decision.Candidates)
	}
}

func TestClassifyNewBeyondThreshold(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	ix.Load([]catalog.IdentityEntry{*entry(1, "2024/a.jpg", "image-a", 0)})

	probe := identity.Probe{
		RelativePath: "2024/new.jpg",
		Digest:       identity.ContentDigest([]byte("image-new")),
		Perceptual:   0x3F, // distance 6, just past the threshold
		Width:        640,
		Height:       480,
		SizeBytes:    1000,
	}
	decision, err := ix.Classify(context.Background(), probe, testThreshold)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.Kind != identity.KindNew {
		t.Fatalf("kind = %s, want new", decision.Kind)
	}
}

func TestClassifyThresholdBoundaryInclusive(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	ix.Load([]catalog.IdentityEntry{*entry(1, "2024/a.jpg", "image-a", 0)})

	probe := identity.Probe{
		RelativePath: "2024/new.jpg",
		Digest:       identity.ContentDigest([]byte("image-new")),
		Perceptual:   0x1F, // distance exactly 5
		Width:        640,
		Height:       480,
		SizeBytes:    1000,
	}
	decision, err := ix.Classify(context.Background(), probe, testThreshold)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if decision.Kind != identity.KindNearDuplicate {
		t.Fatalf("kind = %s, want near_duplicate at the boundary", decision.Kind)
	}
}

func TestClassifyRequiresDigest(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	if _, err := ix.Classify(context.Background(), identity.Probe{RelativePath: "x.jpg"}, testThreshold); err == nil {
		t.Fatal("expected error for probe without digest")
	}
}

func TestIndexAddExtendsNeighborSearch(t *testing.T) {
	ix := identity.NewIndex(t.TempDir())
	ix.Load(nil)

	if neighbors := ix.Neighbors(0, testThreshold); len(neighbors) != 0 {
		t.Fatalf("empty index returned neighbors: %v", neighbors)
	}

	ix.Add(entry(7, "2024/late.jpg", "image-late", 0x01))
	neighbors := ix.Neighbors(0x03, testThreshold)
	if len(neighbors) != 1 || neighbors[0].Entry.ID != 7 || neighbors[0].Distance != 1 {
		t.Fatalf("neighbors = %+v", neighbors)
	}

	if got, ok := ix.LookupPath("2024/late.jpg"); !ok || got.ID != 7 {
		t.Fatalf("lookup path = %+v %v", got, ok)
	}
	if ix.Len() != 1 {
		t.Fatalf("len = %d", ix.Len())
	}
}

func TestPathPresent(t *testing.T) {
	root := t.TempDir()
	ix := identity.NewIndex(root)
	if ix.PathPresent("2024/a.jpg") {
		t.Fatal("missing path reported present")
	}
	writeLibraryFile(t, root, "2024/a.jpg")
	if !ix.PathPresent("2024/a.jpg") {
		t.Fatal("existing path reported absent")
	}
}
