package identity_test

import (
	"testing"

	"facet/internal/catalog"
	"facet/internal/identity"
)

func TestRelinkPrefersDigestMatch(t *testing.T) {
	missing := []*catalog.IdentityEntry{entry(1, "2024/a.jpg", "image-a", 0)}
	candidates := []identity.RelinkCandidate{
		// Perceptually identical but different bytes.
		{RelativePath: "moved/lookalike.jpg", Digest: identity.ContentDigest([]byte("other")), Perceptual: 0},
		{RelativePath: "moved/a.jpg", Digest: identity.ContentDigest([]byte("image-a")), Perceptual: 0x7F},
	}

	matches, unresolved := identity.Relink(missing, candidates, 5)
	if len(unresolved) != 0 {
		t.Fatalf("unresolved = %+v", unresolved)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].NewPath != "moved/a.jpg" || matches[0].Method != identity.RelinkByDigest {
		t.Fatalf("match = %+v", matches[0])
	}
}

func TestRelinkNameHintOutranksDistance(t *testing.T) {
	missing := []*catalog.IdentityEntry{entry(1, "2024/IMG_1.jpg", "image-a", 0)}
	candidates := []identity.RelinkCandidate{
		{RelativePath: "x/other.jpg", Digest: identity.ContentDigest([]byte("c1")), Perceptual: 0x01},   // distance 1
		{RelativePath: "moved/IMG_1.jpg", Digest: identity.ContentDigest([]byte("c2")), Perceptual: 0x0F}, // distance 4, name match
	}

	matches, unresolved := identity.Relink(missing, candidates, 5)
	if len(unresolved) != 0 {
		t.Fatalf("unresolved = %+v", unresolved)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	got := matches[0]
	if got.NewPath != "moved/IMG_1.jpg" || got.Method != identity.RelinkByPerceptual || got.Distance != 4 {
		t.Fatalf("match = %+v", got)
	}
}

func TestRelinkNameHintFoldsUnicodeForms(t *testing.T) {
	// Catalog path uses the precomposed form, the on-disk candidate the
	// decomposed one. The folded comparison treats them as the same name.
	missing := []*catalog.IdentityEntry{entry(1, "2024/café.jpg", "image-a", 0)}
	candidates := []identity.RelinkCandidate{
		{RelativePath: "x/unrelated.jpg", Digest: identity.ContentDigest([]byte("c1")), Perceptual: 0x01},
		{RelativePath: "new/café.jpg", Digest: identity.ContentDigest([]byte("c2")), Perceptual: 0x03},
	}

	matches, _ := identity.Relink(missing, candidates, 5)
	if len(matches) != 1 || matches[0].NewPath != "new/café.jpg" {
		t.Fatalf("matches = %+v", matches)
	}
}

func TestRelinkReportsUnresolved(t *testing.T) {
	missing := []*catalog.IdentityEntry{
		entry(1, "2024/a.jpg", "image-a", 0),
		entry(2, "2024/b.jpg", "image-b", 0x00FF00FF00FF00FF),
	}
	candidates := []identity.RelinkCandidate{
		{RelativePath: "moved/a.jpg", Digest: identity.ContentDigest([]byte("image-a")), Perceptual: 0},
	}

	matches, unresolved := identity.Relink(missing, candidates, 5)
	if len(matches) != 1 || matches[0].Entry.ID != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	if len(unresolved) != 1 || unresolved[0].ID != 2 {
		t.Fatalf("unresolved = %+v", unresolved)
	}
}

func TestRelinkConsumesCandidateOnce(t *testing.T) {
	// Two records sit near the same single candidate; the lower id wins the
	// match and the other stays unresolved.
	missing := []*catalog.IdentityEntry{
		entry(2, "2024/b.jpg", "image-b", 0x01),
		entry(1, "2024/a.jpg", "image-a", 0x00),
	}
	candidates := []identity.RelinkCandidate{
		{RelativePath: "moved/one.jpg", Digest: identity.ContentDigest([]byte("cand")), Perceptual: 0x00},
	}

	matches, unresolved := identity.Relink(missing, candidates, 5)
	if len(matches) != 1 || matches[0].Entry.ID != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	if len(unresolved) != 1 || unresolved[0].ID != 2 {
		t.Fatalf("unresolved = %+v", unresolved)
	}
}
