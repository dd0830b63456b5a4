package identity

import (
	"context"
	"errors"
	"fmt"

	"facet/internal/catalog"
)

// Kind labels the classification outcome for an incoming file.
type Kind string

const (
	KindNew           Kind = "new"
	KindDuplicate     Kind = "duplicate"
	KindRename        Kind = "rename"
	KindNearDuplicate Kind = "near_duplicate"
	KindConflict      Kind = "conflict"
)

// Probe describes a normalized incoming file awaiting classification.
type Probe struct {
	RelativePath string
	Digest       []byte
	Perceptual   int64
	Width        int
	Height       int
	SizeBytes    int64
}

// Decision describes how an incoming file relates to the catalog.
type Decision struct {
	Kind Kind
	// Match backs duplicate, rename, and digest conflicts.
	Match *catalog.IdentityEntry
	// OldPath is the catalogued path a rename supersedes.
	OldPath string
	// Candidates lists image ids within the near-duplicate threshold,
	// closest first.
	Candidates []int64
	// Distance is the smallest Hamming distance among the candidates.
	Distance int
	// Reason explains a conflict to the operator.
	Reason string
}

// Classify applies the identity policy to a probe in strict order: exact
// digest rules first, perceptual proximity second, new last. A digest match
// whose stored dimensions or size disagree with the probe is a conflict, not
// a duplicate: the catalog is never silently overwritten.
func (ix *Index) Classify(ctx context.Context, probe Probe, threshold int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if len(probe.Digest) == 0 {
		return Decision{}, errors.New("probe missing content digest")
	}

	if match, ok := ix.LookupDigest(probe.Digest); ok {
		if match.Width != probe.Width || match.Height != probe.Height || match.SizeBytes != probe.SizeBytes {
			return Decision{
				Kind:  KindConflict,
				Match: match,
				Reason: fmt.Sprintf("digest matches image %d but recorded %dx%d/%dB disagrees with %dx%d/%dB",
					match.ID, match.Width, match.Height, match.SizeBytes, probe.Width, probe.Height, probe.SizeBytes),
			}, nil
		}
		if match.RelativePath == probe.RelativePath {
			return Decision{Kind: KindDuplicate, Match: match}, nil
		}
		if !ix.PathPresent(match.RelativePath) {
			return Decision{Kind: KindRename, Match: match, OldPath: match.RelativePath}, nil
		}
		return Decision{
			Kind:   KindConflict,
			Match:  match,
			Reason: fmt.Sprintf("identical bytes live at %s and %s", match.RelativePath, probe.RelativePath),
		}, nil
	}

	if neighbors := ix.Neighbors(probe.Perceptual, threshold); len(neighbors) > 0 {
		decision := Decision{Kind: KindNearDuplicate, Distance: neighbors[0].Distance}
		for _, neighbor := range neighbors {
			decision.Candidates = append(decision.Candidates, neighbor.Entry.ID)
		}
		return decision, nil
	}

	return Decision{Kind: KindNew}, nil
}
