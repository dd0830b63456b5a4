package identity

import (
	"path"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"facet/internal/catalog"
)

// Relink match methods recorded with audit entries.
const (
	RelinkByDigest     = "digest"
	RelinkByPerceptual = "perceptual"
)

// RelinkCandidate is an untracked file offered to the relink matcher.
type RelinkCandidate struct {
	RelativePath string
	Digest       []byte
	Perceptual   int64
}

// RelinkMatch pairs a catalog entry whose file vanished with its new location.
type RelinkMatch struct {
	Entry    *catalog.IdentityEntry
	NewPath  string
	Method   string
	Distance int
}

// Relink matches catalog entries whose files went missing against untracked
// files found on disk. Content digest equality wins outright; survivors fall
// back to perceptual distance within threshold, where an NFC-folded filename
// match outranks a smaller distance. Entries nothing matched are returned
// unresolved, never dropped. Each candidate is consumed at most once and the
// result is deterministic for a given input.
func Relink(missing []*catalog.IdentityEntry, candidates []RelinkCandidate, threshold int) ([]RelinkMatch, []*catalog.IdentityEntry) {
	ordered := make([]*catalog.IdentityEntry, len(missing))
	copy(ordered, missing)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	byDigest := make(map[string][]int, len(candidates))
	for i, candidate := range candidates {
		key := string(candidate.Digest)
		byDigest[key] = append(byDigest[key], i)
	}
	for _, indices := range byDigest {
		sort.Slice(indices, func(i, j int) bool {
			return candidates[indices[i]].RelativePath < candidates[indices[j]].RelativePath
		})
	}

	used := make(map[int]bool, len(candidates))
	var matches []RelinkMatch
	var unresolved []*catalog.IdentityEntry

	var perceptualPass []*catalog.IdentityEntry
	for _, entry := range ordered {
		matched := false
		for _, idx := range byDigest[string(entry.ContentHash)] {
			if used[idx] {
				continue
			}
			used[idx] = true
			matches = append(matches, RelinkMatch{
				Entry:   entry,
				NewPath: candidates[idx].RelativePath,
				Method:  RelinkByDigest,
			})
			matched = true
			break
		}
		if !matched {
			perceptualPass = append(perceptualPass, entry)
		}
	}

	for _, entry := range perceptualPass {
		best := -1
		bestDistance := 0
		bestName := false
		bestDir := false
		for idx, candidate := range candidates {
			if used[idx] {
				continue
			}
			distance := HammingDistance(entry.PerceptualHash, candidate.Perceptual)
			if distance > threshold {
				continue
			}
			nameEq := foldName(candidate.RelativePath) == foldName(entry.RelativePath)
			dirEq := foldDir(candidate.RelativePath) == foldDir(entry.RelativePath)
			if best < 0 || betterRelink(nameEq, distance, dirEq, candidate.RelativePath,
				bestName, bestDistance, bestDir, candidates[best].RelativePath) {
				best = idx
				bestDistance = distance
				bestName = nameEq
				bestDir = dirEq
			}
		}
		if best < 0 {
			unresolved = append(unresolved, entry)
			continue
		}
		used[best] = true
		matches = append(matches, RelinkMatch{
			Entry:    entry,
			NewPath:  candidates[best].RelativePath,
			Method:   RelinkByPerceptual,
			Distance: bestDistance,
		})
	}

	return matches, unresolved
}

func betterRelink(nameEq bool, distance int, dirEq bool, relPath string,
	bestName bool, bestDistance int, bestDir bool, bestPath string) bool {
	if nameEq != bestName {
		return nameEq
	}
	if distance != bestDistance {
		return distance < bestDistance
	}
	if dirEq != bestDir {
		return dirEq
	}
	return relPath < bestPath
}

func foldName(relativePath string) string {
	return strings.ToLower(norm.NFC.String(path.Base(relativePath)))
}

func foldDir(relativePath string) string {
	return strings.ToLower(norm.NFC.String(path.Dir(relativePath)))
}
