package identity

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"facet/internal/catalog"
)

// hnswMaxNeighbors (M) is the maximum number of neighbors per graph node.
const hnswMaxNeighbors = 16

// neighborFanout is how many approximate candidates the graph returns before
// the exact Hamming re-check filters them.
const neighborFanout = 16

// Index answers identity questions for one scoped library root. It is built
// once per job from the catalog and extended as new images commit; reads may
// run concurrently with one writer.
type Index struct {
	mu       sync.RWMutex
	root     string
	byDigest map[string]*catalog.IdentityEntry
	byPath   map[string]*catalog.IdentityEntry
	entries  map[int64]*catalog.IdentityEntry
	graph    *hnsw.Graph[int64]
}

// NewIndex constructs an empty index rooted at the scoped library directory.
func NewIndex(root string) *Index {
	return &Index{
		root:     root,
		byDigest: make(map[string]*catalog.IdentityEntry),
		byPath:   make(map[string]*catalog.IdentityEntry),
		entries:  make(map[int64]*catalog.IdentityEntry),
	}
}

// Load replaces the index contents with the given catalog entries.
func (ix *Index) Load(entries []catalog.IdentityEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.byDigest = make(map[string]*catalog.IdentityEntry, len(entries))
	ix.byPath = make(map[string]*catalog.IdentityEntry, len(entries))
	ix.entries = make(map[int64]*catalog.IdentityEntry, len(entries))
	ix.graph = nil
	for i := range entries {
		ix.addLocked(&entries[i])
	}
}

// Add extends the index with a freshly committed image.
func (ix *Index) Add(entry *catalog.IdentityEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.addLocked(entry)
}

func (ix *Index) addLocked(entry *catalog.IdentityEntry) {
	ix.byDigest[string(entry.ContentHash)] = entry
	ix.byPath[entry.RelativePath] = entry
	ix.entries[entry.ID] = entry

	if ix.graph == nil {
		g := hnsw.NewGraph[int64]()
		g.M = hnswMaxNeighbors
		g.Ml = 1.0 / float64(hnswMaxNeighbors)
		g.Distance = hnsw.EuclideanDistance
		ix.graph = g
	}
	ix.graph.Add(hnsw.MakeNode(entry.ID, BitVector(entry.PerceptualHash)))
}

// SetPath moves an indexed entry to a new relative path after a rename or
// relink. Digest and perceptual lookups are untouched.
func (ix *Index) SetPath(id int64, relativePath string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry, ok := ix.entries[id]
	if !ok {
		return
	}
	if ix.byPath[entry.RelativePath] == entry {
		delete(ix.byPath, entry.RelativePath)
	}
	entry.RelativePath = relativePath
	ix.byPath[relativePath] = entry
}

// Len reports how many images the index covers.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Root returns the scoped library root the index resolves paths against.
func (ix *Index) Root() string {
	return ix.root
}

// LookupDigest returns the entry with the exact content digest, if any.
func (ix *Index) LookupDigest(digest []byte) (*catalog.IdentityEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.byDigest[string(digest)]
	return entry, ok
}

// LookupPath returns the entry recorded at the relative path, if any.
func (ix *Index) LookupPath(relativePath string) (*catalog.IdentityEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.byPath[relativePath]
	return entry, ok
}

// PathPresent reports whether the relative path currently exists under the
// scoped root.
func (ix *Index) PathPresent(relativePath string) bool {
	_, err := os.Stat(filepath.Join(ix.root, filepath.FromSlash(relativePath)))
	return err == nil
}

// Neighbor is a catalogued image within perceptual range of a probe.
type Neighbor struct {
	Entry    *catalog.IdentityEntry
	Distance int
}

// Neighbors returns catalog entries whose perceptual hash sits within
// maxDistance of the probe hash, closest first. Candidates come from the
// approximate graph and pass an exact Hamming re-check before they count.
func (ix *Index) Neighbors(perceptualHash int64, maxDistance int) []Neighbor {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil || len(ix.entries) == 0 {
		return nil
	}
	nodes := ix.graph.Search(BitVector(perceptualHash), neighborFanout)

	var neighbors []Neighbor
	for _, node := range nodes {
		entry, ok := ix.entries[node.Key]
		if !ok {
			continue
		}
		distance := HammingDistance(perceptualHash, entry.PerceptualHash)
		if distance <= maxDistance {
			neighbors = append(neighbors, Neighbor{Entry: entry, Distance: distance})
		}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].Entry.ID < neighbors[j].Entry.ID
	})
	return neighbors
}
