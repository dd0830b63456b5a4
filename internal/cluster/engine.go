package cluster

import (
	"context"
	"fmt"
	"sort"

	"facet/internal/faults"
)

// Uncategorized is the reserved final label for faces the strategy left as
// noise. Real clusters are numbered from 1.
const Uncategorized = 0

// maxSplitDepth bounds the recursive split of oversized clusters. Tightening
// shrinks eps geometrically, so a partition that has not appeared by this
// depth is not going to.
const maxSplitDepth = 8

// Stats is the cluster job's progress snapshot. SizeHistogram maps member
// count to the number of final clusters of that size; Oversized lists final
// labels that could not be split under the size cap.
type Stats struct {
	FacesTotal      int         `json:"faces_total"`
	FacesDone       int         `json:"faces_done"`
	ClustersCreated int         `json:"clusters_created"`
	NoiseCount      int         `json:"noise_count"`
	SizeHistogram   map[int]int `json:"size_histogram,omitempty"`
	Oversized       []int64     `json:"oversized,omitempty"`
}

// Engine turns raw strategy labels into final cluster assignments: noise
// collapses to Uncategorized, oversized clusters are split recursively with
// tightened parameters, and survivors are renumbered densely from 1 by
// descending size (ties keep ascending raw-label order). Identical vectors
// and params always produce identical assignments.
type Engine struct {
	maxClusterSize int
	splitTighten   float64
}

// NewEngine configures post-processing. A maxClusterSize below one disables
// splitting; splitTighten outside (0,1) falls back to 0.8.
func NewEngine(maxClusterSize int, splitTighten float64) *Engine {
	if splitTighten <= 0 || splitTighten >= 1 {
		splitTighten = 0.8
	}
	return &Engine{maxClusterSize: maxClusterSize, splitTighten: splitTighten}
}

type grouping struct {
	members   []int
	oversized bool
}

// Run clusters the supplied vectors and returns the final label per face id
// plus run statistics. Nothing is persisted here; the caller commits the
// assignments in one batch once Run returns.
func (e *Engine) Run(ctx context.Context, vectors map[int64][]float64, strategy Strategy, params Params) (map[int64]int64, Stats, error) {
	stats := Stats{SizeHistogram: make(map[int]int)}
	if len(vectors) == 0 {
		return map[int64]int64{}, stats, nil
	}

	ids := make([]int64, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([][]float64, len(ids))
	for i, id := range ids {
		rows[i] = vectors[id]
	}

	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}
	labels, err := assign(strategy, rows, params)
	if err != nil {
		return nil, stats, err
	}

	var noise []int
	byLabel := make(map[int][]int)
	for i, label := range labels {
		if label == Noise {
			noise = append(noise, i)
			continue
		}
		byLabel[label] = append(byLabel[label], i)
	}
	rawLabels := make([]int, 0, len(byLabel))
	for label := range byLabel {
		rawLabels = append(rawLabels, label)
	}
	sort.Ints(rawLabels)

	var final []grouping
	for _, label := range rawLabels {
		if err := e.split(ctx, rows, byLabel[label], strategy, params, 0, &final); err != nil {
			return nil, stats, err
		}
	}

	// Renumber: descending size, stable sort keeps ascending raw-label
	// order for ties.
	order := make([]int, len(final))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return len(final[order[i]].members) > len(final[order[j]].members)
	})

	assignments := make(map[int64]int64, len(ids))
	for _, idx := range noise {
		assignments[ids[idx]] = Uncategorized
	}
	for rank, gi := range order {
		label := int64(rank + 1)
		group := final[gi]
		for _, idx := range group.members {
			assignments[ids[idx]] = label
		}
		stats.SizeHistogram[len(group.members)]++
		if group.oversized {
			stats.Oversized = append(stats.Oversized, label)
		}
	}

	stats.FacesTotal = len(ids)
	stats.FacesDone = len(ids)
	stats.ClustersCreated = len(final)
	stats.NoiseCount = len(noise)
	return assignments, stats, nil
}

// split re-runs the strategy over an oversized cluster's members with
// tightened parameters until every piece fits under the size cap or no
// finer partition exists. Residual noise from a sub-run stays together as one
// subgroup of the parent rather than joining the global uncategorized
// bucket: those faces did group once.
func (e *Engine) split(ctx context.Context, rows [][]float64, members []int, strategy Strategy, params Params, depth int, out *[]grouping) error {
	if e.maxClusterSize < 1 || len(members) <= e.maxClusterSize {
		*out = append(*out, grouping{members: members})
		return nil
	}
	if depth >= maxSplitDepth {
		*out = append(*out, grouping{members: members, oversized: true})
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tightened := e.tighten(params, len(members))
	sub := make([][]float64, len(members))
	for i, idx := range members {
		sub[i] = rows[idx]
	}
	labels, err := assign(strategy, sub, tightened)
	if err != nil {
		return err
	}

	parts := make(map[int][]int)
	for i, label := range labels {
		parts[label] = append(parts[label], members[i])
	}
	if len(parts) < 2 {
		*out = append(*out, grouping{members: members, oversized: true})
		return nil
	}

	keys := make([]int, 0, len(parts))
	for label := range parts {
		keys = append(keys, label)
	}
	sort.Ints(keys)
	for _, label := range keys {
		if err := e.split(ctx, rows, parts[label], strategy, tightened, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) tighten(params Params, n int) Params {
	params.Eps *= e.splitTighten
	params.K = (n + e.maxClusterSize - 1) / e.maxClusterSize
	return params
}

func assign(strategy Strategy, rows [][]float64, params Params) ([]int, error) {
	labels := strategy.Assign(rows, params)
	if len(labels) != len(rows) {
		return nil, faults.Wrap(
			faults.ErrValidation,
			"cluster",
			"assign",
			fmt.Sprintf("strategy %q labelled %d of %d vectors", strategy.Name(), len(labels), len(rows)),
			nil,
		)
	}
	return labels, nil
}
