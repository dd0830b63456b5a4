package cluster

import (
	"fmt"
	"strings"
)

// Noise is the raw label strategies assign to points they could not group.
// Post-processing maps it to the reserved uncategorized bucket 0.
const Noise = -1

// Params tunes a strategy run. Strategies read only the fields they need.
type Params struct {
	// Eps is the neighborhood radius for dbscan and the merge cutoff for
	// linkage, in normalized squared distance (0..1 for bit vectors).
	Eps float64
	// MinSamples is the dbscan core-point threshold and the minimum
	// component size linkage keeps as a cluster.
	MinSamples int
	// K is the kmeans cluster count.
	K int
	// Seed fixes the kmeans initialization order.
	Seed int64
	// MaxIterations bounds the kmeans refinement loop.
	MaxIterations int
}

// Strategy assigns a raw cluster label to every vector. Labels are
// contiguous from 0 per run; Noise marks unassigned points. Implementations
// must be deterministic: identical vectors and params yield identical labels.
type Strategy interface {
	Name() string
	Assign(vectors [][]float64, params Params) []int
}

// ForName resolves a configured strategy name.
func ForName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "dbscan":
		return DBSCAN{}, nil
	case "kmeans":
		return KMeans{}, nil
	case "linkage":
		return Linkage{}, nil
	default:
		return nil, fmt.Errorf("unknown clustering strategy %q", name)
	}
}

// normalizedDistance is the squared Euclidean distance divided by the
// dimension. For {0,1} perceptual-hash vectors this equals the normalized
// Hamming distance, so eps thresholds mean "fraction of differing bits".
func normalizedDistance(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}
