package cluster

// DBSCAN is density-based clustering: points with at least MinSamples
// neighbors (themselves included) within Eps are core points; clusters grow
// from cores through reachable neighbors; everything else is noise.
type DBSCAN struct{}

func (DBSCAN) Name() string { return "dbscan" }

const unvisited = -2

func (DBSCAN) Assign(vectors [][]float64, params Params) []int {
	n := len(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}
	minSamples := params.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}

	neighborsOf := func(i int) []int {
		var neighbors []int
		for j := 0; j < n; j++ {
			if normalizedDistance(vectors[i], vectors[j]) <= params.Eps {
				neighbors = append(neighbors, j)
			}
		}
		return neighbors
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		seeds := neighborsOf(i)
		if len(seeds) < minSamples {
			labels[i] = Noise
			continue
		}
		labels[i] = cluster
		// Expansion queue; scanning in ascending order keeps label
		// assignment deterministic.
		for cursor := 0; cursor < len(seeds); cursor++ {
			j := seeds[cursor]
			if labels[j] == Noise {
				// Border point reachable from a core.
				labels[j] = cluster
				continue
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			reachable := neighborsOf(j)
			if len(reachable) >= minSamples {
				seeds = append(seeds, reachable...)
			}
		}
		cluster++
	}
	return labels
}
