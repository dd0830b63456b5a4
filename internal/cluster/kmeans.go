package cluster

import (
	"math"
	"math/rand"
)

// KMeans is Lloyd's algorithm with a seeded shuffle picking the initial
// centroids, so runs are reproducible. It never produces noise; every point
// lands in its nearest cluster.
type KMeans struct{}

func (KMeans) Name() string { return "kmeans" }

func (KMeans) Assign(vectors [][]float64, params Params) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	k := params.K
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	maxIterations := params.MaxIterations
	if maxIterations < 1 {
		maxIterations = 100
	}

	rng := rand.New(rand.NewSource(params.Seed))
	order := rng.Perm(n)
	centroids := make([][]float64, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float64(nil), vectors[order[i]]...)
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		changed := false
		for i, vector := range vectors {
			best := 0
			bestDistance := math.MaxFloat64
			for c, centroid := range centroids {
				if d := normalizedDistance(vector, centroid); d < bestDistance {
					best = c
					bestDistance = d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, len(vectors[0]))
		}
		for i, vector := range vectors {
			c := labels[i]
			counts[c]++
			for d, value := range vector {
				sums[c][d] += value
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Empty cluster keeps its previous centroid.
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}
	return labels
}
