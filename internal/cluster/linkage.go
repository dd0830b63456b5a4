package cluster

// Linkage is single-link agglomerative clustering expressed as connected
// components: any two points within Eps of each other merge, and merges are
// transitive. Components smaller than MinSamples become noise.
type Linkage struct{}

func (Linkage) Name() string { return "linkage" }

func (Linkage) Assign(vectors [][]float64, params Params) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	minSamples := params.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if normalizedDistance(vectors[i], vectors[j]) <= params.Eps {
				union(i, j)
			}
		}
	}

	sizes := make(map[int]int, n)
	for i := 0; i < n; i++ {
		sizes[find(i)]++
	}

	// Components are labelled in order of their first member so the output
	// is stable for a given input ordering.
	labels := make([]int, n)
	next := 0
	assigned := make(map[int]int, len(sizes))
	for i := 0; i < n; i++ {
		root := find(i)
		if sizes[root] < minSamples {
			labels[i] = Noise
			continue
		}
		label, ok := assigned[root]
		if !ok {
			label = next
			assigned[root] = label
			next++
		}
		labels[i] = label
	}
	return labels
}
