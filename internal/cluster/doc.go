// Package cluster groups face feature vectors into identity candidates. A
// pluggable strategy produces raw labels; deterministic post-processing maps
// noise to the reserved uncategorized bucket, splits oversized clusters with
// tightened parameters, and renumbers the survivors into a dense, stable
// range. Runs as the accel-lane cluster job.
package cluster
