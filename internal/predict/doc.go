// Package predict runs the catalog maintenance jobs that follow ingest:
// batch prediction, which asks the recognition sidecar to label faces that
// lack a confirmed identity, and repair, which reconciles catalogued paths
// with the files actually present under the scoped root.
package predict
