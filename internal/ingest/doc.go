// Package ingest implements the import pipeline: enumerate eligible files
// under the scoped root, normalize and fingerprint each one, classify it
// against the catalogued identities, and commit new images together with
// their faces and metadata. Runs as the cpu-lane ingest job.
package ingest
