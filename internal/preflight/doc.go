// Package preflight provides readiness checks for the library root, the
// catalog state directory, and the vision sidecars.
//
// These checks run in two contexts:
//   - The job controller runs the environment subset before each job.
//     A missing or unwritable root fails the job up front instead of
//     half-way through a batch.
//   - The CLI "facet status" command uses RunAll and the individual check
//     functions to display service health.
//
// Sidecar probes are informational: an offline sidecar degrades features,
// it never blocks a job.
package preflight
