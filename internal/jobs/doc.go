// Package jobs runs the library's background work. A controller owns a fixed
// pool of lane workers (cpu and accel), claims queued jobs from the shared
// SQLite catalog, and drives registered handlers with cooperative,
// checkpoint-aware cancellation. Progress snapshots fan out through an
// in-memory hub that CLI consumers poll.
package jobs
