// Package main hosts the facet CLI entrypoint and command graph.
//
// The Cobra-based command tree drives the embedded catalog engine: ingest,
// cluster, predict, and repair runs enqueue a job and execute it in-process
// through the job controller, while the jobs, status, and audit commands
// inspect the shared SQLite catalog directly. It centralizes configuration
// resolution, engine construction, and progress rendering so subcommands can
// focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
// That separation keeps the CLI declarative while the heavy lifting lives in
// reusable engine components.
package main
