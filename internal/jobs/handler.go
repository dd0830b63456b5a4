package jobs

import "context"

// Handler executes one job type end to end.
type Handler interface {
	// Prepare validates the job's payload and loads collaborators before
	// execution. A Prepare error fails the job without touching the library.
	Prepare(ctx context.Context, job *Job) error
	// Execute runs the job, committing work item by item. It must return
	// promptly with ctx.Err() when the context is cancelled; anything already
	// committed stays committed and the checkpoint reflects it.
	Execute(ctx context.Context, job *Job) error
	// HealthCheck reports whether the handler's dependencies are available.
	HealthCheck(ctx context.Context) Health
}

// Health describes a handler's readiness.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy builds a ready health response for the named handler.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy builds a non-ready health response with operator detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
