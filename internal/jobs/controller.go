package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"facet/internal/config"
	"facet/internal/faults"
	"facet/internal/logging"
)

// Controller owns the lane worker pool and the job lifecycle operations the
// CLI calls. One controller runs per process; the scope lock keeps catalog
// writers from different processes apart.
type Controller struct {
	cfg          *config.Config
	store        *Store
	tracker      *Tracker
	logger       *slog.Logger
	handlers     map[Type]Handler
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    map[Lane]chan struct{}

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewController builds a job controller over the shared store. Handlers are
// registered per job type before Start.
func NewController(cfg *config.Config, store *Store, hub *Hub, logger *slog.Logger) *Controller {
	poll := time.Duration(cfg.Jobs.PollInterval) * time.Second
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Controller{
		cfg:          cfg,
		store:        store,
		tracker:      NewTracker(store, hub),
		logger:       logging.NewComponentLogger(logger, "jobs"),
		handlers:     make(map[Type]Handler),
		pollInterval: poll,
		wake: map[Lane]chan struct{}{
			LaneCPU:   make(chan struct{}, 1),
			LaneAccel: make(chan struct{}, 1),
		},
		active: make(map[string]context.CancelFunc),
	}
}

// RegisterHandler binds a handler to a job type. Registering twice replaces
// the previous handler.
func (c *Controller) RegisterHandler(jobType Type, handler Handler) {
	c.handlers[jobType] = handler
}

// Tracker exposes the progress tracker handlers report through.
func (c *Controller) Tracker() *Tracker {
	return c.tracker
}

// Store exposes the job store for read-side consumers.
func (c *Controller) Store() *Store {
	return c.store
}

// Enqueue validates and persists a new queued job, then wakes its lane.
func (c *Controller) Enqueue(ctx context.Context, jobType Type, payload string, priority Priority) (string, error) {
	lane, err := LaneForType(jobType)
	if err != nil {
		return "", faults.Wrap(faults.ErrValidation, "jobs", "enqueue", err.Error(), nil)
	}
	if priority == "" {
		priority = PriorityBackground
	}
	if priority != PriorityInteractive && priority != PriorityBackground {
		return "", faults.Wrap(faults.ErrValidation, "jobs", "enqueue", fmt.Sprintf("unknown priority %q", priority), nil)
	}
	job := &Job{
		ID:       uuid.NewString(),
		Type:     jobType,
		Lane:     lane,
		Priority: priority,
		Payload:  payload,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return "", faults.Wrap(faults.ErrStorage, "jobs", "enqueue", "persist job", err)
	}
	c.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldJobType, string(jobType)),
		logging.String(logging.FieldLane, string(lane)),
		logging.String("priority", string(priority)))
	c.tracker.Announce(job, "queued")
	c.wakeLane(lane)
	return job.ID, nil
}

// Inspect returns the job row plus its recorded item errors.
func (c *Controller) Inspect(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := c.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "jobs", "inspect", "load job", err)
	}
	if job == nil {
		return nil, faults.Wrap(faults.ErrNotFound, "jobs", "inspect", fmt.Sprintf("job %s", jobID), nil)
	}
	entries, err := c.store.ErrorsForJob(ctx, jobID)
	if err != nil {
		return nil, faults.Wrap(faults.ErrStorage, "jobs", "inspect", "load job errors", err)
	}
	snapshot := &Snapshot{Job: *job}
	for _, entry := range entries {
		snapshot.Errors = append(snapshot.Errors, *entry)
	}
	return snapshot, nil
}

// Cancel stops a job. Queued jobs cancel immediately; running jobs get their
// context cancelled and stop at the next item boundary. Cancelling a job that
// is already terminal is a no-op.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	for {
		job, err := c.store.JobByID(ctx, jobID)
		if err != nil {
			return faults.Wrap(faults.ErrStorage, "jobs", "cancel", "load job", err)
		}
		if job == nil {
			return faults.Wrap(faults.ErrNotFound, "jobs", "cancel", fmt.Sprintf("job %s", jobID), nil)
		}
		switch job.State {
		case StateQueued:
			done, err := c.store.CancelQueued(ctx, jobID)
			if err != nil {
				return faults.Wrap(faults.ErrStorage, "jobs", "cancel", "cancel queued job", err)
			}
			if !done {
				// Claimed between the read and the update; cancel the
				// running worker instead.
				continue
			}
			job.State = StateCancelled
			c.logger.Info("job cancelled before start", logging.String(logging.FieldJobID, jobID))
			c.tracker.Announce(job, "cancelled")
			return nil
		case StateRunning:
			c.signalCancel(jobID)
			return nil
		default:
			return nil
		}
	}
}

// Resume re-queues a cancelled or failed job so its handler continues from
// the stored checkpoint.
func (c *Controller) Resume(ctx context.Context, jobID string) error {
	job, err := c.store.JobByID(ctx, jobID)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "jobs", "resume", "load job", err)
	}
	if job == nil {
		return faults.Wrap(faults.ErrNotFound, "jobs", "resume", fmt.Sprintf("job %s", jobID), nil)
	}
	if job.State != StateCancelled && job.State != StateFailed {
		return faults.Wrap(faults.ErrValidation, "jobs", "resume", fmt.Sprintf("job is %s; only cancelled or failed jobs resume", job.State), nil)
	}
	if err := c.store.Requeue(ctx, jobID, false); err != nil {
		return faults.Wrap(faults.ErrStorage, "jobs", "resume", "requeue job", err)
	}
	c.logger.Info("job resumed",
		logging.String(logging.FieldJobID, jobID),
		logging.String("checkpoint", job.Checkpoint))
	job.State = StateQueued
	c.tracker.Announce(job, "resumed")
	c.wakeLane(job.Lane)
	return nil
}

// Retry re-queues a finished job in retry-only mode covering exactly the
// selected error entries. An empty selection changes nothing.
func (c *Controller) Retry(ctx context.Context, jobID string, selection []int64) error {
	if len(selection) == 0 {
		return nil
	}
	job, err := c.store.JobByID(ctx, jobID)
	if err != nil {
		return faults.Wrap(faults.ErrStorage, "jobs", "retry", "load job", err)
	}
	if job == nil {
		return faults.Wrap(faults.ErrNotFound, "jobs", "retry", fmt.Sprintf("job %s", jobID), nil)
	}
	if !job.State.Terminal() {
		return faults.Wrap(faults.ErrValidation, "jobs", "retry", fmt.Sprintf("job is still %s", job.State), nil)
	}
	if err := c.store.MarkErrorsRetry(ctx, jobID, selection); err != nil {
		return faults.Wrap(faults.ErrValidation, "jobs", "retry", "select error entries", err)
	}
	if err := c.store.Requeue(ctx, jobID, true); err != nil {
		return faults.Wrap(faults.ErrStorage, "jobs", "retry", "requeue job", err)
	}
	c.logger.Info("job retry queued",
		logging.String(logging.FieldJobID, jobID),
		logging.Int("selection", len(selection)))
	job.State = StateQueued
	job.RetryOnly = true
	c.tracker.Announce(job, "retry")
	c.wakeLane(job.Lane)
	return nil
}

// Health reports readiness per registered handler.
func (c *Controller) Health(ctx context.Context) []Health {
	results := make([]Health, 0, len(c.handlers))
	for _, jobType := range allTypes {
		handler, ok := c.handlers[jobType]
		if !ok {
			continue
		}
		results = append(results, handler.HealthCheck(ctx))
	}
	return results
}

func (c *Controller) trackCancel(jobID string, cancel context.CancelFunc) {
	c.activeMu.Lock()
	c.active[jobID] = cancel
	c.activeMu.Unlock()
}

func (c *Controller) untrackCancel(jobID string) {
	c.activeMu.Lock()
	delete(c.active, jobID)
	c.activeMu.Unlock()
}

func (c *Controller) signalCancel(jobID string) {
	c.activeMu.Lock()
	cancel, ok := c.active[jobID]
	c.activeMu.Unlock()
	if ok {
		c.logger.Info("job cancel requested", logging.String(logging.FieldJobID, jobID))
		cancel()
	}
}

func (c *Controller) wakeLane(lane Lane) {
	ch, ok := c.wake[lane]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
