package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"facet/internal/faults"
	"facet/internal/logging"
	"facet/internal/preflight"
)

const lockRetryDelay = 250 * time.Millisecond

func (c *Controller) runJob(parent context.Context, laneLogger *slog.Logger, job *Job) {
	jobCtx, cancel := context.WithCancel(parent)
	c.trackCancel(job.ID, cancel)
	defer func() {
		cancel()
		c.untrackCancel(job.ID)
	}()

	jobCtx = faults.WithJobID(jobCtx, job.ID)
	jobCtx = faults.WithJobType(jobCtx, string(job.Type))
	jobCtx = faults.WithLane(jobCtx, string(job.Lane))
	logger := c.jobLogger(laneLogger, job)

	started := time.Now()
	logger.Info("job started",
		logging.String("priority", string(job.Priority)),
		logging.Bool("retry_only", job.RetryOnly))
	c.tracker.Announce(job, "running")

	handler, ok := c.handlers[job.Type]
	if !ok {
		c.finishJob(jobCtx, logger, job, fmt.Errorf("no handler registered for job type %q", job.Type), time.Since(started))
		return
	}

	// Fail fast on a broken environment before touching the scope lock; the
	// lock file itself lives under the state directory being checked.
	if failures := preflight.Failures(preflight.Environment(c.cfg)); len(failures) > 0 {
		err := faults.Wrap(faults.ErrValidation, "jobs", "preflight", strings.Join(failures, "; "), nil)
		c.finishJob(jobCtx, logger, job, err, time.Since(started))
		return
	}

	// One writer per scoped root. The advisory lock covers the whole job so
	// ingest, cluster, and batch-predict runs never interleave commits.
	lock := flock.New(c.cfg.Library.LockPath)
	locked, err := lock.TryLockContext(jobCtx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = fmt.Errorf("scope lock %s unavailable", c.cfg.Library.LockPath)
		}
		c.finishJob(jobCtx, logger, job, err, time.Since(started))
		return
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			logger.Warn("scope lock release failed", logging.Error(unlockErr))
		}
	}()

	err = handler.Prepare(jobCtx, job)
	if err == nil {
		err = handler.Execute(jobCtx, job)
	}
	c.finishJob(jobCtx, logger, job, err, time.Since(started))
}

func (c *Controller) finishJob(ctx context.Context, logger *slog.Logger, job *Job, err error, elapsed time.Duration) {
	// State writes must survive a cancelled job context.
	storeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if markErr := c.store.MarkFinished(storeCtx, job.ID, StateCompleted, ""); markErr != nil {
			logger.Error("record job completion failed", logging.Error(markErr))
		}
		job.State = StateCompleted
		c.tracker.Announce(job, "completed")
		logger.Info("job completed", logging.Duration("duration", elapsed))
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		if markErr := c.store.MarkFinished(storeCtx, job.ID, StateCancelled, ""); markErr != nil {
			logger.Error("record job cancellation failed", logging.Error(markErr))
		}
		job.State = StateCancelled
		c.tracker.Announce(job, "cancelled")
		logger.Info("job cancelled",
			logging.Duration("duration", elapsed),
			logging.String("checkpoint", job.Checkpoint))
	default:
		detail := faults.Details(err)
		if markErr := c.store.MarkFinished(storeCtx, job.ID, StateFailed, detail.Message); markErr != nil {
			logger.Error("record job failure failed", logging.Error(markErr))
		}
		job.State = StateFailed
		job.ErrorMessage = detail.Message
		c.tracker.Announce(job, detail.Code)
		logger.Error("job failed",
			logging.Duration("duration", elapsed),
			logging.String("code", detail.Code),
			logging.Error(err))
	}
}
