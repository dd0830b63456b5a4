package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"facet/internal/logging"
)

// Start reclaims interrupted jobs and launches the lane workers.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("job controller already running")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	reclaimed, err := c.store.ReclaimInterrupted(ctx)
	if err != nil {
		c.Stop()
		return fmt.Errorf("reclaim interrupted jobs: %w", err)
	}
	if reclaimed > 0 {
		c.logger.Warn("reclaimed interrupted jobs", logging.Int64("count", reclaimed))
	}

	slots := map[Lane]int{
		LaneCPU:   c.cfg.Jobs.CPUSlots,
		LaneAccel: c.cfg.Jobs.AccelSlots,
	}
	for _, lane := range []Lane{LaneCPU, LaneAccel} {
		count := slots[lane]
		if count <= 0 {
			count = 1
		}
		for slot := 0; slot < count; slot++ {
			c.wg.Add(1)
			go c.runLane(runCtx, lane, slot)
		}
	}

	c.logger.Info("job controller started",
		logging.Int("cpu_slots", slots[LaneCPU]),
		logging.Int("accel_slots", slots[LaneAccel]),
		logging.Duration("poll_interval", c.pollInterval))
	return nil
}

// Stop cancels all workers and waits for in-flight jobs to reach an item
// boundary and finish their state writes.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("job controller stopped")
}

func (c *Controller) runLane(ctx context.Context, lane Lane, slot int) {
	defer c.wg.Done()
	logger := c.logger.With(
		logging.String(logging.FieldLane, string(lane)),
		logging.Int("slot", slot))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.store.ClaimNextQueued(ctx, lane)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("dequeue failed", logging.Error(err))
			if !c.waitForJobOrShutdown(ctx, lane) {
				return
			}
			continue
		}
		if job == nil {
			if !c.waitForJobOrShutdown(ctx, lane) {
				return
			}
			continue
		}
		c.runJob(ctx, logger, job)
	}
}

// waitForJobOrShutdown sleeps until the lane is woken, the poll interval
// elapses, or shutdown begins. It returns false when the worker should exit.
func (c *Controller) waitForJobOrShutdown(ctx context.Context, lane Lane) bool {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.wake[lane]:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Controller) jobLogger(base *slog.Logger, job *Job) *slog.Logger {
	return base.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldJobType, string(job.Type)))
}
