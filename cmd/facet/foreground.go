package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"facet/internal/jobs"
)

// runForegroundJob enqueues one job and drives the embedded controller until
// the job reaches a terminal state. The worker lanes drain any other queued
// work while the engine is up, so leftover background jobs ride along.
func runForegroundJob(cmd *cobra.Command, cctx *commandContext, jobType jobs.Type, payload any) error {
	raw := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode job payload: %w", err)
		}
		raw = string(data)
	}

	eng, err := openEngine(cctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	runCtx, stop := foregroundContext(cmd)
	defer stop()

	jobID, err := eng.controller.Enqueue(runCtx, jobType, raw, jobs.PriorityInteractive)
	if err != nil {
		return err
	}

	return driveJob(cmd, eng, runCtx, jobID)
}

// driveJob starts the controller, follows one job until it settles, and
// renders the outcome. Shared by the run commands and jobs resume/retry.
// foregroundContext derives the context a foreground run lives under. An
// interrupt cancels it, which checkpoints the job instead of killing it.
func foregroundContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func driveJob(cmd *cobra.Command, eng *engine, runCtx context.Context, jobID string) error {
	if err := eng.controller.Start(runCtx); err != nil {
		return err
	}
	defer eng.controller.Stop()

	view := newProgressView(cmd.OutOrStdout())
	watchErr := watchJob(runCtx, eng.hub, jobID, view)

	// Stop before reporting so the final state write has landed; on an
	// interrupt this is also what forces the handler to checkpoint.
	eng.controller.Stop()

	snapshot, err := eng.controller.Inspect(context.Background(), jobID)
	if err != nil {
		view.close(false)
		if watchErr != nil {
			return watchErr
		}
		return err
	}
	view.close(snapshot.Job.State == jobs.StateCompleted)
	return renderJobOutcome(cmd, snapshot, watchErr)
}

// watchJob follows hub events for one job until a terminal state shows up or
// the context ends.
func watchJob(ctx context.Context, hub *jobs.Hub, jobID string, view *progressView) error {
	var since uint64
	for {
		events, next, err := hub.Fetch(ctx, since, 0, true)
		if err != nil {
			return err
		}
		since = next
		for _, evt := range events {
			if evt.JobID != jobID {
				continue
			}
			view.observe(evt)
			if evt.State.Terminal() {
				return nil
			}
		}
	}
}

func renderJobOutcome(cmd *cobra.Command, snapshot *jobs.Snapshot, watchErr error) error {
	out := cmd.OutOrStdout()
	job := snapshot.Job
	short := shortID(job.ID)
	summary := summarizeProgress(job.Type, job.Progress)

	switch job.State {
	case jobs.StateCompleted:
		fmt.Fprintf(out, "Job %s (%s) completed\n", short, job.Type)
		if summary != "" {
			fmt.Fprintf(out, "  %s\n", summary)
		}
		reportItemErrors(out, short, snapshot.Errors)
		return nil
	case jobs.StateCancelled:
		fmt.Fprintf(out, "Job %s (%s) cancelled; committed work is kept\n", short, job.Type)
		if summary != "" {
			fmt.Fprintf(out, "  %s\n", summary)
		}
		fmt.Fprintf(out, "Resume with `facet jobs resume %s`\n", short)
		return watchErr
	case jobs.StateFailed:
		if summary != "" {
			fmt.Fprintf(out, "  %s\n", summary)
		}
		reportItemErrors(out, short, snapshot.Errors)
		return fmt.Errorf("job %s (%s) failed: %s", short, job.Type, job.ErrorMessage)
	case jobs.StateQueued:
		// Interrupted before a lane claimed the job. It stays queued and
		// runs with the next command that starts the engine.
		fmt.Fprintf(out, "Job %s (%s) is still queued; it runs with the next facet command\n", short, job.Type)
		return watchErr
	default:
		if watchErr != nil {
			return watchErr
		}
		return fmt.Errorf("job %s is still %s", short, job.State)
	}
}

const outcomeErrorLimit = 10

func reportItemErrors(out io.Writer, short string, entries []jobs.JobError) {
	if len(entries) == 0 {
		return
	}
	shown := entries
	if len(shown) > outcomeErrorLimit {
		shown = shown[:outcomeErrorLimit]
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Item", "Code", "Resolution", "Message"},
		buildErrorRows(shown),
		0,
	))
	if len(entries) > outcomeErrorLimit {
		fmt.Fprintf(out, "…and %d more; list all with `facet jobs show %s`\n", len(entries)-outcomeErrorLimit, short)
	}
	if pending := countPending(entries); pending > 0 {
		fmt.Fprintf(out, "%d item(s) need review; retry them with `facet jobs retry %s --all`\n", pending, short)
	}
}

func countPending(entries []jobs.JobError) int {
	count := 0
	for _, entry := range entries {
		if entry.Resolution == jobs.ResolutionPending {
			count++
		}
	}
	return count
}
