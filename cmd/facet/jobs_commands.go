package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"facet/internal/jobs"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage catalog jobs",
	}

	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsCancelCommand(ctx))
	jobsCmd.AddCommand(newJobsResumeCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryCommand(ctx))

	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var stateFilters []string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			states := make([]jobs.State, 0, len(stateFilters))
			for _, value := range stateFilters {
				state, err := jobs.ParseState(value)
				if err != nil {
					return err
				}
				states = append(states, state)
			}

			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			items, err := eng.jobsStore.ListJobs(cmd.Context(), states, limit)
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]jobView, 0, len(items))
				for _, job := range items {
					views = append(views, makeJobView(job, nil))
				}
				return writeJSON(cmd, map[string]any{"jobs": views})
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded")
				return nil
			}
			table := renderTable(
				[]string{"ID", "Type", "State", "Priority", "Created", "Finished", "Summary"},
				buildJobRows(items),
			)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&stateFilters, "state", "s", nil, "Filter by job state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to list (0 lists all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its recorded item errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			jobID, err := resolveJobID(cmd.Context(), eng, args[0])
			if err != nil {
				return err
			}
			snapshot, err := eng.controller.Inspect(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, makeJobView(&snapshot.Job, snapshot.Errors))
			}

			out := cmd.OutOrStdout()
			job := snapshot.Job
			fmt.Fprintf(out, "%-12s %s\n", "ID:", job.ID)
			fmt.Fprintf(out, "%-12s %s\n", "Type:", job.Type)
			fmt.Fprintf(out, "%-12s %s\n", "Lane:", job.Lane)
			fmt.Fprintf(out, "%-12s %s\n", "Priority:", job.Priority)
			fmt.Fprintf(out, "%-12s %s\n", "State:", formatStateLabel(job.State))
			fmt.Fprintf(out, "%-12s %s\n", "Created:", formatDisplayTime(job.CreatedAt))
			fmt.Fprintf(out, "%-12s %s\n", "Started:", formatOptionalTime(job.StartedAt))
			fmt.Fprintf(out, "%-12s %s\n", "Finished:", formatOptionalTime(job.FinishedAt))
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, "%-12s %s\n", "Error:", job.ErrorMessage)
			}
			if summary := summarizeProgress(job.Type, job.Progress); summary != "" {
				fmt.Fprintf(out, "%-12s %s\n", "Progress:", summary)
			}
			if strings.TrimSpace(job.Checkpoint) != "" {
				fmt.Fprintf(out, "%-12s %s\n", "Checkpoint:", job.Checkpoint)
			}
			if len(snapshot.Errors) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Item", "Code", "Resolution", "Message"},
					buildErrorRows(snapshot.Errors),
					0,
				))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func newJobsCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel queued jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			out := cmd.OutOrStdout()
			for _, arg := range args {
				jobID, err := resolveJobID(cmd.Context(), eng, arg)
				if err != nil {
					return err
				}
				job, err := eng.jobsStore.JobByID(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("no job matches %q", arg)
				}
				switch {
				case job.State == jobs.StateQueued:
					if err := eng.controller.Cancel(cmd.Context(), jobID); err != nil {
						return err
					}
					fmt.Fprintf(out, "Job %s cancelled\n", shortID(jobID))
				case job.State == jobs.StateRunning:
					// No engine is running in this process, so the row
					// belongs to another run or to a process that died.
					fmt.Fprintf(out, "Job %s is running in another facet process; interrupt that process to stop it (a dead run is reclaimed on the next engine start)\n", shortID(jobID))
				default:
					fmt.Fprintf(out, "Job %s is already %s\n", shortID(jobID), job.State)
				}
			}
			return nil
		},
	}
}

func newJobsResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Continue a cancelled or failed job from its checkpoint",
		Long: "Resume re-queues the job and runs it in the foreground. The handler\n" +
			"skips every item at or before the stored checkpoint, so committed work\n" +
			"is never repeated.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			jobID, err := resolveJobID(cmd.Context(), eng, args[0])
			if err != nil {
				return err
			}
			runCtx, stop := foregroundContext(cmd)
			defer stop()
			if err := eng.controller.Resume(runCtx, jobID); err != nil {
				return err
			}
			return driveJob(cmd, eng, runCtx, jobID)
		},
	}
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	var retryAll bool

	cmd := &cobra.Command{
		Use:   "retry <job-id> [error-id...]",
		Short: "Re-process the failed items of a finished job",
		Long: "Retry marks the selected item errors for re-processing and runs the\n" +
			"job again in retry-only mode: exactly the selected items are touched.\n" +
			"Use --all to select every pending item error.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			jobID, err := resolveJobID(cmd.Context(), eng, args[0])
			if err != nil {
				return err
			}

			var selection []int64
			if retryAll {
				if len(args) > 1 {
					return fmt.Errorf("--all cannot be combined with explicit error ids")
				}
				entries, err := eng.jobsStore.ErrorsForJob(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					if entry.Resolution == jobs.ResolutionPending {
						selection = append(selection, entry.ID)
					}
				}
			} else {
				for _, arg := range args[1:] {
					id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
					if err != nil || id <= 0 {
						return fmt.Errorf("invalid error id %q", arg)
					}
					selection = append(selection, id)
				}
			}
			if len(selection) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending item errors selected; nothing to retry")
				return nil
			}

			runCtx, stop := foregroundContext(cmd)
			defer stop()
			if err := eng.controller.Retry(runCtx, jobID, selection); err != nil {
				return err
			}
			return driveJob(cmd, eng, runCtx, jobID)
		},
	}

	cmd.Flags().BoolVar(&retryAll, "all", false, "Select every pending item error")
	return cmd
}

// resolveJobID accepts a full job id or any unique prefix of one.
func resolveJobID(ctx context.Context, eng *engine, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("job id is required")
	}
	job, err := eng.jobsStore.JobByID(ctx, arg)
	if err != nil {
		return "", err
	}
	if job != nil {
		return job.ID, nil
	}

	items, err := eng.jobsStore.ListJobs(ctx, nil, 0)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, item := range items {
		if strings.HasPrefix(item.ID, arg) {
			matches = append(matches, item.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("job id %q is ambiguous (%d matches)", arg, len(matches))
	}
}
