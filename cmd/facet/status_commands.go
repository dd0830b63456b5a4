package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"facet/internal/config"
	"facet/internal/jobs"
	"facet/internal/preflight"
)

// jobStateOrder fixes the display order of the job summary table to the
// lifecycle order instead of the map's iteration order.
var jobStateOrder = []jobs.State{
	jobs.StateQueued,
	jobs.StateRunning,
	jobs.StateCompleted,
	jobs.StateCancelled,
	jobs.StateFailed,
}

type statusCheckView struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type statusWorkerView struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

type statusCatalogView struct {
	Present   bool   `json:"present"`
	Path      string `json:"path"`
	Detail    string `json:"detail"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	Images    int64  `json:"images"`
	Faces     int64  `json:"faces"`
	Sessions  int    `json:"sessions"`
	Persons   int    `json:"persons"`
}

type statusReport struct {
	ConfigPath  string             `json:"configPath,omitempty"`
	Environment []statusCheckView  `json:"environment"`
	Sidecars    []statusCheckView  `json:"sidecars"`
	Catalog     statusCatalogView  `json:"catalog"`
	Workers     []statusWorkerView `json:"workers,omitempty"`
	Jobs        map[string]int     `json:"jobs,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show library, sidecar, catalog, and job health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			if cfg == nil {
				return fmt.Errorf("configuration unavailable")
			}

			report := statusReport{ConfigPath: ctx.configPath}
			for _, result := range preflight.Environment(cfg) {
				report.Environment = append(report.Environment, statusCheckView(result))
			}
			for _, result := range sidecarStatusChecks(cmd, cfg) {
				report.Sidecars = append(report.Sidecars, statusCheckView(result))
			}

			probe := preflight.ProbeCatalog(cfg)
			report.Catalog = statusCatalogView{
				Present:   probe.Present,
				Path:      probe.Path,
				Detail:    probe.CatalogDetail(),
				SizeBytes: probe.SizeBytes,
			}

			// Open the catalog only when the database file already
			// exists; a bare status call should not create one.
			if probe.Present {
				eng, err := openEngine(ctx)
				if err != nil {
					return err
				}
				defer eng.Close()

				runCtx := cmd.Context()
				if report.Catalog.Images, err = eng.store.CountImages(runCtx); err != nil {
					return err
				}
				if report.Catalog.Faces, err = eng.store.CountFaces(runCtx); err != nil {
					return err
				}
				sessions, err := eng.store.ListSessions(runCtx)
				if err != nil {
					return err
				}
				report.Catalog.Sessions = len(sessions)
				persons, err := eng.store.ListPersons(runCtx)
				if err != nil {
					return err
				}
				report.Catalog.Persons = len(persons)

				for _, health := range eng.controller.Health(runCtx) {
					report.Workers = append(report.Workers, statusWorkerView(health))
				}
				stats, err := eng.jobsStore.Stats(runCtx)
				if err != nil {
					return err
				}
				if len(stats) > 0 {
					report.Jobs = make(map[string]int, len(stats))
					for state, count := range stats {
						report.Jobs[string(state)] = count
					}
				}
			}

			if asJSON {
				return writeJSON(cmd, report)
			}
			renderStatusReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func sidecarStatusChecks(cmd *cobra.Command, cfg *config.Config) []preflight.Result {
	return []preflight.Result{
		preflight.CheckSidecarFromConfig(cmd.Context(), "detector", cfg.Vision.DetectorURL),
		preflight.CheckSidecarFromConfig(cmd.Context(), "predictor", cfg.Vision.PredictorURL),
		preflight.CheckSidecarFromConfig(cmd.Context(), "embedder", cfg.Vision.EmbedderURL),
	}
}

func renderStatusReport(cmd *cobra.Command, report statusReport) {
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	for _, line := range renderSectionHeader("Environment", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, check := range report.Environment {
		fmt.Fprintln(stdout, renderCheckLine(check.Name, check.Passed, check.Detail, statusError, colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Sidecars", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, check := range report.Sidecars {
		fmt.Fprintln(stdout, renderCheckLine(check.Name, check.Passed, check.Detail, statusWarn, colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Catalog", colorize) {
		fmt.Fprintln(stdout, line)
	}
	catalogKind := statusInfo
	if report.Catalog.Present {
		catalogKind = statusOK
	}
	fmt.Fprintln(stdout, renderStatusLine("Database", catalogKind, report.Catalog.Detail, colorize))
	if report.Catalog.Present {
		rows := [][]string{
			{"Images", fmt.Sprintf("%d", report.Catalog.Images)},
			{"Faces", fmt.Sprintf("%d", report.Catalog.Faces)},
			{"Sessions", fmt.Sprintf("%d", report.Catalog.Sessions)},
			{"Persons", fmt.Sprintf("%d", report.Catalog.Persons)},
		}
		fmt.Fprintln(stdout, renderTable([]string{"Entity", "Count"}, rows, 1))
		for _, worker := range report.Workers {
			kind := statusOK
			if !worker.Ready {
				kind = statusError
			}
			fmt.Fprintln(stdout, renderStatusLine(displayLabel(worker.Name), kind, worker.Detail, colorize))
		}
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Jobs", colorize) {
		fmt.Fprintln(stdout, line)
	}
	rows := buildJobStatsRows(report.Jobs)
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "No jobs recorded")
		return
	}
	fmt.Fprint(stdout, renderTable([]string{"State", "Count"}, rows, 1))
}

func buildJobStatsRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(stats))
	for _, state := range jobStateOrder {
		if count, ok := stats[string(state)]; ok {
			rows = append(rows, []string{formatStateLabel(state), fmt.Sprintf("%d", count)})
		}
	}
	return rows
}
