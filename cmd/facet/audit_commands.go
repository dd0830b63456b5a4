package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"facet/internal/catalog"
)

type auditEntryView struct {
	ID         int64           `json:"id"`
	CreatedAt  string          `json:"createdAt"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   *int64          `json:"entityId,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Actor      string          `json:"actor,omitempty"`
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the catalog decision trail, newest first",
		Long: "Audit lists the immutable decision log: renames applied on ingest,\n" +
			"duplicate and conflict rejections, relinked paths, and per-job\n" +
			"completion summaries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			entries, err := eng.store.ListAudit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]auditEntryView, 0, len(entries))
				for _, entry := range entries {
					views = append(views, makeAuditEntryView(entry))
				}
				return writeJSON(cmd, map[string]any{"entries": views})
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit entries recorded")
				return nil
			}
			table := renderTable(
				[]string{"When", "Action", "Entity", "Details"},
				buildAuditRows(entries),
			)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to list (0 lists all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func makeAuditEntryView(entry *catalog.AuditEntry) auditEntryView {
	return auditEntryView{
		ID:         entry.ID,
		CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Details:    rawJSON(entry.Details),
		Actor:      entry.Actor,
	}
}

func buildAuditRows(entries []*catalog.AuditEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			formatDisplayTime(entry.CreatedAt),
			entry.Action,
			formatAuditEntity(entry),
			truncate(entry.Details, 56),
		})
	}
	return rows
}

func formatAuditEntity(entry *catalog.AuditEntry) string {
	if entry.EntityID == nil {
		return entry.EntityType
	}
	return fmt.Sprintf("%s #%d", entry.EntityType, *entry.EntityID)
}
