package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"facet/internal/cluster"
	"facet/internal/ingest"
	"facet/internal/jobs"
	"facet/internal/predict"
)

// shortID trims a job UUID to its leading segment for display. Commands
// accept any unique prefix, so the short form round-trips.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatStateLabel(state jobs.State) string {
	value := strings.TrimSpace(string(state))
	if value == "" {
		return ""
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatDisplayTime(*t)
}

func truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	if max <= 1 || len(value) <= max {
		return value
	}
	return value[:max-1] + "…"
}

func buildJobRows(items []*jobs.Job) [][]string {
	rows := make([][]string, 0, len(items))
	for _, job := range items {
		rows = append(rows, []string{
			shortID(job.ID),
			string(job.Type),
			formatStateLabel(job.State),
			string(job.Priority),
			formatDisplayTime(job.CreatedAt),
			formatOptionalTime(job.FinishedAt),
			truncate(summarizeProgress(job.Type, job.Progress), 48),
		})
	}
	return rows
}

func buildErrorRows(entries []jobs.JobError) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			fmt.Sprintf("%d", entry.ID),
			truncate(entry.ItemRef, 40),
			entry.Code,
			entry.Resolution,
			truncate(entry.Message, 48),
		})
	}
	return rows
}

// summarizeProgress folds a job's stored progress snapshot into one line.
// Zero counters are dropped so the common all-clean case reads short.
func summarizeProgress(jobType jobs.Type, raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	switch jobType {
	case jobs.TypeIngest:
		var p ingest.Progress
		if json.Unmarshal([]byte(raw), &p) != nil {
			return ""
		}
		parts := []string{fmt.Sprintf("%d/%d files", p.Processed, p.Total)}
		parts = appendCount(parts, p.New, "new")
		parts = appendCount(parts, p.Duplicates, "duplicates")
		parts = appendCount(parts, p.Renames, "renames")
		parts = appendCount(parts, p.NearDups, "near-duplicates")
		parts = appendCount(parts, p.Conflicts, "conflicts")
		parts = appendCount(parts, p.Corrupt, "corrupt")
		summary := strings.Join(parts, ", ")
		if p.Faces > 0 {
			summary += fmt.Sprintf("; %d faces", p.Faces)
			if p.Predicted > 0 {
				summary += fmt.Sprintf(" (%d predicted)", p.Predicted)
			}
		}
		return summary
	case jobs.TypeCluster:
		var s cluster.Stats
		if json.Unmarshal([]byte(raw), &s) != nil {
			return ""
		}
		summary := fmt.Sprintf("%d/%d faces, %d clusters, %d uncategorized", s.FacesDone, s.FacesTotal, s.ClustersCreated, s.NoiseCount)
		if len(s.Oversized) > 0 {
			summary += fmt.Sprintf(", %d oversized", len(s.Oversized))
		}
		return summary
	case jobs.TypeBatchPredict:
		var p predict.Progress
		if json.Unmarshal([]byte(raw), &p) != nil {
			return ""
		}
		return fmt.Sprintf("%d/%d faces, %d predicted, %d skipped", p.FacesDone, p.FacesTotal, p.Predicted, p.Skipped)
	case jobs.TypeRepair:
		var p predict.RepairProgress
		if json.Unmarshal([]byte(raw), &p) != nil {
			return ""
		}
		parts := []string{fmt.Sprintf("%d files, %d tracked", p.FilesScanned, p.Tracked)}
		parts = appendCount(parts, p.Missing, "missing")
		parts = appendCount(parts, p.Relinked, "relinked")
		parts = appendCount(parts, p.Unresolved, "unresolved")
		parts = appendCount(parts, p.Untracked, "untracked")
		parts = appendCount(parts, p.FlagsRepaired, "flags repaired")
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

func appendCount(parts []string, count int, label string) []string {
	if count == 0 {
		return parts
	}
	return append(parts, fmt.Sprintf("%d %s", count, label))
}

type jobErrorView struct {
	ID         int64     `json:"id"`
	ItemRef    string    `json:"item_ref"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Resolution string    `json:"resolution"`
	CreatedAt  time.Time `json:"created_at"`
}

type jobView struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Lane         string          `json:"lane"`
	Priority     string          `json:"priority"`
	State        string          `json:"state"`
	RetryOnly    bool            `json:"retry_only,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	Checkpoint   json.RawMessage `json:"checkpoint,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Errors       []jobErrorView  `json:"errors,omitempty"`
}

func makeJobView(job *jobs.Job, entries []jobs.JobError) jobView {
	view := jobView{
		ID:           job.ID,
		Type:         string(job.Type),
		Lane:         string(job.Lane),
		Priority:     string(job.Priority),
		State:        string(job.State),
		RetryOnly:    job.RetryOnly,
		Payload:      rawJSON(job.Payload),
		Progress:     rawJSON(job.Progress),
		Checkpoint:   rawJSON(job.Checkpoint),
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	for _, entry := range entries {
		view.Errors = append(view.Errors, jobErrorView{
			ID:         entry.ID,
			ItemRef:    entry.ItemRef,
			Code:       entry.Code,
			Message:    entry.Message,
			Resolution: entry.Resolution,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return view
}

func rawJSON(value string) json.RawMessage {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}
