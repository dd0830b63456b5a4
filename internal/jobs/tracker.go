package jobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tracker couples progress persistence with hub fan-out so handlers report
// through one call. Snapshots land on the job row (survives restarts) and in
// the hub (drives live consumers).
type Tracker struct {
	store *Store
	hub   *Hub
}

// NewTracker builds a tracker over the job store and progress hub.
func NewTracker(store *Store, hub *Hub) *Tracker {
	return &Tracker{store: store, hub: hub}
}

// Progress persists the snapshot on the job row and publishes it.
func (t *Tracker) Progress(ctx context.Context, job *Job, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	job.Progress = string(payload)
	if err := t.store.UpdateProgress(ctx, job.ID, job.Progress); err != nil {
		return err
	}
	t.publish(job, "")
	return nil
}

// Checkpoint persists the handler's resume cursor on the job row.
func (t *Tracker) Checkpoint(ctx context.Context, job *Job, cp Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	job.Checkpoint = string(payload)
	return t.store.UpdateCheckpoint(ctx, job.ID, job.Checkpoint)
}

// Announce publishes a state transition without touching the job row.
func (t *Tracker) Announce(job *Job, message string) {
	t.publish(job, message)
}

func (t *Tracker) publish(job *Job, message string) {
	if t == nil || t.hub == nil {
		return
	}
	evt := Event{
		JobID:   job.ID,
		Type:    job.Type,
		Lane:    job.Lane,
		State:   job.State,
		Message: message,
	}
	if job.Progress != "" {
		evt.Progress = json.RawMessage(job.Progress)
	}
	t.hub.Publish(evt)
}

// Hub exposes the tracker's fan-out buffer for consumers.
func (t *Tracker) Hub() *Hub {
	return t.hub
}
