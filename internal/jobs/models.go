package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of work a job performs.
type Type string

const (
	TypeIngest       Type = "ingest"
	TypeCluster      Type = "cluster"
	TypeBatchPredict Type = "batch-predict"
	TypeRepair       Type = "repair"
)

var allTypes = []Type{TypeIngest, TypeCluster, TypeBatchPredict, TypeRepair}

// ParseType validates a job type supplied by a caller.
func ParseType(value string) (Type, error) {
	candidate := Type(strings.ToLower(strings.TrimSpace(value)))
	for _, t := range allTypes {
		if candidate == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", value)
}

// Lane names the worker lane a job runs on.
type Lane string

const (
	LaneCPU   Lane = "cpu"
	LaneAccel Lane = "accel"
)

var laneByType = map[Type]Lane{
	TypeIngest:       LaneCPU,
	TypeRepair:       LaneCPU,
	TypeCluster:      LaneAccel,
	TypeBatchPredict: LaneAccel,
}

// LaneForType maps a job type to the lane that executes it.
func LaneForType(jobType Type) (Lane, error) {
	lane, ok := laneByType[jobType]
	if !ok {
		return "", fmt.Errorf("unknown job type %q", jobType)
	}
	return lane, nil
}

// Priority orders queued jobs within a lane. Interactive jobs are always
// dequeued before background jobs; ties break on creation time.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBackground  Priority = "background"
)

// ParsePriority validates a priority value, defaulting blank to background.
func ParsePriority(value string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case PriorityInteractive:
		return PriorityInteractive, nil
	case PriorityBackground, "":
		return PriorityBackground, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// State represents the lifecycle of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

var allStates = []State{StateQueued, StateRunning, StateCompleted, StateCancelled, StateFailed}

// ParseState validates a state value supplied by a caller.
func ParseState(value string) (State, error) {
	candidate := State(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStates {
		if candidate == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", value)
}

// Terminal reports whether the state admits no further transitions except an
// explicit Resume or Retry re-queue.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// InterruptedMessage is recorded on jobs reclaimed after a process died while
// they were running.
const InterruptedMessage = "interrupted by restart"

// Job is one unit of background work persisted in SQLite.
type Job struct {
	ID           string
	Type         Type
	Lane         Lane
	Priority     Priority
	State        State
	Payload      string
	Progress     string
	Checkpoint   string
	RetryOnly    bool
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Checkpoint is the opaque cursor a handler persists at item boundaries. Done
// counts committed items; Last is the reference of the most recent one.
// SessionID carries the import session a resumed run must keep writing into.
type Checkpoint struct {
	Done      int    `json:"done"`
	Last      string `json:"last,omitempty"`
	SessionID int64  `json:"session_id,omitempty"`
}

// DecodeCheckpoint parses the job's stored cursor. A blank cursor decodes to
// the zero checkpoint.
func (j *Job) DecodeCheckpoint() (Checkpoint, error) {
	var cp Checkpoint
	if strings.TrimSpace(j.Checkpoint) == "" {
		return cp, nil
	}
	if err := json.Unmarshal([]byte(j.Checkpoint), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// DecodePayload parses the job's payload into the handler's argument struct.
func (j *Job) DecodePayload(target any) error {
	if strings.TrimSpace(j.Payload) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(j.Payload), target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Error resolutions recorded on job_error rows.
const (
	ResolutionPending  = "pending"
	ResolutionRetry    = "retry"
	ResolutionResolved = "resolved"
)

// JobError records one failed item from a job run. Rows are kept so the
// operator can retry exactly the items that failed.
type JobError struct {
	ID         int64
	JobID      string
	ItemRef    string
	Code       string
	Message    string
	Resolution string
	CreatedAt  time.Time
}

// Snapshot is a point-in-time view of a job and its recorded item errors.
type Snapshot struct {
	Job    Job
	Errors []JobError
}
