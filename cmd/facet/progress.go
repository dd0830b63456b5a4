package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"facet/internal/cluster"
	"facet/internal/ingest"
	"facet/internal/jobs"
	"facet/internal/predict"
)

// progressView renders job progress while a foreground run is active. On a
// terminal it draws a progress bar once item totals are known; everywhere
// else it prints one line per state transition so piped output stays
// scannable.
type progressView struct {
	out       io.Writer
	tty       bool
	bar       *progressbar.ProgressBar
	lastState jobs.State
}

func newProgressView(out io.Writer) *progressView {
	return &progressView{out: out, tty: shouldColorize(out)}
}

func (v *progressView) observe(evt jobs.Event) {
	if v.tty {
		v.observeBar(evt)
		return
	}
	if evt.State != "" && evt.State != v.lastState {
		v.lastState = evt.State
		fmt.Fprintf(v.out, "job %s (%s) %s\n", shortID(evt.JobID), evt.Type, evt.State)
	}
}

func (v *progressView) observeBar(evt jobs.Event) {
	done, total, ok := progressCounts(evt.Type, evt.Progress)
	if !ok || total <= 0 {
		return
	}
	if v.bar == nil {
		v.bar = progressbar.NewOptions64(int64(total),
			progressbar.OptionSetWriter(v.out),
			progressbar.OptionSetDescription(barDescription(evt.Type)),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString(barUnits(evt.Type)),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}
	v.bar.ChangeMax64(int64(total))
	_ = v.bar.Set64(int64(done))
}

// close ends bar rendering. A completed job fills the bar; anything else
// leaves it where the job stopped.
func (v *progressView) close(completed bool) {
	if v.bar == nil {
		return
	}
	if completed {
		_ = v.bar.Finish()
	} else {
		_ = v.bar.Exit()
	}
	fmt.Fprintln(v.out)
	v.bar = nil
}

// progressCounts extracts the item axis from a job-type-specific progress
// snapshot. Repair has no single axis, so it renders without a bar.
func progressCounts(jobType jobs.Type, raw json.RawMessage) (done, total int, ok bool) {
	if len(raw) == 0 {
		return 0, 0, false
	}
	switch jobType {
	case jobs.TypeIngest:
		var p ingest.Progress
		if json.Unmarshal(raw, &p) != nil {
			return 0, 0, false
		}
		return p.Processed, p.Total, true
	case jobs.TypeCluster:
		var s cluster.Stats
		if json.Unmarshal(raw, &s) != nil {
			return 0, 0, false
		}
		return s.FacesDone, s.FacesTotal, true
	case jobs.TypeBatchPredict:
		var p predict.Progress
		if json.Unmarshal(raw, &p) != nil {
			return 0, 0, false
		}
		return p.FacesDone, p.FacesTotal, true
	default:
		return 0, 0, false
	}
}

func barDescription(jobType jobs.Type) string {
	switch jobType {
	case jobs.TypeIngest:
		return "Ingesting photos"
	case jobs.TypeCluster:
		return "Clustering faces"
	case jobs.TypeBatchPredict:
		return "Predicting identities"
	default:
		return "Working"
	}
}

func barUnits(jobType jobs.Type) string {
	if jobType == jobs.TypeIngest {
		return "files"
	}
	return "faces"
}
