package ledger

import "time"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Mode records how a run treated existing output.
type Mode string

const (
	ModeResume Mode = "resume"
	ModeFresh  Mode = "fresh"
	ModeRetry  Mode = "retry-errors"
)

// Run is one row of run history.
type Run struct {
	ID               string
	InputPath        string
	OutputLocation   string
	Model            string
	Status           Status
	Mode             Mode
	TotalItems       int
	AlreadyCompleted int
	Duplicates       int
	Pending          int
	Succeeded        int
	Failed           int
	Abandoned        int
	ErrorMessage     string
	Hostname         string
	PID              int
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// Duration returns how long the run took, or has taken so far.
func (r *Run) Duration(now time.Time) time.Duration {
	if r == nil || r.StartedAt.IsZero() {
		return 0
	}
	end := now
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	return end.Sub(r.StartedAt)
}

// Start describes a run being opened.
type Start struct {
	// ID is generated when empty.
	ID             string
	InputPath      string
	OutputLocation string
	Model          string
	Mode           Mode
}

// Outcome is the final tally written when a run ends.
type Outcome struct {
	Status           Status
	TotalItems       int
	AlreadyCompleted int
	Duplicates       int
	Pending          int
	Succeeded        int
	Failed           int
	Abandoned        int
	Err              error
}
