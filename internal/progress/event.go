package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a crawl job lifecycle milestone.
type Stage string

// Lifecycle stages emitted by the submission service and scheduler.
const (
	StageJobSubmitted Stage = "JOB_SUBMITTED"
	StageJobClaimed   Stage = "JOB_CLAIMED"
	StageJobCompleted Stage = "JOB_COMPLETED"
	StageJobFailed    Stage = "JOB_FAILED"
)

// IsTerminal reports whether the stage ends a job.
func (s Stage) IsTerminal() bool {
	return s == StageJobCompleted || s == StageJobFailed
}

// Event is one lifecycle milestone of a crawl job.
type Event struct {
	JobID    string    `json:"job_id"`
	SiteID   string    `json:"site_id,omitempty"`
	TeamID   string    `json:"team_id,omitempty"`
	ReportID string    `json:"report_id,omitempty"`
	Stage    Stage     `json:"stage"`
	TS       time.Time `json:"ts"`
	// Dur is the executor wall time for terminal stages.
	Dur   time.Duration `json:"duration_ns,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobSubmitted, StageJobClaimed, StageJobCompleted:
	case StageJobFailed:
		if e.Error == "" {
			return errors.New("failed stage requires error text")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
