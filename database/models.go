package database

import "time"

// Build is one row of the build history.
type Build struct {
	ID           int64
	RunID        string
	ISOPath      string
	Label        string
	DataMode     string
	BootOnly     bool
	Status       string
	Error        string
	ISOSizeBytes int64
	UploadKey    string
	TraceID      string
	StartedAt    time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
}

// Duration returns how long the build ran, or zero while it runs.
func (b *Build) Duration() time.Duration {
	if b.FinishedAt == nil {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// Build status constants
const (
	BuildStatusRunning   = "running"
	BuildStatusSucceeded = "succeeded"
	BuildStatusFailed    = "failed"
	// BuildStatusAbandoned marks a run that never finished, found by gc.
	BuildStatusAbandoned = "abandoned"
)
