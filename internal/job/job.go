// Package job defines the durable transfer job model.
package job

import "time"

// Status is a job's lifecycle state. Interrupted only arises from boot
// recovery, never from a normal transition.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// Operation selects what a job does with its sources.
type Operation string

const (
	OpCopy   Operation = "copy"
	OpMove   Operation = "move"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of copy, move or delete.
func (o Operation) Valid() bool {
	return o == OpCopy || o == OpMove || o == OpDelete
}

// FallbackMode is reserved for future staged-copy policies; auto is the
// only value today.
type FallbackMode string

const FallbackAuto FallbackMode = "auto"

// VerifyMode is reserved for future verification policies; strict is the
// only value today.
type VerifyMode string

const VerifyStrict VerifyMode = "strict"

// Log is one timestamped line appended to a job's log.
type Log struct {
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ItemResult is the per-source outcome within a job, appended once the
// item reaches a terminal per-item state.
type ItemResult struct {
	Source          string `json:"source"`
	Destination     string `json:"destination,omitempty"`
	Status          Status `json:"status"`
	DirectAttempted bool   `json:"direct_attempted"`
	FallbackUsed    bool   `json:"fallback_used"`
	VerifyPassed    bool   `json:"verify_passed"`
	Error           string `json:"error,omitempty"`
}

// Job is one submitted copy, move or delete, with its full audit trail.
type Job struct {
	ID             string       `json:"id"`
	Operation      Operation    `json:"operation"`
	Status         Status       `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Sources        []string     `json:"sources"`
	DestinationDir string       `json:"destination_dir,omitempty"`
	FallbackMode   FallbackMode `json:"fallback_mode,omitempty"`
	VerifyMode     VerifyMode   `json:"verify_mode,omitempty"`
	Results        []ItemResult `json:"results"`
	Logs           []Log        `json:"logs"`
}
