// Package domain holds the types shared by every component of the
// subtitle-acquisition pipeline core: jobs, their event log, and the
// status vocabulary that governs valid transitions between them.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the closed set of lifecycle states a Job may occupy.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusTranslating Status = "translating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// IsTerminal reports whether s is a final state the job will never leave.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is a member of the closed status vocabulary.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusTranslating, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// validNextStatus encodes the monotone transition graph from spec.md §3:
// pending -> downloading -> {completed | translating -> {completed|failed}} | failed,
// with failed reachable from any non-terminal state.
var validNextStatus = map[Status]map[Status]bool{
	StatusPending: {
		StatusDownloading: true,
		StatusFailed:       true,
	},
	StatusDownloading: {
		StatusCompleted:   true,
		StatusTranslating: true,
		StatusFailed:      true,
	},
	StatusTranslating: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether moving from "from" to "to" is allowed by the
// pipeline's monotone status graph.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validNextStatus[from][to]
}

// Metadata carries the request-level fields every job in this pipeline is
// known to share. Extra holds anything a caller wants to round-trip that the
// core does not interpret.
type Metadata struct {
	VideoID          string         `json:"video_id" validate:"required"`
	SourceLanguage   string         `json:"source_language" validate:"required,bcp47_language_tag"`
	TargetLanguage   string         `json:"target_language" validate:"required,bcp47_language_tag"`
	OriginalFilename string         `json:"original_filename,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Job is the unit of work tracked in the store. One job corresponds to one
// user-facing subtitle request.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob constructs a pending job with a fresh UUID and created/updated
// timestamps set to the same UTC instant, satisfying the
// updated_at >= created_at invariant from spec.md §3.
func NewJob(meta Metadata) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EventRecord is one entry in a job's append-only log.
type EventRecord struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Well-known event types this pipeline's services emit. The vocabulary is
// owned by the (out-of-scope) event-schema registry; these constants name
// the routing keys the cmd/ services publish and bind to. The records the
// store's UpdatePhase appends use "phase-change:<status>" instead.
const (
	EventDownloadRequested = "subtitle.download.requested"
	EventReady             = "subtitle.ready"
	EventTranslated        = "subtitle.translated"
	EventTranslationDone   = "translation.completed"
	EventJobFailed         = "job.failed"
)
