package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Transitions are forward-only:
// a job that reaches completed, failed, or cancelled never moves again.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusAssembling  = "assembling"
	StatusRendering   = "rendering"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job represents one request to mux downloaded audio into a looped video.
// SourceURLs order is significant: it fixes the audio concatenation order.
type Job struct {
	ID          string    `json:"id"`
	VideoPath   string    `json:"-"`
	SourceURLs  []string  `json:"source_urls"`
	Status      string    `json:"status"`
	OutputName  *string   `json:"output_name,omitempty"`
	LastError   *string   `json:"error,omitempty"`
	RequestedBy string    `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
