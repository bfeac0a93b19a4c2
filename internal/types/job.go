package types

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// IsTerminal reports whether a job in this state is done for good.
// Terminal states are write-once, no transition ever leaves them.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// PayloadRef points at the print content. Exactly one of URL or Inline
// is set, never both.
type PayloadRef struct {
	URL    string `json:"url,omitempty"`
	Inline []byte `json:"inline,omitempty"`
}

func (p PayloadRef) Empty() bool {
	return p.URL == "" && len(p.Inline) == 0
}

type Job struct {
	ID              uuid.UUID  `json:"id"`
	DeviceID        string     `json:"device_id"`
	Payload         PayloadRef `json:"payload"`
	State           JobState   `json:"state"`
	OrderingKey     int64      `json:"ordering_key"`
	RetryCount      int        `json:"retry_count"`
	LifetimeRetries int        `json:"lifetime_retries"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	SubmittedBy     string     `json:"submitted_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	TransitionedAt  time.Time  `json:"transitioned_at"`
}

// TransitionMeta carries the optional side data written together with a
// state change.
type TransitionMeta struct {
	ErrorDetail     string
	IncrementRetry  bool
	ResetRetryCount bool
}

type QueueStats struct {
	Queued     int `json:"queued"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}
