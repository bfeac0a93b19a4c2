package websocket

import (
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Job lifecycle messages
	MessageTypeJobState MessageType = "job_state"

	// Device presence messages
	MessageTypePresence MessageType = "presence"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// JobStateData represents a job state change
type JobStateData struct {
	JobID       string `json:"job_id"`
	DeviceID    string `json:"device_id"`
	State       string `json:"state"`
	Previous    string `json:"previous_state"`
	RetryCount  int    `json:"retry_count"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// PresenceData represents a device presence transition
type PresenceData struct {
	DeviceID string `json:"device_id"`
	Presence string `json:"presence"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewJobStateMessage(job *types.Job, previousState string) Message {
	return NewMessage(MessageTypeJobState, JobStateData{
		JobID:       job.ID.String(),
		DeviceID:    job.DeviceID,
		State:       string(job.State),
		Previous:    previousState,
		RetryCount:  job.RetryCount,
		ErrorDetail: job.ErrorDetail,
	})
}

func NewPresenceMessage(event types.PresenceEvent) Message {
	return NewMessage(MessageTypePresence, PresenceData{
		DeviceID: event.DeviceID,
		Presence: string(event.Presence),
	})
}
