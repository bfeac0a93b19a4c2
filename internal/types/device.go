package types

import (
	"time"

	"github.com/google/uuid"
)

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Device is a remote printer endpoint. The ID is stable and
// device-generated, sent with its first registration.
type Device struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Presence    Presence   `json:"presence"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	ActiveJobID *uuid.UUID `json:"active_job_id,omitempty"`
	// Direct-delivery fallback address (host:port), empty when the
	// device is only reachable through the broker.
	DirectAddress string    `json:"direct_address,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PresenceEvent is published by the presence tracker on every
// online/offline transition.
type PresenceEvent struct {
	DeviceID string    `json:"device_id"`
	Presence Presence  `json:"presence"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
}
