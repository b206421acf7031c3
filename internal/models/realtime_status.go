package models

import (
	"time"
)

// RealtimeStatus is the cache-only view of a student's liveness.
// LastSeen, IP and DisplayName are empty when the answer came from the durable store.
type RealtimeStatus struct {
	Status      StudentStatus `json:"status"`
	LastSeen    *time.Time    `json:"last_seen"`
	IP          string        `json:"ip,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
}

// StudentPresence combines the enrollment row with its realtime status for monitor views.
type StudentPresence struct {
	EnrolledStudent
	Realtime RealtimeStatus `json:"realtime"`
}
