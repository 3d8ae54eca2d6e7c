package chat

import "time"

// SessionInfo is a read-only snapshot of a live session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Turns        int       `json:"turns"`
	Busy         bool      `json:"busy"`
	Broken       bool      `json:"broken,omitempty"`
}
