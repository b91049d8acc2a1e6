package models

import "time"

// Thread is a stored conversation. The runtime treats threads as read-mostly
// context owned by the persistence layer; OwnerSubject is the subject ID of
// the caller the thread belongs to.
type Thread struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	OwnerSubject string    `json:"owner_subject"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
