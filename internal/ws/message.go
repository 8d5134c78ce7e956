package ws

import (
	"cowrite/api/internal/collab"
	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
)

// ClientMessage is one request frame. Action selects the verb; the
// remaining fields are read per action.
type ClientMessage struct {
	Action         string              `json:"action"`
	RequestID      string              `json:"requestId,omitempty"`
	DocumentID     string              `json:"documentId,omitempty"`
	Change         *collab.ChangeInput `json:"change,omitempty"`
	TTLSeconds     int                 `json:"ttlSeconds,omitempty"`
	CursorPosition *int                `json:"cursorPosition,omitempty"`
	SelectionRange *presence.Range     `json:"selectionRange,omitempty"`
	Status         string              `json:"status,omitempty"`
}

const (
	ActionJoin         = "join"
	ActionLeave        = "leave"
	ActionSubmitChange = "submit_change"
	ActionAcquireLock  = "acquire_lock"
	ActionReleaseLock  = "release_lock"
	ActionUpdateCursor = "update_cursor"
	ActionUpdateStatus = "update_status"
)

// ResultMessage answers a request frame. Exactly one of the payload
// fields is set, matching the action.
type ResultMessage struct {
	Type         string                 `json:"type"` // "result"
	Action       string                 `json:"action"`
	RequestID    string                 `json:"requestId,omitempty"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Lock         *lock.Lock             `json:"lock,omitempty"`
	Participants []presence.Participant `json:"participants,omitempty"`
	Change       *store.DocumentChange  `json:"change,omitempty"`
}

// ErrorMessage rejects a request frame with a stable machine code.
type ErrorMessage struct {
	Type      string `json:"type"` // "error"
	Action    string `json:"action,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
