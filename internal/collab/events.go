package collab

import (
	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
)

type EventType string

const (
	EventContentChanged   EventType = "content_changed"
	EventUserJoined       EventType = "user_joined"
	EventUserLeft         EventType = "user_left"
	EventCursorUpdated    EventType = "cursor_updated"
	EventDocumentLocked   EventType = "document_locked"
	EventDocumentUnlocked EventType = "document_unlocked"
)

// Event is the single payload shape pushed to session participants.
// Only the fields relevant to the event type are populated.
type Event struct {
	Type         EventType             `json:"type"`
	DocumentID   string                `json:"documentId"`
	Change       *store.DocumentChange `json:"change,omitempty"`
	Participant  *presence.Participant `json:"participant,omitempty"`
	UserID       string                `json:"userId,omitempty"`
	ConnectionID string                `json:"connectionId,omitempty"`
	CursorPos    *int                  `json:"cursorPosition,omitempty"`
	Selection    *presence.Range       `json:"selectionRange,omitempty"`
	Lock         *lock.Lock            `json:"lock,omitempty"`
}

// Broadcaster pushes events to a document's subscribers. Implementations
// must not block: delivery is fire-and-forget relative to the mutation
// that produced the event, and an unreachable subscriber never fails
// the originating call.
type Broadcaster interface {
	// Publish delivers to every subscriber of the document.
	Publish(documentID string, event Event)
	// PublishExcept delivers to every subscriber but the named
	// connection, used to skip the actor's own echo.
	PublishExcept(documentID, exceptConnectionID string, event Event)
}

// Fanout broadcasts to several sinks, e.g. the websocket hub plus the
// Kafka relay.
type Fanout []Broadcaster

func (f Fanout) Publish(documentID string, event Event) {
	for _, b := range f {
		b.Publish(documentID, event)
	}
}

func (f Fanout) PublishExcept(documentID, exceptConnectionID string, event Event) {
	for _, b := range f {
		b.PublishExcept(documentID, exceptConnectionID, event)
	}
}
