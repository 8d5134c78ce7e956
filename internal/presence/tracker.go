// Package presence tracks which connections are viewing a document and
// their cursor state. Everything here is ephemeral: held in memory,
// rebuilt by clients re-joining after a coordinator restart.
package presence

import (
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusAway         Status = "away"
	StatusTyping       Status = "typing"
	StatusDisconnected Status = "disconnected"
)

// Range is a cursor selection span in document positions.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Participant is one live connection to a document. A user on two
// devices is two participants with distinct connection ids.
type Participant struct {
	DocumentID     string    `json:"documentId"`
	UserID         string    `json:"userId"`
	ConnectionID   string    `json:"connectionId"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	CursorPosition *int      `json:"cursorPosition,omitempty"`
	SelectionRange *Range    `json:"selectionRange,omitempty"`
	Status         Status    `json:"status"`
}

// ErrUnknownConnection reports an activity update for a connection that
// never joined (or already left); clients should re-join.
var ErrUnknownConnection = errors.New("unknown connection")

// ActivityUpdate carries the optional fields of an updateActivity call.
// Nil fields are left unchanged.
type ActivityUpdate struct {
	CursorPosition *int
	SelectionRange *Range
	Status         *Status
}

// Tracker owns all participant records, keyed by document. Join order
// is preserved per document.
type Tracker struct {
	mu     sync.Mutex
	rooms  map[string][]*Participant
	byConn map[string]*Participant
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		rooms:  make(map[string][]*Participant),
		byConn: make(map[string]*Participant),
		now:    time.Now,
	}
}

func (t *Tracker) Join(documentID, userID, connectionID string) Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	participant := &Participant{
		DocumentID:   documentID,
		UserID:       userID,
		ConnectionID: connectionID,
		JoinedAt:     now,
		LastActivity: now,
		Status:       StatusActive,
	}
	t.rooms[documentID] = append(t.rooms[documentID], participant)
	t.byConn[connectionID] = participant
	return *participant
}

// Leave removes the connection from its document. Idempotent: leaving
// twice is a no-op, and the second call reports found=false.
func (t *Tracker) Leave(documentID, connectionID string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove(documentID, connectionID)
}

// remove deletes a participant record. Caller holds mu.
func (t *Tracker) remove(documentID, connectionID string) (Participant, bool) {
	participant, ok := t.byConn[connectionID]
	if !ok || participant.DocumentID != documentID {
		return Participant{}, false
	}
	delete(t.byConn, connectionID)

	room := t.rooms[documentID]
	for i, p := range room {
		if p.ConnectionID == connectionID {
			t.rooms[documentID] = append(room[:i], room[i+1:]...)
			break
		}
	}
	if len(t.rooms[documentID]) == 0 {
		delete(t.rooms, documentID)
	}
	return *participant, true
}

func (t *Tracker) UpdateActivity(documentID, connectionID string, update ActivityUpdate) (Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	participant, ok := t.byConn[connectionID]
	if !ok || participant.DocumentID != documentID {
		return Participant{}, ErrUnknownConnection
	}
	participant.LastActivity = t.now()
	if update.CursorPosition != nil {
		participant.CursorPosition = update.CursorPosition
	}
	if update.SelectionRange != nil {
		participant.SelectionRange = update.SelectionRange
	}
	if update.Status != nil {
		participant.Status = *update.Status
	}
	return *participant, nil
}

// ListActive returns the document's participants in join order.
func (t *Tracker) ListActive(documentID string) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[documentID]
	out := make([]Participant, len(room))
	for i, p := range room {
		out[i] = *p
	}
	return out
}

// ReapIdle removes every participant whose last activity is older than
// idleThreshold and returns the removed records so the caller can
// broadcast their departure. Intended to run on a periodic timer.
func (t *Tracker) ReapIdle(idleThreshold time.Duration) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-idleThreshold)
	var reaped []Participant
	for connectionID, participant := range t.byConn {
		if participant.LastActivity.Before(cutoff) {
			if removed, ok := t.remove(participant.DocumentID, connectionID); ok {
				removed.Status = StatusDisconnected
				reaped = append(reaped, removed)
			}
		}
	}
	return reaped
}
