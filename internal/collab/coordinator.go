// Package collab is the collaboration session coordinator: it ties the
// change log, lock manager, and presence tracker together and defines
// the broadcast policy. All content changes are serialized through the
// document lock - only the holder may append - so ContentChanged events
// reach every subscriber in sequence-number order without any
// transform/merge machinery.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

type changeLog interface {
	Append(ctx context.Context, change store.DocumentChange) (store.DocumentChange, error)
	ChangesSince(ctx context.Context, documentID string, since time.Time) ([]store.DocumentChange, error)
	MarkTransformed(ctx context.Context, changeID, supersededByChangeID string) error
}

type documentGate interface {
	CanEdit(ctx context.Context, documentID, userID string) (bool, error)
}

// ChangeInput is a client-submitted mutation before the store assigns
// its identity and sequence number.
type ChangeInput struct {
	Operation  store.OperationType     `json:"operationType"`
	Position   int                     `json:"position"`
	Length     int                     `json:"length,omitempty"`
	Content    string                  `json:"content,omitempty"`
	Attributes *store.FormatAttributes `json:"attributes,omitempty"`
	Version    int64                   `json:"version"`
}

// JoinState is what a freshly joined client needs to render: current
// lock holder (if any) and everyone already in the session.
type JoinState struct {
	Lock         *lock.Lock             `json:"lock"`
	Participants []presence.Participant `json:"participants"`
}

type Coordinator struct {
	gate      documentGate
	changes   changeLog
	locks     lock.Manager
	presence  *presence.Tracker
	broadcast Broadcaster

	// Per-document serialization for the submit path. Cross-document
	// operations never contend.
	mu     sync.Mutex
	docMus map[string]*sync.Mutex
}

func New(gate documentGate, changes changeLog, locks lock.Manager, tracker *presence.Tracker, broadcast Broadcaster) *Coordinator {
	return &Coordinator{
		gate:      gate,
		changes:   changes,
		locks:     locks,
		presence:  tracker,
		broadcast: broadcast,
		docMus:    make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) docMu(documentID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.docMus[documentID]
	if !ok {
		mu = &sync.Mutex{}
		c.docMus[documentID] = mu
	}
	return mu
}

// Join registers the connection, announces it to the room, and returns
// the state the new client needs to render.
func (c *Coordinator) Join(ctx context.Context, documentID, userID, connectionID string) (JoinState, error) {
	if err := c.checkEdit(ctx, documentID, userID); err != nil {
		return JoinState{}, err
	}

	participant := c.presence.Join(documentID, userID, connectionID)

	held, err := c.locks.Status(ctx, documentID)
	if err != nil {
		c.presence.Leave(documentID, connectionID)
		return JoinState{}, err
	}

	c.broadcast.PublishExcept(documentID, connectionID, Event{
		Type:        EventUserJoined,
		DocumentID:  documentID,
		Participant: &participant,
	})

	return JoinState{
		Lock:         held,
		Participants: c.presence.ListActive(documentID),
	}, nil
}

// Leave removes the connection's presence and announces it. The lock
// is deliberately not auto-released: losing a connection must not
// silently strip edit protection, so a held lock survives until its
// owner releases it or the TTL expires.
func (c *Coordinator) Leave(ctx context.Context, documentID, connectionID string) {
	left, ok := c.presence.Leave(documentID, connectionID)
	if !ok {
		return
	}
	c.broadcast.Publish(documentID, Event{
		Type:         EventUserLeft,
		DocumentID:   documentID,
		UserID:       left.UserID,
		ConnectionID: connectionID,
	})
}

// SubmitChange appends a change for the current lock holder and relays
// it to every other participant. Callers without the lock are rejected
// with ErrLockRequired before the log is touched.
func (c *Coordinator) SubmitChange(ctx context.Context, documentID, userID, connectionID string, input ChangeInput) (store.DocumentChange, error) {
	mu := c.docMu(documentID)
	mu.Lock()
	defer mu.Unlock()

	held, err := c.locks.Status(ctx, documentID)
	if err != nil {
		return store.DocumentChange{}, err
	}
	if held == nil || held.LockedBy != userID {
		return store.DocumentChange{}, fmt.Errorf("document %s: %w", documentID, ErrLockRequired)
	}

	stored, err := c.changes.Append(ctx, store.DocumentChange{
		ID:         util.NewID("chg"),
		DocumentID: documentID,
		UserID:     userID,
		Operation:  input.Operation,
		Position:   input.Position,
		Length:     input.Length,
		Content:    input.Content,
		Attributes: input.Attributes,
		Version:    input.Version,
	})
	if err != nil {
		return store.DocumentChange{}, err
	}

	c.broadcast.PublishExcept(documentID, connectionID, Event{
		Type:       EventContentChanged,
		DocumentID: documentID,
		Change:     &stored,
	})
	return stored, nil
}

// UpdateCursor refreshes the connection's cursor state and relays it.
// This path never consults the lock or the change log.
func (c *Coordinator) UpdateCursor(ctx context.Context, documentID, userID, connectionID string, cursorPosition *int, selectionRange *presence.Range) error {
	_, err := c.presence.UpdateActivity(documentID, connectionID, presence.ActivityUpdate{
		CursorPosition: cursorPosition,
		SelectionRange: selectionRange,
	})
	if err != nil {
		return err
	}
	c.broadcast.PublishExcept(documentID, connectionID, Event{
		Type:       EventCursorUpdated,
		DocumentID: documentID,
		UserID:     userID,
		CursorPos:  cursorPosition,
		Selection:  selectionRange,
	})
	return nil
}

// UpdateStatus marks a participant active/idle/typing without cursor
// movement, keeping the heartbeat alive.
func (c *Coordinator) UpdateStatus(ctx context.Context, documentID, connectionID string, status presence.Status) error {
	_, err := c.presence.UpdateActivity(documentID, connectionID, presence.ActivityUpdate{Status: &status})
	return err
}

// AcquireLock grants or refreshes the edit lock and announces the new
// holder to everyone, including the actor (UI confirmation).
func (c *Coordinator) AcquireLock(ctx context.Context, documentID, userID string, ttl time.Duration) (lock.Lock, error) {
	if err := c.checkEdit(ctx, documentID, userID); err != nil {
		return lock.Lock{}, err
	}
	granted, err := c.locks.Acquire(ctx, documentID, userID, ttl)
	if err != nil {
		return lock.Lock{}, err
	}
	c.broadcast.Publish(documentID, Event{
		Type:       EventDocumentLocked,
		DocumentID: documentID,
		Lock:       &granted,
	})
	return granted, nil
}

// ReleaseLock clears the caller's lock and announces it to everyone.
func (c *Coordinator) ReleaseLock(ctx context.Context, documentID, userID string) error {
	if err := c.locks.Release(ctx, documentID, userID); err != nil {
		return err
	}
	c.broadcast.Publish(documentID, Event{
		Type:       EventDocumentUnlocked,
		DocumentID: documentID,
	})
	return nil
}

// BreakLock is the administrative override for abandoned locks. It is
// its own privileged operation, never reachable through AcquireLock.
func (c *Coordinator) BreakLock(ctx context.Context, documentID string) error {
	if err := c.locks.AdminBreak(ctx, documentID); err != nil {
		return err
	}
	c.broadcast.Publish(documentID, Event{
		Type:       EventDocumentUnlocked,
		DocumentID: documentID,
	})
	return nil
}

// LockStatus reports the current holder, nil when unlocked or expired.
func (c *Coordinator) LockStatus(ctx context.Context, documentID string) (*lock.Lock, error) {
	return c.locks.Status(ctx, documentID)
}

// ChangesSince is the resync path for clients recovering from a drop.
func (c *Coordinator) ChangesSince(ctx context.Context, documentID string, since time.Time) ([]store.DocumentChange, error) {
	return c.changes.ChangesSince(ctx, documentID, since)
}

// MarkTransformed links a superseded change to its replacement.
func (c *Coordinator) MarkTransformed(ctx context.Context, changeID, supersededByChangeID string) error {
	return c.changes.MarkTransformed(ctx, changeID, supersededByChangeID)
}

// Participants lists the document's live connections in join order.
func (c *Coordinator) Participants(documentID string) []presence.Participant {
	return c.presence.ListActive(documentID)
}

// ReapIdle drops participants idle past the threshold and announces
// each departure. Run from a periodic timer, not per request.
func (c *Coordinator) ReapIdle(idleThreshold time.Duration) int {
	reaped := c.presence.ReapIdle(idleThreshold)
	for _, participant := range reaped {
		c.broadcast.Publish(participant.DocumentID, Event{
			Type:         EventUserLeft,
			DocumentID:   participant.DocumentID,
			UserID:       participant.UserID,
			ConnectionID: participant.ConnectionID,
		})
	}
	return len(reaped)
}

func (c *Coordinator) checkEdit(ctx context.Context, documentID, userID string) error {
	allowed, err := c.gate.CanEdit(ctx, documentID, userID)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("user %s on document %s: %w", userID, documentID, ErrPermissionDenied)
	}
	return nil
}
