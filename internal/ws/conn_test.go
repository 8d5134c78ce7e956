package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
)

func newTestWSServer(t *testing.T) *httptest.Server {
	t.Helper()

	dataStore := store.NewMemoryStore()
	ctx := context.Background()
	if err := dataStore.InsertDocument(ctx, store.Document{ID: "doc-1", Title: "Draft", CreatedBy: "alice"}); err != nil {
		t.Fatalf("InsertDocument failed: %v", err)
	}
	if err := dataStore.GrantEdit(ctx, "doc-1", "bob"); err != nil {
		t.Fatalf("GrantEdit failed: %v", err)
	}

	hub := NewHub()
	coordinator := collab.New(dataStore, dataStore, lock.NewMemoryManager(), presence.NewTracker(), hub)
	opts := Options{DefaultLockTTL: time.Minute, MaxLockTTL: 10 * time.Minute}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, coordinator, opts, w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// First frame is the connection handshake.
	frame := readFrame(t, conn)
	if frame["action"] != "connected" {
		t.Fatalf("expected connected frame, got %v", frame)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// waitFor skips unrelated frames until match returns true. Broadcast
// events interleave freely with request results.
func waitFor(t *testing.T, conn *websocket.Conn, what string, match func(map[string]any) bool) map[string]any {
	t.Helper()

	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
	t.Fatalf("never received %s", what)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func isResult(action string) func(map[string]any) bool {
	return func(frame map[string]any) bool {
		return frame["type"] == "result" && frame["action"] == action
	}
}

func isEvent(eventType collab.EventType) func(map[string]any) bool {
	return func(frame map[string]any) bool {
		return frame["type"] == string(eventType)
	}
}

func TestDialRequiresUserID(t *testing.T) {
	server := newTestWSServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without userId to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestJoinAnnouncesToOthers(t *testing.T) {
	server := newTestWSServer(t)

	alice := dial(t, server, "alice")
	send(t, alice, ClientMessage{Action: ActionJoin, RequestID: "r1", DocumentID: "doc-1"})
	result := waitFor(t, alice, "join result", isResult(ActionJoin))
	participants, _ := result["participants"].([]any)
	if len(participants) != 1 {
		t.Fatalf("expected 1 participant, got %v", result["participants"])
	}
	if result["lock"] != nil {
		t.Errorf("expected no lock in join state, got %v", result["lock"])
	}

	bob := dial(t, server, "bob")
	send(t, bob, ClientMessage{Action: ActionJoin, RequestID: "r2", DocumentID: "doc-1"})
	result = waitFor(t, bob, "join result", isResult(ActionJoin))
	participants, _ = result["participants"].([]any)
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", result["participants"])
	}

	joined := waitFor(t, alice, "user_joined event", isEvent(collab.EventUserJoined))
	participant, _ := joined["participant"].(map[string]any)
	if participant["userId"] != "bob" {
		t.Errorf("expected joined participant bob, got %v", participant)
	}
}

func TestJoinDeniedWithoutPermission(t *testing.T) {
	server := newTestWSServer(t)

	mallory := dial(t, server, "mallory")
	send(t, mallory, ClientMessage{Action: ActionJoin, RequestID: "r1", DocumentID: "doc-1"})

	frame := waitFor(t, mallory, "error frame", func(frame map[string]any) bool {
		return frame["type"] == "error"
	})
	if frame["code"] != "PERMISSION_DENIED" {
		t.Errorf("expected code PERMISSION_DENIED, got %v", frame["code"])
	}
}

func TestLockGatedChangeFlow(t *testing.T) {
	server := newTestWSServer(t)

	alice := dial(t, server, "alice")
	send(t, alice, ClientMessage{Action: ActionJoin, RequestID: "r1", DocumentID: "doc-1"})
	waitFor(t, alice, "join result", isResult(ActionJoin))

	bob := dial(t, server, "bob")
	send(t, bob, ClientMessage{Action: ActionJoin, RequestID: "r2", DocumentID: "doc-1"})
	waitFor(t, bob, "join result", isResult(ActionJoin))

	// Bob submits without the lock and is rejected.
	change := collab.ChangeInput{Operation: store.OpInsert, Position: 0, Content: "hi"}
	send(t, bob, ClientMessage{Action: ActionSubmitChange, RequestID: "r3", Change: &change})
	frame := waitFor(t, bob, "error frame", func(frame map[string]any) bool {
		return frame["type"] == "error"
	})
	if frame["code"] != "LOCK_REQUIRED" {
		t.Fatalf("expected code LOCK_REQUIRED, got %v", frame["code"])
	}

	// Alice takes the lock; both sides see the announcement.
	send(t, alice, ClientMessage{Action: ActionAcquireLock, RequestID: "r4"})
	result := waitFor(t, alice, "lock result", isResult(ActionAcquireLock))
	lockPayload, _ := result["lock"].(map[string]any)
	if lockPayload["lockedBy"] != "alice" {
		t.Fatalf("expected lock for alice, got %v", result["lock"])
	}
	waitFor(t, bob, "document_locked event", isEvent(collab.EventDocumentLocked))

	// Alice writes; bob receives the change, alice only the result.
	send(t, alice, ClientMessage{Action: ActionSubmitChange, RequestID: "r5", Change: &change})
	result = waitFor(t, alice, "change result", isResult(ActionSubmitChange))
	stored, _ := result["change"].(map[string]any)
	if stored["sequenceNumber"] != float64(1) {
		t.Fatalf("expected sequence 1, got %v", stored["sequenceNumber"])
	}

	event := waitFor(t, bob, "content_changed event", isEvent(collab.EventContentChanged))
	relayed, _ := event["change"].(map[string]any)
	if relayed["content"] != "hi" || relayed["userId"] != "alice" {
		t.Errorf("unexpected relayed change: %v", relayed)
	}

	// Release; bob can now take over.
	send(t, alice, ClientMessage{Action: ActionReleaseLock, RequestID: "r6"})
	waitFor(t, alice, "release result", isResult(ActionReleaseLock))
	waitFor(t, bob, "document_unlocked event", isEvent(collab.EventDocumentUnlocked))

	send(t, bob, ClientMessage{Action: ActionAcquireLock, RequestID: "r7"})
	result = waitFor(t, bob, "lock result", isResult(ActionAcquireLock))
	lockPayload, _ = result["lock"].(map[string]any)
	if lockPayload["lockedBy"] != "bob" {
		t.Fatalf("expected lock for bob, got %v", result["lock"])
	}
}

func TestCursorUpdatesReachOthers(t *testing.T) {
	server := newTestWSServer(t)

	alice := dial(t, server, "alice")
	send(t, alice, ClientMessage{Action: ActionJoin, RequestID: "r1", DocumentID: "doc-1"})
	waitFor(t, alice, "join result", isResult(ActionJoin))

	bob := dial(t, server, "bob")
	send(t, bob, ClientMessage{Action: ActionJoin, RequestID: "r2", DocumentID: "doc-1"})
	waitFor(t, bob, "join result", isResult(ActionJoin))
	waitFor(t, alice, "user_joined event", isEvent(collab.EventUserJoined))

	pos := 12
	send(t, bob, ClientMessage{Action: ActionUpdateCursor, RequestID: "r3", CursorPosition: &pos,
		SelectionRange: &presence.Range{Start: 10, End: 12}})
	waitFor(t, bob, "cursor result", isResult(ActionUpdateCursor))

	event := waitFor(t, alice, "cursor_updated event", isEvent(collab.EventCursorUpdated))
	if event["cursorPosition"] != float64(12) || event["userId"] != "bob" {
		t.Errorf("unexpected cursor event: %v", event)
	}
	selection, _ := event["selectionRange"].(map[string]any)
	if selection["end"] != float64(12) {
		t.Errorf("unexpected selection range: %v", event["selectionRange"])
	}
}

func TestDisconnectAnnouncesLeaveAndKeepsLock(t *testing.T) {
	server := newTestWSServer(t)

	alice := dial(t, server, "alice")
	send(t, alice, ClientMessage{Action: ActionJoin, RequestID: "r1", DocumentID: "doc-1"})
	waitFor(t, alice, "join result", isResult(ActionJoin))
	send(t, alice, ClientMessage{Action: ActionAcquireLock, RequestID: "r2"})
	waitFor(t, alice, "lock result", isResult(ActionAcquireLock))

	bob := dial(t, server, "bob")
	send(t, bob, ClientMessage{Action: ActionJoin, RequestID: "r3", DocumentID: "doc-1"})
	waitFor(t, bob, "join result", isResult(ActionJoin))

	alice.Close()

	event := waitFor(t, bob, "user_left event", isEvent(collab.EventUserLeft))
	if event["userId"] != "alice" {
		t.Errorf("expected alice to leave, got %v", event["userId"])
	}

	// Her lock survives the disconnect, so bob still cannot write.
	change := collab.ChangeInput{Operation: store.OpInsert, Position: 0, Content: "hi"}
	send(t, bob, ClientMessage{Action: ActionSubmitChange, RequestID: "r4", Change: &change})
	frame := waitFor(t, bob, "error frame", func(frame map[string]any) bool {
		return frame["type"] == "error"
	})
	if frame["code"] != "LOCK_REQUIRED" {
		t.Errorf("expected code LOCK_REQUIRED while the lock persists, got %v", frame["code"])
	}
}

func TestUnknownActionRejected(t *testing.T) {
	server := newTestWSServer(t)

	alice := dial(t, server, "alice")
	send(t, alice, ClientMessage{Action: "teleport", RequestID: "r1"})
	frame := waitFor(t, alice, "error frame", func(frame map[string]any) bool {
		return frame["type"] == "error"
	})
	if frame["code"] != "UNKNOWN_ACTION" {
		t.Errorf("expected code UNKNOWN_ACTION, got %v", frame["code"])
	}
}
