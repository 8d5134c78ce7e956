// Package ws is the websocket session adapter: request/response verbs
// in, pushed collaboration events out. It holds no protocol state of
// its own - every verb is forwarded to the session API and every event
// arrives through the hub.
package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

// SessionAPI is what the adapter needs from the service layer. The
// app service implements it on top of the coordinator.
type SessionAPI interface {
	Join(ctx context.Context, documentID, userID, connectionID string) (collab.JoinState, error)
	Leave(ctx context.Context, documentID, connectionID string)
	SubmitChange(ctx context.Context, documentID, userID, connectionID string, input collab.ChangeInput) (store.DocumentChange, error)
	UpdateCursor(ctx context.Context, documentID, userID, connectionID string, cursorPosition *int, selectionRange *presence.Range) error
	UpdateStatus(ctx context.Context, documentID, connectionID string, status presence.Status) error
	AcquireLock(ctx context.Context, documentID, userID string, ttl time.Duration) (lock.Lock, error)
	ReleaseLock(ctx context.Context, documentID, userID string) error
}

// Options bounds what clients may ask for.
type Options struct {
	DefaultLockTTL time.Duration
	MaxLockTTL     time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one client connection. Outbound frames are funneled through
// a bounded channel so broadcasts never block a coordinator mutation.
type Conn struct {
	id     string
	userID string
	docID  string
	ws     *websocket.Conn
	hub    *Hub
	api    SessionAPI
	opts   Options

	mu     sync.Mutex
	closed bool
	send   chan any
}

// ServeWS upgrades the request and runs the connection until the
// client goes away. The user id arrives pre-authenticated from the
// identity layer; this service never authenticates anything itself.
func ServeWS(hub *Hub, api SessionAPI, opts Options, w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Conn{
		id:     util.ShortID("conn"),
		userID: userID,
		ws:     socket,
		hub:    hub,
		api:    api,
		opts:   opts,
		send:   make(chan any, 32),
	}

	go c.writeLoop()
	c.enqueue(ResultMessage{Type: "result", Action: "connected", ConnectionID: c.id})
	c.readLoop(r.Context())
}

func (c *Conn) enqueue(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// Queue full: drop. The client resyncs on its next join.
	}
}

// closeSend stops the write loop once no publisher can still hold a
// reference to this connection (teardown has left the hub room).
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.teardown(ctx)
		c.closeSend()
		_ = c.ws.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		c.dispatch(ctx, msg)
	}
}

// teardown treats a dropped socket as terminal for this connection:
// presence goes away, subscriptions end, and the client re-joins to
// resynchronize. A lock held by the user is left to expire or be
// released explicitly.
func (c *Conn) teardown(ctx context.Context) {
	if c.docID == "" {
		return
	}
	c.hub.leave(c.docID, c)
	c.api.Leave(ctx, c.docID, c.id)
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Action {
	case ActionJoin:
		if c.docID != "" && c.docID != msg.DocumentID {
			// Switching documents: leave the old room first.
			c.hub.leave(c.docID, c)
			c.api.Leave(ctx, c.docID, c.id)
			c.docID = ""
		}
		state, err := c.api.Join(ctx, msg.DocumentID, c.userID, c.id)
		if err != nil {
			c.fail(msg, err)
			return
		}
		c.docID = msg.DocumentID
		c.hub.join(c.docID, c)
		c.enqueue(ResultMessage{
			Type:         "result",
			Action:       msg.Action,
			RequestID:    msg.RequestID,
			ConnectionID: c.id,
			Lock:         state.Lock,
			Participants: state.Participants,
		})

	case ActionLeave:
		if c.docID != "" {
			c.hub.leave(c.docID, c)
			c.api.Leave(ctx, c.docID, c.id)
			c.docID = ""
		}
		c.enqueue(ResultMessage{Type: "result", Action: msg.Action, RequestID: msg.RequestID})

	case ActionSubmitChange:
		if msg.Change == nil {
			c.enqueue(ErrorMessage{Type: "error", Action: msg.Action, RequestID: msg.RequestID,
				Code: "VALIDATION_ERROR", Message: "change payload is required"})
			return
		}
		stored, err := c.api.SubmitChange(ctx, c.docID, c.userID, c.id, *msg.Change)
		if err != nil {
			c.fail(msg, err)
			return
		}
		c.enqueue(ResultMessage{Type: "result", Action: msg.Action, RequestID: msg.RequestID, Change: &stored})

	case ActionAcquireLock:
		ttl := c.opts.DefaultLockTTL
		if msg.TTLSeconds > 0 {
			ttl = time.Duration(msg.TTLSeconds) * time.Second
		}
		if c.opts.MaxLockTTL > 0 && ttl > c.opts.MaxLockTTL {
			ttl = c.opts.MaxLockTTL
		}
		granted, err := c.api.AcquireLock(ctx, c.docID, c.userID, ttl)
		if err != nil {
			c.fail(msg, err)
			return
		}
		c.enqueue(ResultMessage{Type: "result", Action: msg.Action, RequestID: msg.RequestID, Lock: &granted})

	case ActionReleaseLock:
		if err := c.api.ReleaseLock(ctx, c.docID, c.userID); err != nil {
			c.fail(msg, err)
			return
		}
		c.enqueue(ResultMessage{Type: "result", Action: msg.Action, RequestID: msg.RequestID})

	case ActionUpdateCursor:
		if err := c.api.UpdateCursor(ctx, c.docID, c.userID, c.id, msg.CursorPosition, msg.SelectionRange); err != nil {
			c.fail(msg, err)
			return
		}
		c.enqueue(ResultMessage{Type: "result", Action: msg.Action, RequestID: msg.RequestID})

	case ActionUpdateStatus:
		if err := c.api.UpdateStatus(ctx, c.docID, c.id, presence.Status(msg.Status)); err != nil {
			c.fail(msg, err)
			return
		}
		c.enqueue(ResultMessage{Type: "result", Action: msg.Action, RequestID: msg.RequestID})

	default:
		c.enqueue(ErrorMessage{Type: "error", Action: msg.Action, RequestID: msg.RequestID,
			Code: "UNKNOWN_ACTION", Message: "unknown action " + msg.Action})
	}
}

func (c *Conn) fail(msg ClientMessage, err error) {
	c.enqueue(ErrorMessage{
		Type:      "error",
		Action:    msg.Action,
		RequestID: msg.RequestID,
		Code:      collab.ErrorCode(err),
		Message:   err.Error(),
	})
}
