package app

import (
	"context"
	"strings"
	"time"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/config"
	"cowrite/api/internal/lock"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/search"
	"cowrite/api/internal/snapshot"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

type dataStore interface {
	Ping(context.Context) error
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	GrantEdit(context.Context, string, string) error
	ChangesSince(context.Context, string, time.Time) ([]store.DocumentChange, error)
	MarkTransformed(context.Context, string, string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexChange(change search.ChangeRecord)
}

type snapshotArchive interface {
	Archive(documentID, content string, sequenceNumber int64, author string) (snapshot.CommitInfo, error)
	History(documentID string, limit int) ([]snapshot.CommitInfo, error)
	ContentAt(documentID, hash string) (string, error)
}

// Service is the application surface shared by the HTTP handlers and
// the websocket adapter. Realtime operations delegate to the
// coordinator; the service adds the pieces the protocol core does not
// know about, such as audit indexing and snapshot archiving.
type Service struct {
	cfg         config.Config
	store       dataStore
	coordinator *collab.Coordinator
	search      searchService
	snapshots   snapshotArchive
	lockPing    func(context.Context) error
}

func New(cfg config.Config, dataStore dataStore, coordinator *collab.Coordinator, searchSvc searchService, snapshots snapshotArchive) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		coordinator: coordinator,
		search:      searchSvc,
		snapshots:   snapshots,
	}
}

// SetLockPing registers a connectivity probe for the lock backend,
// used by the readiness endpoint. The in-memory backend has none.
func (s *Service) SetLockPing(ping func(context.Context) error) {
	s.lockPing = ping
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingLocks(ctx context.Context) error {
	if s.lockPing == nil {
		return nil
	}
	return s.lockPing(ctx)
}

// Realtime session operations, delegated to the coordinator.

func (s *Service) Join(ctx context.Context, documentID, userID, connectionID string) (collab.JoinState, error) {
	return s.coordinator.Join(ctx, documentID, userID, connectionID)
}

func (s *Service) Leave(ctx context.Context, documentID, connectionID string) {
	s.coordinator.Leave(ctx, documentID, connectionID)
}

func (s *Service) SubmitChange(ctx context.Context, documentID, userID, connectionID string, input collab.ChangeInput) (store.DocumentChange, error) {
	change, err := s.coordinator.SubmitChange(ctx, documentID, userID, connectionID, input)
	if err != nil {
		return store.DocumentChange{}, err
	}
	if s.search != nil {
		s.search.IndexChange(search.ChangeRecord{
			ID:         change.ID,
			DocumentID: change.DocumentID,
			UserID:     change.UserID,
			Operation:  string(change.Operation),
			Content:    change.Content,
			AppliedAt:  change.AppliedAt.Unix(),
		})
	}
	return change, nil
}

func (s *Service) UpdateCursor(ctx context.Context, documentID, userID, connectionID string, cursorPosition *int, selectionRange *presence.Range) error {
	return s.coordinator.UpdateCursor(ctx, documentID, userID, connectionID, cursorPosition, selectionRange)
}

func (s *Service) UpdateStatus(ctx context.Context, documentID, connectionID string, status presence.Status) error {
	return s.coordinator.UpdateStatus(ctx, documentID, connectionID, status)
}

func (s *Service) AcquireLock(ctx context.Context, documentID, userID string, ttl time.Duration) (lock.Lock, error) {
	return s.coordinator.AcquireLock(ctx, documentID, userID, ttl)
}

func (s *Service) ReleaseLock(ctx context.Context, documentID, userID string) error {
	return s.coordinator.ReleaseLock(ctx, documentID, userID)
}

func (s *Service) BreakLock(ctx context.Context, documentID string) error {
	return s.coordinator.BreakLock(ctx, documentID)
}

func (s *Service) LockStatus(ctx context.Context, documentID string) (*lock.Lock, error) {
	return s.coordinator.LockStatus(ctx, documentID)
}

func (s *Service) Participants(documentID string) []presence.Participant {
	return s.coordinator.Participants(documentID)
}

func (s *Service) ReapIdle() int {
	return s.coordinator.ReapIdle(s.cfg.IdleThreshold)
}

// Document registry.

func (s *Service) CreateDocument(ctx context.Context, title, userID string) (store.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	now := time.Now().UTC()
	doc := store.Document{
		ID:        util.NewID("doc"),
		Title:     title,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Title: doc.Title})
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *Service) GrantEdit(ctx context.Context, documentID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domainError(422, "VALIDATION_ERROR", "userId is required", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	return s.store.GrantEdit(ctx, documentID, userID)
}

// Change log queries.

func (s *Service) ChangesSince(ctx context.Context, documentID string, since time.Time) ([]store.DocumentChange, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ChangesSince(ctx, documentID, since)
}

func (s *Service) MarkTransformed(ctx context.Context, changeID, supersededByChangeID string) error {
	if strings.TrimSpace(supersededByChangeID) == "" {
		return domainError(422, "VALIDATION_ERROR", "supersededBy is required", nil)
	}
	return s.store.MarkTransformed(ctx, changeID, supersededByChangeID)
}

// Snapshots replay the full change log into plain text and archive it.

func (s *Service) TakeSnapshot(ctx context.Context, documentID, userID string) (snapshot.CommitInfo, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return snapshot.CommitInfo{}, err
	}
	changes, err := s.store.ChangesSince(ctx, documentID, time.Time{})
	if err != nil {
		return snapshot.CommitInfo{}, err
	}
	content := snapshot.Materialize(changes)
	var seq int64
	if len(changes) > 0 {
		seq = changes[len(changes)-1].SequenceNumber
	}
	return s.snapshots.Archive(documentID, content, seq, userID)
}

func (s *Service) SnapshotHistory(ctx context.Context, documentID string, limit int) ([]snapshot.CommitInfo, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.snapshots.History(documentID, limit)
}

func (s *Service) SnapshotContent(ctx context.Context, documentID, hash string) (string, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return "", err
	}
	return s.snapshots.ContentAt(documentID, hash)
}

// Audit search.

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Reindex pushes the document registry back into the search index.
// Called once at startup so a fresh Meilisearch instance catches up.
func (s *Service) Reindex(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, doc := range documents {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Title: doc.Title})
	}
	return nil
}
