package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used in tests and single-node
// development runs. Semantics match PostgresStore: append-only change
// log with per-document sequence numbers, document registry with
// editor permissions.
type MemoryStore struct {
	mu      sync.Mutex
	changes map[string][]DocumentChange // documentID -> log, sequence order
	byID    map[string]*changeRef
	docs    map[string]Document
	editors map[string]map[string]bool // documentID -> userID set
	now     func() time.Time
}

type changeRef struct {
	documentID string
	index      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		changes: make(map[string][]DocumentChange),
		byID:    make(map[string]*changeRef),
		docs:    make(map[string]Document),
		editors: make(map[string]map[string]bool),
		now:     time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Append(ctx context.Context, change DocumentChange) (DocumentChange, error) {
	if err := change.Validate(); err != nil {
		return DocumentChange{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.changes[change.DocumentID]
	change.SequenceNumber = int64(len(log)) + 1
	change.AppliedAt = s.now()
	s.changes[change.DocumentID] = append(log, change)
	s.byID[change.ID] = &changeRef{documentID: change.DocumentID, index: len(log)}
	return change, nil
}

func (s *MemoryStore) ChangesSince(ctx context.Context, documentID string, since time.Time) ([]DocumentChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.changes[documentID]
	idx := sort.Search(len(log), func(i int) bool {
		return log[i].AppliedAt.After(since)
	})
	out := make([]DocumentChange, len(log)-idx)
	copy(out, log[idx:])
	return out, nil
}

func (s *MemoryStore) MarkTransformed(ctx context.Context, changeID, supersededByChangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.byID[changeID]
	if !ok {
		return fmt.Errorf("change %s: %w", changeID, ErrNotFound)
	}
	change := &s.changes[ref.documentID][ref.index]
	change.IsTransformed = true
	superseded := supersededByChangeID
	change.OriginalChangeID = &superseded
	return nil
}

func (s *MemoryStore) InsertDocument(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	doc.UpdatedAt = doc.CreatedAt
	s.docs[doc.ID] = doc
	if s.editors[doc.ID] == nil {
		s.editors[doc.ID] = make(map[string]bool)
	}
	s.editors[doc.ID][doc.CreatedBy] = true
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[documentID]
	if !ok {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return doc, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

func (s *MemoryStore) GrantEdit(ctx context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if s.editors[documentID] == nil {
		s.editors[documentID] = make(map[string]bool)
	}
	s.editors[documentID][userID] = true
	return nil
}

func (s *MemoryStore) CanEdit(ctx context.Context, documentID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[documentID]; !ok {
		return false, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return s.editors[documentID][userID], nil
}
