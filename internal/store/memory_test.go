package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore() (*MemoryStore, *time.Time) {
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
	return s, &current
}

func TestAppendAssignsSequentialNumbers(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		change, err := s.Append(ctx, DocumentChange{
			ID:         "chg-" + string(rune('a'+i)),
			DocumentID: "doc-1",
			UserID:     "alice",
			Operation:  OpInsert,
			Position:   0,
			Content:    "x",
		})
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if change.SequenceNumber != int64(i) {
			t.Errorf("expected sequence %d, got %d", i, change.SequenceNumber)
		}
		if change.AppliedAt.IsZero() {
			t.Error("expected AppliedAt to be set")
		}
	}

	// Another document starts its own sequence at 1.
	change, err := s.Append(ctx, DocumentChange{
		ID:         "chg-other",
		DocumentID: "doc-2",
		UserID:     "bob",
		Operation:  OpInsert,
		Position:   0,
		Content:    "y",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if change.SequenceNumber != 1 {
		t.Errorf("expected sequence 1 for new document, got %d", change.SequenceNumber)
	}
}

func TestAppendValidation(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	cases := []struct {
		name   string
		change DocumentChange
	}{
		{"missing document", DocumentChange{ID: "c", UserID: "alice", Operation: OpInsert, Content: "x"}},
		{"missing user", DocumentChange{ID: "c", DocumentID: "doc-1", Operation: OpInsert, Content: "x"}},
		{"negative position", DocumentChange{ID: "c", DocumentID: "doc-1", UserID: "alice", Operation: OpInsert, Content: "x", Position: -1}},
		{"insert without content", DocumentChange{ID: "c", DocumentID: "doc-1", UserID: "alice", Operation: OpInsert}},
		{"delete without length", DocumentChange{ID: "c", DocumentID: "doc-1", UserID: "alice", Operation: OpDelete}},
		{"retain without length", DocumentChange{ID: "c", DocumentID: "doc-1", UserID: "alice", Operation: OpRetain}},
		{"format without payload", DocumentChange{ID: "c", DocumentID: "doc-1", UserID: "alice", Operation: OpFormat}},
		{"unknown operation", DocumentChange{ID: "c", DocumentID: "doc-1", UserID: "alice", Operation: "move", Content: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Append(ctx, tc.change); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	changes, err := s.ChangesSince(ctx, "doc-1", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("expected rejected changes to leave the log empty, got %d entries", len(changes))
	}
}

func TestFormatWithAttributesOnly(t *testing.T) {
	s, _ := newTestStore()
	bold := true
	change, err := s.Append(context.Background(), DocumentChange{
		ID:         "chg-1",
		DocumentID: "doc-1",
		UserID:     "alice",
		Operation:  OpFormat,
		Position:   4,
		Length:     10,
		Attributes: &FormatAttributes{Bold: &bold},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if change.Attributes == nil || change.Attributes.Bold == nil || !*change.Attributes.Bold {
		t.Error("expected bold attribute to survive the append")
	}
}

func TestChangesSinceFiltersByTimestamp(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	var cutoff time.Time
	for i := 0; i < 4; i++ {
		change, err := s.Append(ctx, DocumentChange{
			ID:         "chg-" + string(rune('a'+i)),
			DocumentID: "doc-1",
			UserID:     "alice",
			Operation:  OpInsert,
			Content:    "x",
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if i == 1 {
			cutoff = change.AppliedAt
		}
	}

	changes, err := s.ChangesSince(ctx, "doc-1", cutoff)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes after cutoff, got %d", len(changes))
	}
	if changes[0].SequenceNumber != 3 || changes[1].SequenceNumber != 4 {
		t.Errorf("expected sequences 3,4 in order, got %d,%d", changes[0].SequenceNumber, changes[1].SequenceNumber)
	}

	all, err := s.ChangesSince(ctx, "doc-1", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	for i, change := range all {
		if change.SequenceNumber != int64(i+1) {
			t.Fatalf("expected ascending sequences, got %d at index %d", change.SequenceNumber, i)
		}
	}

	empty, err := s.ChangesSince(ctx, "doc-unknown", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty log for unknown document, got %d", len(empty))
	}
}

func TestMarkTransformed(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if _, err := s.Append(ctx, DocumentChange{
		ID:         "chg-1",
		DocumentID: "doc-1",
		UserID:     "alice",
		Operation:  OpInsert,
		Content:    "x",
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.MarkTransformed(ctx, "chg-1", "chg-2"); err != nil {
		t.Fatalf("MarkTransformed failed: %v", err)
	}
	// Idempotent on repeat.
	if err := s.MarkTransformed(ctx, "chg-1", "chg-2"); err != nil {
		t.Fatalf("repeated MarkTransformed failed: %v", err)
	}

	changes, err := s.ChangesSince(ctx, "doc-1", time.Time{})
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if !changes[0].IsTransformed {
		t.Error("expected change to be flagged as transformed")
	}
	if changes[0].OriginalChangeID == nil || *changes[0].OriginalChangeID != "chg-2" {
		t.Errorf("expected superseding id chg-2, got %v", changes[0].OriginalChangeID)
	}

	if err := s.MarkTransformed(ctx, "chg-missing", "chg-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDocumentRegistry(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	doc := Document{ID: "doc-1", Title: "Launch plan", CreatedBy: "alice"}
	if err := s.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("InsertDocument failed: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Title != "Launch plan" {
		t.Errorf("expected title Launch plan, got %s", got.Title)
	}

	if _, err := s.GetDocument(ctx, "doc-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The creator can edit without an explicit grant.
	can, err := s.CanEdit(ctx, "doc-1", "alice")
	if err != nil {
		t.Fatalf("CanEdit failed: %v", err)
	}
	if !can {
		t.Error("expected creator to have edit permission")
	}

	can, err = s.CanEdit(ctx, "doc-1", "bob")
	if err != nil {
		t.Fatalf("CanEdit failed: %v", err)
	}
	if can {
		t.Error("expected bob to lack edit permission before the grant")
	}

	if err := s.GrantEdit(ctx, "doc-1", "bob"); err != nil {
		t.Fatalf("GrantEdit failed: %v", err)
	}
	can, err = s.CanEdit(ctx, "doc-1", "bob")
	if err != nil {
		t.Fatalf("CanEdit failed: %v", err)
	}
	if !can {
		t.Error("expected bob to have edit permission after the grant")
	}

	if err := s.GrantEdit(ctx, "doc-missing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.CanEdit(ctx, "doc-missing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDocumentsOrderedByCreation(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		if err := s.InsertDocument(ctx, Document{ID: id, Title: id, CreatedBy: "alice"}); err != nil {
			t.Fatalf("InsertDocument failed: %v", err)
		}
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	for i, want := range []string{"doc-a", "doc-b", "doc-c"} {
		if docs[i].ID != want {
			t.Errorf("expected %s at index %d, got %s", want, i, docs[i].ID)
		}
	}
}
