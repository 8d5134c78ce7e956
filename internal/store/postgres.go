package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append validates the change, assigns the next per-document sequence
// number, stamps applied_at, and persists the record. The UNIQUE
// constraint on (document_id, sequence_number) backstops the single
// writer the lock manager already enforces.
func (s *PostgresStore) Append(ctx context.Context, change DocumentChange) (DocumentChange, error) {
	if err := change.Validate(); err != nil {
		return DocumentChange{}, err
	}

	var attrs []byte
	if change.Attributes != nil {
		encoded, err := json.Marshal(change.Attributes)
		if err != nil {
			return DocumentChange{}, fmt.Errorf("marshal attributes: %w", err)
		}
		attrs = encoded
	}

	const insert = `
		INSERT INTO document_changes
			(id, document_id, user_id, operation_type, position, length, content, attributes, version, sequence_number, applied_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9,
			COALESCE(MAX(sequence_number), 0) + 1, NOW()
		FROM document_changes WHERE document_id = $2
		RETURNING sequence_number, applied_at
	`
	stored := change
	err := s.db.QueryRowContext(ctx, insert,
		change.ID, change.DocumentID, change.UserID, string(change.Operation),
		change.Position, change.Length, change.Content, attrs, change.Version,
	).Scan(&stored.SequenceNumber, &stored.AppliedAt)
	if err != nil {
		return DocumentChange{}, fmt.Errorf("append change: %w", err)
	}
	return stored, nil
}

// ChangesSince returns the changes applied after the given instant,
// ordered by sequence number. Each call runs a fresh query.
func (s *PostgresStore) ChangesSince(ctx context.Context, documentID string, since time.Time) ([]DocumentChange, error) {
	const query = `
		SELECT id, document_id, user_id, operation_type, position, length, content, attributes,
			version, sequence_number, applied_at, is_transformed, original_change_id
		FROM document_changes
		WHERE document_id = $1 AND applied_at > $2
		ORDER BY sequence_number ASC
	`
	rows, err := s.db.QueryContext(ctx, query, documentID, since)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []DocumentChange
	for rows.Next() {
		var change DocumentChange
		var operation string
		var attrs []byte
		var original sql.NullString
		if err := rows.Scan(
			&change.ID, &change.DocumentID, &change.UserID, &operation,
			&change.Position, &change.Length, &change.Content, &attrs,
			&change.Version, &change.SequenceNumber, &change.AppliedAt,
			&change.IsTransformed, &original,
		); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		change.Operation = OperationType(operation)
		if len(attrs) > 0 {
			change.Attributes = &FormatAttributes{}
			if err := json.Unmarshal(attrs, change.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes for %s: %w", change.ID, err)
			}
		}
		if original.Valid {
			change.OriginalChangeID = &original.String
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// MarkTransformed records that a change was superseded. Idempotent:
// re-marking with the same superseding id is a no-op.
func (s *PostgresStore) MarkTransformed(ctx context.Context, changeID, supersededByChangeID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_changes
		SET is_transformed = TRUE, original_change_id = $2
		WHERE id = $1
	`, changeID, supersededByChangeID)
	if err != nil {
		return fmt.Errorf("mark transformed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark transformed rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("change %s: %w", changeID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, created_by)
		VALUES ($1, $2, $3)
	`, doc.ID, doc.Title, doc.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_permissions (document_id, user_id, role)
		VALUES ($1, $2, 'editor')
		ON CONFLICT (document_id, user_id) DO NOTHING
	`, doc.ID, doc.CreatedBy)
	if err != nil {
		return fmt.Errorf("grant creator permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_by, created_at, updated_at FROM documents WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Title, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_by, created_at, updated_at FROM documents ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) GrantEdit(ctx context.Context, documentID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO document_permissions (document_id, user_id, role)
		SELECT $1, $2, 'editor' WHERE EXISTS (SELECT 1 FROM documents WHERE id = $1)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = 'editor'
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("grant edit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("grant edit rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

// CanEdit reports whether the document exists and the user holds an
// editor permission on it. The collaboration core consults this before
// join and lock acquisition; it never grants anything itself.
func (s *PostgresStore) CanEdit(ctx context.Context, documentID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}

	var allowed bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM document_permissions
			WHERE document_id = $1 AND user_id = $2 AND role = 'editor'
		)
	`, documentID, userID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return allowed, nil
}
