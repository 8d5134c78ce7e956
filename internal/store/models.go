package store

import (
	"encoding/json"
	"time"
)

// OperationType classifies a single content mutation.
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
	OpRetain OperationType = "retain"
	OpFormat OperationType = "format"
)

// FormatAttributes is the closed set of formatting the editor emits.
// Custom carries provider-specific payloads we store but never interpret.
type FormatAttributes struct {
	Bold      *bool           `json:"bold,omitempty"`
	Italic    *bool           `json:"italic,omitempty"`
	Underline *bool           `json:"underline,omitempty"`
	Strike    *bool           `json:"strike,omitempty"`
	Link      *string         `json:"link,omitempty"`
	Heading   *int            `json:"heading,omitempty"`
	Custom    json.RawMessage `json:"custom,omitempty"`
}

// DocumentChange is one append-only entry in a document's change log.
// SequenceNumber is assigned by the store and is strictly increasing
// per document with no gaps.
type DocumentChange struct {
	ID               string            `json:"id"`
	DocumentID       string            `json:"documentId"`
	UserID           string            `json:"userId"`
	Operation        OperationType     `json:"operationType"`
	Position         int               `json:"position"`
	Length           int               `json:"length,omitempty"`
	Content          string            `json:"content,omitempty"`
	Attributes       *FormatAttributes `json:"attributes,omitempty"`
	Version          int64             `json:"version"`
	SequenceNumber   int64             `json:"sequenceNumber"`
	AppliedAt        time.Time         `json:"appliedAt"`
	IsTransformed    bool              `json:"isTransformed"`
	OriginalChangeID *string           `json:"originalChangeId,omitempty"`
}

// Validate rejects changes whose operation type is missing a required
// field, before anything touches the log.
func (c DocumentChange) Validate() error {
	if c.DocumentID == "" {
		return validationError("documentId is required")
	}
	if c.UserID == "" {
		return validationError("userId is required")
	}
	if c.Position < 0 {
		return validationError("position must be non-negative")
	}
	switch c.Operation {
	case OpInsert:
		if c.Content == "" {
			return validationError("insert requires content")
		}
	case OpDelete, OpRetain:
		if c.Length <= 0 {
			return validationError(string(c.Operation) + " requires a positive length")
		}
	case OpFormat:
		if c.Content == "" && c.Attributes == nil {
			return validationError("format requires content or attributes")
		}
	default:
		return validationError("unknown operation type " + string(c.Operation))
	}
	return nil
}

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
