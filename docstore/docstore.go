// Package docstore is a reference implementation of the remote document
// store the fieldscript client synchronizes against.
//
// Documents belong to one owner, are addressed by a server-assigned ID and
// are never physically removed: deletion sets a flag and bumps the update
// time so incremental readers observe it.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrForbidden is returned when a caller touches another owner's document.
	ErrForbidden = errors.New("document belongs to another owner")
)

// Document is the stored form of a script. Fields is kept as raw JSON so
// the key order written by the client survives a round trip.
type Document struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Template  string          `json:"template"`
	Name      string          `json:"name"`
	Content   string          `json:"content"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Version   int64           `json:"version"`
	Deleted   bool            `json:"deleted"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Query narrows Store.List.
type Query struct {
	OwnerID        string
	IncludeDeleted bool
	// UpdatedSince keeps documents updated strictly after it when non-zero.
	UpdatedSince time.Time
}

// Store persists documents. Implementations stamp UpdatedAt with their own
// clock on every write and return lists most recently updated first.
type Store interface {
	// Create stores doc under a new ID and returns the stored copy.
	Create(ctx context.Context, doc Document) (Document, error)

	// Put writes doc under doc.ID, creating it when missing. It reports
	// whether the document was created.
	Put(ctx context.Context, doc Document) (Document, bool, error)

	Get(ctx context.Context, id string) (Document, error)
	List(ctx context.Context, q Query) ([]Document, error)

	// SoftDelete flags the document, bumps its version and update time.
	// Deleting a deleted document returns it unchanged.
	SoftDelete(ctx context.Context, id string) (Document, error)

	Close() error
}
