// Package model defines the core data shapes shared across the sync
// engine: documents, change events, users, credentials, and the
// client-only offline queue entry and sync state.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the kind of mutation a ChangeEvent records.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Document is a user-owned JSON document tracked by the sync engine.
//
// content_hash always matches the canonical SHA-256 hash of Content;
// Version is strictly increasing for the document's lifetime on any
// given replica. Title is derived, never synced independently.
type Document struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Content     json.RawMessage `json:"content"`
	Version     int64           `json:"version"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}

// Deleted reports whether the document has been soft-deleted.
func (d *Document) Deleted() bool {
	return d.DeletedAt != nil
}

// Title extracts content.title (truncated to 128 chars), falling back to
// the creation timestamp. It is computed on demand, never persisted as
// part of the synced payload.
func (d *Document) Title() string {
	var parsed struct {
		Title string `json:"title"`
	}
	if len(d.Content) > 0 {
		if err := json.Unmarshal(d.Content, &parsed); err == nil && parsed.Title != "" {
			t := parsed.Title
			if r := []rune(t); len(r) > 128 {
				t = string(r[:128])
			}
			return t
		}
	}
	return d.CreatedAt.Format(time.RFC3339)
}

// ChangeEvent is a durable, per-user append-only record of a single
// document mutation. Sequence is allocated by the server from one
// server-wide monotonic source, so it is strictly increasing per user
// and never reused; a user's sequence numbers are not contiguous, since
// numbers taken by other users' events or by rolled-back transactions
// leave gaps.
type ChangeEvent struct {
	Sequence      int64           `json:"sequence"`
	DocumentID    uuid.UUID       `json:"document_id"`
	UserID        uuid.UUID       `json:"user_id"`
	EventType     EventType       `json:"event_type"`
	ForwardPatch  json.RawMessage `json:"forward_patch,omitempty"`
	ReversePatch  json.RawMessage `json:"reverse_patch,omitempty"`
	ServerTime    time.Time       `json:"server_timestamp"`
	Applied       bool            `json:"applied"`
}

// MutationType discriminates an offline queue entry's kind.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// QueueEntry is a client-local offline mutation awaiting upload.
// OldContentHash is the hash of the document before the local edit and is
// used for optimistic locking on upload (base_content_hash).
type QueueEntry struct {
	ID             int64           `json:"id"`
	DocumentID     uuid.UUID       `json:"document_id"`
	Operation      MutationType    `json:"operation_type"`
	Patch          json.RawMessage `json:"patch,omitempty"`
	OldContentHash string          `json:"old_content_hash"`
	BaseVersion    int64           `json:"base_version"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

// User is created lazily when a never-seen email first authenticates.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APICredential identifies an application, not a principal: one
// credential set may serve arbitrarily many users.
type APICredential struct {
	APIKey     string     `json:"api_key"`
	Secret     string     `json:"secret"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ClientSyncState is persisted across client process restarts.
type ClientSyncState struct {
	UserID             uuid.UUID `json:"user_id"`
	LastSyncedSequence int64     `json:"last_synced_sequence"`
}
