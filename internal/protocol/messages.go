// Package protocol defines the wire messages exchanged between client and
// server over the sync transport: a tagged union discriminated by a
// "type" string, mirrored on the Go side as exhaustive type-switches
// rather than a shared interface, matching
// original_source/sync-core/src/protocol.rs's ClientMessage/ServerMessage
// enums.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/model"
)

// Envelope is the outer shape of every frame: a discriminator plus a
// raw payload decoded according to Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server message types.
const (
	TypeAuthenticate    = "authenticate"
	TypeCreateDocument  = "create_document"
	TypeUpdateDocument  = "update_document"
	TypeDeleteDocument  = "delete_document"
	TypeGetChangesSince = "get_changes_since"
	TypeAckChanges      = "ack_changes"
	TypePing            = "ping"
)

// Server -> client message types.
const (
	TypeAuthSuccess         = "auth_success"
	TypeAuthFailure         = "auth_failure"
	TypeDocumentCreated     = "document_created"
	TypeDocumentUpdated     = "document_updated"
	TypeDocumentDeleted     = "document_deleted"
	TypeChanges             = "changes"
	TypeConflict            = "conflict"
	TypeChangesAcknowledged = "changes_acknowledged"
	TypePong                = "pong"
	TypeError               = "error"
)

// Authenticate is the mandatory first client->server frame.
type Authenticate struct {
	Email     string `json:"email"`
	ClientID  string `json:"client_id"`
	APIKey    string `json:"api_key"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
	Body      string `json:"body"`
}

// CreateDocument requests creation of a new document.
type CreateDocument struct {
	DocumentID *uuid.UUID      `json:"document_id,omitempty"`
	Content    json.RawMessage `json:"content"`
}

// UpdateDocument requests an update via a minimal forward patch
// referencing the pre-edit state.
type UpdateDocument struct {
	DocumentID      uuid.UUID       `json:"document_id"`
	Patch           json.RawMessage `json:"patch"`
	BaseContentHash string          `json:"base_content_hash"`
	BaseVersion     int64           `json:"base_version"`
}

// DeleteDocument requests a soft delete.
type DeleteDocument struct {
	DocumentID  uuid.UUID `json:"document_id"`
	BaseVersion int64     `json:"base_version"`
}

// GetChangesSince pulls recent events for the authenticated user.
type GetChangesSince struct {
	LastSequence int64 `json:"last_sequence"`
	Limit        int   `json:"limit,omitempty"`
}

// AckChanges advances the server's view of the client's acknowledged
// position.
type AckChanges struct {
	UpToSequence int64 `json:"up_to_sequence"`
}

// AuthSuccess confirms authentication and resolves the user.
type AuthSuccess struct {
	UserID uuid.UUID `json:"user_id"`
}

// AuthFailure rejects an authentication attempt.
type AuthFailure struct {
	Reason string `json:"reason"`
}

// DocumentCreated broadcasts a newly created document.
type DocumentCreated struct {
	Document model.Document `json:"doc"`
	Sequence int64          `json:"sequence"`
}

// DocumentUpdated broadcasts an applied update.
type DocumentUpdated struct {
	DocumentID  uuid.UUID       `json:"document_id"`
	Patch       json.RawMessage `json:"patch"`
	Version     int64           `json:"version"`
	ContentHash string          `json:"content_hash"`
	Sequence    int64           `json:"sequence"`
}

// DocumentDeleted broadcasts a soft delete.
type DocumentDeleted struct {
	DocumentID uuid.UUID `json:"document_id"`
	Sequence   int64     `json:"sequence"`
}

// Changes answers GetChangesSince.
type Changes struct {
	Events         []model.ChangeEvent `json:"events"`
	LatestSequence int64                `json:"latest_sequence"`
	HasMore        bool                 `json:"has_more"`
}

// Conflict is returned when an update/delete was rejected because the
// base hash or version no longer matched current server state.
type Conflict struct {
	DocumentID uuid.UUID      `json:"document_id"`
	ServerDoc  model.Document `json:"server_doc"`
	Reason     string         `json:"reason"`
}

// ChangesAcknowledged confirms receipt of AckChanges.
type ChangesAcknowledged struct {
	Sequence int64 `json:"sequence"`
}

// ErrorCode enumerates server-reported wire error codes.
type ErrorCode string

const (
	ErrCodeInvalidAuth     ErrorCode = "invalid_auth"
	ErrCodeDocumentMissing ErrorCode = "document_not_found"
	ErrCodeInvalidPatch    ErrorCode = "invalid_patch"
	ErrCodeVersionMismatch ErrorCode = "version_mismatch"
	ErrCodeServerError     ErrorCode = "server_error"
)

// ErrorMessage carries a discriminated error back to the client.
type ErrorMessage struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Encode wraps a typed payload into an Envelope ready for transport.
func Encode(msgType string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}
