// Package docsync is the embedder-facing API for the offline-first
// document sync client: open a local store, connect it to a sync
// server, and mutate documents that replicate in the background.
//
// This mirrors the handle/create/destroy shape of spec.md's embedder
// API (§6) in idiomatic Go: Create returns a *Client instead of an
// opaque handle, errors are (T, error) pairs carrying an ErrorCode
// instead of a discriminated return code, and Close replaces destroy.
package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/clientengine"
	"github.com/docsync/docsync/internal/clientstore"
	"github.com/docsync/docsync/internal/errs"
	"github.com/docsync/docsync/internal/events"
)

// ErrorCode discriminates the embedder-visible failure kinds from
// spec.md §6. It is derived from the internal sentinel error a call
// wraps, never constructed directly by callers.
type ErrorCode int

const (
	Success ErrorCode = iota
	InvalidInput
	Connection
	Database
	Serialization
	Unknown
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidInput:
		return "invalid_input"
	case Connection:
		return "connection"
	case Database:
		return "database"
	case Serialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// Error pairs an ErrorCode with the underlying cause, so embedders can
// branch on Code while still having Unwrap reach the original error.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("docsync: %s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrConflict):
		return &Error{Code: InvalidInput, Err: err}
	case errors.Is(err, errs.ErrUnauthorized):
		return &Error{Code: Connection, Err: err}
	default:
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return &Error{Code: Serialization, Err: err}
		}
		return &Error{Code: Database, Err: err}
	}
}

// Config bundles the arguments spec.md §6 passes to create: where the
// local store lives, which server to sync against, and the HMAC
// credential to authenticate with.
type Config struct {
	DatabasePath string
	ServerURL    string
	Email        string
	APIKey       string
	APISecret    string
}

// Client is one embedded sync replica: a local store, a background
// engine keeping it synchronized, and the event dispatcher the
// embedder drains with ProcessEvents.
type Client struct {
	store      *clientstore.Store
	engine     *clientengine.Engine
	dispatcher *events.Dispatcher
	cancel     context.CancelFunc
}

// Create opens (or creates) the local store at cfg.DatabasePath and
// starts a background engine connecting to cfg.ServerURL. Connection
// and authentication happen asynchronously; use IsConnected or the
// connection callback to observe progress.
func Create(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ServerURL == "" || cfg.APIKey == "" || cfg.APISecret == "" || cfg.Email == "" {
		return nil, &Error{Code: InvalidInput, Err: fmt.Errorf("server_url, email, api_key and api_secret are required")}
	}

	store, err := clientstore.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, classify(fmt.Errorf("open store: %w", err))
	}

	dispatcher := events.New(1024)
	engine, err := clientengine.New(store, dispatcher, &clientengine.Config{
		ServerURL: cfg.ServerURL, Email: cfg.Email, APIKey: cfg.APIKey, APISecret: cfg.APISecret,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		_ = store.Close()
		return nil, classify(err)
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	engine.Start(engineCtx)

	return &Client{store: store, engine: engine, dispatcher: dispatcher, cancel: cancel}, nil
}

// Close stops the background engine and releases the local store. It
// is the Go-idiomatic replacement for spec.md §6's destroy(handle).
func (c *Client) Close() error {
	c.cancel()
	if err := c.engine.Stop(); err != nil {
		return classify(err)
	}
	if err := c.store.Close(); err != nil {
		return classify(err)
	}
	return nil
}

// CreateDocument stores a new document locally and queues it for
// upload, returning the assigned id.
func (c *Client) CreateDocument(ctx context.Context, content json.RawMessage) (uuid.UUID, error) {
	if !json.Valid(content) {
		return uuid.UUID{}, &Error{Code: InvalidInput, Err: fmt.Errorf("content is not valid JSON")}
	}
	doc, err := c.engine.CreateDocument(ctx, content)
	if err != nil {
		return uuid.UUID{}, classify(err)
	}
	return doc.ID, nil
}

// UpdateDocument replaces a document's content and queues the patch
// for upload.
func (c *Client) UpdateDocument(ctx context.Context, id uuid.UUID, content json.RawMessage) error {
	if !json.Valid(content) {
		return &Error{Code: InvalidInput, Err: fmt.Errorf("content is not valid JSON")}
	}
	_, err := c.engine.UpdateDocument(ctx, id, content)
	return classify(err)
}

// DeleteDocument soft-deletes a document locally and queues the
// delete for upload.
func (c *Client) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return classify(c.engine.DeleteDocument(ctx, id))
}

// GetDocument returns one document's current content.
func (c *Client) GetDocument(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	doc, err := c.engine.GetDocument(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return doc.Content, nil
}

// GetAllDocuments returns every non-deleted document owned by the
// authenticated user, as a JSON array of document objects.
func (c *Client) GetAllDocuments(ctx context.Context) (json.RawMessage, error) {
	docs, err := c.engine.ListDocuments(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(docs) == 0 {
		return json.RawMessage("[]"), nil
	}
	out, err := json.Marshal(docs)
	if err != nil {
		return nil, classify(fmt.Errorf("marshal documents: %w", err))
	}
	return out, nil
}

// CountDocuments returns the number of non-deleted documents owned by
// the authenticated user.
func (c *Client) CountDocuments(ctx context.Context) (uint64, error) {
	n, err := c.engine.CountDocuments(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return uint64(n), nil
}

// CountPendingSync returns the number of offline mutations still
// awaiting upload.
func (c *Client) CountPendingSync(ctx context.Context) (uint64, error) {
	n, err := c.engine.CountPendingSync(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return uint64(n), nil
}

// IsConnected reports whether the engine currently holds an
// authenticated connection to the server.
func (c *Client) IsConnected() bool { return c.engine.IsConnected() }

// ProcessEvents drains queued document/sync/error/connection/conflict
// events, invoking every matching registered callback synchronously on
// the calling goroutine, and returns the number processed.
func (c *Client) ProcessEvents() uint32 { return uint32(c.dispatcher.ProcessEvents()) }

// RegisterDocumentCallback registers fn to be invoked for document
// events during ProcessEvents, optionally restricted to one kind.
func (c *Client) RegisterDocumentCallback(fn events.DocumentCallback, kind ...events.DocumentEventKind) {
	c.dispatcher.RegisterDocumentCallback(fn, kind...)
}

// RegisterSyncCallback registers fn to be invoked for sync-progress
// events during ProcessEvents, optionally restricted to one kind.
func (c *Client) RegisterSyncCallback(fn events.SyncCallback, kind ...events.SyncEventKind) {
	c.dispatcher.RegisterSyncCallback(fn, kind...)
}

// RegisterErrorCallback registers fn to be invoked for every
// asynchronous error event during ProcessEvents.
func (c *Client) RegisterErrorCallback(fn events.ErrorCallback) {
	c.dispatcher.RegisterErrorCallback(fn)
}

// RegisterConnectionCallback registers fn to be invoked for connection
// state events during ProcessEvents, optionally restricted to one kind.
func (c *Client) RegisterConnectionCallback(fn events.ConnectionCallback, kind ...events.ConnectionEventKind) {
	c.dispatcher.RegisterConnectionCallback(fn, kind...)
}

// RegisterConflictCallback registers fn to be invoked whenever a local
// mutation loses a server-wins conflict during ProcessEvents.
func (c *Client) RegisterConflictCallback(fn events.ConflictCallback) {
	c.dispatcher.RegisterConflictCallback(fn)
}
