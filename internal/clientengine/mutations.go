package clientengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/events"
	"github.com/docsync/docsync/internal/model"
	"github.com/docsync/docsync/internal/patchmodel"
	"github.com/docsync/docsync/internal/protocol"
	"github.com/docsync/docsync/internal/transport"

	"encoding/json"
)

// CreateDocument creates a new document locally, queues it for upload,
// and signals the uploader. It is the local half of spec.md §4.6.1's
// create path; the remote half runs in drainQueue once connected.
func (e *Engine) CreateDocument(ctx context.Context, content json.RawMessage) (model.Document, error) {
	now := time.Now().UTC()
	doc := model.Document{
		ID: uuid.New(), UserID: e.userID, Content: content, Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.UpsertDocument(ctx, doc); err != nil {
		return model.Document{}, fmt.Errorf("clientengine: create document: %w", err)
	}
	doc.ContentHash, _ = patchmodel.ContentHash(content)

	if _, err := e.store.EnqueueMutation(ctx, model.QueueEntry{
		DocumentID: doc.ID, Operation: model.MutationCreate, Patch: content,
		BaseVersion: 0, CreatedAt: now,
	}); err != nil {
		return model.Document{}, fmt.Errorf("clientengine: queue create: %w", err)
	}

	e.dispatcher.EmitDocument(events.DocumentEvent{
		Kind: events.DocumentCreated, DocumentID: doc.ID, Title: doc.Title(), Content: string(doc.Content),
	})
	e.triggerUpload()
	return doc, nil
}

// UpdateDocument applies newContent locally, computing the forward and
// reverse patches against the currently held version, then queues the
// forward patch for upload.
func (e *Engine) UpdateDocument(ctx context.Context, docID uuid.UUID, newContent json.RawMessage) (model.Document, error) {
	existing, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return model.Document{}, fmt.Errorf("clientengine: update document: %w", err)
	}

	forward, _, err := patchmodel.GeneratePatch(existing.Content, newContent)
	if err != nil {
		return model.Document{}, fmt.Errorf("clientengine: generate patch: %w", err)
	}

	updated := existing
	updated.Content = newContent
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	updated.ContentHash = ""
	if err := e.store.UpsertDocument(ctx, updated); err != nil {
		return model.Document{}, fmt.Errorf("clientengine: update document: %w", err)
	}
	updated.ContentHash, _ = patchmodel.ContentHash(newContent)

	if _, err := e.store.EnqueueMutation(ctx, model.QueueEntry{
		DocumentID: docID, Operation: model.MutationUpdate, Patch: forward,
		OldContentHash: existing.ContentHash, BaseVersion: existing.Version, CreatedAt: updated.UpdatedAt,
	}); err != nil {
		return model.Document{}, fmt.Errorf("clientengine: queue update: %w", err)
	}

	e.dispatcher.EmitDocument(events.DocumentEvent{
		Kind: events.DocumentUpdated, DocumentID: docID, Title: updated.Title(), Content: string(updated.Content),
	})
	e.triggerUpload()
	return updated, nil
}

// DeleteDocument soft-deletes a document locally and queues the delete
// for upload.
func (e *Engine) DeleteDocument(ctx context.Context, docID uuid.UUID) error {
	existing, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("clientengine: delete document: %w", err)
	}
	now := time.Now().UTC()
	if err := e.store.SoftDeleteDocument(ctx, docID, now); err != nil {
		return fmt.Errorf("clientengine: delete document: %w", err)
	}
	if _, err := e.store.EnqueueMutation(ctx, model.QueueEntry{
		DocumentID: docID, Operation: model.MutationDelete, BaseVersion: existing.Version, CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("clientengine: queue delete: %w", err)
	}

	e.dispatcher.EmitDocument(events.DocumentEvent{Kind: events.DocumentDeleted, DocumentID: docID})
	e.triggerUpload()
	return nil
}

// GetDocument, ListDocuments and CountDocuments expose the local store
// read-only, for the embedder API in the root package.
func (e *Engine) GetDocument(ctx context.Context, id uuid.UUID) (model.Document, error) {
	return e.store.GetDocument(ctx, id)
}

func (e *Engine) ListDocuments(ctx context.Context) ([]model.Document, error) {
	return e.store.ListDocuments(ctx, e.userID)
}

func (e *Engine) CountDocuments(ctx context.Context) (int, error) {
	return e.store.CountDocuments(ctx, e.userID)
}

// CountPendingSync returns the number of offline mutations awaiting
// upload.
func (e *Engine) CountPendingSync(ctx context.Context) (int, error) {
	entries, err := e.store.PeekPending(ctx, 1<<30)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// markInFlight records that entryID is the outstanding upload for
// docID, so its eventual echo (or conflict) can be correlated back to
// the queue entry that produced it.
func (e *Engine) markInFlight(docID uuid.UUID, entryID int64) {
	e.mu.Lock()
	if e.inFlight == nil {
		e.inFlight = make(map[uuid.UUID]int64)
	}
	e.inFlight[docID] = entryID
	e.mu.Unlock()
}

func (e *Engine) takeInFlight(docID uuid.UUID) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.inFlight[docID]
	if ok {
		delete(e.inFlight, docID)
	}
	return id, ok
}

// drainQueue is the uploader task: it sends every queued entry not
// already awaiting an echo, in creation order, per spec.md §4.6.1.
// Entries are dequeued only once the server confirms them via
// handleFrame's document_created/updated/deleted cases, never here.
func (e *Engine) drainQueue(conn *transport.Conn) error {
	entries, err := e.store.PeekPending(e.ctx, 256)
	if err != nil {
		return fmt.Errorf("clientengine: peek pending: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	e.dispatcher.EmitSync(events.SyncEvent{Kind: events.SyncStarted, Count: len(entries)})
	sent := 0
	for _, entry := range entries {
		e.mu.Lock()
		_, busy := e.inFlight[entry.DocumentID]
		e.mu.Unlock()
		if busy {
			continue
		}

		var sendErr error
		switch entry.Operation {
		case model.MutationCreate:
			sendErr = conn.WriteEnvelope(e.ctx, protocol.TypeCreateDocument, protocol.CreateDocument{
				DocumentID: &entry.DocumentID, Content: entry.Patch,
			})
		case model.MutationUpdate:
			sendErr = conn.WriteEnvelope(e.ctx, protocol.TypeUpdateDocument, protocol.UpdateDocument{
				DocumentID: entry.DocumentID, Patch: entry.Patch,
				BaseContentHash: entry.OldContentHash, BaseVersion: entry.BaseVersion,
			})
		case model.MutationDelete:
			sendErr = conn.WriteEnvelope(e.ctx, protocol.TypeDeleteDocument, protocol.DeleteDocument{
				DocumentID: entry.DocumentID, BaseVersion: entry.BaseVersion,
			})
		}
		if sendErr != nil {
			_ = e.store.IncrementRetry(e.ctx, entry.ID)
			e.dispatcher.EmitSync(events.SyncEvent{Kind: events.SyncCompleted, Count: sent})
			return fmt.Errorf("clientengine: upload entry %d: %w", entry.ID, sendErr)
		}
		e.markInFlight(entry.DocumentID, entry.ID)
		sent++
	}
	e.dispatcher.EmitSync(events.SyncEvent{Kind: events.SyncCompleted, Count: sent})
	return nil
}

// dequeueInFlight removes the queue entry, if any, awaiting the echo
// just received for docID.
func (e *Engine) dequeueInFlight(docID uuid.UUID) {
	entryID, ok := e.takeInFlight(docID)
	if !ok {
		return
	}
	if err := e.store.Dequeue(e.ctx, entryID); err != nil {
		e.cfg.Logger.Printf("dequeue entry %d: %v", entryID, err)
	}
}

// mergePushedUpdate applies a document_updated broadcast's patch to the
// locally held document, producing the merged post-update state without
// touching the store (the caller persists it via applyPushedChange).
func (e *Engine) mergePushedUpdate(msg protocol.DocumentUpdated) (*model.Document, error) {
	existing, err := e.store.GetDocument(e.ctx, msg.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("clientengine: merge pushed update: %w", err)
	}
	merged, err := patchmodel.Apply(msg.Patch, existing.Content)
	if err != nil {
		return nil, fmt.Errorf("clientengine: apply pushed patch: %w", err)
	}
	existing.Content = merged
	existing.Version = msg.Version
	existing.ContentHash = msg.ContentHash
	return &existing, nil
}

// resolveConflict implements the server-wins policy from spec.md
// §4.6.1/§4.6.2: the local document is replaced with the server's
// version, the offending queue entry is discarded, and any subsequent
// queued entry for the same document whose base hash no longer matches
// is discarded too, since it was built against content the server has
// already superseded.
func (e *Engine) resolveConflict(msg protocol.Conflict) error {
	losing, err := e.store.GetDocument(e.ctx, msg.DocumentID)
	if err != nil {
		losing = model.Document{}
	}

	serverDoc := msg.ServerDoc
	if serverDoc.Deleted() {
		if err := e.store.SoftDeleteDocument(e.ctx, msg.DocumentID, *serverDoc.DeletedAt); err != nil {
			return fmt.Errorf("clientengine: resolve conflict: %w", err)
		}
	} else if err := e.store.UpsertDocument(e.ctx, serverDoc); err != nil {
		return fmt.Errorf("clientengine: resolve conflict: %w", err)
	}

	if entryID, ok := e.takeInFlight(msg.DocumentID); ok {
		if err := e.store.Dequeue(e.ctx, entryID); err != nil {
			e.cfg.Logger.Printf("discard conflicting entry %d: %v", entryID, err)
		}
	}

	pending, err := e.store.PeekPending(e.ctx, 256)
	if err == nil {
		for _, entry := range pending {
			if entry.DocumentID != msg.DocumentID {
				continue
			}
			if entry.OldContentHash != "" && entry.OldContentHash != serverDoc.ContentHash {
				if err := e.store.Dequeue(e.ctx, entry.ID); err != nil {
					e.cfg.Logger.Printf("discard stale queued entry %d: %v", entry.ID, err)
				}
			}
		}
	}

	e.dispatcher.EmitConflict(events.ConflictEvent{
		DocumentID: msg.DocumentID, WinningContent: string(serverDoc.Content), LosingContent: string(losing.Content),
	})
	e.dispatcher.EmitDocument(events.DocumentEvent{
		Kind: events.DocumentUpdated, DocumentID: msg.DocumentID, Title: serverDoc.Title(), Content: string(serverDoc.Content),
	})
	return nil
}
