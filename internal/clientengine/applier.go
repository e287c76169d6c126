package clientengine

import (
	"encoding/json"
	"fmt"

	"github.com/docsync/docsync/internal/events"
	"github.com/docsync/docsync/internal/model"
	"github.com/docsync/docsync/internal/patchmodel"
	"github.com/docsync/docsync/internal/protocol"
	"github.com/docsync/docsync/internal/transport"
)

// readLoop is the inbound applier: it dispatches every frame received
// on conn until the connection closes or the engine is stopped.
func (e *Engine) readLoop(conn *transport.Conn) error {
	for {
		env, err := conn.ReadEnvelope(e.ctx)
		if err != nil {
			return err
		}
		if err := e.handleFrame(env); err != nil {
			e.cfg.Logger.Printf("handle frame %s: %v", env.Type, err)
		}
	}
}

func (e *Engine) handleFrame(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeChanges:
		var msg protocol.Changes
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		return e.applyChanges(msg)

	case protocol.TypeDocumentCreated:
		var msg protocol.DocumentCreated
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		if err := e.applyPushedChange(model.ChangeEvent{
			Sequence: msg.Sequence, DocumentID: msg.Document.ID, UserID: e.userID,
			EventType: model.EventCreate, ServerTime: msg.Document.UpdatedAt,
		}, &msg.Document); err != nil {
			return err
		}
		e.dequeueInFlight(msg.Document.ID)
		return nil

	case protocol.TypeDocumentUpdated:
		var msg protocol.DocumentUpdated
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		doc, err := e.mergePushedUpdate(msg)
		if err != nil {
			return err
		}
		if err := e.applyPushedChange(model.ChangeEvent{
			Sequence: msg.Sequence, DocumentID: msg.DocumentID, UserID: e.userID,
			EventType: model.EventUpdate, ForwardPatch: msg.Patch,
		}, doc); err != nil {
			return err
		}
		e.dequeueInFlight(msg.DocumentID)
		return nil

	case protocol.TypeDocumentDeleted:
		var msg protocol.DocumentDeleted
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		if err := e.applyPushedChange(model.ChangeEvent{
			Sequence: msg.Sequence, DocumentID: msg.DocumentID, UserID: e.userID,
			EventType: model.EventDelete,
		}, nil); err != nil {
			return err
		}
		e.dequeueInFlight(msg.DocumentID)
		return nil

	case protocol.TypeConflict:
		var msg protocol.Conflict
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		return e.resolveConflict(msg)

	case protocol.TypeChangesAcknowledged:
		return nil

	case protocol.TypePing:
		if conn := e.currentConn(); conn != nil {
			return conn.WriteEnvelope(e.ctx, protocol.TypePong, struct{}{})
		}
		return nil

	case protocol.TypePong, protocol.TypeError:
		return nil

	default:
		return fmt.Errorf("unhandled frame type %q", env.Type)
	}
}

// pullChanges requests and applies everything since the last known
// checkpoint, repeating while has_more is set, per spec.md §4.6.1.
func (e *Engine) pullChanges(conn *transport.Conn) error {
	for {
		last, err := e.store.GetLastSynced(e.ctx, e.userID)
		if err != nil {
			return err
		}
		if err := conn.WriteEnvelope(e.ctx, protocol.TypeGetChangesSince, protocol.GetChangesSince{
			LastSequence: last, Limit: e.cfg.PullLimit,
		}); err != nil {
			return err
		}
		env, err := conn.ReadEnvelope(e.ctx)
		if err != nil {
			return err
		}
		if env.Type != protocol.TypeChanges {
			return fmt.Errorf("expected changes frame, got %q", env.Type)
		}
		var msg protocol.Changes
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		if err := e.applyChanges(msg); err != nil {
			return err
		}
		if !msg.HasMore {
			return nil
		}
	}
}

// applyChanges handles one `changes` reply: every event whose sequence
// exceeds the client's checkpoint is applied and the checkpoint is
// advanced; earlier events are skipped (idempotence). Entries the server
// logged with applied=false (rejected mutations) only advance the
// checkpoint.
func (e *Engine) applyChanges(msg protocol.Changes) error {
	last, err := e.store.GetLastSynced(e.ctx, e.userID)
	if err != nil {
		return err
	}

	if len(msg.Events) > 0 {
		e.dispatcher.EmitSync(events.SyncEvent{Kind: events.SyncStarted, Count: len(msg.Events)})
	}
	applied := 0
	for _, ev := range msg.Events {
		if ev.Sequence <= last {
			continue
		}
		if !ev.Applied {
			if err := e.store.SetLastSynced(e.ctx, e.userID, ev.Sequence); err != nil {
				return err
			}
			last = ev.Sequence
			continue
		}
		doc, err := e.rebuildDocumentForEvent(ev)
		if err != nil {
			return err
		}
		if err := e.store.ApplyInboundChange(e.ctx, doc, ev); err != nil {
			return err
		}
		last = ev.Sequence
		applied++
		e.emitForChangeEvent(ev, doc)
	}
	if len(msg.Events) > 0 {
		e.dispatcher.EmitSync(events.SyncEvent{Kind: events.SyncCompleted, Count: applied})
	}

	conn := e.currentConn()
	if conn != nil {
		_ = conn.WriteEnvelope(e.ctx, protocol.TypeAckChanges, struct {
			UpToSequence int64 `json:"up_to_sequence"`
		}{UpToSequence: last})
	}
	return nil
}

// applyPushedChange applies one broadcast pushed while connected,
// gated by sequence comparison exactly like a pulled change.
func (e *Engine) applyPushedChange(ev model.ChangeEvent, doc *model.Document) error {
	last, err := e.store.GetLastSynced(e.ctx, e.userID)
	if err != nil {
		return err
	}
	if ev.Sequence <= last {
		return nil
	}
	if doc == nil {
		existing, err := e.store.GetDocument(e.ctx, ev.DocumentID)
		if err != nil {
			return err
		}
		doc = &existing
	}
	if err := e.store.ApplyInboundChange(e.ctx, doc, ev); err != nil {
		return err
	}
	e.emitForChangeEvent(ev, doc)

	conn := e.currentConn()
	if conn != nil {
		_ = conn.WriteEnvelope(e.ctx, protocol.TypeAckChanges, struct {
			UpToSequence int64 `json:"up_to_sequence"`
		}{UpToSequence: ev.Sequence})
	}
	return nil
}

// rebuildDocumentForEvent reconstructs the post-event document state
// for a pulled change event by applying its forward patch to the
// locally held document (or treating it as the full initial content
// for creates).
func (e *Engine) rebuildDocumentForEvent(ev model.ChangeEvent) (*model.Document, error) {
	if ev.EventType == model.EventDelete {
		doc, err := e.store.GetDocument(e.ctx, ev.DocumentID)
		if err != nil {
			return nil, err
		}
		return &doc, nil
	}

	existing, err := e.store.GetDocument(e.ctx, ev.DocumentID)
	if err != nil {
		existing = model.Document{ID: ev.DocumentID, UserID: ev.UserID}
	}

	if ev.EventType == model.EventCreate {
		// The forward patch for a create carries the full content
		// directly, not an RFC-6902 patch array.
		existing.Content = ev.ForwardPatch
		existing.Version = 1
		existing.CreatedAt = ev.ServerTime
	} else {
		if len(ev.ForwardPatch) > 0 {
			applied, err := patchmodel.Apply(ev.ForwardPatch, existing.Content)
			if err != nil {
				return nil, err
			}
			existing.Content = applied
		}
		existing.Version++
	}
	hash, err := patchmodel.ContentHash(existing.Content)
	if err != nil {
		return nil, err
	}
	existing.ContentHash = hash
	existing.UpdatedAt = ev.ServerTime
	return &existing, nil
}

func (e *Engine) emitForChangeEvent(ev model.ChangeEvent, doc *model.Document) {
	var kind events.DocumentEventKind
	switch ev.EventType {
	case model.EventCreate:
		kind = events.DocumentCreated
	case model.EventUpdate:
		kind = events.DocumentUpdated
	case model.EventDelete:
		kind = events.DocumentDeleted
	}
	docEvent := events.DocumentEvent{Kind: kind, DocumentID: ev.DocumentID}
	if doc != nil {
		docEvent.Title = doc.Title()
		docEvent.Content = string(doc.Content)
	}
	e.dispatcher.EmitDocument(docEvent)
}
