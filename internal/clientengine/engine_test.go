package clientengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/clientstore"
	"github.com/docsync/docsync/internal/events"
	"github.com/docsync/docsync/internal/logging"
	"github.com/docsync/docsync/internal/model"
	"github.com/docsync/docsync/internal/protocol"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := clientstore.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.Logger = logging.Discard()
	e, err := New(store, events.New(64), cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.ctx = context.Background()
	e.userID = uuid.New()
	return e
}

func TestCreateDocumentQueuesMutation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.CreateDocument(ctx, json.RawMessage(`{"title":"hello"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := e.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Content) != `{"title":"hello"}` {
		t.Fatalf("unexpected content: %s", got.Content)
	}

	pending, err := e.CountPendingSync(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending entry, got %d", pending)
	}

	if e.dispatcher.ProcessEvents() != 1 {
		t.Fatal("expected one document event from create")
	}
}

func TestUpdateDocumentGeneratesForwardPatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.CreateDocument(ctx, json.RawMessage(`{"title":"hello"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.dispatcher.ProcessEvents()

	updated, err := e.UpdateDocument(ctx, doc.ID, json.RawMessage(`{"title":"world"}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	pending, err := e.store.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 queued entries (create + update), got %d", len(pending))
	}
	if pending[1].Operation != model.MutationUpdate {
		t.Fatalf("expected second entry to be an update, got %s", pending[1].Operation)
	}
	if pending[1].BaseVersion != 1 {
		t.Fatalf("expected update to carry base_version=1, got %d", pending[1].BaseVersion)
	}
}

func TestDrainQueueSkipsInFlightDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.CreateDocument(ctx, json.RawMessage(`{"title":"hello"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := e.store.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek pending: %v", err)
	}
	e.markInFlight(doc.ID, pending[0].ID)

	// A nil conn fails the test with a panic if drainQueue tries to send
	// the in-flight entry instead of skipping it.
	if err := e.drainQueue(nil); err != nil {
		t.Fatalf("drain queue: %v", err)
	}

	if _, busy := e.takeInFlight(doc.ID); !busy {
		t.Fatal("expected document to be marked in-flight")
	}
}

func TestDequeueInFlightRemovesQueueEntry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.CreateDocument(ctx, json.RawMessage(`{"title":"hello"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pending, err := e.store.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek pending: %v", err)
	}
	e.markInFlight(doc.ID, pending[0].ID)

	e.dequeueInFlight(doc.ID)

	remaining, err := e.store.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek pending: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected queue empty after dequeue, got %d entries", len(remaining))
	}
}

func TestResolveConflictAdoptsServerDocAndEmitsConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.CreateDocument(ctx, json.RawMessage(`{"title":"mine"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pending, err := e.store.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek pending: %v", err)
	}
	e.markInFlight(doc.ID, pending[0].ID)
	e.dispatcher.ProcessEvents()

	serverDoc := model.Document{
		ID: doc.ID, UserID: e.userID, Content: json.RawMessage(`{"title":"theirs"}`),
		Version: 4,
	}
	if err := e.resolveConflict(protocol.Conflict{DocumentID: doc.ID, ServerDoc: serverDoc}); err != nil {
		t.Fatalf("resolve conflict: %v", err)
	}

	got, err := e.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Content) != `{"title":"theirs"}` {
		t.Fatalf("expected server content to win, got %s", got.Content)
	}
	if got.Version != 4 {
		t.Fatalf("expected version 4, got %d", got.Version)
	}

	remaining, err := e.store.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek pending: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the losing queue entry to be discarded, got %d remaining", len(remaining))
	}

	n := e.dispatcher.ProcessEvents()
	if n != 2 {
		t.Fatalf("expected a conflict event and a document event, got %d", n)
	}
}

func TestDeleteDocumentQueuesDelete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	doc, err := e.CreateDocument(ctx, json.RawMessage(`{"title":"hello"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.dispatcher.ProcessEvents()

	if err := e.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := e.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Deleted() {
		t.Fatal("expected document to be soft-deleted")
	}

	pending, err := e.store.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek pending: %v", err)
	}
	if len(pending) != 2 || pending[1].Operation != model.MutationDelete {
		t.Fatalf("expected a queued delete entry, got %+v", pending)
	}
}
