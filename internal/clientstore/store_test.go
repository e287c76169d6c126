package clientstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docsync/docsync/internal/errs"
	"github.com/docsync/docsync/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestDocument(userID uuid.UUID) model.Document {
	now := time.Now().UTC()
	return model.Document{
		ID:        uuid.New(),
		UserID:    userID,
		Content:   json.RawMessage(`{"title":"hello"}`),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestUpsertAndGetDocument(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	doc := newTestDocument(userID)

	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentHash == "" {
		t.Fatal("expected content hash to be computed")
	}
	if got.Deleted() {
		t.Fatal("expected document not deleted")
	}
}

func TestSoftDeleteDocument(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(uuid.New())

	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SoftDeleteDocument(ctx, doc.ID, time.Now().UTC()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Deleted() {
		t.Fatal("expected document to be deleted")
	}
}

func TestSoftDeleteMissingDocument(t *testing.T) {
	s := setupTestStore(t)
	if err := s.SoftDeleteDocument(context.Background(), uuid.New(), time.Now()); err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueAndPeekAndDequeue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(uuid.New())
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	entry := model.QueueEntry{
		DocumentID:     doc.ID,
		Operation:      model.MutationCreate,
		OldContentHash: "",
		BaseVersion:    0,
		CreatedAt:      time.Now().UTC(),
	}
	id, err := s.EnqueueMutation(ctx, entry)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := s.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected one pending entry with id %d, got %+v", id, pending)
	}

	if err := s.Dequeue(ctx, id); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	pending, err = s.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek after dequeue: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %d entries", len(pending))
	}
}

func TestDequeueMissingEntry(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Dequeue(context.Background(), 999); err != errs.ErrQueueEmpty {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestIncrementRetry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(uuid.New())
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id, err := s.EnqueueMutation(ctx, model.QueueEntry{
		DocumentID: doc.ID, Operation: model.MutationCreate, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.IncrementRetry(ctx, id); err != nil {
		t.Fatalf("increment retry: %v", err)
	}
	pending, err := s.PeekPending(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if pending[0].RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", pending[0].RetryCount)
	}
}

func TestLastSyncedRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	seq, err := s.GetLastSynced(ctx, userID)
	if err != nil {
		t.Fatalf("get last synced: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected 0 for new user, got %d", seq)
	}

	if err := s.SetLastSynced(ctx, userID, 42); err != nil {
		t.Fatalf("set last synced: %v", err)
	}
	seq, err = s.GetLastSynced(ctx, userID)
	if err != nil {
		t.Fatalf("get last synced: %v", err)
	}
	if seq != 42 {
		t.Fatalf("expected 42, got %d", seq)
	}
}

func TestApplyInboundChangeUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	doc := newTestDocument(userID)

	ev := model.ChangeEvent{
		Sequence:   5,
		DocumentID: doc.ID,
		UserID:     userID,
		EventType:  model.EventCreate,
		ServerTime: time.Now().UTC(),
	}
	if err := s.ApplyInboundChange(ctx, &doc, ev); err != nil {
		t.Fatalf("apply inbound: %v", err)
	}

	got, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != doc.ID {
		t.Fatalf("expected document to be applied")
	}

	seq, err := s.GetLastSynced(ctx, userID)
	if err != nil {
		t.Fatalf("get last synced: %v", err)
	}
	if seq != 5 {
		t.Fatalf("expected checkpoint 5, got %d", seq)
	}
}
