package serverstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/docsync/docsync/internal/errs"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	return &DB{Pool: mock}, mock
}

func TestDocumentRepo_Create_OK(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db)

	ctx := context.Background()
	userID := uuid.New()
	content := json.RawMessage(`{"title":"x"}`)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO document_revisions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT nextval\('change_events_seq'\)`).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(1)))
	mock.ExpectExec(`INSERT INTO change_events`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	doc, ev, err := r.Create(ctx, userID, uuid.Nil, content, "hash1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.Version != 1 {
		t.Fatalf("expected version 1, got %d", doc.Version)
	}
	if ev.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", ev.Sequence)
	}
}

func TestDocumentRepo_Update_Conflict(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db)

	ctx := context.Background()
	userID := uuid.New()
	docID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version, content_hash, deleted_at FROM documents`).
		WithArgs(docID, userID).
		WillReturnRows(pgxmock.NewRows([]string{"version", "content_hash", "deleted_at"}).
			AddRow(int64(3), "serverhash", nil))
	mock.ExpectQuery(`SELECT id, user_id, content, version, content_hash, created_at, updated_at, deleted_at FROM documents`).
		WithArgs(docID, userID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "content", "version", "content_hash", "created_at", "updated_at", "deleted_at"}).
			AddRow(docID, userID, []byte(`{"a":1}`), int64(3), "serverhash", time.Now(), time.Now(), nil))
	mock.ExpectQuery(`SELECT nextval\('change_events_seq'\)`).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(9)))
	mock.ExpectExec(`INSERT INTO change_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, _, err := r.Update(ctx, userID, docID, 2, "clienthash", json.RawMessage(`{"a":2}`), "newhash", nil, nil)
	if err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestDocumentRepo_Delete_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db)

	ctx := context.Background()
	userID := uuid.New()
	docID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version, content FROM documents`).
		WithArgs(docID, userID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.Delete(ctx, userID, docID, 1)
	if err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDocumentRepo_GetChangesSince_HasMore(t *testing.T) {
	db, mock := newMockDB(t)
	defer mock.Close()
	r := NewDocumentRepo(db)

	ctx := context.Background()
	userID := uuid.New()
	docID := uuid.New()
	now := time.Now()

	rows := pgxmock.NewRows([]string{"sequence", "document_id", "event_type", "forward_patch", "reverse_patch", "server_timestamp", "applied"}).
		AddRow(int64(1), docID, "create", []byte(`{"title":"x"}`), []byte(nil), now, true).
		AddRow(int64(2), docID, "update", []byte(`[]`), []byte(`[]`), now, true)

	mock.ExpectQuery(`SELECT sequence, document_id, event_type, forward_patch, reverse_patch, server_timestamp, applied FROM change_events`).
		WithArgs(userID, int64(0), 2).
		WillReturnRows(rows)

	events, hasMore, err := r.GetChangesSince(ctx, userID, 0, 1)
	if err != nil {
		t.Fatalf("get changes: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after truncation, got %d", len(events))
	}
	if !hasMore {
		t.Fatal("expected has_more true")
	}
}
