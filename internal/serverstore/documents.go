package serverstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/docsync/docsync/internal/errs"
	"github.com/docsync/docsync/internal/model"
	"github.com/docsync/docsync/internal/patchmodel"
)

// DocumentRepo implements the authoritative document store and its
// change-event log, mirroring the pack's ItemRepo: every mutation runs
// inside one transaction, checks the caller's base version under
// SELECT ... FOR UPDATE, and appends exactly one change event.
type DocumentRepo struct{ db *DB }

// NewDocumentRepo constructs a document repository.
func NewDocumentRepo(db *DB) *DocumentRepo { return &DocumentRepo{db: db} }

// Create inserts a new document, its initial revision, and a "create"
// change event, all in one transaction. If id is the zero UUID, one is
// generated.
func (r *DocumentRepo) Create(ctx context.Context, userID uuid.UUID, id uuid.UUID, content json.RawMessage, contentHash string) (model.Document, model.ChangeEvent, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	const ins = `
	INSERT INTO documents (id, user_id, content, version, content_hash, created_at, updated_at)
	VALUES ($1, $2, $3, 1, $4, $5, $5)
	`
	if _, err := tx.Exec(ctx, ins, id, userID, content, contentHash, now); err != nil {
		if isUniqueViolation(err) {
			return model.Document{}, model.ChangeEvent{}, errs.ErrAlreadyExists
		}
		return model.Document{}, model.ChangeEvent{}, err
	}

	if err := insertRevision(ctx, tx, id, 1, contentHash, nil, nil, now); err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}

	forward, reverse := patchmodel.ForCreate(content)
	ev, err := appendChangeEvent(ctx, tx, userID, id, model.EventCreate, forward, reverse, now, true)
	if err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}

	doc := model.Document{
		ID: id, UserID: userID, Content: content, Version: 1, ContentHash: contentHash,
		CreatedAt: now, UpdatedAt: now,
	}
	return doc, ev, nil
}

// Update applies an optimistic-concurrency update. If the current
// version or content hash no longer matches baseVersion/baseHash, the
// caller lost the race: the current server document is returned
// alongside errs.ErrConflict, and a non-applied change event is written
// to preserve the losing side's intent.
func (r *DocumentRepo) Update(ctx context.Context, userID, docID uuid.UUID, baseVersion int64, baseHash string, newContent json.RawMessage, newHash string, forwardPatch, reversePatch json.RawMessage) (model.Document, model.ChangeEvent, error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `SELECT version, content_hash, deleted_at FROM documents WHERE id = $1 AND user_id = $2 FOR UPDATE`
	var (
		curVersion int64
		curHash    string
		deletedAt  *time.Time
	)
	if err := tx.QueryRow(ctx, sel, docID, userID).Scan(&curVersion, &curHash, &deletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, model.ChangeEvent{}, errs.ErrNotFound
		}
		return model.Document{}, model.ChangeEvent{}, err
	}

	if curVersion != baseVersion || curHash != baseHash || deletedAt != nil {
		current, getErr := r.get(ctx, tx, userID, docID)
		if getErr != nil {
			return model.Document{}, model.ChangeEvent{}, getErr
		}
		now := time.Now().UTC()
		if _, evErr := appendChangeEvent(ctx, tx, userID, docID, model.EventUpdate, forwardPatch, reversePatch, now, false); evErr != nil {
			return model.Document{}, model.ChangeEvent{}, evErr
		}
		if err := tx.Commit(ctx); err != nil {
			return model.Document{}, model.ChangeEvent{}, err
		}
		return current, model.ChangeEvent{}, fmt.Errorf("serverstore: %w", errs.ErrConflict)
	}

	now := time.Now().UTC()
	newVersion := curVersion + 1
	const upd = `UPDATE documents SET content = $3, version = $4, content_hash = $5, updated_at = $6 WHERE id = $1 AND user_id = $2`
	if _, err := tx.Exec(ctx, upd, docID, userID, newContent, newVersion, newHash, now); err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}

	if err := insertRevision(ctx, tx, docID, newVersion, newHash, forwardPatch, reversePatch, now); err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}

	ev, err := appendChangeEvent(ctx, tx, userID, docID, model.EventUpdate, forwardPatch, reversePatch, now, true)
	if err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Document{}, model.ChangeEvent{}, err
	}

	return model.Document{
		ID: docID, UserID: userID, Content: newContent, Version: newVersion, ContentHash: newHash,
		UpdatedAt: now,
	}, ev, nil
}

// Delete soft-deletes a document under the same optimistic-concurrency
// rule as Update.
func (r *DocumentRepo) Delete(ctx context.Context, userID, docID uuid.UUID, baseVersion int64) (model.ChangeEvent, error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ChangeEvent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `SELECT version, content FROM documents WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL FOR UPDATE`
	var curVersion int64
	var curContent []byte
	if err := tx.QueryRow(ctx, sel, docID, userID).Scan(&curVersion, &curContent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChangeEvent{}, errs.ErrNotFound
		}
		return model.ChangeEvent{}, err
	}
	if curVersion != baseVersion {
		return model.ChangeEvent{}, errs.ErrConflict
	}

	now := time.Now().UTC()
	const upd = `UPDATE documents SET deleted_at = $3, updated_at = $3 WHERE id = $1 AND user_id = $2`
	if _, err := tx.Exec(ctx, upd, docID, userID, now); err != nil {
		return model.ChangeEvent{}, err
	}

	forward, reverse := patchmodel.ForDelete(json.RawMessage(curContent))
	ev, err := appendChangeEvent(ctx, tx, userID, docID, model.EventDelete, forward, reverse, now, true)
	if err != nil {
		return model.ChangeEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ChangeEvent{}, err
	}
	return ev, nil
}

// GetChangesSince returns up to limit change events strictly after
// sinceSequence, in order, plus whether more remain.
func (r *DocumentRepo) GetChangesSince(ctx context.Context, userID uuid.UUID, sinceSequence int64, limit int) ([]model.ChangeEvent, bool, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `
	SELECT sequence, document_id, event_type, forward_patch, reverse_patch, server_timestamp, applied
	FROM change_events WHERE user_id = $1 AND sequence > $2 ORDER BY sequence ASC LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, q, userID, sinceSequence, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []model.ChangeEvent
	for rows.Next() {
		var (
			ev            model.ChangeEvent
			eventType     string
			forward       []byte
			reverse       []byte
		)
		if err := rows.Scan(&ev.Sequence, &ev.DocumentID, &eventType, &forward, &reverse, &ev.ServerTime, &ev.Applied); err != nil {
			return nil, false, err
		}
		ev.EventType = model.EventType(eventType)
		ev.UserID = userID
		ev.ForwardPatch = json.RawMessage(forward)
		ev.ReversePatch = json.RawMessage(reverse)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// Get returns a single document by id for userID.
func (r *DocumentRepo) Get(ctx context.Context, userID, docID uuid.UUID) (model.Document, error) {
	return r.get(ctx, r.db.Pool, userID, docID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *DocumentRepo) get(ctx context.Context, q queryRower, userID, docID uuid.UUID) (model.Document, error) {
	const sel = `SELECT id, user_id, content, version, content_hash, created_at, updated_at, deleted_at FROM documents WHERE id = $1 AND user_id = $2`
	var doc model.Document
	var content []byte
	if err := q.QueryRow(ctx, sel, docID, userID).Scan(&doc.ID, &doc.UserID, &content, &doc.Version, &doc.ContentHash, &doc.CreatedAt, &doc.UpdatedAt, &doc.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, errs.ErrNotFound
		}
		return model.Document{}, err
	}
	doc.Content = json.RawMessage(content)
	return doc, nil
}

func insertRevision(ctx context.Context, tx pgx.Tx, docID uuid.UUID, version int64, hash string, forward, reverse json.RawMessage, at time.Time) error {
	const q = `
	INSERT INTO document_revisions (document_id, version, content_hash, forward_patch, reverse_patch, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := tx.Exec(ctx, q, docID, version, hash, nullableJSON(forward), nullableJSON(reverse), at)
	return err
}

func appendChangeEvent(ctx context.Context, tx pgx.Tx, userID, docID uuid.UUID, evType model.EventType, forward, reverse json.RawMessage, at time.Time, applied bool) (model.ChangeEvent, error) {
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('change_events_seq')`).Scan(&seq); err != nil {
		return model.ChangeEvent{}, err
	}
	const q = `
	INSERT INTO change_events (sequence, user_id, document_id, event_type, forward_patch, reverse_patch, server_timestamp, applied)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, q, seq, userID, docID, string(evType), nullableJSON(forward), nullableJSON(reverse), at, applied); err != nil {
		return model.ChangeEvent{}, err
	}
	return model.ChangeEvent{
		Sequence: seq, UserID: userID, DocumentID: docID, EventType: evType,
		ForwardPatch: forward, ReversePatch: reverse, ServerTime: at, Applied: applied,
	}, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}
