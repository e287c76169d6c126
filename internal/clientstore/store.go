// Package clientstore implements C3, the client's embedded single-file
// database: documents, the offline mutation queue, a local mirror of
// applied change events, and per-user sync state. Modeled on the
// teacher's internal/turso/db/turso.go connection setup (WAL, busy
// timeout, foreign keys, pool limits) with a goose-migrated schema
// instead of the teacher's inline InitSchema string.
package clientstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"

	"github.com/docsync/docsync/internal/clientstore/migrations"
	"github.com/docsync/docsync/internal/errs"
	"github.com/docsync/docsync/internal/model"
	"github.com/docsync/docsync/internal/patchmodel"
	"github.com/google/uuid"
)

// Store wraps the client's SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("clientstore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("clientstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clientstore: ping: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("clientstore: %s: %w", pragma, err)
		}
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clientstore: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clientstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close checkpoints the WAL and closes the underlying connection.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "clientstore: wal checkpoint: %v\n", err)
	}
	return s.db.Close()
}

// UpsertDocument inserts or updates a document, recomputing and
// verifying its content hash against the canonical form of Content.
func (s *Store) UpsertDocument(ctx context.Context, doc model.Document) error {
	hash, err := patchmodel.ContentHash(doc.Content)
	if err != nil {
		return fmt.Errorf("clientstore: hash content: %w", err)
	}
	if doc.ContentHash != "" && doc.ContentHash != hash {
		return fmt.Errorf("clientstore: %w: content hash mismatch for %s", errs.ErrConflict, doc.ID)
	}
	doc.ContentHash = hash

	const q = `
	INSERT INTO documents (id, user_id, content, version, content_hash, created_at, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		version = excluded.version,
		content_hash = excluded.content_hash,
		updated_at = excluded.updated_at,
		deleted_at = NULL
	`
	_, err = s.db.ExecContext(ctx, q,
		doc.ID.String(), doc.UserID.String(), string(doc.Content), doc.Version, doc.ContentHash,
		doc.CreatedAt.Format(time.RFC3339Nano), doc.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("clientstore: upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// SoftDeleteDocument marks a document deleted without removing its row,
// so content hashes remain available for conflict comparison.
func (s *Store) SoftDeleteDocument(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, at.Format(time.RFC3339Nano), at.Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("clientstore: soft delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetDocument returns a single document by id, including soft-deleted
// ones (callers check Deleted()).
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (model.Document, error) {
	const q = `SELECT id, user_id, content, version, content_hash, created_at, updated_at, deleted_at FROM documents WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id.String())
	return scanDocument(row)
}

// ListDocuments returns every non-deleted document for userID.
func (s *Store) ListDocuments(ctx context.Context, userID uuid.UUID) ([]model.Document, error) {
	const q = `SELECT id, user_id, content, version, content_hash, created_at, updated_at, deleted_at
	FROM documents WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, userID.String())
	if err != nil {
		return nil, fmt.Errorf("clientstore: list documents: %w", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CountDocuments returns the number of non-deleted documents for userID.
func (s *Store) CountDocuments(ctx context.Context, userID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM documents WHERE user_id = ? AND deleted_at IS NULL`
	var n int
	if err := s.db.QueryRowContext(ctx, q, userID.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("clientstore: count documents: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var (
		doc       model.Document
		id, uid   string
		content   string
		createdAt string
		updatedAt string
		deletedAt sql.NullString
	)
	if err := row.Scan(&id, &uid, &content, &doc.Version, &doc.ContentHash, &createdAt, &updatedAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Document{}, errs.ErrNotFound
		}
		return model.Document{}, fmt.Errorf("clientstore: scan document: %w", err)
	}
	doc.ID = uuid.MustParse(id)
	doc.UserID = uuid.MustParse(uid)
	doc.Content = json.RawMessage(content)
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deletedAt.String)
		doc.DeletedAt = &t
	}
	return doc, nil
}

// EnqueueMutation appends entry to the offline sync_queue, assigning it
// an id.
func (s *Store) EnqueueMutation(ctx context.Context, entry model.QueueEntry) (int64, error) {
	const q = `
	INSERT INTO sync_queue (document_id, operation_type, patch, old_content_hash, base_version, retry_count, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, q,
		entry.DocumentID.String(), string(entry.Operation), string(entry.Patch), entry.OldContentHash,
		entry.BaseVersion, entry.RetryCount, entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("clientstore: enqueue mutation: %w", err)
	}
	return res.LastInsertId()
}

// PeekPending returns up to limit queue entries in FIFO order, without
// removing them.
func (s *Store) PeekPending(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	const q = `
	SELECT id, document_id, operation_type, patch, old_content_hash, base_version, retry_count, created_at
	FROM sync_queue ORDER BY id ASC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("clientstore: peek pending: %w", err)
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		var (
			e          model.QueueEntry
			docID      string
			op         string
			patch      sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &docID, &op, &patch, &e.OldContentHash, &e.BaseVersion, &e.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("clientstore: scan queue entry: %w", err)
		}
		e.DocumentID = uuid.MustParse(docID)
		e.Operation = model.MutationType(op)
		if patch.Valid {
			e.Patch = json.RawMessage(patch.String)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Dequeue removes a queue entry after the server has acknowledged it.
func (s *Store) Dequeue(ctx context.Context, entryID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("clientstore: dequeue %d: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrQueueEmpty
	}
	return nil
}

// IncrementRetry bumps retry_count on a transient upload failure.
func (s *Store) IncrementRetry(ctx context.Context, entryID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("clientstore: increment retry %d: %w", entryID, err)
	}
	return nil
}

// GetLastSynced returns the last acknowledged sequence for userID, or 0
// if the user has never synced.
func (s *Store) GetLastSynced(ctx context.Context, userID uuid.UUID) (int64, error) {
	const q = `SELECT last_synced_sequence FROM sync_state WHERE user_id = ?`
	var seq int64
	err := s.db.QueryRowContext(ctx, q, userID.String()).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("clientstore: get last synced: %w", err)
	}
	return seq, nil
}

// SetLastSynced updates the per-user checkpoint, used after applying
// inbound changes and before sending ack_changes.
func (s *Store) SetLastSynced(ctx context.Context, userID uuid.UUID, sequence int64) error {
	const q = `
	INSERT INTO sync_state (user_id, last_synced_sequence) VALUES (?, ?)
	ON CONFLICT(user_id) DO UPDATE SET last_synced_sequence = excluded.last_synced_sequence
	`
	if _, err := s.db.ExecContext(ctx, q, userID.String(), sequence); err != nil {
		return fmt.Errorf("clientstore: set last synced: %w", err)
	}
	return nil
}

// ApplyInboundChange performs the full local-transaction sequence for
// one inbound change event from the server: upsert/soft-delete the
// document, mirror the change event, and advance the sync checkpoint.
func (s *Store) ApplyInboundChange(ctx context.Context, doc *model.Document, ev model.ChangeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clientstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if ev.EventType == model.EventDelete {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ?`,
			ev.ServerTime.Format(time.RFC3339Nano), ev.ServerTime.Format(time.RFC3339Nano), doc.ID.String()); err != nil {
			return fmt.Errorf("clientstore: apply delete: %w", err)
		}
	} else {
		const q = `
		INSERT INTO documents (id, user_id, content, version, content_hash, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content, version = excluded.version,
			content_hash = excluded.content_hash, updated_at = excluded.updated_at, deleted_at = NULL
		`
		if _, err := tx.ExecContext(ctx, q,
			doc.ID.String(), doc.UserID.String(), string(doc.Content), doc.Version, doc.ContentHash,
			doc.CreatedAt.Format(time.RFC3339Nano), doc.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("clientstore: apply upsert: %w", err)
		}
	}

	const evq = `
	INSERT INTO change_events (sequence, document_id, user_id, event_type, forward_patch, reverse_patch, server_timestamp, applied)
	VALUES (?, ?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT(user_id, sequence) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, evq,
		ev.Sequence, ev.DocumentID.String(), ev.UserID.String(), string(ev.EventType),
		string(ev.ForwardPatch), string(ev.ReversePatch), ev.ServerTime.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("clientstore: mirror change event: %w", err)
	}

	const stateq = `
	INSERT INTO sync_state (user_id, last_synced_sequence) VALUES (?, ?)
	ON CONFLICT(user_id) DO UPDATE SET last_synced_sequence = excluded.last_synced_sequence
	`
	if _, err := tx.ExecContext(ctx, stateq, ev.UserID.String(), ev.Sequence); err != nil {
		return fmt.Errorf("clientstore: advance checkpoint: %w", err)
	}

	return tx.Commit()
}
