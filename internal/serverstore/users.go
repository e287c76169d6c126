package serverstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docsync/docsync/internal/model"
)

// UserRepo implements lazy user creation: a user row is created the
// first time an email authenticates, per spec.md §9.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// GetOrCreateByEmail returns the existing user for email, creating one
// if this is the first time it has been seen.
func (r *UserRepo) GetOrCreateByEmail(ctx context.Context, email string) (model.User, error) {
	const sel = `SELECT id, email, created_at, updated_at FROM users WHERE email = $1`
	var u model.User
	err := r.db.Pool.QueryRow(ctx, sel, email).Scan(&u.ID, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, err
	}

	now := time.Now().UTC()
	u = model.User{ID: uuid.New(), Email: email, CreatedAt: now, UpdatedAt: now}
	const ins = `INSERT INTO users (id, email, created_at, updated_at) VALUES ($1, $2, $3, $3)
	ON CONFLICT (email) DO UPDATE SET email = excluded.email
	RETURNING id, created_at, updated_at`
	if err := r.db.Pool.QueryRow(ctx, ins, u.ID, u.Email, now).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return model.User{}, err
	}
	return u, nil
}
