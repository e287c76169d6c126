package serverstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/docsync/docsync/internal/errs"
	"github.com/docsync/docsync/internal/model"
)

// CredentialRepo looks up HMAC credentials and tracks their last use,
// grounded on original_source/sync-server/src/auth.rs's
// api_credentials table.
type CredentialRepo struct{ db *DB }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

// Create inserts a new credential set.
func (r *CredentialRepo) Create(ctx context.Context, cred model.APICredential) error {
	const q = `INSERT INTO api_credentials (api_key, secret, name, active, created_at) VALUES ($1, $2, $3, true, $4)`
	_, err := r.db.Pool.Exec(ctx, q, cred.APIKey, cred.Secret, cred.Name, cred.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Lookup returns the active credential for apiKey, errs.ErrNotFound if
// it does not exist, or errs.ErrUnauthorized if it has been deactivated.
func (r *CredentialRepo) Lookup(ctx context.Context, apiKey string) (model.APICredential, error) {
	const q = `SELECT api_key, secret, name, active, last_used_at, created_at FROM api_credentials WHERE api_key = $1`
	var cred model.APICredential
	err := r.db.Pool.QueryRow(ctx, q, apiKey).Scan(&cred.APIKey, &cred.Secret, &cred.Name, &cred.Active, &cred.LastUsedAt, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.APICredential{}, errs.ErrNotFound
	}
	if err != nil {
		return model.APICredential{}, err
	}
	if !cred.Active {
		return model.APICredential{}, errs.ErrUnauthorized
	}
	return cred, nil
}

// TouchLastUsed records a successful authentication.
func (r *CredentialRepo) TouchLastUsed(ctx context.Context, apiKey string) error {
	const q = `UPDATE api_credentials SET last_used_at = $2 WHERE api_key = $1`
	_, err := r.db.Pool.Exec(ctx, q, apiKey, time.Now().UTC())
	return err
}
