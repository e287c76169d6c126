// Package errs contains sentinel errors shared across the client and
// server stores and engines, modeled on the teacher pack's
// internal/errs/sentinels.go convention for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the caller's base version/content hash no
	// longer matches the authoritative or local record.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates authentication failed: HMAC signature
	// verification failed or the credential has been deactivated.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrQueueEmpty indicates there is no pending mutation to dequeue.
	ErrQueueEmpty = errors.New("sync queue empty")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)
