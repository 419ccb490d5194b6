package domain

import (
	"context"
	"errors"
)

type Service interface {
	// CheckCache reports a hit only when an entry exists for the fingerprint
	// and its recorded external-movement timestamp is not older than the
	// caller's view. A newer external movement makes the entry stale even
	// though the row exists.
	CheckCache(ctx context.Context, req CheckRequest) (CheckResult, error)

	// SaveCache upserts the entry for the fingerprint, overwriting any prior
	// value. The payload is opaque to this layer; callers validate shape
	// before storing.
	SaveCache(ctx context.Context, req SaveRequest) error

	// AcquireLock attempts the per-document-set computation lock. Contention
	// is a normal outcome, not an error.
	AcquireLock(ctx context.Context, documentHashes []string) (LockResult, error)

	// ReleaseLock is idempotent; releasing an expired or foreign lock is a
	// no-op.
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

var (
	ErrNoDocuments     = errors.New("no_document_hashes")
	ErrInvalidVersion  = errors.New("invalid_model_version")
	ErrInvalidPayload  = errors.New("invalid_payload")
	ErrPayloadTooLarge = errors.New("payload_too_large")
)
