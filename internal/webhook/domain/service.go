package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Effect applies the webhook's state mutation inside the same transaction
// that records the request identifier, so a crash can never leave the effect
// applied but the identifier unrecorded (or vice versa).
type Effect func(tx *gorm.DB) error

type ProcessResult struct {
	// Duplicate means the identifier was seen before; the effect was skipped
	// and the delivery should still be acknowledged to stop retries.
	Duplicate bool
}

type Service interface {
	Process(ctx context.Context, entityID snowflake.ID, requestID string, effect Effect) (ProcessResult, error)

	AlreadyProcessed(ctx context.Context, entityID snowflake.ID, requestID string) (bool, error)

	// PruneProcessed bounds the processed-id set by dropping records older
	// than the retention window.
	PruneProcessed(ctx context.Context, retention time.Duration) (int64, error)
}

var (
	ErrInvalidEntity    = errors.New("invalid_entity")
	ErrInvalidRequestID = errors.New("invalid_request_id")
)
