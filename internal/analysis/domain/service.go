package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Analyzer invokes the external model. Implementations live at the edge; the
// pipeline treats the returned payload as opaque JSON.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (json.RawMessage, error)
}

type Service interface {
	// Run executes the full pipeline: cache check, per-document-set lock,
	// cost calculation, credit debit, external analysis, cache store. The
	// lock is released on every path. A failed analysis refunds its debit.
	Run(ctx context.Context, req Request) (Result, error)

	// RecordMovement applies an external movement webhook idempotently:
	// replaying the same requestID acknowledges without re-applying. The
	// returned bool is false for such replays.
	RecordMovement(ctx context.Context, workspaceID, caseID snowflake.ID, requestID string, movementAt time.Time) (bool, error)

	LastMovement(ctx context.Context, caseID snowflake.ID) (*time.Time, error)
}

var (
	ErrInvalidWorkspace = errors.New("invalid_workspace")
	ErrInvalidCase      = errors.New("invalid_case")
	ErrInvalidTier      = errors.New("invalid_tier")
	ErrNoDocuments      = errors.New("no_document_hashes")
	ErrInvalidCount     = errors.New("invalid_process_count")
	ErrInvalidMovement  = errors.New("invalid_movement_timestamp")
)
