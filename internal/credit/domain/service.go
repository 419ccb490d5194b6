package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Balance is the side-effect-free view returned by GetBalance. Available is
// the committed balance minus the sum of unexpired holds.
type Balance struct {
	WorkspaceID     snowflake.ID `json:"workspace_id"`
	ReportBalance   Amount       `json:"report_balance"`
	FullBalance     Amount       `json:"full_balance"`
	ReportHeld      Amount       `json:"report_held"`
	FullHeld        Amount       `json:"full_held"`
	ReportAvailable Amount       `json:"report_available"`
	FullAvailable   Amount       `json:"full_available"`
}

type GrantRequest struct {
	WorkspaceID snowflake.ID
	Category    Category
	Type        AllocationType
	Amount      Amount
	Source      string
	ExpiresAt   *time.Time
}

type DebitRequest struct {
	WorkspaceID  snowflake.ID
	ReportAmount Amount
	FullAmount   Amount
	Reason       string
	Metadata     map[string]any
}

// Shortfall reports how far a rejected debit was from the available balance,
// so callers can render required vs available.
type Shortfall struct {
	Category  Category `json:"category"`
	Required  Amount   `json:"required"`
	Available Amount   `json:"available"`
}

// DebitResult is a structured outcome, not an exception: insufficient
// balance is an expected answer the caller turns into a billing message.
type DebitResult struct {
	Success        bool           `json:"success"`
	TransactionIDs []snowflake.ID `json:"transaction_ids,omitempty"`
	Shortfalls     []Shortfall    `json:"shortfalls,omitempty"`
	ErrorCode      string         `json:"error,omitempty"`
}

type RefundRequest struct {
	DebitTransactionIDs []snowflake.ID
	Reason              string
	Metadata            map[string]any
}

type RefundResult struct {
	Success        bool           `json:"success"`
	TransactionIDs []snowflake.ID `json:"transaction_ids,omitempty"`
	RestoredReport Amount         `json:"restored_report"`
	RestoredFull   Amount         `json:"restored_full"`
	SkippedOrphans int            `json:"skipped_orphans"`
	ErrorCode      string         `json:"error,omitempty"`
}

type HoldRequest struct {
	WorkspaceID    snowflake.ID
	ReservedReport Amount
	ReservedFull   Amount
	Reason         string
	TTL            time.Duration
}

type Service interface {
	// EnsureWorkspace provisions the zero-balance row for a new workspace.
	// Calling it for an existing workspace is a no-op.
	EnsureWorkspace(ctx context.Context, workspaceID snowflake.ID) error

	GetBalance(ctx context.Context, workspaceID snowflake.ID) (Balance, error)

	Grant(ctx context.Context, req GrantRequest) (*CreditAllocation, error)

	// Debit atomically draws the requested amounts from the workspace's
	// allocations, oldest and soonest-to-expire first. Either every write
	// lands or none do.
	Debit(ctx context.Context, req DebitRequest) DebitResult

	// Refund compensates previously created debit transactions. The batch
	// must belong to a single workspace. Debits already refunded and debits
	// without an allocation reference are skipped, not failed.
	Refund(ctx context.Context, req RefundRequest) RefundResult

	CreateHold(ctx context.Context, req HoldRequest) (*CreditHold, error)
	ReleaseHold(ctx context.Context, workspaceID, holdID snowflake.ID) error

	// SweepExpiredHolds deletes hold rows past their expiry and returns how
	// many were removed. Expired holds already stopped counting against
	// availability; this is garbage collection.
	SweepExpiredHolds(ctx context.Context) (int64, error)
}

// Error codes surfaced in structured results.
const (
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeNoDebitTransactions = "no_valid_debit_transactions"
	ErrCodeCrossWorkspace      = "multiple_workspaces"
	ErrCodeInternal            = "internal_error"
)

var (
	ErrInvalidWorkspace    = errors.New("invalid_workspace")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCategory     = errors.New("invalid_category")
	ErrInvalidReason       = errors.New("invalid_reason")
	ErrInvalidTTL          = errors.New("invalid_ttl")
	ErrNotFound            = errors.New("workspace_credits_not_found")
	ErrHoldNotFound        = errors.New("hold_not_found")
	ErrRolloverCapReached  = errors.New("rollover_cap_reached")
	ErrAllocationExhausted = errors.New("allocation_exhausted")
)
