// Package domain contains the credit ledger persistence models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Amount is a credit quantity in hundredths of a credit, so the quarter and
// half report tiers stay exact integers.
type Amount int64

const (
	QuarterCredit Amount = 25
	HalfCredit    Amount = 50
	OneCredit     Amount = 100
)

// Credits returns the whole-credit value as a float for presentation.
func (a Amount) Credits() float64 { return float64(a) / 100 }

// FromCredits converts a decimal credit value to an Amount, truncating
// anything below a hundredth of a credit.
func FromCredits(v float64) Amount { return Amount(v * 100) }

// Category distinguishes the two credit currencies.
type Category string

const (
	CategoryReport Category = "report"
	CategoryFull   Category = "full"
)

// TransactionType is the direction of a ledger entry.
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
)

// AllocationType describes how a grant came to exist.
type AllocationType string

const (
	AllocationTypeMonthly AllocationType = "monthly"
	AllocationTypeBonus   AllocationType = "bonus"
	AllocationTypePack    AllocationType = "pack"
)

// WorkspaceCredits is the cached balance snapshot per workspace. It is
// mutated only inside the atomic grant/debit/refund transactions; outside
// them it is read-only.
type WorkspaceCredits struct {
	WorkspaceID       snowflake.ID `gorm:"primaryKey"`
	ReportBalance     Amount       `gorm:"not null;default:0"`
	FullBalance       Amount       `gorm:"not null;default:0"`
	ReportRolloverCap Amount       `gorm:"not null;default:0"`
	FullRolloverCap   Amount       `gorm:"not null;default:0"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WorkspaceCredits) TableName() string { return "workspace_credits" }

// CreditAllocation is a single grant of credits. RemainingAmount is drawn
// down by debits, FIFO with soon-to-expire allocations first, and restored by
// refunds up to Amount. Rows are never deleted, only exhausted.
type CreditAllocation struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	WorkspaceID     snowflake.ID   `gorm:"not null;index"`
	Category        Category       `gorm:"type:text;not null;index"`
	Type            AllocationType `gorm:"type:text;not null"`
	Amount          Amount         `gorm:"not null"`
	RemainingAmount Amount         `gorm:"not null"`
	Source          string         `gorm:"type:text"`
	ExpiresAt       *time.Time     `gorm:"index"`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAllocation) TableName() string { return "credit_allocations" }

// CreditTransaction is an immutable ledger entry. Refunds never mutate the
// debit they compensate; they reference it through RefundsTransactionID, and
// the unique index on that column is what makes a second refund of the same
// debit impossible.
type CreditTransaction struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	WorkspaceID          snowflake.ID      `gorm:"not null;index"`
	AllocationID         *snowflake.ID     `gorm:"index"`
	Type                 TransactionType   `gorm:"type:text;not null"`
	Category             Category          `gorm:"type:text;not null"`
	Amount               Amount            `gorm:"not null"`
	Reason               string            `gorm:"type:text;not null"`
	Metadata             datatypes.JSONMap `gorm:"type:jsonb"`
	RefundsTransactionID *snowflake.ID     `gorm:"uniqueIndex:ux_credit_transactions_refunds"`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditHold is a provisional reservation that reduces the available balance
// without touching the committed one. Holds expire on their own; the sweeper
// only garbage-collects the rows.
type CreditHold struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	WorkspaceID    snowflake.ID `gorm:"not null;index"`
	ReservedReport Amount       `gorm:"not null;default:0"`
	ReservedFull   Amount       `gorm:"not null;default:0"`
	Reason         string       `gorm:"type:text"`
	ExpiresAt      time.Time    `gorm:"not null;index"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditHold) TableName() string { return "scheduled_credit_holds" }
