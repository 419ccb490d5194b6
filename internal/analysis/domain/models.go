// Package domain defines the analysis pipeline contracts.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
)

// Tier selects the analysis depth and the credit currency it debits.
type Tier string

const (
	TierReport Tier = "report"
	TierFull   Tier = "full"
)

type Request struct {
	WorkspaceID     snowflake.ID
	CaseID          snowflake.ID
	DocumentHashes  []string
	ProcessCount    int
	Tier            Tier
	ModelVersion    string
	PromptSignature string
	// LastMovementAt is the caller's view of the newest external movement.
	// When nil and CaseID is set, the recorded case movement is used.
	LastMovementAt *time.Time
}

type Outcome string

const (
	OutcomeCached       Outcome = "cached"
	OutcomeComputed     Outcome = "computed"
	OutcomeContended    Outcome = "contended"
	OutcomeInsufficient Outcome = "insufficient_credits"
	OutcomeFailed       Outcome = "failed"
)

type Result struct {
	Outcome    Outcome                  `json:"outcome"`
	Data       json.RawMessage          `json:"data,omitempty"`
	CacheKey   string                   `json:"cache_key,omitempty"`
	CacheAge   time.Duration            `json:"cache_age,omitempty"`
	Cost       creditdomain.Amount      `json:"cost"`
	RetryAfter time.Duration            `json:"retry_after,omitempty"`
	Shortfalls []creditdomain.Shortfall `json:"shortfalls,omitempty"`
}

// CaseMovement tracks the newest externally-reported movement per case. The
// webhook intake advances it; cache lookups read it to detect staleness.
type CaseMovement struct {
	CaseID         snowflake.ID `gorm:"primaryKey"`
	WorkspaceID    snowflake.ID `gorm:"not null;index"`
	LastMovementAt time.Time    `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CaseMovement) TableName() string { return "case_movements" }
