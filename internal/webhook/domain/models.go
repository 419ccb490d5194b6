// Package domain holds the webhook idempotency records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ProcessedRequest records one externally-delivered request identifier
// against its owning entity. The unique index is the idempotency barrier: a
// replayed delivery fails the insert and is acknowledged without effect.
type ProcessedRequest struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	EntityID  snowflake.ID `gorm:"not null;uniqueIndex:ux_processed_requests_entity_request,priority:1"`
	RequestID string       `gorm:"type:text;not null;uniqueIndex:ux_processed_requests_entity_request,priority:2"`
	CreatedAt time.Time    `gorm:"not null;index;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProcessedRequest) TableName() string { return "processed_webhook_requests" }
