// Package domain defines the core persistence models for the application.
// This file holds the inbound-event deduplication record. Messaging and
// commerce providers redeliver webhooks; recording each provider event id
// within a bounded TTL window lets the dispatcher drop duplicates before
// any state transition or outbound directive is produced.
package domain

import "time"

// ProcessedEvent marks one provider event id as handled for a tenant.
// (StoreID, ProviderEventID) is unique; inserting a duplicate within the
// retention window fails the unique index, which the repo layer surfaces as
// ErrDuplicate. Expired rows are purged opportunistically.
type ProcessedEvent struct {
	ID              string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	StoreID         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_store_event,priority:1"`
	ProviderEventID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_store_event,priority:2"`
	Kind            string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt       time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt       time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedEvent) TableName() string { return "processed_events" }
