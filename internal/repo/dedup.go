// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// ProcessedEvent model used to deduplicate redelivered webhooks.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
)

// ErrDuplicate indicates that a provider event id was already processed for
// the given tenant within its retention window.
var ErrDuplicate = errors.New("duplicate")

// MarkEventProcessed records (storeID, providerEventID) and returns
// ErrDuplicate if the pair already exists. The caller inserts before
// executing the unit of work, so a redelivered event produces exactly zero
// additional state transitions and outbound directives.
func MarkEventProcessed(ctx context.Context, db *gorm.DB, storeID, providerEventID, kind string, ttl time.Duration) error {
	now := time.Now().UTC()

	// Retention sweep piggybacks on inserts: expired rows must not block
	// reprocessing, and the ledger stays bounded without a background job.
	if _, err := PurgeExpiredEvents(ctx, db, now); err != nil {
		return err
	}

	rec := &domain.ProcessedEvent{
		ID:              uuid.NewString(),
		StoreID:         storeID,
		ProviderEventID: providerEventID,
		Kind:            kind,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// UnmarkEvent removes a processed-event record so a redelivery is accepted
// again. Used when the unit of work could not be accepted after the record
// was already written (for example a full dispatch queue).
func UnmarkEvent(ctx context.Context, db *gorm.DB, storeID, providerEventID string) error {
	return db.WithContext(ctx).
		Where("store_id = ? AND provider_event_id = ?", storeID, providerEventID).
		Delete(&domain.ProcessedEvent{}).Error
}

// PurgeExpiredEvents deletes records whose retention window has passed and
// returns the number of rows removed. MarkEventProcessed runs it on every
// insert; dedup only promises a bounded recent-history window.
func PurgeExpiredEvents(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
