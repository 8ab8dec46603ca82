// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file manages the per-tenant sync cursor: bulk-sync
// progress, the opaque pagination token, and the change-application
// watermark.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
)

// GetCursor returns the sync cursor for a tenant, or ErrNotFound when the
// tenant has never been synced.
func GetCursor(ctx context.Context, db *gorm.DB, storeID string) (*domain.SyncCursor, error) {
	var c domain.SyncCursor
	if err := db.WithContext(ctx).Where("store_id = ?", storeID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CursorUpdate carries the mutable slice of a sync cursor. Nil fields are
// left untouched so progress ticks do not clobber the watermark and vice
// versa.
type CursorUpdate struct {
	Status       *string
	PageToken    *string
	Watermark    *string
	TotalItems   *int
	SyncedItems  *int
	ErrorMessage *string
	TouchSync    bool
	TouchHealth  bool
}

// UpsertCursor creates or updates the tenant's cursor row.
func UpsertCursor(ctx context.Context, db *gorm.DB, storeID string, upd CursorUpdate) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c domain.SyncCursor
		err := tx.Where("store_id = ?", storeID).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c = domain.SyncCursor{
				ID:        uuid.NewString(),
				StoreID:   storeID,
				Status:    domain.SyncPending,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		updates := map[string]any{}
		if upd.Status != nil {
			updates["status"] = *upd.Status
		}
		if upd.PageToken != nil {
			updates["page_token"] = *upd.PageToken
		}
		if upd.Watermark != nil {
			updates["watermark"] = *upd.Watermark
		}
		if upd.TotalItems != nil {
			updates["total_items"] = *upd.TotalItems
		}
		if upd.SyncedItems != nil {
			updates["synced_items"] = *upd.SyncedItems
		}
		if upd.ErrorMessage != nil {
			updates["error_message"] = *upd.ErrorMessage
		}
		now := time.Now().UTC()
		if upd.TouchSync {
			updates["last_sync_at"] = now
		}
		if upd.TouchHealth {
			updates["last_health_check_at"] = now
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&domain.SyncCursor{}).Where("id = ?", c.ID).Updates(updates).Error
	})
}

// AdvanceWatermark moves the change-application watermark forward, never
// backward. Revision comparison happens here so callers can report every
// applied change without ordering concerns.
func AdvanceWatermark(ctx context.Context, db *gorm.DB, storeID, revision string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c domain.SyncCursor
		err := tx.Where("store_id = ?", storeID).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UpsertCursor(ctx, tx, storeID, CursorUpdate{Watermark: &revision})
		}
		if err != nil {
			return err
		}
		if !domain.RevisionNewerOrEqual(revision, c.Watermark) {
			return nil
		}
		return tx.Model(&domain.SyncCursor{}).
			Where("id = ?", c.ID).
			Update("watermark", revision).Error
	})
}
