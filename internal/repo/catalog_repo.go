// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the mirrored
// catalog: items, variants, and images.
//
// Write semantics follow the sync engine's contract:
//   - UpsertItem applies last-writer-wins by provider revision, so replaying
//     the same notification or receiving two notifications out of order
//     converges to the newest state regardless of arrival order.
//   - DeleteItem cascades to variants and images in one transaction.
//   - The conversation engine only ever reads through GetItemByUpstreamID /
//     ListActiveItems; all catalog mutation flows through the sync engine.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
)

// UpsertItem inserts or replaces a mirrored catalog item together with its
// variant and image sets. The incoming item carries upstream identifiers and
// a revision marker; row IDs are assigned here.
//
// The write is skipped (applied=false, no error) when a stored row already
// carries a newer revision. Re-applying the same revision is allowed and
// converges to an identical row, which keeps redelivery idempotent.
func UpsertItem(ctx context.Context, db *gorm.DB, storeID string, item *domain.CatalogItem) (applied bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.CatalogItem
		findErr := tx.Where("store_id = ? AND upstream_id = ?", storeID, item.UpstreamID).
			First(&existing).Error

		now := time.Now().UTC()
		switch {
		case findErr == nil:
			if !domain.RevisionNewerOrEqual(item.Revision, existing.Revision) {
				return nil // stale notification; newer state already mirrored
			}
			applied = true
			updates := map[string]any{
				"title":          item.Title,
				"description":    item.Description,
				"status":         item.Status,
				"revision":       item.Revision,
				"last_synced_at": now,
			}
			if err := tx.Model(&domain.CatalogItem{}).
				Where("id = ?", existing.ID).
				Updates(updates).Error; err != nil {
				return err
			}
			item.ID = existing.ID
		case findErr == gorm.ErrRecordNotFound:
			applied = true
			item.ID = uuid.NewString()
			item.StoreID = storeID
			item.LastSyncedAt = now
			row := *item
			row.Variants = nil
			row.Images = nil
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		default:
			return findErr
		}

		// Replace the dependent sets wholesale; the provider payload is the
		// complete current state, not a diff.
		if err := tx.Where("item_id = ?", item.ID).Delete(&domain.ProductVariant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("item_id = ?", item.ID).Delete(&domain.ProductImage{}).Error; err != nil {
			return err
		}
		for i := range item.Variants {
			v := &item.Variants[i]
			v.ID = uuid.NewString()
			v.ItemID = item.ID
			if err := tx.Create(v).Error; err != nil {
				return err
			}
		}
		for i := range item.Images {
			img := &item.Images[i]
			img.ID = uuid.NewString()
			img.ItemID = item.ID
			if err := tx.Create(img).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ApplyVariantChange updates price/stock fields of a single variant,
// identified by its upstream id, guarded by revision comparison. Returns
// applied=false when the variant is unknown or the stored revision is newer.
func ApplyVariantChange(ctx context.Context, db *gorm.DB, storeID string, change domain.ProductVariant) (applied bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.ProductVariant
		findErr := tx.
			Joins("JOIN catalog_items ON catalog_items.id = product_variants.item_id").
			Where("catalog_items.store_id = ? AND product_variants.upstream_id = ?", storeID, change.UpstreamID).
			First(&existing).Error
		if findErr == gorm.ErrRecordNotFound {
			return nil
		}
		if findErr != nil {
			return findErr
		}
		if !domain.RevisionNewerOrEqual(change.Revision, existing.Revision) {
			return nil
		}
		applied = true
		return tx.Model(&domain.ProductVariant{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"price":              change.Price,
				"inventory_quantity": change.InventoryQuantity,
				"available":          change.Available,
				"revision":           change.Revision,
			}).Error
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// DeleteItem removes a mirrored item and cascades to its variants and
// images. Deleting an item that is not mirrored is a no-op, which keeps
// redelivered "removed" notifications harmless.
func DeleteItem(ctx context.Context, db *gorm.DB, storeID, upstreamID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.CatalogItem
		err := tx.Where("store_id = ? AND upstream_id = ?", storeID, upstreamID).
			First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("item_id = ?", existing.ID).Delete(&domain.ProductVariant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("item_id = ?", existing.ID).Delete(&domain.ProductImage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.CatalogItem{}, "id = ?", existing.ID).Error
	})
}

// DeleteStoreCatalog removes every mirrored item for a tenant, along with
// its sync cursor. Used on tenant deactivation; a later reactivation syncs
// from scratch.
func DeleteStoreCatalog(ctx context.Context, db *gorm.DB, storeID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&domain.CatalogItem{}).Select("id").Where("store_id = ?", storeID)
		if err := tx.Where("item_id IN (?)", sub).Delete(&domain.ProductVariant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("item_id IN (?)", sub).Delete(&domain.ProductImage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("store_id = ?", storeID).Delete(&domain.CatalogItem{}).Error; err != nil {
			return err
		}
		return tx.Where("store_id = ?", storeID).Delete(&domain.SyncCursor{}).Error
	})
}

// GetItemByUpstreamID fetches one mirrored item with its variants and
// images, or ErrNotFound.
func GetItemByUpstreamID(ctx context.Context, db *gorm.DB, storeID, upstreamID string) (*domain.CatalogItem, error) {
	var item domain.CatalogItem
	err := db.WithContext(ctx).
		Preload("Variants", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Preload("Images", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("store_id = ? AND upstream_id = ?", storeID, upstreamID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListActiveItems returns sellable items for a tenant, ordered by title.
// Items with zero variants are excluded — they are mirrored but never shown
// to a customer.
func ListActiveItems(ctx context.Context, db *gorm.DB, storeID string, limit int) ([]domain.CatalogItem, error) {
	var out []domain.CatalogItem
	q := db.WithContext(ctx).
		Preload("Variants", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("store_id = ? AND status = ?", storeID, domain.ItemStatusActive).
		Where("id IN (?)", db.Model(&domain.ProductVariant{}).Select("item_id")).
		Order("title ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountItems returns the number of mirrored items for a tenant, used by the
// sync health check to compare against the remote count.
func CountItems(ctx context.Context, db *gorm.DB, storeID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CatalogItem{}).
		Where("store_id = ?", storeID).
		Count(&total).Error
	return total, err
}
