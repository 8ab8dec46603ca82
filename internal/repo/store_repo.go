// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Store
// (tenant) model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a store is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateStore inserts a new Store row with the given commerce credential.
// The channel binding starts disabled; it is configured separately via
// UpdateChannelConfig.
func CreateStore(ctx context.Context, db *gorm.DB, storeURL, accessToken, shopName string) (*domain.Store, error) {
	s := &domain.Store{
		ID:          uuid.NewString(),
		StoreURL:    storeURL,
		AccessToken: accessToken,
		ShopName:    shopName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetStore fetches a store by primary key.
func GetStore(ctx context.Context, db *gorm.DB, id string) (*domain.Store, error) {
	var s domain.Store
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStoreByURL fetches a store by its shop domain.
func GetStoreByURL(ctx context.Context, db *gorm.DB, storeURL string) (*domain.Store, error) {
	var s domain.Store
	if err := db.WithContext(ctx).Where("store_url = ?", storeURL).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStoreByChannelPhoneID resolves the tenant that owns a channel routing
// identifier. This is the demultiplexing lookup on the inbound webhook path;
// the routing identifier is unique across all tenants.
func GetStoreByChannelPhoneID(ctx context.Context, db *gorm.DB, phoneID string) (*domain.Store, error) {
	// Unbound stores carry an empty routing id; never resolve to one.
	if phoneID == "" {
		return nil, ErrNotFound
	}
	var s domain.Store
	if err := db.WithContext(ctx).Where("channel_phone_id = ?", phoneID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStoreByVerifyToken resolves the tenant whose channel subscription uses
// the given verify token. Used by the webhook verification handshake.
func GetStoreByVerifyToken(ctx context.Context, db *gorm.DB, token string) (*domain.Store, error) {
	var s domain.Store
	if err := db.WithContext(ctx).Where("channel_verify_token = ?", token).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ChannelConfig carries the messaging-channel binding for a tenant.
type ChannelConfig struct {
	PhoneID        string
	Token          string
	VerifyToken    string
	WelcomeMessage string
}

// UpdateChannelConfig binds (or rebinds) the messaging channel for a store
// and enables it. An empty WelcomeMessage keeps the stored one. Returns
// ErrNotFound when the store does not exist.
func UpdateChannelConfig(ctx context.Context, db *gorm.DB, storeID string, cfg ChannelConfig) error {
	updates := map[string]any{
		"channel_phone_id":     cfg.PhoneID,
		"channel_token":        cfg.Token,
		"channel_verify_token": cfg.VerifyToken,
		"channel_enabled":      true,
	}
	if cfg.WelcomeMessage != "" {
		updates["welcome_message"] = cfg.WelcomeMessage
	}
	res := db.WithContext(ctx).
		Model(&domain.Store{}).
		Where("id = ?", storeID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetChannelEnabled soft-enables or soft-disables the channel for a store.
// Stores are never hard-deleted while the channel is enabled; deactivation
// is always this flag flip.
func SetChannelEnabled(ctx context.Context, db *gorm.DB, storeID string, enabled bool) error {
	res := db.WithContext(ctx).
		Model(&domain.Store{}).
		Where("id = ?", storeID).
		Update("channel_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RotateAccessToken replaces the commerce credential for a store.
func RotateAccessToken(ctx context.Context, db *gorm.DB, storeID, token string) error {
	res := db.WithContext(ctx).
		Model(&domain.Store{}).
		Where("id = ?", storeID).
		Update("access_token", token)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
