// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for per-customer
// conversation sessions.
//
// Sessions are created lazily on first contact and mutated by the
// conversation engine only. The dispatcher serializes units of work per
// (store, customer) key, so each update here can be a plain atomic
// single-row write without optimistic locking.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
)

// GetOrCreateSession returns the session for (storeID, customerAddress),
// creating an idle one with an empty cart on first contact.
func GetOrCreateSession(ctx context.Context, db *gorm.DB, storeID, customerAddress string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).
		Where("store_id = ? AND customer_address = ?", storeID, customerAddress).
		First(&s).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	s = domain.Session{
		ID:              uuid.NewString(),
		StoreID:         storeID,
		CustomerAddress: customerAddress,
		State:           domain.StateIdle,
		CartData:        "[]",
		LastActivityAt:  time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&s).Error; err != nil {
		// Lost a create race with a concurrent first message; re-read.
		var again domain.Session
		if err2 := db.WithContext(ctx).
			Where("store_id = ? AND customer_address = ?", storeID, customerAddress).
			First(&again).Error; err2 == nil {
			return &again, nil
		}
		return nil, err
	}
	return &s, nil
}

// SaveSession persists the current state, cart, and activity timestamp in a
// single atomic row update. Returns ErrNotFound when the session vanished.
func SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{
			"state":            s.State,
			"cart_data":        s.CartData,
			"last_activity_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateSessionState changes only the conversational state.
func UpdateSessionState(ctx context.Context, db *gorm.DB, sessionID, state string) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"state":            state,
			"last_activity_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
