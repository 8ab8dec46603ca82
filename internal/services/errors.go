// Package services defines the business logic for catalog sync, customer
// conversations, and checkout. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

var (
	// ErrStoreNotFound indicates that the referenced tenant does not exist.
	ErrStoreNotFound = errors.New("store not found")

	// ErrChannelDisabled is returned when an operation targets a tenant whose
	// chat channel has been soft-disabled.
	ErrChannelDisabled = errors.New("channel disabled for store")

	// ErrMissingCredential is returned when a tenant has no usable commerce
	// credential. The tenant is skipped; others are unaffected.
	ErrMissingCredential = errors.New("store has no commerce credential")

	// ErrSyncInProgress is returned when a bulk sync is requested while one
	// is already running for the same tenant.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrItemUnavailable indicates that a referenced catalog item or variant
	// is no longer present in the mirror.
	ErrItemUnavailable = errors.New("item no longer available")

	// ErrEmptyCart is returned when checkout is requested on an empty cart.
	ErrEmptyCart = errors.New("cart is empty")
)
