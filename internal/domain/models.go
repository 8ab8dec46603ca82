// Package domain defines the persistence models for stores (tenants), the
// mirrored product catalog, and per-customer conversation sessions. These
// types are mapped with GORM and form the core data layer of the
// conversational storefront backend.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session states for the per-customer conversation state machine.
// Every state can return to StateBrowsing or StateIdle on an explicit
// command; there is no terminal state.
const (
	StateIdle        = "idle"
	StateBrowsing    = "browsing"
	StateViewingItem = "viewing_item"
	StateCheckout    = "checkout"
)

// Catalog item lifecycle statuses as mirrored from the commerce provider.
const (
	ItemStatusActive   = "active"
	ItemStatusArchived = "archived"
)

// Sync cursor statuses for a tenant's catalog mirror.
const (
	SyncPending   = "pending"
	SyncRunning   = "syncing"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// Store represents one merchant (tenant) using the system. It holds the
// commerce-provider credential and the messaging-channel binding used to
// demultiplex inbound webhook traffic to a tenant.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - StoreURL: the merchant's shop domain; unique, used for outbound calls.
//   - AccessToken: commerce API credential; rotated in place, never logged.
//   - ChannelPhoneID: provider-assigned routing identifier for the chat
//     channel. Unique across all tenants once bound — it is the
//     demultiplexing key. Empty until channel binding, and the uniqueness
//     is partial so any number of unbound tenants can coexist.
//   - ChannelEnabled: soft-disable flag. Stores are never hard-deleted
//     while the channel is enabled.
//   - WelcomeMessage: per-tenant greeting shown on first contact.
type Store struct {
	ID          string `json:"id"         gorm:"type:char(36);primaryKey"`
	StoreURL    string `json:"store_url"  gorm:"type:varchar(255);not null;uniqueIndex"`
	AccessToken string `json:"-"          gorm:"type:varchar(255);not null"`
	ShopName    string `json:"shop_name"  gorm:"type:varchar(255);not null"`

	ChannelPhoneID     string `json:"channel_phone_id" gorm:"type:varchar(64);uniqueIndex:ux_stores_channel_phone,where:channel_phone_id <> ''"`
	ChannelToken       string `json:"-"                gorm:"type:varchar(255)"`
	ChannelVerifyToken string `json:"-"                gorm:"type:varchar(255)"`
	ChannelEnabled     bool   `json:"channel_enabled"  gorm:"not null;default:false"`

	WelcomeMessage string `json:"welcome_message" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Store.
func (Store) TableName() string { return "stores" }

// CatalogItem is one sellable product mirrored from the remote catalog.
// Items are created and updated exclusively by the sync engine; the
// conversation engine only reads them. (StoreID, UpstreamID) is unique.
//
// Revision is the provider's opaque, monotonically comparable change marker.
// Updates are applied last-writer-wins by revision, not by receipt time, so
// out-of-order webhook redelivery cannot regress the mirror.
type CatalogItem struct {
	ID          string `json:"id"          gorm:"type:char(36);primaryKey"`
	StoreID     string `json:"store_id"    gorm:"type:char(36);not null;uniqueIndex:ux_store_upstream,priority:1;index"`
	UpstreamID  string `json:"upstream_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_store_upstream,priority:2"`
	Title       string `json:"title"       gorm:"type:varchar(255);not null"`
	Description string `json:"description" gorm:"type:text"`
	Status      string `json:"status"      gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','archived')"`
	Revision    string `json:"revision"    gorm:"type:varchar(64);not null;default:''"`

	LastSyncedAt time.Time `json:"last_synced_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Variants and Images are cascade-deleted with their item.
	Variants []ProductVariant `json:"variants" gorm:"foreignKey:ItemID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Images   []ProductImage   `json:"images"   gorm:"foreignKey:ItemID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for CatalogItem.
func (CatalogItem) TableName() string { return "catalog_items" }

// Sellable reports whether the item may be shown to a customer. An item with
// zero variants is mirrored but never offered.
func (i CatalogItem) Sellable() bool {
	return i.Status == ItemStatusActive && len(i.Variants) > 0
}

// DefaultVariant returns the variant customers buy when they do not pick one
// explicitly: the first by position. ok is false for variant-less items.
func (i CatalogItem) DefaultVariant() (ProductVariant, bool) {
	if len(i.Variants) == 0 {
		return ProductVariant{}, false
	}
	best := i.Variants[0]
	for _, v := range i.Variants[1:] {
		if v.Position < best.Position {
			best = v
		}
	}
	return best, true
}

// ProductVariant is one purchasable variation of a CatalogItem. Price is a
// fixed-point decimal; float arithmetic is never used for money.
type ProductVariant struct {
	ID         string `json:"id"          gorm:"type:char(36);primaryKey"`
	ItemID     string `json:"item_id"     gorm:"type:char(36);not null;index"`
	UpstreamID string `json:"upstream_id" gorm:"type:varchar(64);not null;index"`
	Title      string `json:"title"       gorm:"type:varchar(255)"`

	Price             decimal.Decimal `json:"price" gorm:"type:decimal(10,2);not null"`
	InventoryQuantity int             `json:"inventory_quantity" gorm:"not null;default:0"`
	Available         bool            `json:"available" gorm:"not null;default:true"`
	Position          int             `json:"position"  gorm:"not null;default:1"`
	Revision          string          `json:"revision"  gorm:"type:varchar(64);not null;default:''"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for ProductVariant.
func (ProductVariant) TableName() string { return "product_variants" }

// ProductImage is a CDN reference for a CatalogItem, ordered by position.
type ProductImage struct {
	ID       string `json:"id"       gorm:"type:char(36);primaryKey"`
	ItemID   string `json:"item_id"  gorm:"type:char(36);not null;index"`
	SrcURL   string `json:"src_url"  gorm:"type:varchar(2048);not null"`
	Position int    `json:"position" gorm:"not null;default:1"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for ProductImage.
func (ProductImage) TableName() string { return "product_images" }

// Session is the durable conversation record for one (store, customer
// address) pair. It is created lazily on the first inbound event from a new
// customer and mutated only by the conversation engine, which is serialized
// per key by the dispatcher.
//
// CartData holds the serialized cart (see cart.go). Cart lines denormalize
// unit price and title at add time so a later catalog change never rewrites
// what the customer saw — a deliberate consistency trade-off.
type Session struct {
	ID              string `json:"id"               gorm:"type:char(36);primaryKey"`
	StoreID         string `json:"store_id"         gorm:"type:char(36);not null;uniqueIndex:ux_store_customer,priority:1"`
	CustomerAddress string `json:"customer_address" gorm:"type:varchar(64);not null;uniqueIndex:ux_store_customer,priority:2"`
	State           string `json:"state"            gorm:"type:varchar(16);not null;default:'idle';check:state IN ('idle','browsing','viewing_item','checkout')"`
	CartData        string `json:"-"                gorm:"type:text;not null;default:'[]'"`

	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// SyncCursor tracks bulk-sync progress and the change-application watermark
// for one tenant's catalog mirror. PageToken is the provider's opaque
// pagination token, persisted so an interrupted bulk sync resumes instead of
// restarting. Watermark records the newest revision applied through the
// change path and makes redelivered notifications cheap to ignore.
type SyncCursor struct {
	ID        string `json:"id"       gorm:"type:char(36);primaryKey"`
	StoreID   string `json:"store_id" gorm:"type:char(36);not null;uniqueIndex"`
	PageToken string `json:"-"        gorm:"type:varchar(255)"`
	Watermark string `json:"watermark" gorm:"type:varchar(64)"`

	Status       string `json:"status" gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','syncing','completed','failed')"`
	TotalItems   int    `json:"total_items"  gorm:"not null;default:0"`
	SyncedItems  int    `json:"synced_items" gorm:"not null;default:0"`
	ErrorMessage string `json:"error_message,omitempty" gorm:"type:text"`

	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	LastHealthCheckAt *time.Time `json:"last_health_check_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName returns the database table name for SyncCursor.
func (SyncCursor) TableName() string { return "sync_cursors" }
