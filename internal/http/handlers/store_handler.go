// Store administration HTTP handlers.
//
// This file exposes REST endpoints for tenant lifecycle and catalog sync:
//   - POST /api/v1/stores               (activate tenant, schedule first sync)
//   - POST /api/v1/stores/{id}/sync     (manual re-sync)
//   - GET  /api/v1/stores/{id}/sync     (cursor/progress, optional health)
//   - PUT  /api/v1/stores/{id}/channel  (messaging channel binding)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Bulk syncs run asynchronously on
// a per-store queue so the API responds immediately.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
	"github.com/tbourn/go-shop-chat-backend/internal/repo"
	"github.com/tbourn/go-shop-chat-backend/internal/services"
	"github.com/tbourn/go-shop-chat-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// StoreAdmin defines tenant persistence operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type StoreAdmin interface {
	// Create registers a new tenant with its commerce credential.
	Create(ctx context.Context, storeURL, accessToken, shopName string) (*domain.Store, error)
	// Get fetches a tenant by id.
	Get(ctx context.Context, id string) (*domain.Store, error)
	// Cursor returns the sync cursor for a tenant, or nil before first sync.
	Cursor(ctx context.Context, storeID string) (*domain.SyncCursor, error)
	// BindChannel binds (or rebinds) the messaging channel and enables it.
	BindChannel(ctx context.Context, storeID string, cfg repo.ChannelConfig) error
	// SetEnabled flips the channel soft-enable flag.
	SetEnabled(ctx context.Context, storeID string, enabled bool) error
	// Items lists active catalog items from the local mirror.
	Items(ctx context.Context, storeID string, limit int) ([]domain.CatalogItem, error)
}

// SyncRunner defines the catalog sync operations consumed by HTTP handlers.
type SyncRunner interface {
	// BulkSync mirrors the complete upstream catalog for a tenant.
	BulkSync(ctx context.Context, store *domain.Store) error
	// HealthCheck compares mirror and upstream item counts.
	HealthCheck(ctx context.Context, store *domain.Store) (*services.HealthReport, error)
	// Deactivate cancels any in-flight sync and removes the tenant's mirror.
	Deactivate(ctx context.Context, store *domain.Store) error
}

//
// Handler wiring
//

// StoreHandlers groups the tenant administration endpoints.
type StoreHandlers struct {
	admin StoreAdmin
	sync  SyncRunner
	queue Enqueuer
	log   zerolog.Logger
}

// NewStoreHandlers constructs a StoreHandlers bound to the given services.
func NewStoreHandlers(admin StoreAdmin, sync SyncRunner, queue Enqueuer, log zerolog.Logger) *StoreHandlers {
	return &StoreHandlers{admin: admin, sync: sync, queue: queue, log: log}
}

//
// DTOs
//

// CreateStoreRequest is the JSON payload for activating a tenant.
type CreateStoreRequest struct {
	// StoreURL is the shop domain, e.g. "demo.myshopify.com".
	StoreURL string `json:"store_url" binding:"required,min=4,max=255"`
	// AccessToken is the commerce API credential for the shop.
	AccessToken string `json:"access_token" binding:"required,min=8"`
	// ShopName is the display name used in customer-facing messages.
	ShopName string `json:"shop_name" binding:"required,min=1,max=255"`
}

// UpdateChannelRequest is the JSON payload for binding a messaging channel.
type UpdateChannelRequest struct {
	// PhoneID is the channel routing identifier (unique across tenants).
	PhoneID string `json:"phone_id" binding:"required,min=1,max=64"`
	// Token is the channel API credential.
	Token string `json:"token" binding:"required,min=8"`
	// VerifyToken is matched during the webhook verification handshake.
	VerifyToken string `json:"verify_token" binding:"required,min=8"`
	// WelcomeMessage optionally overrides the default greeting.
	WelcomeMessage string `json:"welcome_message" binding:"max=1024"`
	// Enabled soft-disables the channel when explicitly false.
	Enabled *bool `json:"enabled,omitempty"`
}

// SyncStatusResponse reports sync cursor state and, when requested, a
// mirror health report.
type SyncStatusResponse struct {
	StoreID     string                 `json:"store_id"`
	Status      string                 `json:"status"`
	TotalItems  int                    `json:"total_items"`
	SyncedItems int                    `json:"synced_items"`
	Watermark   string                 `json:"watermark,omitempty"`
	Error       string                 `json:"error,omitempty"`
	LastSyncAt  string                 `json:"last_sync_at,omitempty"`
	Health      *services.HealthReport `json:"health,omitempty"`
}

//
// Handlers
//

// CreateStore activates a tenant and schedules its first bulk sync.
func (h *StoreHandlers) CreateStore(c *gin.Context) {
	var req CreateStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	storeURL := strings.ToLower(strings.TrimSpace(req.StoreURL))
	store, err := h.admin.Create(c.Request.Context(), storeURL, req.AccessToken, strings.TrimSpace(req.ShopName))
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			fail(c, http.StatusConflict, ErrCodeConflict, "store already registered")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}

	h.scheduleSync(store)
	ok(c, http.StatusCreated, store)
}

// TriggerSync schedules a manual catalog re-sync for a tenant.
func (h *StoreHandlers) TriggerSync(c *gin.Context) {
	store, okStore := h.storeFromPath(c)
	if !okStore {
		return
	}

	cur, err := h.admin.Cursor(c.Request.Context(), store.ID)
	if err == nil && cur != nil && cur.Status == domain.SyncRunning {
		fail(c, http.StatusConflict, ErrCodeSyncInProgress, "a catalog sync is already running for this store")
		return
	}

	h.scheduleSync(store)
	ok(c, http.StatusAccepted, gin.H{"status": "scheduled", "store_id": store.ID})
}

// SyncStatus reports the sync cursor for a tenant. Pass ?health=true to also
// run a live mirror health check against the upstream catalog.
func (h *StoreHandlers) SyncStatus(c *gin.Context) {
	store, okStore := h.storeFromPath(c)
	if !okStore {
		return
	}
	ctx := c.Request.Context()

	resp := SyncStatusResponse{StoreID: store.ID, Status: domain.SyncPending}
	if cur, err := h.admin.Cursor(ctx, store.ID); err == nil && cur != nil {
		resp.Status = cur.Status
		resp.TotalItems = cur.TotalItems
		resp.SyncedItems = cur.SyncedItems
		resp.Watermark = cur.Watermark
		resp.Error = cur.ErrorMessage
		if cur.LastSyncAt != nil {
			resp.LastSyncAt = cur.LastSyncAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
	}

	if c.Query("health") == "true" {
		report, err := h.sync.HealthCheck(ctx, store)
		if err != nil {
			fail(c, http.StatusBadGateway, ErrCodeSyncFailed, "health check against upstream failed")
			return
		}
		resp.Health = report
	}

	ok(c, http.StatusOK, resp)
}

// UpdateChannel binds the messaging channel credentials for a tenant.
// Setting "enabled": false soft-disables the channel instead.
func (h *StoreHandlers) UpdateChannel(c *gin.Context) {
	store, okStore := h.storeFromPath(c)
	if !okStore {
		return
	}
	ctx := c.Request.Context()

	var req UpdateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if req.Enabled != nil && !*req.Enabled {
		if err := h.admin.SetEnabled(ctx, store.ID, false); err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not disable channel")
			return
		}
		// Disabling also tears down sync state: any running bulk sync is
		// cancelled and the catalog mirror is dropped.
		if err := h.sync.Deactivate(ctx, store); err != nil {
			h.log.Error().Err(err).Str("store_id", store.ID).Msg("tenant deactivation incomplete")
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not deactivate tenant")
			return
		}
		noContent(c)
		return
	}

	cfg := repo.ChannelConfig{
		PhoneID:        strings.TrimSpace(req.PhoneID),
		Token:          req.Token,
		VerifyToken:    req.VerifyToken,
		WelcomeMessage: strings.TrimSpace(req.WelcomeMessage),
	}
	if err := h.admin.BindChannel(ctx, store.ID, cfg); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "store not found")
			return
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			fail(c, http.StatusConflict, ErrCodeConflict, "channel routing id already bound")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not update channel")
		return
	}
	noContent(c)
}

// ListCatalogItems returns a page of the store's mirrored catalog. The
// ?limit= query parameter caps the page size (default 20, max 100).
func (h *StoreHandlers) ListCatalogItems(c *gin.Context) {
	store, okStore := h.storeFromPath(c)
	if !okStore {
		return
	}

	limit := utils.AtoiDefault(c.Query("limit"), 20)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	items, err := h.admin.Items(c.Request.Context(), store.ID, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not list catalog items")
		return
	}
	ok(c, http.StatusOK, gin.H{"store_id": store.ID, "items": items})
}

//
// Helpers
//

// storeFromPath validates the :id path parameter and loads the store.
// On failure it writes the error response and returns okStore=false.
func (h *StoreHandlers) storeFromPath(c *gin.Context) (store *domain.Store, okStore bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "store id must be a UUID")
		return nil, false
	}
	store, err := h.admin.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "store not found")
		return nil, false
	}
	return store, true
}

// scheduleSync puts a bulk sync on the per-store queue. Sync work is keyed
// by store only, so repeated triggers serialize instead of overlapping; the
// service-level running guard catches races across processes.
func (h *StoreHandlers) scheduleSync(store *domain.Store) {
	err := h.queue.Enqueue("sync:"+store.ID, func(ctx context.Context) {
		if err := h.sync.BulkSync(ctx, store); err != nil {
			if errors.Is(err, services.ErrSyncInProgress) {
				return
			}
			h.log.Error().Err(err).Str("store_id", store.ID).Msg("bulk sync failed")
		}
	})
	if err != nil {
		h.log.Error().Err(err).Str("store_id", store.ID).Msg("could not schedule sync")
	}
}
