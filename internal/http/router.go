// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, webhook signature verification, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/commerce"
	"github.com/tbourn/go-shop-chat-backend/internal/config"
	"github.com/tbourn/go-shop-chat-backend/internal/dispatch"
	"github.com/tbourn/go-shop-chat-backend/internal/domain"
	"github.com/tbourn/go-shop-chat-backend/internal/http/handlers"
	"github.com/tbourn/go-shop-chat-backend/internal/http/middleware"
	"github.com/tbourn/go-shop-chat-backend/internal/messaging"
	"github.com/tbourn/go-shop-chat-backend/internal/repo"
	"github.com/tbourn/go-shop-chat-backend/internal/services"
)

// Deps bundles the process-wide collaborators the HTTP layer needs beyond the
// database handle: the per-key work queue, the messaging channel sender, the
// commerce client factory, and the application logger.
type Deps struct {
	Queue   *dispatch.Dispatcher
	Sender  messaging.Sender
	Clients commerce.Factory
	Log     zerolog.Logger
}

//
// Repo shims
//
// The shims adapt repository free functions to the narrow interfaces the
// services and handlers expect. This keeps services decoupled from the
// concrete repo package while reusing existing functions.

// syncCatalogShim adapts catalog repo functions to services.SyncCatalog.
type syncCatalogShim struct{}

func (syncCatalogShim) UpsertItem(ctx context.Context, db *gorm.DB, storeID string, item *domain.CatalogItem) (bool, error) {
	return repo.UpsertItem(ctx, db, storeID, item)
}

func (syncCatalogShim) ApplyVariantChange(ctx context.Context, db *gorm.DB, storeID string, change domain.ProductVariant) (bool, error) {
	return repo.ApplyVariantChange(ctx, db, storeID, change)
}

func (syncCatalogShim) DeleteItem(ctx context.Context, db *gorm.DB, storeID, upstreamID string) error {
	return repo.DeleteItem(ctx, db, storeID, upstreamID)
}

func (syncCatalogShim) CountItems(ctx context.Context, db *gorm.DB, storeID string) (int64, error) {
	return repo.CountItems(ctx, db, storeID)
}

func (syncCatalogShim) PurgeStore(ctx context.Context, db *gorm.DB, storeID string) error {
	return repo.DeleteStoreCatalog(ctx, db, storeID)
}

// syncCursorShim adapts cursor repo functions to services.SyncCursors.
type syncCursorShim struct{}

func (syncCursorShim) GetCursor(ctx context.Context, db *gorm.DB, storeID string) (*domain.SyncCursor, error) {
	return repo.GetCursor(ctx, db, storeID)
}

func (syncCursorShim) UpsertCursor(ctx context.Context, db *gorm.DB, storeID string, upd repo.CursorUpdate) error {
	return repo.UpsertCursor(ctx, db, storeID, upd)
}

func (syncCursorShim) AdvanceWatermark(ctx context.Context, db *gorm.DB, storeID, revision string) error {
	return repo.AdvanceWatermark(ctx, db, storeID, revision)
}

// sessionShim adapts session repo functions to services.ConversationSessions.
type sessionShim struct{}

func (sessionShim) GetOrCreateSession(ctx context.Context, db *gorm.DB, storeID, customerAddress string) (*domain.Session, error) {
	return repo.GetOrCreateSession(ctx, db, storeID, customerAddress)
}

func (sessionShim) SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return repo.SaveSession(ctx, db, s)
}

// catalogReadShim adapts catalog read functions to the conversation and
// checkout catalog interfaces.
type catalogReadShim struct{}

func (catalogReadShim) ListActiveItems(ctx context.Context, db *gorm.DB, storeID string, limit int) ([]domain.CatalogItem, error) {
	return repo.ListActiveItems(ctx, db, storeID, limit)
}

func (catalogReadShim) GetItemByUpstreamID(ctx context.Context, db *gorm.DB, storeID, upstreamID string) (*domain.CatalogItem, error) {
	return repo.GetItemByUpstreamID(ctx, db, storeID, upstreamID)
}

// storeDirectoryShim adapts store lookups to handlers.StoreDirectory.
// It binds the db handle because webhook demultiplexing happens before any
// service is involved.
type storeDirectoryShim struct{ db *gorm.DB }

func (s storeDirectoryShim) ByChannelPhoneID(ctx context.Context, phoneID string) (*domain.Store, error) {
	return repo.GetStoreByChannelPhoneID(ctx, s.db, phoneID)
}

func (s storeDirectoryShim) ByVerifyToken(ctx context.Context, token string) (*domain.Store, error) {
	return repo.GetStoreByVerifyToken(ctx, s.db, token)
}

func (s storeDirectoryShim) ByURL(ctx context.Context, storeURL string) (*domain.Store, error) {
	return repo.GetStoreByURL(ctx, s.db, storeURL)
}

// dedupShim adapts the processed-event ledger to handlers.EventDeduper with a
// fixed TTL window.
type dedupShim struct {
	db  *gorm.DB
	ttl time.Duration
}

func (d dedupShim) MarkProcessed(ctx context.Context, storeID, providerEventID, kind string) error {
	return repo.MarkEventProcessed(ctx, d.db, storeID, providerEventID, kind, d.ttl)
}

func (d dedupShim) Unmark(ctx context.Context, storeID, providerEventID string) error {
	return repo.UnmarkEvent(ctx, d.db, storeID, providerEventID)
}

// storeAdminShim adapts store repo functions to handlers.StoreAdmin.
type storeAdminShim struct{ db *gorm.DB }

func (s storeAdminShim) Create(ctx context.Context, storeURL, accessToken, shopName string) (*domain.Store, error) {
	return repo.CreateStore(ctx, s.db, storeURL, accessToken, shopName)
}

func (s storeAdminShim) Get(ctx context.Context, id string) (*domain.Store, error) {
	return repo.GetStore(ctx, s.db, id)
}

func (s storeAdminShim) Cursor(ctx context.Context, storeID string) (*domain.SyncCursor, error) {
	return repo.GetCursor(ctx, s.db, storeID)
}

func (s storeAdminShim) BindChannel(ctx context.Context, storeID string, cfg repo.ChannelConfig) error {
	return repo.UpdateChannelConfig(ctx, s.db, storeID, cfg)
}

func (s storeAdminShim) SetEnabled(ctx context.Context, storeID string, enabled bool) error {
	return repo.SetChannelEnabled(ctx, s.db, storeID, enabled)
}

func (s storeAdminShim) Items(ctx context.Context, storeID string, limit int) ([]domain.CatalogItem, error) {
	return repo.ListActiveItems(ctx, s.db, storeID, limit)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), webhook signature
// verification and rate limiting, CORS and security headers, health and
// metrics endpoints, and then mounts the webhook and versioned admin routes.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Webhook signature verifier (before rate limiter to allow bypass)
//  8. Rate limiter (per user/IP, bypass for signed deliveries)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction (customer addresses are phone
	//    numbers, so the built-in phone scrubbing matters here)
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Shopify-Access-Token",
			middleware.HeaderSignature,
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Webhook payload authentication (before rate limiting)
	r.Use(middleware.SignatureVerifier(
		middleware.SignatureOptions{MaxBody: 1 << 20},
		func(*gin.Context) string { return cfg.Channel.AppSecret },
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderSignature},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderSignature},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/clients
	syncSvc := services.NewSyncService(db, syncCatalogShim{}, syncCursorShim{}, deps.Clients, deps.Log)
	syncSvc.HealthDriftPct = cfg.Sync.HealthDriftPct

	checkoutSvc := services.NewCheckoutService(db, catalogReadShim{}, deps.Clients, deps.Log)
	checkoutSvc.PermalinkEnabled = cfg.Checkout.PermalinkEnabled
	checkoutSvc.DraftTimeout = cfg.Checkout.DraftTimeout

	convSvc := services.NewConversationService(db, sessionShim{}, catalogReadShim{}, checkoutSvc, deps.Log)

	wh := handlers.NewWebhookHandlers(
		storeDirectoryShim{db: db},
		convSvc,
		syncSvc,
		dedupShim{db: db, ttl: cfg.Sync.EventTTL},
		deps.Queue,
		deps.Sender,
		deps.Log,
	)
	sh := handlers.NewStoreHandlers(storeAdminShim{db: db}, syncSvc, deps.Queue, deps.Log)

	// Provider callbacks
	r.GET("/webhook/chat", wh.VerifyChat)
	r.POST("/webhook/chat", wh.ReceiveChat)
	r.POST("/webhook/catalog", wh.ReceiveCatalogChange)

	// Admin API (catalog listings compress well; webhooks stay uncompressed)
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.POST("/stores", sh.CreateStore)
		api.POST("/stores/:id/sync", sh.TriggerSync)
		api.GET("/stores/:id/sync", sh.SyncStatus)
		api.GET("/stores/:id/items", sh.ListCatalogItems)
		api.PUT("/stores/:id/channel", sh.UpdateChannel)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
