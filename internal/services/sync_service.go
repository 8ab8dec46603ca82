// Package services – SyncService
//
// This file implements the catalog sync engine. It mirrors the remote
// product catalog into the local store through two paths: a paginated bulk
// pull (initial sync, manual re-sync) and incremental change application
// driven by provider webhook notifications. Both paths converge through the
// repository's revision-guarded writes, so replays and out-of-order delivery
// cannot regress the mirror.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// store identifiers and progress counters.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-shop-chat-backend/internal/commerce"
	"github.com/tbourn/go-shop-chat-backend/internal/domain"
	"github.com/tbourn/go-shop-chat-backend/internal/repo"
	"github.com/tbourn/go-shop-chat-backend/internal/search"
)

// Change event shapes accepted by ApplyChange. Webhook payloads are parsed
// into this closed set at the HTTP boundary.
const (
	ChangeOpUpsert = "upsert"
	ChangeOpDelete = "delete"

	EntityItem    = "item"
	EntityVariant = "variant"
)

// ChangeEvent is one normalized catalog change notification. For item
// upserts the event is a hint: the engine re-fetches the entity from the
// provider rather than trusting webhook payloads, which may arrive stale or
// partial. Variant events carry their payload inline because the provider's
// inventory notifications include the full level.
type ChangeEvent struct {
	Kind       string // EntityItem or EntityVariant
	Op         string // ChangeOpUpsert or ChangeOpDelete
	UpstreamID string
	Revision   string

	// Variant payload, set only for Kind == EntityVariant upserts.
	Variant *commerce.Variant
	// ItemUpstreamID optionally names the variant's parent item so an
	// unmatched variant event can fall back to a full item re-fetch.
	ItemUpstreamID string
}

// HealthReport is the outcome of a sync health check.
type HealthReport struct {
	LocalCount  int64   `json:"local_count"`
	RemoteCount int     `json:"remote_count"`
	DriftPct    float64 `json:"drift_pct"`
	Healthy     bool    `json:"healthy"`
}

// SyncCatalog defines the repository contract required by SyncService for
// the mirrored catalog.
type SyncCatalog interface {
	// UpsertItem inserts or replaces a mirrored item, last-writer-wins by
	// revision. applied=false means a newer revision was already stored.
	UpsertItem(ctx context.Context, db *gorm.DB, storeID string, item *domain.CatalogItem) (bool, error)

	// ApplyVariantChange updates price/stock for one variant by upstream id.
	ApplyVariantChange(ctx context.Context, db *gorm.DB, storeID string, change domain.ProductVariant) (bool, error)

	// DeleteItem removes a mirrored item, cascading to variants and images.
	DeleteItem(ctx context.Context, db *gorm.DB, storeID, upstreamID string) error

	// CountItems returns the number of mirrored items for the tenant.
	CountItems(ctx context.Context, db *gorm.DB, storeID string) (int64, error)

	// PurgeStore removes the tenant's entire mirror, cursor included.
	PurgeStore(ctx context.Context, db *gorm.DB, storeID string) error
}

// SyncCursors defines the cursor persistence contract.
type SyncCursors interface {
	GetCursor(ctx context.Context, db *gorm.DB, storeID string) (*domain.SyncCursor, error)
	UpsertCursor(ctx context.Context, db *gorm.DB, storeID string, upd repo.CursorUpdate) error
	AdvanceWatermark(ctx context.Context, db *gorm.DB, storeID, revision string) error
}

// SyncService mirrors remote catalogs. One instance serves all tenants; the
// per-tenant commerce client is built from the store credential on demand.
type SyncService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Catalog is the mirrored-catalog repository.
	Catalog SyncCatalog
	// Cursors is the sync-cursor repository.
	Cursors SyncCursors
	// Clients builds a per-tenant commerce client.
	Clients commerce.Factory
	// Log receives drop/skip notices for malformed or stale events.
	Log zerolog.Logger

	// HealthDriftPct is the tolerated local/remote count drift before a
	// health check reports unhealthy. Zero means the 5% default.
	HealthDriftPct float64

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewSyncService constructs a SyncService with the default drift tolerance.
func NewSyncService(db *gorm.DB, catalog SyncCatalog, cursors SyncCursors, clients commerce.Factory, log zerolog.Logger) *SyncService {
	return &SyncService{
		DB:             db,
		Catalog:        catalog,
		Cursors:        cursors,
		Clients:        clients,
		Log:            log,
		HealthDriftPct: 5.0,
	}
}

// BulkSync pulls the tenant's entire remote catalog page by page, upserting
// every observed item. Items absent from the remote catalog are never
// deleted here; only explicit removal notifications delete.
//
// Progress is persisted to the sync cursor after every page, so an
// interrupted run resumes from its last page token instead of restarting.
// Cancellation via ctx stops between pages and is not a rollback: items
// already applied remain applied.
func (s *SyncService) BulkSync(ctx context.Context, store *domain.Store) error {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "BulkSync",
		trace.WithAttributes(attribute.String("store.id", store.ID)),
	)
	defer span.End()

	if store.AccessToken == "" {
		return ErrMissingCredential
	}

	pageToken := ""
	if cur, err := s.Cursors.GetCursor(ctx, s.DB, store.ID); err == nil {
		if cur.Status == domain.SyncRunning {
			return ErrSyncInProgress
		}
		// Resume an interrupted run from its last persisted token.
		if cur.Status == domain.SyncFailed {
			pageToken = cur.PageToken
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("read sync cursor: %w", err)
	}

	// Register the run so Deactivate can stop it between pages.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.inflight == nil {
		s.inflight = make(map[string]context.CancelFunc)
	}
	s.inflight[store.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, store.ID)
		s.mu.Unlock()
	}()

	client := s.Clients(store.StoreURL, store.AccessToken)

	total := 0
	if n, err := client.CountProducts(ctx); err == nil {
		total = n
	} else {
		s.Log.Warn().Err(err).Str("store_id", store.ID).Msg("remote count unavailable, progress total unknown")
	}

	running := domain.SyncRunning
	empty := ""
	if err := s.Cursors.UpsertCursor(ctx, s.DB, store.ID, repo.CursorUpdate{
		Status:       &running,
		TotalItems:   &total,
		ErrorMessage: &empty,
	}); err != nil {
		return fmt.Errorf("mark sync running: %w", err)
	}

	synced := 0
	for {
		if err := ctx.Err(); err != nil {
			return s.failSync(store.ID, err)
		}

		page, err := client.ListProducts(ctx, pageToken)
		if err != nil {
			return s.failSync(store.ID, fmt.Errorf("list products: %w", err))
		}

		for i := range page.Products {
			item := normalizeProduct(&page.Products[i])
			if _, err := s.Catalog.UpsertItem(ctx, s.DB, store.ID, item); err != nil {
				s.Log.Error().Err(err).
					Str("store_id", store.ID).
					Str("upstream_id", item.UpstreamID).
					Msg("item upsert failed, continuing")
				continue
			}
			synced++
		}

		pageToken = page.NextPageToken
		if err := s.Cursors.UpsertCursor(ctx, s.DB, store.ID, repo.CursorUpdate{
			SyncedItems: &synced,
			PageToken:   &pageToken,
		}); err != nil {
			return s.failSync(store.ID, fmt.Errorf("persist progress: %w", err))
		}
		if pageToken == "" {
			break
		}
	}

	span.SetAttributes(attribute.Int("sync.items", synced))
	syncRuns.WithLabelValues("completed").Inc()
	syncItems.Add(float64(synced))

	completed := domain.SyncCompleted
	return s.Cursors.UpsertCursor(ctx, s.DB, store.ID, repo.CursorUpdate{
		Status:      &completed,
		PageToken:   &empty,
		SyncedItems: &synced,
		TouchSync:   true,
	})
}

// Deactivate tears down the tenant's sync state: any in-flight bulk sync is
// cancelled (it stops at its next page boundary), then the mirrored catalog
// and sync cursor are removed. Conversation sessions are untouched.
func (s *SyncService) Deactivate(ctx context.Context, store *domain.Store) error {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "Deactivate",
		trace.WithAttributes(attribute.String("store.id", store.ID)),
	)
	defer span.End()

	s.mu.Lock()
	cancel := s.inflight[store.ID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := s.Catalog.PurgeStore(ctx, s.DB, store.ID); err != nil {
		return fmt.Errorf("purge catalog mirror: %w", err)
	}
	s.Log.Info().Str("store_id", store.ID).Msg("tenant deactivated, catalog mirror removed")
	return nil
}

// failSync records the failure on the cursor and returns the original error.
func (s *SyncService) failSync(storeID string, cause error) error {
	syncRuns.WithLabelValues("failed").Inc()
	failed := domain.SyncFailed
	msg := cause.Error()
	if err := s.Cursors.UpsertCursor(context.Background(), s.DB, storeID, repo.CursorUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
	}); err != nil {
		s.Log.Error().Err(err).Str("store_id", storeID).Msg("could not record sync failure")
	}
	return cause
}

// ApplyChange applies one catalog change notification. Writes go through
// revision-guarded repository operations, so applying the same event twice,
// or applying two events out of order, converges to the newest state.
//
// Malformed or unmatchable events are logged and dropped; they never abort
// the stream. Only storage and transport failures surface as errors, so the
// caller can choose to retry.
func (s *SyncService) ApplyChange(ctx context.Context, store *domain.Store, ev ChangeEvent) error {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "ApplyChange",
		trace.WithAttributes(
			attribute.String("store.id", store.ID),
			attribute.String("change.kind", ev.Kind),
			attribute.String("change.op", ev.Op),
		),
	)
	defer span.End()

	if ev.UpstreamID == "" {
		s.Log.Warn().Str("store_id", store.ID).Str("kind", ev.Kind).Msg("change event without upstream id dropped")
		return nil
	}

	switch {
	case ev.Kind == EntityItem && ev.Op == ChangeOpDelete:
		if err := s.Catalog.DeleteItem(ctx, s.DB, store.ID, ev.UpstreamID); err != nil {
			return fmt.Errorf("delete item %s: %w", ev.UpstreamID, err)
		}

	case ev.Kind == EntityItem && ev.Op == ChangeOpUpsert:
		if err := s.refetchItem(ctx, store, ev.UpstreamID); err != nil {
			return err
		}

	case ev.Kind == EntityVariant && ev.Op == ChangeOpUpsert:
		if ev.Variant == nil {
			// No inline payload: fall back to a full re-fetch of the parent.
			if ev.ItemUpstreamID == "" {
				s.Log.Warn().Str("store_id", store.ID).Str("upstream_id", ev.UpstreamID).
					Msg("variant event without payload or parent dropped")
				return nil
			}
			if err := s.refetchItem(ctx, store, ev.ItemUpstreamID); err != nil {
				return err
			}
			break
		}
		change := normalizeVariant(ev.Variant)
		if change.Revision == "" {
			change.Revision = ev.Revision
		}
		applied, err := s.Catalog.ApplyVariantChange(ctx, s.DB, store.ID, change)
		if err != nil {
			return fmt.Errorf("apply variant change %s: %w", ev.UpstreamID, err)
		}
		if !applied {
			s.Log.Debug().Str("store_id", store.ID).Str("upstream_id", ev.UpstreamID).
				Msg("variant change stale or unmatched, skipped")
		}

	default:
		s.Log.Warn().Str("store_id", store.ID).Str("kind", ev.Kind).Str("op", ev.Op).
			Msg("unrecognized change event dropped")
		return nil
	}

	catalogChanges.WithLabelValues(ev.Kind, ev.Op).Inc()

	if ev.Revision != "" {
		if err := s.Cursors.AdvanceWatermark(ctx, s.DB, store.ID, ev.Revision); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

// refetchItem pulls the current remote state of one item and mirrors it.
// A remote 404 means the item vanished between notification and fetch; the
// local mirror row is removed.
func (s *SyncService) refetchItem(ctx context.Context, store *domain.Store, upstreamID string) error {
	if store.AccessToken == "" {
		return ErrMissingCredential
	}
	client := s.Clients(store.StoreURL, store.AccessToken)

	product, err := client.GetProduct(ctx, upstreamID)
	if errors.Is(err, commerce.ErrNotFound) {
		if err := s.Catalog.DeleteItem(ctx, s.DB, store.ID, upstreamID); err != nil {
			return fmt.Errorf("delete vanished item %s: %w", upstreamID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch item %s: %w", upstreamID, err)
	}

	item := normalizeProduct(product)
	if _, err := s.Catalog.UpsertItem(ctx, s.DB, store.ID, item); err != nil {
		return fmt.Errorf("upsert item %s: %w", upstreamID, err)
	}
	return nil
}

// HealthCheck compares the local mirror count against the remote catalog
// count. Drift above the tolerance marks the tenant unhealthy, which
// operators resolve with a manual re-sync.
func (s *SyncService) HealthCheck(ctx context.Context, store *domain.Store) (*HealthReport, error) {
	tr := otel.Tracer("services/SyncService")
	ctx, span := tr.Start(ctx, "HealthCheck",
		trace.WithAttributes(attribute.String("store.id", store.ID)),
	)
	defer span.End()

	if store.AccessToken == "" {
		return nil, ErrMissingCredential
	}

	local, err := s.Catalog.CountItems(ctx, s.DB, store.ID)
	if err != nil {
		return nil, fmt.Errorf("count local items: %w", err)
	}
	remote, err := s.Clients(store.StoreURL, store.AccessToken).CountProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count remote items: %w", err)
	}

	report := &HealthReport{LocalCount: local, RemoteCount: remote}
	if remote > 0 {
		report.DriftPct = 100 * abs(float64(local)-float64(remote)) / float64(remote)
	} else if local > 0 {
		report.DriftPct = 100
	}
	tolerance := s.HealthDriftPct
	if tolerance <= 0 {
		tolerance = 5.0
	}
	report.Healthy = report.DriftPct <= tolerance

	if err := s.Cursors.UpsertCursor(ctx, s.DB, store.ID, repo.CursorUpdate{TouchHealth: true}); err != nil {
		s.Log.Warn().Err(err).Str("store_id", store.ID).Msg("could not record health check time")
	}
	return report, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// --- Normalization ---

var productTitleCaser = cases.Title(language.English, cases.NoLower)

// normalizeProduct converts a provider product into the mirrored item shape:
// markup stripped from descriptions, titles case-normalized, variant and
// image positions preserved. The product's update marker becomes the item
// revision.
func normalizeProduct(p *commerce.Product) *domain.CatalogItem {
	status := domain.ItemStatusActive
	if p.Status != "" && p.Status != "active" {
		status = domain.ItemStatusArchived
	}

	item := &domain.CatalogItem{
		UpstreamID:  p.ID,
		Title:       normalizeTitle(p.Title),
		Description: search.NormalizeText(p.BodyHTML),
		Status:      status,
		Revision:    p.UpdatedAt,
	}
	for _, v := range p.Variants {
		item.Variants = append(item.Variants, normalizeVariant(&v))
	}
	for _, img := range p.Images {
		item.Images = append(item.Images, domain.ProductImage{
			SrcURL:   img.Src,
			Position: img.Position,
		})
	}
	return item
}

func normalizeVariant(v *commerce.Variant) domain.ProductVariant {
	return domain.ProductVariant{
		UpstreamID:        v.ID,
		Title:             strings.TrimSpace(v.Title),
		Price:             v.Price,
		InventoryQuantity: v.InventoryQuantity,
		Available:         v.Available,
		Position:          v.Position,
		Revision:          v.UpdatedAt,
	}
}

// normalizeTitle trims whitespace and title-cases all-lowercase titles so
// list rows render consistently. Mixed-case titles pass through untouched —
// merchants who cased their titles meant it.
func normalizeTitle(t string) string {
	t = strings.Join(strings.Fields(t), " ")
	if t == "" {
		return t
	}
	for _, r := range t {
		if unicode.IsUpper(r) {
			return t
		}
	}
	return productTitleCaser.String(t)
}
