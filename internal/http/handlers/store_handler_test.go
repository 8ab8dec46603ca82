package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
	"github.com/tbourn/go-shop-chat-backend/internal/repo"
	"github.com/tbourn/go-shop-chat-backend/internal/services"
)

//
// Fakes
//

type fakeAdmin struct {
	stores   map[string]*domain.Store
	cursors  map[string]*domain.SyncCursor
	items    []domain.CatalogItem
	bindErr  error
	channels map[string]repo.ChannelConfig
	disabled []string
	lastLim  int
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		stores:   map[string]*domain.Store{},
		cursors:  map[string]*domain.SyncCursor{},
		channels: map[string]repo.ChannelConfig{},
	}
}

func (f *fakeAdmin) Create(_ context.Context, storeURL, accessToken, shopName string) (*domain.Store, error) {
	for _, s := range f.stores {
		if s.StoreURL == storeURL {
			return nil, gorm.ErrDuplicatedKey
		}
	}
	s := &domain.Store{ID: uuid.NewString(), StoreURL: storeURL, AccessToken: accessToken, ShopName: shopName}
	f.stores[s.ID] = s
	return s, nil
}

func (f *fakeAdmin) Get(_ context.Context, id string) (*domain.Store, error) {
	if s, ok := f.stores[id]; ok {
		return s, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeAdmin) Cursor(_ context.Context, storeID string) (*domain.SyncCursor, error) {
	if c, ok := f.cursors[storeID]; ok {
		return c, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeAdmin) BindChannel(_ context.Context, storeID string, cfg repo.ChannelConfig) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	if _, ok := f.stores[storeID]; !ok {
		return repo.ErrNotFound
	}
	f.channels[storeID] = cfg
	return nil
}

func (f *fakeAdmin) Items(_ context.Context, _ string, limit int) ([]domain.CatalogItem, error) {
	f.lastLim = limit
	if limit < len(f.items) {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func (f *fakeAdmin) SetEnabled(_ context.Context, storeID string, enabled bool) error {
	if !enabled {
		f.disabled = append(f.disabled, storeID)
	}
	return nil
}

type fakeSyncRunner struct {
	bulk        []string
	deactivated []string
	report      *services.HealthReport
	hcErr       error
}

func (f *fakeSyncRunner) BulkSync(_ context.Context, store *domain.Store) error {
	f.bulk = append(f.bulk, store.ID)
	return nil
}

func (f *fakeSyncRunner) HealthCheck(_ context.Context, _ *domain.Store) (*services.HealthReport, error) {
	return f.report, f.hcErr
}

func (f *fakeSyncRunner) Deactivate(_ context.Context, store *domain.Store) error {
	f.deactivated = append(f.deactivated, store.ID)
	return nil
}

//
// Fixtures
//

type storeFixture struct {
	admin  *fakeAdmin
	runner *fakeSyncRunner
	queue  *inlineQueue
	router *gin.Engine
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fx := &storeFixture{
		admin:  newFakeAdmin(),
		runner: &fakeSyncRunner{},
		queue:  &inlineQueue{},
	}
	h := NewStoreHandlers(fx.admin, fx.runner, fx.queue, zerolog.Nop())

	r := gin.New()
	r.POST("/api/v1/stores", h.CreateStore)
	r.POST("/api/v1/stores/:id/sync", h.TriggerSync)
	r.GET("/api/v1/stores/:id/sync", h.SyncStatus)
	r.GET("/api/v1/stores/:id/items", h.ListCatalogItems)
	r.PUT("/api/v1/stores/:id/channel", h.UpdateChannel)
	fx.router = r
	return fx
}

func (fx *storeFixture) seedStore(t *testing.T) *domain.Store {
	t.Helper()
	s, err := fx.admin.Create(context.Background(), "demo.myshopify.com", "shpat_secret123", "Demo Shop")
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return s
}

//
// Tenant activation
//

func TestCreateStore_SchedulesFirstSync(t *testing.T) {
	fx := newStoreFixture(t)

	body := `{"store_url": "Demo.MyShopify.com", "access_token": "shpat_secret123", "shop_name": "Demo Shop"}`
	w := postJSON(t, fx.router, "/api/v1/stores", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var created domain.Store
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if created.StoreURL != "demo.myshopify.com" {
		t.Fatalf("store url not normalized: %q", created.StoreURL)
	}
	// The credential never appears in the response.
	if strings.Contains(w.Body.String(), "shpat_secret123") {
		t.Fatalf("access token leaked in response")
	}
	// First bulk sync runs on the per-store queue.
	if len(fx.runner.bulk) != 1 || fx.runner.bulk[0] != created.ID {
		t.Fatalf("expected scheduled sync for %s, got %v", created.ID, fx.runner.bulk)
	}
	if len(fx.queue.keys) != 1 || fx.queue.keys[0] != "sync:"+created.ID {
		t.Fatalf("unexpected queue keys %v", fx.queue.keys)
	}
}

func TestCreateStore_Duplicate(t *testing.T) {
	fx := newStoreFixture(t)
	fx.seedStore(t)

	body := `{"store_url": "demo.myshopify.com", "access_token": "shpat_other456", "shop_name": "Other"}`
	w := postJSON(t, fx.router, "/api/v1/stores", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCreateStore_InvalidBody(t *testing.T) {
	fx := newStoreFixture(t)
	w := postJSON(t, fx.router, "/api/v1/stores", `{"store_url": "demo.myshopify.com"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

//
// Manual sync
//

func TestTriggerSync(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)

	w := postJSON(t, fx.router, "/api/v1/stores/"+s.ID+"/sync", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(fx.runner.bulk) != 1 {
		t.Fatalf("expected bulk sync to run, got %v", fx.runner.bulk)
	}
}

func TestTriggerSync_AlreadyRunning(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)
	fx.admin.cursors[s.ID] = &domain.SyncCursor{StoreID: s.ID, Status: domain.SyncRunning}

	w := postJSON(t, fx.router, "/api/v1/stores/"+s.ID+"/sync", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["code"] != ErrCodeSyncInProgress {
		t.Fatalf("expected %s, got %v", ErrCodeSyncInProgress, resp["code"])
	}
	if len(fx.runner.bulk) != 0 {
		t.Fatalf("no sync should run while one is in progress")
	}
}

func TestTriggerSync_UnknownStore(t *testing.T) {
	fx := newStoreFixture(t)

	w := postJSON(t, fx.router, "/api/v1/stores/"+uuid.NewString()+"/sync", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w2 := postJSON(t, fx.router, "/api/v1/stores/not-a-uuid/sync", "")
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", w2.Code)
	}
}

//
// Sync status
//

func TestSyncStatus(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)
	last := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	fx.admin.cursors[s.ID] = &domain.SyncCursor{
		StoreID:     s.ID,
		Status:      domain.SyncCompleted,
		TotalItems:  120,
		SyncedItems: 120,
		Watermark:   "2026-02-01T09:59:00Z",
		LastSyncAt:  &last,
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stores/"+s.ID+"/sync", nil)
	fx.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp SyncStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != domain.SyncCompleted || resp.TotalItems != 120 || resp.SyncedItems != 120 {
		t.Fatalf("unexpected status response %+v", resp)
	}
	if resp.Health != nil {
		t.Fatalf("health must be omitted unless requested")
	}
}

func TestSyncStatus_BeforeFirstSync(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stores/"+s.ID+"/sync", nil)
	fx.router.ServeHTTP(w, req)

	var resp SyncStatusResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != domain.SyncPending {
		t.Fatalf("expected pending before first sync, got %q", resp.Status)
	}
}

func TestSyncStatus_WithHealth(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)
	fx.runner.report = &services.HealthReport{LocalCount: 100, RemoteCount: 100, Healthy: true}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stores/"+s.ID+"/sync?health=true", nil)
	fx.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp SyncStatusResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Health == nil || !resp.Health.Healthy {
		t.Fatalf("expected healthy report, got %+v", resp.Health)
	}

	// Upstream failure surfaces as 502.
	fx.runner.report = nil
	fx.runner.hcErr = context.DeadlineExceeded
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/stores/"+s.ID+"/sync?health=true", nil)
	fx.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w2.Code)
	}
}

//
// Catalog listing
//

func TestListCatalogItems(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)
	fx.admin.items = []domain.CatalogItem{
		{ID: "i1", Title: "Ceramic Mug"},
		{ID: "i2", Title: "Baseball Cap"},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stores/"+s.ID+"/items", nil)
	fx.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if fx.admin.lastLim != 20 {
		t.Fatalf("expected default limit 20, got %d", fx.admin.lastLim)
	}
	var resp struct {
		Items []domain.CatalogItem `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Items) != 2 || resp.Items[0].Title != "Ceramic Mug" {
		t.Fatalf("unexpected items %+v", resp.Items)
	}

	// Limit is clamped to [1,100] and bad input falls back to the default.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/stores/"+s.ID+"/items?limit=5000", nil)
	fx.router.ServeHTTP(w2, req2)
	if fx.admin.lastLim != 100 {
		t.Fatalf("expected clamped limit 100, got %d", fx.admin.lastLim)
	}
	w3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodGet, "/api/v1/stores/"+s.ID+"/items?limit=abc", nil)
	fx.router.ServeHTTP(w3, req3)
	if fx.admin.lastLim != 20 {
		t.Fatalf("expected default on bad limit, got %d", fx.admin.lastLim)
	}
}

//
// Channel binding
//

func putJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestUpdateChannel(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)

	body := `{"phone_id": "555000111", "token": "channel-token-1", "verify_token": "verify-secret", "welcome_message": "Hello!"}`
	w := putJSON(t, fx.router, "/api/v1/stores/"+s.ID+"/channel", body)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body %s", w.Code, w.Body.String())
	}
	cfg, bound := fx.admin.channels[s.ID]
	if !bound || cfg.PhoneID != "555000111" || cfg.WelcomeMessage != "Hello!" {
		t.Fatalf("unexpected binding %+v", cfg)
	}
}

func TestUpdateChannel_Disable(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)

	body := `{"phone_id": "555000111", "token": "channel-token-1", "verify_token": "verify-secret", "enabled": false}`
	w := putJSON(t, fx.router, "/api/v1/stores/"+s.ID+"/channel", body)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(fx.admin.disabled) != 1 || fx.admin.disabled[0] != s.ID {
		t.Fatalf("expected channel disable, got %v", fx.admin.disabled)
	}
	if _, bound := fx.admin.channels[s.ID]; bound {
		t.Fatalf("disable must not rebind the channel")
	}
	if len(fx.runner.deactivated) != 1 || fx.runner.deactivated[0] != s.ID {
		t.Fatalf("expected tenant deactivation, got %v", fx.runner.deactivated)
	}
}

func TestUpdateChannel_PhoneIDConflict(t *testing.T) {
	fx := newStoreFixture(t)
	s := fx.seedStore(t)
	fx.admin.bindErr = gorm.ErrDuplicatedKey

	body := `{"phone_id": "555000111", "token": "channel-token-1", "verify_token": "verify-secret"}`
	w := putJSON(t, fx.router, "/api/v1/stores/"+s.ID+"/channel", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}
