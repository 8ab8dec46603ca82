package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
	"github.com/tbourn/go-shop-chat-backend/internal/messaging"
)

type fakeSessions struct {
	session *domain.Session
	saves   int
}

func (f *fakeSessions) GetOrCreateSession(ctx context.Context, db *gorm.DB, storeID, customerAddress string) (*domain.Session, error) {
	if f.session == nil {
		f.session = &domain.Session{
			ID: "sess-1", StoreID: storeID, CustomerAddress: customerAddress,
			State: domain.StateIdle, CartData: "[]",
		}
	}
	cp := *f.session
	return &cp, nil
}

func (f *fakeSessions) SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	f.saves++
	cp := *s
	f.session = &cp
	return nil
}

type fakeConvCatalog struct {
	items []domain.CatalogItem
}

func (f *fakeConvCatalog) ListActiveItems(ctx context.Context, db *gorm.DB, storeID string, limit int) ([]domain.CatalogItem, error) {
	out := f.items
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeConvCatalog) GetItemByUpstreamID(ctx context.Context, db *gorm.DB, storeID, upstreamID string) (*domain.CatalogItem, error) {
	for i := range f.items {
		if f.items[i].UpstreamID == upstreamID {
			return &f.items[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// fakeCheckout composes a permalink-style URL from the cart it receives so
// tests can assert on the link contents.
type fakeCheckout struct {
	calls   int
	gotCart domain.Cart
	status  string
	err     error
}

func (f *fakeCheckout) CreateCheckout(ctx context.Context, store *domain.Store, cart domain.Cart, customerAddress string) (*CheckoutResult, error) {
	f.calls++
	f.gotCart = cart
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = CheckoutOK
	}
	res := &CheckoutResult{Status: status, Strategy: StrategyPermalink}
	if status == CheckoutOK {
		parts := make([]string, 0, len(cart.Lines))
		for _, l := range cart.Lines {
			parts = append(parts, fmt.Sprintf("%s:%d", l.VariantID, l.Quantity))
		}
		res.URL = "https://" + store.StoreURL + "/cart/" + strings.Join(parts, ",")
	}
	return res, nil
}

func convFixtures() (*ConversationService, *fakeSessions, *fakeCheckout, *domain.Store) {
	catalog := &fakeConvCatalog{items: []domain.CatalogItem{
		{
			UpstreamID: "101", Title: "Ceramic Mug", Description: "A sturdy mug.",
			Status: domain.ItemStatusActive,
			Variants: []domain.ProductVariant{{
				UpstreamID: "var-101", Price: decimal.RequireFromString("12.50"),
				Available: true, Position: 1,
			}},
		},
		{
			UpstreamID: "202", Title: "Baseball Cap", Description: "One size.",
			Status: domain.ItemStatusActive,
			Variants: []domain.ProductVariant{{
				UpstreamID: "var-202", Price: decimal.RequireFromString("9.00"),
				Available: true, Position: 1,
			}},
		},
	}}
	sessions := &fakeSessions{}
	checkout := &fakeCheckout{}
	svc := NewConversationService(nil, sessions, catalog, checkout, zerolog.Nop())
	store := &domain.Store{ID: "s1", StoreURL: "demo.myshopify.com", ShopName: "Demo Shop"}
	return svc, sessions, checkout, store
}

func send(t *testing.T, svc *ConversationService, store *domain.Store, in InboundMessage) []messaging.Directive {
	t.Helper()
	out, err := svc.HandleMessage(context.Background(), store, "491700000001", in)
	if err != nil {
		t.Fatalf("handle %+v: %v", in, err)
	}
	if len(out) == 0 {
		t.Fatalf("handle %+v: no directives", in)
	}
	return out
}

// buttonWithPrefix returns the id of the first button matching the prefix.
func buttonWithPrefix(t *testing.T, d messaging.Directive, prefix string) string {
	t.Helper()
	for _, b := range d.Buttons {
		if strings.HasPrefix(b.ID, prefix) {
			return b.ID
		}
	}
	t.Fatalf("no button with prefix %q in %+v", prefix, d.Buttons)
	return ""
}

func TestConversation_BrowseToCheckoutScenario(t *testing.T) {
	svc, sessions, _, store := convFixtures()

	// Greeting opens the menu and moves the session to browsing.
	out := send(t, svc, store, InboundMessage{Text: "hi"})
	if out[0].Kind != messaging.KindButtons {
		t.Fatalf("greeting reply kind = %s", out[0].Kind)
	}
	if !strings.Contains(out[0].Body, "Demo Shop") {
		t.Errorf("welcome should name the shop: %q", out[0].Body)
	}
	if sessions.session.State != domain.StateBrowsing {
		t.Fatalf("state = %s", sessions.session.State)
	}

	// Browsing lists products.
	out = send(t, svc, store, InboundMessage{ButtonID: btnBrowse})
	if out[0].Kind != messaging.KindList {
		t.Fatalf("browse reply kind = %s", out[0].Kind)
	}
	if len(out[0].Sections[0].Rows) != 2 {
		t.Fatalf("rows = %+v", out[0].Sections[0].Rows)
	}

	// Selecting an item shows its detail with quantity 1.
	out = send(t, svc, store, InboundMessage{ListRowID: "product_101"})
	if sessions.session.State != domain.StateViewingItem {
		t.Fatalf("state = %s", sessions.session.State)
	}
	if got := buttonWithPrefix(t, out[0], prefixAddToCart); got != "add_to_cart_101_1" {
		t.Fatalf("add button = %s", got)
	}

	// Two increments take the displayed quantity to 3.
	out = send(t, svc, store, InboundMessage{ButtonID: "qty_increase_101_1"})
	out = send(t, svc, store, InboundMessage{ButtonID: buttonWithPrefix(t, out[0], prefixQtyInc)})
	addID := buttonWithPrefix(t, out[0], prefixAddToCart)
	if addID != "add_to_cart_101_3" {
		t.Fatalf("add button = %s", addID)
	}
	if !strings.Contains(out[0].Body, "Quantity: 3") {
		t.Errorf("detail body = %q", out[0].Body)
	}

	// Adding puts three units in the cart.
	out = send(t, svc, store, InboundMessage{ButtonID: addID})
	if !strings.Contains(out[0].Body, "×3") {
		t.Errorf("confirmation = %q", out[0].Body)
	}
	cart, err := domain.ParseCart(sessions.session.CartData)
	if err != nil || cart.TotalQuantity() != 3 {
		t.Fatalf("cart = %+v (%v)", cart, err)
	}

	// Checkout returns a link carrying the variant id and quantity.
	out = send(t, svc, store, InboundMessage{Text: "checkout"})
	last := out[len(out)-1]
	if !strings.Contains(last.Body, "var-101:3") {
		t.Fatalf("checkout reply = %q", last.Body)
	}
	if sessions.session.State != domain.StateIdle {
		t.Errorf("state after checkout = %s", sessions.session.State)
	}
	cart, _ = domain.ParseCart(sessions.session.CartData)
	if !cart.IsEmpty() {
		t.Errorf("cart not cleared: %+v", cart)
	}
}

func TestConversation_UnknownInputShowsMenu(t *testing.T) {
	svc, _, _, store := convFixtures()
	out := send(t, svc, store, InboundMessage{Text: "do you ship to the moon?"})
	if out[0].Kind != messaging.KindButtons {
		t.Fatalf("kind = %s", out[0].Kind)
	}
	buttonWithPrefix(t, out[0], btnBrowse)
}

func TestConversation_StaleReferenceIsHandled(t *testing.T) {
	svc, sessions, _, store := convFixtures()
	send(t, svc, store, InboundMessage{Text: "hi"})

	out := send(t, svc, store, InboundMessage{ListRowID: "product_999"})
	if !strings.Contains(out[0].Body, "no longer available") {
		t.Fatalf("reply = %q", out[0].Body)
	}
	if sessions.session.State != domain.StateBrowsing {
		t.Errorf("state changed on stale reference: %s", sessions.session.State)
	}

	out = send(t, svc, store, InboundMessage{ButtonID: "add_to_cart_999_2"})
	if !strings.Contains(out[0].Body, "no longer available") {
		t.Fatalf("reply = %q", out[0].Body)
	}
	cart, _ := domain.ParseCart(sessions.session.CartData)
	if !cart.IsEmpty() {
		t.Errorf("stale add mutated the cart: %+v", cart)
	}
}

func TestConversation_CartAdjustAndRemoveBelowOne(t *testing.T) {
	svc, sessions, _, store := convFixtures()
	send(t, svc, store, InboundMessage{ButtonID: "add_to_cart_101_1"})

	out := send(t, svc, store, InboundMessage{ButtonID: "cart_qty_increase_101"})
	if !strings.Contains(out[0].Body, "×2") {
		t.Fatalf("detail = %q", out[0].Body)
	}

	send(t, svc, store, InboundMessage{ButtonID: "cart_qty_decrease_101"})
	out = send(t, svc, store, InboundMessage{ButtonID: "cart_qty_decrease_101"})
	if !strings.Contains(out[0].Body, "removed") {
		t.Fatalf("reply = %q", out[0].Body)
	}
	cart, _ := domain.ParseCart(sessions.session.CartData)
	if !cart.IsEmpty() {
		t.Errorf("line not removed: %+v", cart)
	}
}

func TestConversation_ViewCartShapes(t *testing.T) {
	svc, _, _, store := convFixtures()

	out := send(t, svc, store, InboundMessage{Text: "cart"})
	if !strings.Contains(out[0].Body, "empty") {
		t.Fatalf("empty cart reply = %q", out[0].Body)
	}

	send(t, svc, store, InboundMessage{ButtonID: "add_to_cart_101_1"})
	out = send(t, svc, store, InboundMessage{ButtonID: btnViewCart})
	if out[0].Kind != messaging.KindButtons {
		t.Fatalf("single-line cart should show detail controls, got %s", out[0].Kind)
	}
	buttonWithPrefix(t, out[0], prefixCartQtyInc)

	send(t, svc, store, InboundMessage{ButtonID: "add_to_cart_202_1"})
	out = send(t, svc, store, InboundMessage{ButtonID: btnViewCart})
	if out[0].Kind != messaging.KindList || len(out) < 2 {
		t.Fatalf("multi-line cart should list lines plus actions, got %+v", out)
	}
}

func TestConversation_CheckoutEmptyCartSkipsOrchestrator(t *testing.T) {
	svc, _, checkout, store := convFixtures()
	out := send(t, svc, store, InboundMessage{Text: "checkout"})
	if !strings.Contains(out[0].Body, "empty") {
		t.Fatalf("reply = %q", out[0].Body)
	}
	if checkout.calls != 0 {
		t.Errorf("orchestrator calls = %d, want 0", checkout.calls)
	}
}

func TestConversation_CheckoutFailureKeepsCart(t *testing.T) {
	svc, sessions, checkout, store := convFixtures()
	checkout.status = CheckoutFailed

	send(t, svc, store, InboundMessage{ButtonID: "add_to_cart_101_2"})
	out := send(t, svc, store, InboundMessage{Text: "checkout"})
	if !strings.Contains(out[len(out)-1].Body, "try again") {
		t.Fatalf("reply = %+v", out)
	}
	cart, _ := domain.ParseCart(sessions.session.CartData)
	if cart.TotalQuantity() != 2 {
		t.Errorf("cart changed on failed checkout: %+v", cart)
	}
}

func TestConversation_SearchFindsItems(t *testing.T) {
	svc, _, _, store := convFixtures()

	out := send(t, svc, store, InboundMessage{Text: "search ceramic mug"})
	if out[0].Kind != messaging.KindList {
		t.Fatalf("kind = %s", out[0].Kind)
	}
	rows := out[0].Sections[0].Rows
	if len(rows) == 0 || rows[0].ID != "product_101" {
		t.Fatalf("rows = %+v", rows)
	}

	out = send(t, svc, store, InboundMessage{Text: "search zeppelin"})
	if !strings.Contains(out[0].Body, "Nothing matched") {
		t.Fatalf("reply = %q", out[0].Body)
	}
}

func TestConversation_CorruptCartResets(t *testing.T) {
	svc, sessions, _, store := convFixtures()
	sessions.session = &domain.Session{
		ID: "sess-1", StoreID: "s1", CustomerAddress: "491700000001",
		State: domain.StateBrowsing, CartData: "{not json",
	}
	out := send(t, svc, store, InboundMessage{Text: "cart"})
	if !strings.Contains(out[0].Body, "empty") {
		t.Fatalf("reply = %q", out[0].Body)
	}
	cart, err := domain.ParseCart(sessions.session.CartData)
	if err != nil || !cart.IsEmpty() {
		t.Errorf("cart not reset: %+v (%v)", cart, err)
	}
}
