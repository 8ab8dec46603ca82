// Package services – ConversationService
//
// This file implements the per-customer conversation engine: a state machine
// over Idle → Browsing → ViewingItem → Checkout driven by normalized inbound
// chat events. The engine loads the durable session, classifies the input,
// mutates session state and cart, and returns the outbound directives to
// deliver. It never talks to the wire itself.
//
// The dispatcher serializes calls per (store, customer) key, so this code
// can read-modify-write the session without optimistic locking.
//
// A stale reference — a tapped button or list row whose item has since
// vanished from the mirror — is an expected, handled input: the customer
// gets a "no longer available" notice and the session stays where it was.
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-shop-chat-backend/internal/domain"
	"github.com/tbourn/go-shop-chat-backend/internal/messaging"
	"github.com/tbourn/go-shop-chat-backend/internal/search"
)

// Interactive reply identifiers. Button and list-row ids round-trip through
// the channel provider and come back on the inbound webhook.
const (
	btnBrowse   = "browse_products"
	btnViewCart = "view_cart"
	btnHelp     = "help"
	btnCheckout = "checkout"
	btnClear    = "clear_cart"

	prefixAddToCart   = "add_to_cart_"       // add_to_cart_{item}_{qty}
	prefixQtyInc      = "qty_increase_"      // qty_increase_{item}_{qty}
	prefixQtyDec      = "qty_decrease_"      // qty_decrease_{item}_{qty}
	prefixCartQtyInc  = "cart_qty_increase_" // cart_qty_increase_{item}
	prefixCartQtyDec  = "cart_qty_decrease_" // cart_qty_decrease_{item}
	prefixProductRow  = "product_"           // product_{item}
	prefixCartItemRow = "cart_item_"         // cart_item_{item}
)

// InboundMessage is one normalized inbound chat event. Exactly one of Text,
// ButtonID, ListRowID is set; the webhook handler guarantees this.
type InboundMessage struct {
	Text      string
	ButtonID  string
	ListRowID string
}

// ConversationSessions is the session persistence contract.
type ConversationSessions interface {
	GetOrCreateSession(ctx context.Context, db *gorm.DB, storeID, customerAddress string) (*domain.Session, error)
	SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error
}

// ConversationCatalog is the read-only catalog contract.
type ConversationCatalog interface {
	ListActiveItems(ctx context.Context, db *gorm.DB, storeID string, limit int) ([]domain.CatalogItem, error)
	GetItemByUpstreamID(ctx context.Context, db *gorm.DB, storeID, upstreamID string) (*domain.CatalogItem, error)
}

// CheckoutRunner is the checkout contract used by the conversation engine.
type CheckoutRunner interface {
	CreateCheckout(ctx context.Context, store *domain.Store, cart domain.Cart, customerAddress string) (*CheckoutResult, error)
}

// ConversationService drives customer conversations for all tenants.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Sessions is the session repository.
	Sessions ConversationSessions
	// Catalog is the mirrored-catalog repository (read-only here).
	Catalog ConversationCatalog
	// Checkout turns carts into payable links.
	Checkout CheckoutRunner
	// Log receives stale-reference and malformed-cart notices.
	Log zerolog.Logger

	// ListLimit caps product rows shown per list. Zero means the channel
	// maximum.
	ListLimit int
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, sessions ConversationSessions, catalog ConversationCatalog, checkout CheckoutRunner, log zerolog.Logger) *ConversationService {
	return &ConversationService{
		DB:        db,
		Sessions:  sessions,
		Catalog:   catalog,
		Checkout:  checkout,
		Log:       log,
		ListLimit: messaging.MaxListRows,
	}
}

// HandleMessage processes one inbound event end to end: load session,
// classify, transition, persist, and return the replies to deliver.
func (s *ConversationService) HandleMessage(ctx context.Context, store *domain.Store, customerAddress string, in InboundMessage) ([]messaging.Directive, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "HandleMessage",
		trace.WithAttributes(attribute.String("store.id", store.ID)),
	)
	defer span.End()

	session, err := s.Sessions.GetOrCreateSession(ctx, s.DB, store.ID, customerAddress)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	cart, err := domain.ParseCart(session.CartData)
	if err != nil {
		// A corrupt cart must not strand the customer; start fresh.
		s.Log.Error().Err(err).Str("session_id", session.ID).Msg("cart data unreadable, resetting")
		cart = domain.Cart{}
	}

	directives := s.dispatch(ctx, store, session, &cart, in)

	encoded, err := cart.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	session.CartData = encoded
	if err := s.Sessions.SaveSession(ctx, s.DB, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	span.SetAttributes(attribute.String("session.state", session.State))
	conversationSteps.WithLabelValues(session.State).Inc()
	return directives, nil
}

// dispatch classifies the input and runs the matching flow. Every branch
// returns at least one directive; unknown input falls back to the menu.
func (s *ConversationService) dispatch(ctx context.Context, store *domain.Store, session *domain.Session, cart *domain.Cart, in InboundMessage) []messaging.Directive {
	switch {
	case in.ButtonID != "":
		return s.handleButton(ctx, store, session, cart, in.ButtonID)
	case in.ListRowID != "":
		return s.handleListRow(ctx, store, session, cart, in.ListRowID)
	default:
		return s.handleText(ctx, store, session, cart, in.Text)
	}
}

func (s *ConversationService) handleText(ctx context.Context, store *domain.Store, session *domain.Session, cart *domain.Cart, text string) []messaging.Directive {
	lower := strings.ToLower(strings.TrimSpace(text))

	switch {
	case isGreeting(lower):
		session.State = domain.StateBrowsing
		return s.welcome(store)
	case lower == "help":
		return s.helpReply()
	case lower == "cart":
		return s.viewCart(session, cart)
	case lower == "checkout":
		return s.doCheckout(ctx, store, session, cart)
	case strings.HasPrefix(lower, "search "):
		session.State = domain.StateBrowsing
		return s.searchCatalog(ctx, store, strings.TrimSpace(lower[len("search "):]))
	case lower == "browse" || lower == "products" || lower == "shop":
		session.State = domain.StateBrowsing
		return s.browseCatalog(ctx, store)
	default:
		return s.unknownInput()
	}
}

func (s *ConversationService) handleButton(ctx context.Context, store *domain.Store, session *domain.Session, cart *domain.Cart, id string) []messaging.Directive {
	switch {
	case id == btnBrowse:
		session.State = domain.StateBrowsing
		return s.browseCatalog(ctx, store)
	case id == btnViewCart:
		return s.viewCart(session, cart)
	case id == btnHelp:
		return s.helpReply()
	case id == btnCheckout:
		return s.doCheckout(ctx, store, session, cart)
	case id == btnClear:
		cart.Clear()
		session.State = domain.StateBrowsing
		return []messaging.Directive{
			messaging.Buttons("Your cart has been cleared.",
				messaging.Button{ID: btnBrowse, Title: "Browse products"},
				messaging.Button{ID: btnHelp, Title: "Help"},
			),
		}
	case strings.HasPrefix(id, prefixAddToCart):
		itemID, qty, ok := splitItemQty(strings.TrimPrefix(id, prefixAddToCart))
		if !ok {
			return s.unknownInput()
		}
		return s.addToCart(ctx, store, session, cart, itemID, qty)
	case strings.HasPrefix(id, prefixQtyInc):
		itemID, qty, ok := splitItemQty(strings.TrimPrefix(id, prefixQtyInc))
		if !ok {
			return s.unknownInput()
		}
		return s.showItem(ctx, store, session, itemID, clampQty(qty+1))
	case strings.HasPrefix(id, prefixQtyDec):
		itemID, qty, ok := splitItemQty(strings.TrimPrefix(id, prefixQtyDec))
		if !ok {
			return s.unknownInput()
		}
		return s.showItem(ctx, store, session, itemID, clampQty(qty-1))
	case strings.HasPrefix(id, prefixCartQtyInc):
		return s.adjustCartLine(session, cart, strings.TrimPrefix(id, prefixCartQtyInc), +1)
	case strings.HasPrefix(id, prefixCartQtyDec):
		return s.adjustCartLine(session, cart, strings.TrimPrefix(id, prefixCartQtyDec), -1)
	default:
		return s.unknownInput()
	}
}

func (s *ConversationService) handleListRow(ctx context.Context, store *domain.Store, session *domain.Session, cart *domain.Cart, id string) []messaging.Directive {
	switch {
	case strings.HasPrefix(id, prefixProductRow):
		return s.showItem(ctx, store, session, strings.TrimPrefix(id, prefixProductRow), 1)
	case strings.HasPrefix(id, prefixCartItemRow):
		return s.cartLineDetail(cart, strings.TrimPrefix(id, prefixCartItemRow))
	default:
		return s.unknownInput()
	}
}

// --- Flows ---

func (s *ConversationService) welcome(store *domain.Store) []messaging.Directive {
	greeting := store.WelcomeMessage
	if greeting == "" {
		greeting = fmt.Sprintf("Welcome to %s! What would you like to do?", store.ShopName)
	}
	return []messaging.Directive{
		messaging.Buttons(greeting,
			messaging.Button{ID: btnBrowse, Title: "Browse products"},
			messaging.Button{ID: btnViewCart, Title: "View cart"},
			messaging.Button{ID: btnHelp, Title: "Help"},
		),
	}
}

func (s *ConversationService) helpReply() []messaging.Directive {
	const help = "Here's what I can do:\n" +
		"• Browse products and pick one for details\n" +
		"• Adjust quantities and add items to your cart\n" +
		"• Say \"cart\" to review it, \"checkout\" to get a payment link\n" +
		"• Say \"search something\" to find a product"
	return []messaging.Directive{
		messaging.Buttons(help,
			messaging.Button{ID: btnBrowse, Title: "Browse products"},
			messaging.Button{ID: btnViewCart, Title: "View cart"},
		),
	}
}

func (s *ConversationService) unknownInput() []messaging.Directive {
	return []messaging.Directive{
		messaging.Buttons("Sorry, I didn't quite get that. What would you like to do?",
			messaging.Button{ID: btnBrowse, Title: "Browse products"},
			messaging.Button{ID: btnViewCart, Title: "View cart"},
			messaging.Button{ID: btnHelp, Title: "Help"},
		),
	}
}

func (s *ConversationService) browseCatalog(ctx context.Context, store *domain.Store) []messaging.Directive {
	limit := s.ListLimit
	if limit <= 0 {
		limit = messaging.MaxListRows
	}
	items, err := s.Catalog.ListActiveItems(ctx, s.DB, store.ID, limit)
	if err != nil {
		s.Log.Error().Err(err).Str("store_id", store.ID).Msg("catalog listing failed")
		return []messaging.Directive{messaging.Text("Something went wrong fetching our products. Please try again in a moment.")}
	}
	if len(items) == 0 {
		return []messaging.Directive{messaging.Text("We don't have any products available right now. Please check back soon!")}
	}

	rows := make([]messaging.ListRow, 0, len(items))
	for _, it := range items {
		desc := ""
		if v, ok := it.DefaultVariant(); ok {
			desc = formatPrice(v.Price)
		}
		rows = append(rows, messaging.ListRow{
			ID:          prefixProductRow + it.UpstreamID,
			Title:       it.Title,
			Description: desc,
		})
	}
	return []messaging.Directive{
		messaging.List("Here's what we have in store:", "View products",
			messaging.ListSection{Title: "Products", Rows: rows}),
	}
}

func (s *ConversationService) searchCatalog(ctx context.Context, store *domain.Store, term string) []messaging.Directive {
	if term == "" {
		return []messaging.Directive{messaging.Text("Tell me what to search for, e.g. \"search coffee mug\".")}
	}
	items, err := s.Catalog.ListActiveItems(ctx, s.DB, store.ID, 0)
	if err != nil {
		s.Log.Error().Err(err).Str("store_id", store.ID).Msg("catalog listing failed")
		return []messaging.Directive{messaging.Text("Something went wrong searching. Please try again in a moment.")}
	}

	docs := make([]search.Item, 0, len(items))
	byID := make(map[string]domain.CatalogItem, len(items))
	for _, it := range items {
		docs = append(docs, search.Item{ID: it.UpstreamID, Title: it.Title, Description: it.Description})
		byID[it.UpstreamID] = it
	}
	results := search.NewIndex(docs).TopK(term, messaging.MaxListRows)
	if len(results) == 0 {
		return []messaging.Directive{
			messaging.Buttons(fmt.Sprintf("Nothing matched %q. Want to browse instead?", term),
				messaging.Button{ID: btnBrowse, Title: "Browse products"},
			),
		}
	}

	rows := make([]messaging.ListRow, 0, len(results))
	for _, r := range results {
		desc := ""
		if it, ok := byID[r.ID]; ok {
			if v, vok := it.DefaultVariant(); vok {
				desc = formatPrice(v.Price)
			}
		}
		rows = append(rows, messaging.ListRow{ID: prefixProductRow + r.ID, Title: r.Title, Description: desc})
	}
	return []messaging.Directive{
		messaging.List(fmt.Sprintf("Here's what I found for %q:", term), "View results",
			messaging.ListSection{Title: "Matches", Rows: rows}),
	}
}

// showItem renders the item detail view with quantity controls. The session
// moves to ViewingItem; a vanished or unsellable item leaves it unchanged.
func (s *ConversationService) showItem(ctx context.Context, store *domain.Store, session *domain.Session, itemID string, qty int) []messaging.Directive {
	item, err := s.Catalog.GetItemByUpstreamID(ctx, s.DB, store.ID, itemID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.itemUnavailable()
	}
	if err != nil {
		s.Log.Error().Err(err).Str("store_id", store.ID).Str("item_id", itemID).Msg("item lookup failed")
		return []messaging.Directive{messaging.Text("Something went wrong. Please try again in a moment.")}
	}
	if !item.Sellable() {
		return s.itemUnavailable()
	}

	session.State = domain.StateViewingItem
	variant, _ := item.DefaultVariant()
	total := variant.Price.Mul(decimalFromInt(qty))

	body := fmt.Sprintf("*%s*", item.Title)
	if excerpt := search.Excerpt(item.Description, 160); excerpt != "" {
		body += "\n" + excerpt
	}
	body += fmt.Sprintf("\n\nPrice: %s\nQuantity: %d\nTotal: %s",
		formatPrice(variant.Price), qty, formatPrice(total))

	suffix := fmt.Sprintf("%s_%d", item.UpstreamID, qty)
	return []messaging.Directive{
		messaging.Buttons(body,
			messaging.Button{ID: prefixAddToCart + suffix, Title: "Add to cart"},
			messaging.Button{ID: prefixQtyInc + suffix, Title: "+1"},
			messaging.Button{ID: prefixQtyDec + suffix, Title: "-1"},
		),
	}
}

func (s *ConversationService) itemUnavailable() []messaging.Directive {
	return []messaging.Directive{
		messaging.Buttons("Sorry, that item is no longer available.",
			messaging.Button{ID: btnBrowse, Title: "Browse products"},
			messaging.Button{ID: btnViewCart, Title: "View cart"},
		),
	}
}

func (s *ConversationService) addToCart(ctx context.Context, store *domain.Store, session *domain.Session, cart *domain.Cart, itemID string, qty int) []messaging.Directive {
	item, err := s.Catalog.GetItemByUpstreamID(ctx, s.DB, store.ID, itemID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.itemUnavailable()
	}
	if err != nil {
		s.Log.Error().Err(err).Str("store_id", store.ID).Str("item_id", itemID).Msg("item lookup failed")
		return []messaging.Directive{messaging.Text("Something went wrong. Please try again in a moment.")}
	}
	variant, ok := item.DefaultVariant()
	if !ok || !item.Sellable() {
		return s.itemUnavailable()
	}

	cart.Add(domain.CartLine{
		ItemID:    item.UpstreamID,
		VariantID: variant.UpstreamID,
		Title:     item.Title,
		UnitPrice: variant.Price,
		Quantity:  clampQty(qty),
	})
	session.State = domain.StateBrowsing

	line := cart.Find(item.UpstreamID)
	body := fmt.Sprintf("Added to cart: %s ×%d.\nCart total: %s (%d items)",
		item.Title, line.Quantity, formatPrice(cart.Total()), cart.TotalQuantity())
	return []messaging.Directive{
		messaging.Buttons(body,
			messaging.Button{ID: btnBrowse, Title: "Keep browsing"},
			messaging.Button{ID: btnViewCart, Title: "View cart"},
			messaging.Button{ID: btnCheckout, Title: "Checkout"},
		),
	}
}

// viewCart renders the cart. A single-line cart goes straight to the line
// detail with quantity controls; multi-line carts get a selectable list plus
// action buttons.
func (s *ConversationService) viewCart(session *domain.Session, cart *domain.Cart) []messaging.Directive {
	if cart.IsEmpty() {
		return []messaging.Directive{
			messaging.Buttons("Your cart is empty. Let's fix that!",
				messaging.Button{ID: btnBrowse, Title: "Browse products"},
				messaging.Button{ID: btnHelp, Title: "Help"},
			),
		}
	}
	if len(cart.Lines) == 1 {
		return s.cartLineDetail(cart, cart.Lines[0].ItemID)
	}

	rows := make([]messaging.ListRow, 0, len(cart.Lines))
	for _, l := range cart.Lines {
		rows = append(rows, messaging.ListRow{
			ID:          prefixCartItemRow + l.ItemID,
			Title:       l.Title,
			Description: fmt.Sprintf("×%d · %s", l.Quantity, formatPrice(l.Subtotal())),
		})
	}
	body := fmt.Sprintf("Your cart — %d items, total %s. Tap a line to adjust it.",
		cart.TotalQuantity(), formatPrice(cart.Total()))
	return []messaging.Directive{
		messaging.List(body, "View cart", messaging.ListSection{Title: "Cart", Rows: rows}),
		messaging.Buttons("Ready when you are:",
			messaging.Button{ID: btnCheckout, Title: "Checkout"},
			messaging.Button{ID: btnClear, Title: "Clear cart"},
			messaging.Button{ID: btnBrowse, Title: "Keep browsing"},
		),
	}
}

func (s *ConversationService) cartLineDetail(cart *domain.Cart, itemID string) []messaging.Directive {
	line := cart.Find(itemID)
	if line == nil {
		return []messaging.Directive{
			messaging.Buttons("That item isn't in your cart anymore.",
				messaging.Button{ID: btnViewCart, Title: "View cart"},
				messaging.Button{ID: btnBrowse, Title: "Browse products"},
			),
		}
	}
	body := fmt.Sprintf("%s\n×%d at %s — subtotal %s\nCart total: %s",
		line.Title, line.Quantity, formatPrice(line.UnitPrice),
		formatPrice(line.Subtotal()), formatPrice(cart.Total()))
	return []messaging.Directive{
		messaging.Buttons(body,
			messaging.Button{ID: prefixCartQtyInc + line.ItemID, Title: "+1"},
			messaging.Button{ID: prefixCartQtyDec + line.ItemID, Title: "-1"},
			messaging.Button{ID: btnCheckout, Title: "Checkout"},
		),
	}
}

func (s *ConversationService) adjustCartLine(session *domain.Session, cart *domain.Cart, itemID string, delta int) []messaging.Directive {
	line, removed, ok := cart.Adjust(itemID, delta)
	if !ok {
		return []messaging.Directive{
			messaging.Buttons("That item isn't in your cart anymore.",
				messaging.Button{ID: btnViewCart, Title: "View cart"},
				messaging.Button{ID: btnBrowse, Title: "Browse products"},
			),
		}
	}
	if removed {
		return []messaging.Directive{
			messaging.Buttons(fmt.Sprintf("%s removed from your cart.", line.Title),
				messaging.Button{ID: btnViewCart, Title: "View cart"},
				messaging.Button{ID: btnBrowse, Title: "Browse products"},
			),
		}
	}
	return s.cartLineDetail(cart, itemID)
}

func (s *ConversationService) doCheckout(ctx context.Context, store *domain.Store, session *domain.Session, cart *domain.Cart) []messaging.Directive {
	if cart.IsEmpty() {
		return []messaging.Directive{
			messaging.Buttons("Your cart is empty — nothing to check out yet.",
				messaging.Button{ID: btnBrowse, Title: "Browse products"},
			),
		}
	}
	session.State = domain.StateCheckout

	result, err := s.Checkout.CreateCheckout(ctx, store, *cart, session.CustomerAddress)
	if err != nil {
		s.Log.Error().Err(err).Str("store_id", store.ID).Msg("checkout errored")
		session.State = domain.StateBrowsing
		return []messaging.Directive{messaging.Text("Checkout didn't work just now. Your cart is safe — please try again.")}
	}

	var out []messaging.Directive
	if len(result.Dropped) > 0 {
		names := make([]string, 0, len(result.Dropped))
		for _, l := range result.Dropped {
			names = append(names, l.Title)
		}
		out = append(out, messaging.Text(
			fmt.Sprintf("Heads up: no longer available and left out of checkout: %s", strings.Join(names, ", "))))
	}

	switch result.Status {
	case CheckoutOK:
		for _, l := range result.Dropped {
			cart.Remove(l.ItemID)
		}
		total := cart.Total()
		cart.Clear()
		session.State = domain.StateIdle
		out = append(out, messaging.Text(
			fmt.Sprintf("Here's your checkout link (total %s):\n%s\n\nThank you for shopping with us!",
				formatPrice(total), result.URL)))
	case CheckoutInvalid:
		for _, l := range result.Dropped {
			cart.Remove(l.ItemID)
		}
		session.State = domain.StateBrowsing
		out = append(out, messaging.Buttons("None of your cart items can be checked out anymore.",
			messaging.Button{ID: btnBrowse, Title: "Browse products"},
		))
	default:
		session.State = domain.StateBrowsing
		out = append(out, messaging.Text("Checkout didn't work just now. Your cart is safe — please try again."))
	}
	return out
}

// --- Helpers ---

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "hola": {}, "start": {}, "menu": {}, "good morning": {}, "good evening": {},
}

func isGreeting(lower string) bool {
	_, ok := greetings[lower]
	return ok
}

// splitItemQty parses the "{item}_{qty}" suffix of quantity-carrying button
// ids. Item ids may themselves contain underscores, so the quantity is the
// segment after the last one.
func splitItemQty(suffix string) (itemID string, qty int, ok bool) {
	i := strings.LastIndex(suffix, "_")
	if i <= 0 || i == len(suffix)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(suffix[i+1:])
	if err != nil {
		return "", 0, false
	}
	return suffix[:i], n, true
}

func clampQty(q int) int {
	if q < 1 {
		return 1
	}
	if q > domain.MaxLineQuantity {
		return domain.MaxLineQuantity
	}
	return q
}
