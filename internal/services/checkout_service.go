// Package services – CheckoutService
//
// This file implements the checkout orchestrator. Handing the customer a
// payable link matters more than which mechanism produced it, so the
// orchestrator tries an ordered list of strategies and falls through on
// failure:
//
//  1. cart permalink — composed locally from variant ids, no remote call;
//  2. draft order — a provisional order created at the provider, returning
//     its invoice URL;
//  3. degraded draft order — same call minus the optional customer fields
//     that are the usual cause of provider-side validation rejections.
//
// The degraded retry only runs when the full draft order failed validation;
// a transport failure already exhausted the client's own retries and will
// not heal by removing fields.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-shop-chat-backend/internal/commerce"
	"github.com/tbourn/go-shop-chat-backend/internal/domain"
)

// Checkout outcome statuses.
const (
	CheckoutOK      = "ok"
	CheckoutInvalid = "invalid"
	CheckoutFailed  = "failed"
)

// Strategy names recorded on results for logs and metrics.
const (
	StrategyPermalink     = "permalink"
	StrategyDraftOrder    = "draft_order"
	StrategyDraftDegraded = "draft_order_degraded"
)

// CheckoutResult is the outcome of one checkout attempt.
//
//   - CheckoutOK: URL holds the payable link, Strategy names the winner.
//   - CheckoutInvalid: no line survived validation; nothing was attempted
//     remotely. The cart is left untouched.
//   - CheckoutFailed: every strategy failed. The cart is left untouched so
//     the customer can simply retry.
type CheckoutResult struct {
	Status   string
	URL      string
	Strategy string

	// Dropped lists cart lines excluded before checkout: lines with no
	// variant reference and lines whose item has vanished from the mirror.
	// Callers surface these to the customer.
	Dropped []domain.CartLine
}

// CheckoutCatalog is the read-only catalog contract used to screen cart
// lines against the current mirror.
type CheckoutCatalog interface {
	GetItemByUpstreamID(ctx context.Context, db *gorm.DB, storeID, upstreamID string) (*domain.CatalogItem, error)
}

// CheckoutService turns a cart into a payable link.
type CheckoutService struct {
	// DB is the GORM handle used for catalog reads.
	DB *gorm.DB
	// Catalog screens cart lines against the mirror.
	Catalog CheckoutCatalog
	// Clients builds a per-tenant commerce client.
	Clients commerce.Factory
	// Log receives line-drop warnings and strategy failures.
	Log zerolog.Logger

	// PermalinkEnabled switches the zero-remote-call permalink strategy on.
	PermalinkEnabled bool
	// DraftTimeout bounds each draft-order call. Zero means 20s.
	DraftTimeout time.Duration
}

// NewCheckoutService constructs a CheckoutService with permalinks enabled.
func NewCheckoutService(db *gorm.DB, catalog CheckoutCatalog, clients commerce.Factory, log zerolog.Logger) *CheckoutService {
	return &CheckoutService{
		DB:               db,
		Catalog:          catalog,
		Clients:          clients,
		Log:              log,
		PermalinkEnabled: true,
		DraftTimeout:     20 * time.Second,
	}
}

// CreateCheckout validates the cart and walks the strategy chain. The cart
// itself is never mutated here; on success the caller clears it, on failure
// the caller keeps it for a retry.
func (s *CheckoutService) CreateCheckout(ctx context.Context, store *domain.Store, cart domain.Cart, customerAddress string) (*CheckoutResult, error) {
	tr := otel.Tracer("services/CheckoutService")
	ctx, span := tr.Start(ctx, "CreateCheckout",
		trace.WithAttributes(
			attribute.String("store.id", store.ID),
			attribute.Int("cart.lines", len(cart.Lines)),
		),
	)
	defer span.End()

	if cart.IsEmpty() {
		return nil, ErrEmptyCart
	}

	valid, dropped := s.screenLines(ctx, store.ID, cart.Lines)
	result := &CheckoutResult{Dropped: dropped}
	defer recordCheckout(result)
	if len(valid) == 0 {
		result.Status = CheckoutInvalid
		span.SetAttributes(attribute.String("checkout.status", result.Status))
		return result, nil
	}

	if s.PermalinkEnabled {
		result.Status = CheckoutOK
		result.Strategy = StrategyPermalink
		result.URL = permalinkURL(store.StoreURL, valid)
		span.SetAttributes(attribute.String("checkout.strategy", result.Strategy))
		return result, nil
	}

	client := s.Clients(store.StoreURL, store.AccessToken)
	lines := draftLines(valid)

	draft, err := s.createDraft(ctx, client, commerce.DraftOrderInput{
		Lines: lines,
		Note:  "Chat order for " + customerAddress,
	})
	if err == nil {
		result.Status = CheckoutOK
		result.Strategy = StrategyDraftOrder
		result.URL = draft.InvoiceURL
		span.SetAttributes(attribute.String("checkout.strategy", result.Strategy))
		return result, nil
	}
	s.Log.Warn().Err(err).Str("store_id", store.ID).Msg("draft order failed")

	if commerce.IsValidation(err) {
		draft, err = s.createDraft(ctx, client, commerce.DraftOrderInput{Lines: lines})
		if err == nil {
			result.Status = CheckoutOK
			result.Strategy = StrategyDraftDegraded
			result.URL = draft.InvoiceURL
			span.SetAttributes(attribute.String("checkout.strategy", result.Strategy))
			return result, nil
		}
		s.Log.Warn().Err(err).Str("store_id", store.ID).Msg("degraded draft order failed")
	}

	result.Status = CheckoutFailed
	span.SetAttributes(attribute.String("checkout.status", result.Status))
	return result, nil
}

// screenLines splits cart lines into usable and dropped. A line is dropped
// when it carries no variant reference or its item is gone from the mirror.
// A read error keeps the line: checkout should not fail because a screening
// query hiccuped.
func (s *CheckoutService) screenLines(ctx context.Context, storeID string, lines []domain.CartLine) (valid, dropped []domain.CartLine) {
	for _, l := range lines {
		if l.VariantID == "" {
			s.Log.Warn().Str("store_id", storeID).Str("item_id", l.ItemID).
				Msg("cart line without variant dropped from checkout")
			dropped = append(dropped, l)
			continue
		}
		if s.Catalog != nil {
			_, err := s.Catalog.GetItemByUpstreamID(ctx, s.DB, storeID, l.ItemID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.Log.Warn().Str("store_id", storeID).Str("item_id", l.ItemID).
					Msg("cart line for vanished item dropped from checkout")
				dropped = append(dropped, l)
				continue
			}
		}
		valid = append(valid, l)
	}
	return valid, dropped
}

func (s *CheckoutService) createDraft(ctx context.Context, client commerce.Client, input commerce.DraftOrderInput) (*commerce.DraftOrder, error) {
	timeout := s.DraftTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.CreateDraftOrder(ctx, input)
}

// permalinkURL composes the provider's cart permalink from variant ids and
// quantities: https://{store}/cart/{variantID}:{qty},{variantID}:{qty}
func permalinkURL(storeURL string, lines []domain.CartLine) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, fmt.Sprintf("%s:%d", l.VariantID, l.Quantity))
	}
	return fmt.Sprintf("https://%s/cart/%s", storeURL, strings.Join(parts, ","))
}

func draftLines(lines []domain.CartLine) []commerce.DraftOrderLine {
	out := make([]commerce.DraftOrderLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, commerce.DraftOrderLine{VariantID: l.VariantID, Quantity: l.Quantity})
	}
	return out
}
