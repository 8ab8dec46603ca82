// Package commerce is the outbound gateway to the remote commerce provider.
// It exposes the narrow read/write surface the core needs — paginated
// catalog pulls, single-item fetches, product counts, and draft orders —
// behind a Client interface so services stay testable without a network.
//
// Wire shapes here mirror the provider's Admin REST payloads; normalization
// into domain models (HTML stripping, decimal prices, title casing) is the
// sync engine's job, not this package's.
package commerce

import "github.com/shopspring/decimal"

// Product is one remote catalog entry as returned by the provider.
type Product struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	BodyHTML  string    `json:"body_html"`
	Status    string    `json:"status"` // active, archived, draft
	UpdatedAt string    `json:"updated_at"`
	Variants  []Variant `json:"variants"`
	Images    []Image   `json:"images"`
}

// Variant is one purchasable variation of a remote product.
type Variant struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Price             decimal.Decimal `json:"price"`
	InventoryQuantity int             `json:"inventory_quantity"`
	Position          int             `json:"position"`
	Available         bool            `json:"available"`
	UpdatedAt         string          `json:"updated_at"`
}

// Image is a CDN image reference on a remote product.
type Image struct {
	Src      string `json:"src"`
	Position int    `json:"position"`
}

// Page is one slice of a paginated catalog pull. NextPageToken is the
// provider's opaque cursor; empty means the pull is exhausted.
type Page struct {
	Products      []Product
	NextPageToken string
}

// DraftOrderLine references a variant to be invoiced.
type DraftOrderLine struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// DraftOrderInput is the provisional-order request. Email and ShippingAddress
// are optional; the degraded checkout strategy omits them because they are
// the usual cause of provider-side validation failures.
type DraftOrderInput struct {
	Lines           []DraftOrderLine  `json:"line_items"`
	Email           string            `json:"email,omitempty"`
	ShippingAddress map[string]string `json:"shipping_address,omitempty"`
	Note            string            `json:"note,omitempty"`
}

// DraftOrder is the provider's provisional order. InvoiceURL is the payable
// link handed to the customer.
type DraftOrder struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	InvoiceURL string `json:"invoice_url"`
	Status     string `json:"status"`
}
