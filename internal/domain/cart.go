// Package domain — cart model.
//
// The cart lives inside a Session as serialized JSON (Session.CartData). It
// is an ordered list of lines; each line snapshots the unit price and title
// at add time. All mutation helpers preserve the cart invariant: every line
// has a quantity in [1, MaxLineQuantity], and a line that would drop below 1
// is removed rather than clamped to zero.
package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// MaxLineQuantity caps the quantity of a single cart line.
const MaxLineQuantity = 99

// CartLine is one entry in a customer's cart. ItemID and VariantID are the
// provider's upstream identifiers, not local row keys, because checkout is
// expressed in provider terms. UnitPrice and Title are point-in-time
// snapshots, not live references to the catalog mirror.
type CartLine struct {
	ItemID    string          `json:"item_id"`
	VariantID string          `json:"variant_id"`
	Title     string          `json:"title"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Subtotal returns UnitPrice × Quantity for the line.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is an ordered list of cart lines. The zero value is an empty cart.
type Cart struct {
	Lines []CartLine `json:"lines"`
}

// ParseCart decodes a serialized cart. Empty input and the legacy "[]"
// encoding both decode to an empty cart; malformed JSON returns an error so
// the caller can degrade instead of corrupting state.
func ParseCart(data string) (Cart, error) {
	if data == "" || data == "[]" {
		return Cart{}, nil
	}
	var c Cart
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		// Older rows stored a bare line array.
		var lines []CartLine
		if err2 := json.Unmarshal([]byte(data), &lines); err2 != nil {
			return Cart{}, err
		}
		c.Lines = lines
	}
	return c, nil
}

// Encode serializes the cart for storage in Session.CartData.
func (c Cart) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsEmpty reports whether the cart has no lines.
func (c Cart) IsEmpty() bool { return len(c.Lines) == 0 }

// Find returns a pointer to the line for itemID, or nil.
func (c *Cart) Find(itemID string) *CartLine {
	for i := range c.Lines {
		if c.Lines[i].ItemID == itemID {
			return &c.Lines[i]
		}
	}
	return nil
}

// Add upserts a line. If the item is already in the cart the quantities are
// merged; the stored snapshot (price, title) of the existing line wins.
// Quantities are clamped into [1, MaxLineQuantity].
func (c *Cart) Add(line CartLine) {
	if line.Quantity < 1 {
		line.Quantity = 1
	}
	if existing := c.Find(line.ItemID); existing != nil {
		existing.Quantity += line.Quantity
		if existing.Quantity > MaxLineQuantity {
			existing.Quantity = MaxLineQuantity
		}
		return
	}
	if line.Quantity > MaxLineQuantity {
		line.Quantity = MaxLineQuantity
	}
	c.Lines = append(c.Lines, line)
}

// Adjust changes the quantity of the line for itemID by delta. A resulting
// quantity below 1 removes the line and reports removed=true. The returned
// line reflects the state before removal or after adjustment; ok is false
// when the item is not in the cart.
func (c *Cart) Adjust(itemID string, delta int) (line CartLine, removed, ok bool) {
	existing := c.Find(itemID)
	if existing == nil {
		return CartLine{}, false, false
	}
	next := existing.Quantity + delta
	if next < 1 {
		line = *existing
		c.Remove(itemID)
		return line, true, true
	}
	if next > MaxLineQuantity {
		next = MaxLineQuantity
	}
	existing.Quantity = next
	return *existing, false, true
}

// Remove deletes the line for itemID, if present.
func (c *Cart) Remove(itemID string) {
	out := c.Lines[:0]
	for _, l := range c.Lines {
		if l.ItemID != itemID {
			out = append(out, l)
		}
	}
	c.Lines = out
}

// Clear empties the cart.
func (c *Cart) Clear() { c.Lines = nil }

// Total returns the sum of all line subtotals.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// TotalQuantity returns the summed quantity across all lines.
func (c Cart) TotalQuantity() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}
