package domain

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func line(item string, qty int, price string) CartLine {
	return CartLine{
		ItemID:    item,
		VariantID: "v-" + item,
		Title:     "Item " + item,
		UnitPrice: decimal.RequireFromString(price),
		Quantity:  qty,
	}
}

func TestParseCart_EmptyAndLegacy(t *testing.T) {
	for _, in := range []string{"", "[]"} {
		c, err := ParseCart(in)
		if err != nil {
			t.Fatalf("ParseCart(%q): %v", in, err)
		}
		if !c.IsEmpty() {
			t.Fatalf("ParseCart(%q) not empty: %+v", in, c)
		}
	}

	// legacy bare-array encoding
	c, err := ParseCart(`[{"item_id":"a","variant_id":"v-a","title":"A","unit_price":"9.99","quantity":2}]`)
	if err != nil {
		t.Fatalf("legacy ParseCart: %v", err)
	}
	if len(c.Lines) != 1 || c.Lines[0].Quantity != 2 {
		t.Fatalf("legacy cart = %+v", c)
	}
}

func TestParseCart_Malformed(t *testing.T) {
	if _, err := ParseCart(`{nope`); err == nil {
		t.Fatal("expected error for malformed cart data")
	}
}

func TestCart_EncodeRoundTrip(t *testing.T) {
	var c Cart
	c.Add(line("a", 3, "10.50"))
	enc, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := ParseCart(enc)
	if err != nil {
		t.Fatalf("ParseCart: %v", err)
	}
	if len(back.Lines) != 1 || back.Lines[0].ItemID != "a" || back.Lines[0].Quantity != 3 {
		t.Fatalf("round trip lost data: %+v", back)
	}
	if !back.Lines[0].UnitPrice.Equal(decimal.RequireFromString("10.50")) {
		t.Fatalf("price drifted: %s", back.Lines[0].UnitPrice)
	}
}

func TestCart_AddMergesAndCaps(t *testing.T) {
	var c Cart
	c.Add(line("a", 1, "5.00"))
	c.Add(line("a", 2, "7.77")) // merged; snapshot price of the first add wins
	if len(c.Lines) != 1 {
		t.Fatalf("expected merged line, got %d lines", len(c.Lines))
	}
	if got := c.Lines[0].Quantity; got != 3 {
		t.Fatalf("quantity = %d, want 3", got)
	}
	if !c.Lines[0].UnitPrice.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("snapshot price overwritten: %s", c.Lines[0].UnitPrice)
	}

	c.Add(line("a", 200, "5.00"))
	if got := c.Lines[0].Quantity; got != MaxLineQuantity {
		t.Fatalf("quantity = %d, want cap %d", got, MaxLineQuantity)
	}

	c.Add(line("b", 500, "1.00"))
	if got := c.Find("b").Quantity; got != MaxLineQuantity {
		t.Fatalf("new line quantity = %d, want cap %d", got, MaxLineQuantity)
	}

	c.Add(line("z", 0, "1.00"))
	if got := c.Find("z").Quantity; got != 1 {
		t.Fatalf("zero-quantity add = %d, want 1", got)
	}
}

func TestCart_AdjustRemovesBelowOne(t *testing.T) {
	var c Cart
	c.Add(line("a", 1, "5.00"))

	got, removed, ok := c.Adjust("a", -1)
	if !ok || !removed {
		t.Fatalf("Adjust(-1) = removed=%v ok=%v, want removal", removed, ok)
	}
	if got.ItemID != "a" {
		t.Fatalf("removed line = %+v", got)
	}
	if !c.IsEmpty() {
		t.Fatalf("cart not empty after removal: %+v", c)
	}

	if _, _, ok := c.Adjust("a", 1); ok {
		t.Fatal("Adjust on missing line must report ok=false")
	}
}

func TestCart_Totals(t *testing.T) {
	var c Cart
	c.Add(line("a", 3, "10.00"))
	c.Add(line("b", 2, "0.50"))
	if got, want := c.Total().StringFixed(2), "31.00"; got != want {
		t.Fatalf("Total = %s, want %s", got, want)
	}
	if got := c.TotalQuantity(); got != 5 {
		t.Fatalf("TotalQuantity = %d, want 5", got)
	}
}

// The cart invariant must hold for any sequence of add/adjust/remove events:
// every line quantity stays in [1, MaxLineQuantity] and no zero-quantity
// line is ever present.
func TestCart_InvariantUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	items := []string{"a", "b", "c", "d"}

	var c Cart
	for i := 0; i < 5000; i++ {
		item := items[rng.Intn(len(items))]
		switch rng.Intn(3) {
		case 0:
			c.Add(line(item, rng.Intn(120)-5, "2.00"))
		case 1:
			c.Adjust(item, rng.Intn(21)-10)
		case 2:
			c.Remove(item)
		}
		for _, l := range c.Lines {
			if l.Quantity < 1 || l.Quantity > MaxLineQuantity {
				t.Fatalf("op %d: invariant violated, line %+v", i, l)
			}
		}
	}
}
