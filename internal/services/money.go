package services

import "github.com/shopspring/decimal"

// formatPrice renders a money amount for chat bubbles and list rows.
func formatPrice(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func decimalFromInt(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n))
}
