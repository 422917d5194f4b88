package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestReferencePriceTiers(t *testing.T) {
	grid := decimal.NewFromInt(10)

	tests := []struct {
		name    string
		balance string
		want    string
	}{
		{"critical deficit", "-6", "11.05"},  // 10 * 0.85 * 1.30
		{"deficit boundary", "-5", "9.775"},  // -5 itself is deficit, not critical
		{"deficit", "-0.5", "9.775"},         // 10 * 0.85 * 1.15
		{"zero balance", "0", "8.5"},         // balanced
		{"surplus boundary", "10", "8.5"},    // 10 itself is balanced, not surplus
		{"surplus", "11", "7.225"},           // 10 * 0.85 * 0.85
		{"deep surplus", "250", "7.225"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			balance := decimal.RequireFromString(tt.balance)
			want := decimal.RequireFromString(tt.want)

			got := ReferencePrice(balance, grid)
			if !got.Equal(want) {
				t.Errorf("ReferencePrice(%s, 10) = %s, want %s", tt.balance, got, want)
			}
		})
	}
}

func TestReferencePriceScalesWithGridPrice(t *testing.T) {
	balance := decimal.Zero

	for _, grid := range []string{"0.25", "0.30", "1"} {
		gridPrice := decimal.RequireFromString(grid)
		want := gridPrice.Mul(decimal.RequireFromString("0.85"))

		got := ReferencePrice(balance, gridPrice)
		if !got.Equal(want) {
			t.Errorf("ReferencePrice(0, %s) = %s, want %s", grid, got, want)
		}
	}
}
