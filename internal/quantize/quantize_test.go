package quantize

import (
	"math"
	"testing"

	"polymarket-mm/pkg/types"
)

func TestPriceRoundsToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price     float64
		tick      types.TickSize
		wantPrice float64
		wantTicks int64
	}{
		{0.501, types.Tick001, 0.50, 50},
		{0.505, types.Tick001, 0.51, 51}, // exact tie rounds away from zero
		{0.5049, types.Tick001, 0.50, 50},
		{0.1234, types.Tick0001, 0.1234, 1234},
	}

	for _, tt := range tests {
		gotPrice, gotTicks := Price(tt.price, tt.tick)
		if math.Abs(gotPrice-tt.wantPrice) > 1e-9 {
			t.Errorf("Price(%v, %v) price = %v, want %v", tt.price, tt.tick, gotPrice, tt.wantPrice)
		}
		if gotTicks != tt.wantTicks {
			t.Errorf("Price(%v, %v) ticks = %d, want %d", tt.price, tt.tick, gotTicks, tt.wantTicks)
		}
	}
}

func TestSizeRoundsToMinOrderSize(t *testing.T) {
	t.Parallel()

	price, units := Size(0.149, 0.1)
	if math.Abs(price-0.1) > 1e-9 {
		t.Errorf("Size(0.149, 0.1) = %v, want 0.1", price)
	}
	if units != 1 {
		t.Errorf("Size(0.149, 0.1) units = %d, want 1", units)
	}

	price, units = Size(0.15, 0.1)
	if math.Abs(price-0.2) > 1e-9 {
		t.Errorf("Size(0.15, 0.1) = %v, want 0.2 (tie rounds away from zero)", price)
	}
	if units != 2 {
		t.Errorf("Size(0.15, 0.1) units = %d, want 2", units)
	}
}
