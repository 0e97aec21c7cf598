package types

import "testing"

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestEngineStateCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to EngineState
		want     bool
	}{
		{StateRunning, StatePaused, true},
		{StateRunning, StateFlattening, true},
		{StateRunning, StateSafe, true},
		{StatePaused, StateRunning, true},
		{StateFlattening, StateRunning, false},
		{StateSafe, StateRunning, false},
		{StateSafe, StatePaused, true},
		{StateRunning, StateRunning, true},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderStatusTerminalAndLive(t *testing.T) {
	t.Parallel()

	terminal := []OrderStatus{OrderFilled, OrderClosed, OrderCanceled, OrderRejected, OrderExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsLive() {
			t.Errorf("%s should not be live", s)
		}
	}

	live := []OrderStatus{OrderSent, OrderAcked, OrderPartial, OrderCancelSent}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.IsLive() {
			t.Errorf("%s should be live", s)
		}
	}

	if OrderNew.IsTerminal() || OrderNew.IsLive() {
		t.Errorf("NEW should be neither terminal nor live")
	}
}

func TestFingerprintKeyStability(t *testing.T) {
	t.Parallel()

	a := FingerprintKey("m1", "tok1", BUY, 50, 10)
	b := FingerprintKey("m1", "tok1", BUY, 50, 10)
	c := FingerprintKey("m1", "tok1", BUY, 51, 10)

	if a != b {
		t.Errorf("same inputs should produce same fingerprint: %q != %q", a, b)
	}
	if a == c {
		t.Errorf("different price_ticks should produce different fingerprints")
	}
}
