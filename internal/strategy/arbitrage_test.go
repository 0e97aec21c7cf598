package strategy

import (
	"io"
	"log/slog"
	"testing"

	"polymarket-mm/internal/config"
	"polymarket-mm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMarket() *types.MarketInfo {
	return &types.MarketInfo{
		ConditionID:  "cond-1",
		YesTokenID:   "tok-yes",
		NoTokenID:    "tok-no",
		MinOrderSize: 1,
		FeeRateBps:   0,
	}
}

func testCfg() config.StrategyConfig {
	return config.StrategyConfig{
		MinEdgeThreshold:   0.01,
		FailureBuffer:      0.005,
		DefaultTTLMs:       2000,
		SlippageWindow:     50,
		SlippageMultiplier: 1.5,
		MaxSlippageBps:     200,
	}
}

func TestEvaluateFiresOnPositiveEdge(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testCfg(), testLogger())
	mkt := testMarket()

	yesBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.45, Size: 100}}}
	noBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.45, Size: 100}}}

	edge, intents := eng.Evaluate(mkt, yesBook, noBook)
	if !edge.Tradable {
		t.Fatalf("expected tradable edge, got %+v", edge)
	}
	if len(intents) != 2 {
		t.Fatalf("expected 2 place intents, got %d", len(intents))
	}
	for _, in := range intents {
		if in.Type != types.IntentPlace || in.Side != types.BUY {
			t.Fatalf("unexpected intent shape: %+v", in)
		}
		if in.Price != 0.45 {
			t.Fatalf("intent price = %v, want the top-of-book ask 0.45, not a vwap", in.Price)
		}
		if in.Size != mkt.MinOrderSize {
			t.Fatalf("intent size = %v, want fixed min_order_size %v", in.Size, mkt.MinOrderSize)
		}
		if in.MakerTag != "maker" {
			t.Fatalf("expected maker tag on the place intent, got %q", in.MakerTag)
		}
	}
}

func TestEvaluateSkipsOnInsufficientEdge(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testCfg(), testLogger())
	mkt := testMarket()

	// 0.52 + 0.50 = 1.02 > 1, no arbitrage.
	yesBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.52, Size: 100}}}
	noBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.50, Size: 100}}}

	edge, intents := eng.Evaluate(mkt, yesBook, noBook)
	if edge.Tradable || intents != nil {
		t.Fatalf("expected no trade, got edge=%+v intents=%v", edge, intents)
	}
}

func TestEvaluateSkipsOnEmptyBook(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testCfg(), testLogger())
	mkt := testMarket()

	_, intents := eng.Evaluate(mkt, types.BookState{Active: true}, types.BookState{Active: true, Asks: []types.Level{{Price: 0.4, Size: 10}}})
	if intents != nil {
		t.Fatalf("expected no intents with empty book, got %v", intents)
	}
}

func TestEvaluateSkipsOnInactiveBook(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testCfg(), testLogger())
	mkt := testMarket()

	yesBook := types.BookState{Active: false, Asks: []types.Level{{Price: 0.40, Size: 100}}}
	noBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.40, Size: 100}}}

	_, intents := eng.Evaluate(mkt, yesBook, noBook)
	if intents != nil {
		t.Fatalf("expected no intents when either book is inactive, got %v", intents)
	}
}

func TestEvaluateSizeIsAlwaysMinOrderSize(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testCfg(), testLogger())
	mkt := testMarket()
	mkt.MinOrderSize = 5

	// Thinner leg (yes, size 100) still dwarfs the fixed trade size of 5;
	// the strategy never widens or narrows off book depth.
	yesBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.40, Size: 100}}}
	noBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.40, Size: 1000}}}

	edge, intents := eng.Evaluate(mkt, yesBook, noBook)
	if !edge.Tradable {
		t.Fatalf("expected tradable edge, got %+v", edge)
	}
	if edge.Size != 5 {
		t.Fatalf("size = %v, want fixed min_order_size (5)", edge.Size)
	}
	for _, in := range intents {
		if in.Size != 5 {
			t.Fatalf("intent size = %v, want 5", in.Size)
		}
	}
}

func TestEvaluateThinBookProducesNonzeroSlippage(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testCfg(), testLogger())
	mkt := testMarket()
	mkt.MinOrderSize = 3

	// Only 2 units of shallow depth for a required size of 3: the book
	// walk fills what it can across both levels and the resulting vwap
	// diverges from the top-of-book price.
	yesBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.01, Size: 1}, {Price: 0.05, Size: 1}}}
	noBook := types.BookState{Active: true, Asks: []types.Level{{Price: 0.40, Size: 1000}}}

	edge, _ := eng.Evaluate(mkt, yesBook, noBook)
	if edge.SlipYesBps <= 0 {
		t.Fatalf("expected a nonzero slippage estimate for the thin leg, got %+v", edge)
	}
}

func TestUnwindQuoteSellsLongPosition(t *testing.T) {
	t.Parallel()
	book := types.BookState{Bids: []types.Level{{Price: 0.50, Size: 20}}}

	price, size, side, ok := UnwindQuote(book, 10, 100)
	if !ok {
		t.Fatal("expected a usable unwind quote")
	}
	if side != types.SELL {
		t.Fatalf("side = %v, want SELL for a long position", side)
	}
	if size != 10 {
		t.Fatalf("size = %v, want 10", size)
	}
	if price != 0.50 {
		t.Fatalf("price = %v, want 0.50", price)
	}
}

func TestUnwindQuoteBuysShortPosition(t *testing.T) {
	t.Parallel()
	book := types.BookState{Asks: []types.Level{{Price: 0.60, Size: 20}}}

	_, _, side, ok := UnwindQuote(book, -10, 100)
	if !ok {
		t.Fatal("expected a usable unwind quote")
	}
	if side != types.BUY {
		t.Fatalf("side = %v, want BUY for a short position", side)
	}
}

func TestUnwindQuoteFailsOnEmptyBook(t *testing.T) {
	t.Parallel()
	_, _, _, ok := UnwindQuote(types.BookState{}, 10, 100)
	if ok {
		t.Fatal("expected no quote from an empty book")
	}
}

func TestSlippageBufferFloorsAtBaseline(t *testing.T) {
	t.Parallel()
	b := NewSlippageBuffer(50, 1.5, 20)
	if v := b.Value(); v != 20 {
		t.Fatalf("empty buffer value = %v, want baseline 20", v)
	}
	for i := 0; i < 10; i++ {
		b.Record(5) // well below baseline
	}
	if v := b.Value(); v != 20 {
		t.Fatalf("buffer value = %v, want still floored at baseline", v)
	}
}

func TestSlippageBufferTracksP95(t *testing.T) {
	t.Parallel()
	b := NewSlippageBuffer(50, 1.0, 0)
	for i := 1; i <= 20; i++ {
		b.Record(float64(i))
	}
	v := b.Value()
	if v < 15 || v > 20 {
		t.Fatalf("p95 value = %v, want near the top of 1..20", v)
	}
}

func TestEstimateSlippageEmptyBookReturnsOne(t *testing.T) {
	t.Parallel()
	if v := estimateSlippage(nil, 10); v != 1.0 {
		t.Fatalf("estimateSlippage(nil) = %v, want 1.0", v)
	}
}

func TestEstimateSlippageFullyFilledAtTopOfBook(t *testing.T) {
	t.Parallel()
	levels := []floatLevel{{Price: 0.40, Size: 100}}
	if v := estimateSlippage(levels, 10); v != 0 {
		t.Fatalf("estimateSlippage = %v, want 0 when fully filled at the top level", v)
	}
}

func TestEstimateSlippageWalksMultipleLevels(t *testing.T) {
	t.Parallel()
	levels := []floatLevel{{Price: 0.40, Size: 5}, {Price: 0.50, Size: 5}}
	// vwap over size=10: (5*0.40 + 5*0.50)/10 = 0.45; |0.45-0.40| = 0.05
	v := estimateSlippage(levels, 10)
	if v < 0.049 || v > 0.051 {
		t.Fatalf("estimateSlippage = %v, want ~0.05", v)
	}
}

func TestWalkBookStopsAtSlippageCap(t *testing.T) {
	t.Parallel()
	levels := []floatLevel{{Price: 0.40, Size: 10}, {Price: 0.50, Size: 1000}}
	size, vwap, _ := walkBook(levels, 100, 0) // 100bps = 1% of 0.40 = 0.004
	if size != 10 {
		t.Fatalf("size = %v, want 10 (stop before the 25%%-away second level)", size)
	}
	if vwap != 0.40 {
		t.Fatalf("vwap = %v, want 0.40", vwap)
	}
}

func TestWalkBookRespectsSizeCap(t *testing.T) {
	t.Parallel()
	levels := []floatLevel{{Price: 0.40, Size: 100}}
	size, vwap, worst := walkBook(levels, 10000, 30)
	if size != 30 {
		t.Fatalf("size = %v, want capped at 30", size)
	}
	if vwap != 0.40 || worst != 0.40 {
		t.Fatalf("vwap/worst = %v/%v, want 0.40", vwap, worst)
	}
}
