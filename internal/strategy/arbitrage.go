// Package strategy implements the deterministic YES+NO arbitrage strategy
// (§4.6) for Polymarket binary prediction markets.
//
// The core idea: in a well-formed binary market, owning one YES token and
// one NO token is worth exactly $1 at resolution regardless of outcome. If
// the combined cost of buying both asks is less than $1 by more than fees,
// slippage, and a safety buffer, the spread is risk-free and the strategy
// fires. There is no inventory skew or reservation price to manage — the
// position is flat by construction the instant both legs fill.
package strategy

import (
	"log/slog"
	"math"

	"polymarket-mm/internal/config"
	"polymarket-mm/pkg/types"
)

// Edge is the fully decomposed economics of one evaluation, kept around for
// logging and persistence even when no trade fires.
type Edge struct {
	MarketID       string
	AskYes         float64
	AskNo          float64
	SlipYesBps     float64
	SlipNoBps      float64
	FeeFraction    float64
	Buffer         float64
	NetEdge        float64
	Size           float64
	WorstYesPrice  float64
	WorstNoPrice   float64
	Tradable       bool
}

// Engine evaluates the arbitrage edge for each market on every book update
// and turns a positive edge into a pair of Place intents.
type Engine struct {
	cfg     config.StrategyConfig
	buffers *bufferRegistry
	logger  *slog.Logger
}

// NewEngine builds a strategy engine. Window/multiplier/baseline for the
// adaptive slippage buffer come from cfg; baseline defaults to cfg.FailureBuffer
// expressed in bps so a market with no trade history never floors below the
// static safety margin.
func NewEngine(cfg config.StrategyConfig, logger *slog.Logger) *Engine {
	baselineBps := cfg.FailureBuffer * 10000
	return &Engine{
		cfg:     cfg,
		buffers: newBufferRegistry(cfg.SlippageWindow, cfg.SlippageMultiplier, baselineBps),
		logger:  logger.With("component", "strategy"),
	}
}

func toFloatLevels(levels []types.Level) []floatLevel {
	out := make([]floatLevel, len(levels))
	for i, l := range levels {
		out[i] = floatLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

// Evaluate computes the arbitrage edge across a market's YES and NO asks and
// returns the Place intents to send when it clears min_edge_threshold
// (§4.6). The traded size is always the market's min_order_size — the book
// walk only estimates how much the fixed size would slip, it never widens
// or narrows the quoted size. It always records the observed per-leg
// slippage into the adaptive buffer, win or lose, so the buffer tracks real
// book conditions rather than only successful trades.
func (e *Engine) Evaluate(mkt *types.MarketInfo, yesBook, noBook types.BookState) (Edge, []types.Intent) {
	edge := Edge{MarketID: mkt.ConditionID}

	if !yesBook.Active || !noBook.Active {
		return edge, nil
	}
	if len(yesBook.Asks) == 0 || len(noBook.Asks) == 0 {
		return edge, nil
	}
	bestYes := yesBook.Asks[0].Price
	bestNo := noBook.Asks[0].Price
	if bestYes <= 0 || bestNo <= 0 {
		return edge, nil
	}

	size := mkt.MinOrderSize
	if size <= 0 {
		return edge, nil
	}

	slipYes := estimateSlippage(toFloatLevels(yesBook.Asks), size)
	slipNo := estimateSlippage(toFloatLevels(noBook.Asks), size)

	buf := e.buffers.For(mkt.ConditionID)
	buf.Record(math.Max(slipYes, slipNo) * 10000)
	adaptiveBuffer := buf.Value() / 10000

	feeFraction := float64(mkt.FeeRateBps) / 10000
	staticBuffer := e.cfg.FailureBuffer
	buffer := math.Max(staticBuffer, adaptiveBuffer)

	netEdge := 1 - (bestYes+bestNo) - feeFraction - (slipYes+slipNo) - buffer

	edge = Edge{
		MarketID:      mkt.ConditionID,
		AskYes:        bestYes,
		AskNo:         bestNo,
		SlipYesBps:    slipYes * 10000,
		SlipNoBps:     slipNo * 10000,
		FeeFraction:   feeFraction,
		Buffer:        buffer,
		NetEdge:       netEdge,
		Size:          size,
		WorstYesPrice: bestYes,
		WorstNoPrice:  bestNo,
	}

	if netEdge <= e.cfg.MinEdgeThreshold {
		return edge, nil
	}
	edge.Tradable = true

	ttl := e.cfg.DefaultTTLMs
	if ttl <= 0 {
		ttl = 2000
	}
	intents := []types.Intent{
		{
			Type: types.IntentPlace, MarketID: mkt.ConditionID, TokenID: mkt.YesTokenID,
			Side: types.BUY, Price: bestYes, Size: size, TTLMs: ttl, MakerTag: "maker",
		},
		{
			Type: types.IntentPlace, MarketID: mkt.ConditionID, TokenID: mkt.NoTokenID,
			Side: types.BUY, Price: bestNo, Size: size, TTLMs: ttl, MakerTag: "maker",
		},
	}

	e.logger.Info("arbitrage edge fired",
		"market", mkt.ConditionID, "edge", netEdge, "size", size,
		"ask_yes", bestYes, "ask_no", bestNo, "buffer", buffer,
	)

	return edge, intents
}

// UnwindQuote computes an achievable flatten price for one position, bounded
// by max_slippage_bps (§4.6's flatten/unwind guard). qty is the position's
// signed size (positive = long, sells to flatten; negative = short, buys to
// flatten). Returns ok=false if the book has no usable depth.
func UnwindQuote(book types.BookState, qty float64, maxSlippageBps float64) (price, size float64, side types.Side, ok bool) {
	if qty == 0 {
		return 0, 0, "", false
	}
	if maxSlippageBps <= 0 {
		maxSlippageBps = 100
	}
	var levels []types.Level
	if qty > 0 {
		side = types.SELL
		levels = book.Bids
	} else {
		side = types.BUY
		levels = book.Asks
	}
	target := math.Abs(qty)
	size, vwap, _ := walkBook(toFloatLevels(levels), maxSlippageBps, target)
	if size <= 0 {
		return 0, 0, side, false
	}
	return vwap, size, side, true
}
