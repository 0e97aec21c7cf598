package exchange

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"polymarket-mm/internal/market"
	"polymarket-mm/pkg/types"
)

// Normalizer fuses the market and user WebSocket feeds into the canonical
// NormalizedEvent stream the engine's single event loop consumes (§4.7,
// §4.8). It owns book-level anomaly detection (crossed book, out-of-range
// prices, unexpectedly empty active book) and triggers a REST resync when
// one fires, and it watches both feeds for silence past a configurable
// timeout.
type Normalizer struct {
	marketFeed *WSFeed
	userFeed   *WSFeed
	client     *Client
	books      *market.BookStore
	registry   *market.Registry
	logger     *slog.Logger

	healthTimeout time.Duration

	out chan types.NormalizedEvent

	mu            sync.Mutex
	lastMarketMsg time.Time
	lastUserMsg   time.Time
}

// NewNormalizer builds a Normalizer wired to both feeds and the shared book
// store/registry.
func NewNormalizer(marketFeed, userFeed *WSFeed, client *Client, books *market.BookStore, registry *market.Registry, healthTimeout time.Duration, logger *slog.Logger) *Normalizer {
	if healthTimeout <= 0 {
		healthTimeout = 30 * time.Second
	}
	now := time.Now()
	return &Normalizer{
		marketFeed:    marketFeed,
		userFeed:      userFeed,
		client:        client,
		books:         books,
		registry:      registry,
		logger:        logger.With("component", "normalizer"),
		healthTimeout: healthTimeout,
		out:           make(chan types.NormalizedEvent, 1024),
		lastMarketMsg: now,
		lastUserMsg:   now,
	}
}

// Events returns the canonical event stream consumed by the engine loop.
func (n *Normalizer) Events() <-chan types.NormalizedEvent { return n.out }

// Run fans in both feeds until ctx is cancelled.
func (n *Normalizer) Run(ctx context.Context) {
	healthTicker := time.NewTicker(n.healthTimeout / 2)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-n.marketFeed.BookEvents():
			if !ok {
				continue
			}
			n.touchMarket()
			n.handleBook(evt)
		case evt, ok := <-n.marketFeed.PriceChangeEvents():
			if !ok {
				continue
			}
			n.touchMarket()
			n.handlePriceChange(evt)
		case evt, ok := <-n.userFeed.TradeEvents():
			if !ok {
				continue
			}
			n.touchUser()
			n.handleTrade(evt)
		case evt, ok := <-n.userFeed.OrderEvents():
			if !ok {
				continue
			}
			n.touchUser()
			n.handleOrder(evt)
		case <-healthTicker.C:
			n.checkHealth(ctx)
		}
	}
}

func (n *Normalizer) touchMarket() {
	n.mu.Lock()
	n.lastMarketMsg = time.Now()
	n.mu.Unlock()
}

func (n *Normalizer) touchUser() {
	n.mu.Lock()
	n.lastUserMsg = time.Now()
	n.mu.Unlock()
}

// checkHealth emits EventWSHealth; WSHealthyAt is the zero time when either
// feed has gone silent past the timeout, signaling the risk engine's WS
// watchdog breaker (§4.5, §4.8).
func (n *Normalizer) checkHealth(ctx context.Context) {
	n.mu.Lock()
	marketSilent := time.Since(n.lastMarketMsg) > n.healthTimeout
	userSilent := time.Since(n.lastUserMsg) > n.healthTimeout
	n.mu.Unlock()

	evt := types.NormalizedEvent{Kind: types.EventWSHealth, RecvTS: time.Now()}
	if !marketSilent && !userSilent {
		evt.WSHealthyAt = time.Now()
	}
	n.emit(ctx, evt)
}

func (n *Normalizer) emit(ctx context.Context, evt types.NormalizedEvent) {
	select {
	case n.out <- evt:
	case <-ctx.Done():
	default:
		n.logger.Warn("normalized event queue full, dropping event", "kind", evt.Kind)
	}
}

func (n *Normalizer) handleBook(evt types.WSBookEvent) {
	mkt, ok := n.registry.MarketForToken(evt.AssetID)
	if !ok {
		n.logger.Debug("book event for unknown token", "asset_id", evt.AssetID)
		return
	}
	bids := market.LevelsFromPriceLevels(evt.Buys)
	asks := market.LevelsFromPriceLevels(evt.Sells)
	market.SortBids(bids)
	market.SortAsks(asks)

	active := mkt.AcceptingOrders
	if evt.MarketActive != nil {
		active = *evt.MarketActive
	}
	recvTS := time.Now()
	exchangeTS := parseTimestamp(evt.Timestamp)

	if err := n.books.Upsert(mkt.ConditionID, evt.AssetID, bids, asks, recvTS, exchangeTS, active, true); err != nil {
		n.logger.Warn("book invariant violation, triggering resync", "market", mkt.ConditionID, "token", evt.AssetID, "error", err)
		go n.ResyncMarket(context.Background(), mkt.ConditionID)
		return
	}

	state, _ := n.books.Get(mkt.ConditionID, evt.AssetID)
	n.emit(context.Background(), types.NormalizedEvent{
		Kind: types.EventBookUpdate, MarketID: mkt.ConditionID, TokenID: evt.AssetID,
		RecvTS: recvTS, ExchangeTS: exchangeTS, Book: &state,
	})
}

func (n *Normalizer) handlePriceChange(evt types.WSPriceChangeEvent) {
	if len(evt.PriceChanges) == 0 {
		return
	}
	// Every change in a single event shares one asset_id in practice; group
	// defensively in case the venue ever batches across tokens.
	byAsset := make(map[string][]types.WSPriceChange)
	for _, pc := range evt.PriceChanges {
		byAsset[pc.AssetID] = append(byAsset[pc.AssetID], pc)
	}

	for assetID, changes := range byAsset {
		mkt, ok := n.registry.MarketForToken(assetID)
		if !ok {
			continue
		}
		current, _ := n.books.Get(mkt.ConditionID, assetID)
		bids := append([]types.Level(nil), current.Bids...)
		asks := append([]types.Level(nil), current.Asks...)

		for _, pc := range changes {
			price, err := strconv.ParseFloat(pc.Price, 64)
			if err != nil {
				continue
			}
			size, err := strconv.ParseFloat(pc.Size, 64)
			if err != nil || size < 0 {
				continue
			}
			if pc.Side == string(types.BUY) {
				bids = applyLevel(bids, price, size)
			} else {
				asks = applyLevel(asks, price, size)
			}
		}
		market.SortBids(bids)
		market.SortAsks(asks)

		recvTS := time.Now()
		exchangeTS := parseTimestamp(evt.Timestamp)
		if err := n.books.Upsert(mkt.ConditionID, assetID, bids, asks, recvTS, exchangeTS, current.Active, true); err != nil {
			n.logger.Warn("price_change invariant violation, triggering resync", "market", mkt.ConditionID, "token", assetID, "error", err)
			go n.ResyncMarket(context.Background(), mkt.ConditionID)
			continue
		}
		state, _ := n.books.Get(mkt.ConditionID, assetID)
		n.emit(context.Background(), types.NormalizedEvent{
			Kind: types.EventBookUpdate, MarketID: mkt.ConditionID, TokenID: assetID,
			RecvTS: recvTS, ExchangeTS: exchangeTS, Book: &state,
		})
	}
}

// applyLevel upserts or removes (size == 0) a single price level.
func applyLevel(levels []types.Level, price, size float64) []types.Level {
	for i, l := range levels {
		if l.Price == price {
			if size == 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size == 0 {
		return levels
	}
	return append(levels, types.Level{Price: price, Size: size})
}

func (n *Normalizer) handleTrade(evt types.WSTradeEvent) {
	price, _ := strconv.ParseFloat(evt.Price, 64)
	size, _ := strconv.ParseFloat(evt.Size, 64)
	mkt, _ := n.registry.Get(evt.Market)
	marketID := evt.Market
	if mkt != nil {
		marketID = mkt.ConditionID
	}
	n.emit(context.Background(), types.NormalizedEvent{
		Kind: types.EventFill, MarketID: marketID, TokenID: evt.AssetID,
		RecvTS: time.Now(), ExchangeTS: parseTimestamp(evt.Timestamp),
		CorrelationID: evt.ClientOrderID,
		Fill: &types.FillPayload{
			ClientOrderID: evt.ClientOrderID, VenueOrderID: evt.OrderID,
			Side: types.Side(evt.Side), Price: price, Size: size, TradeID: evt.ID,
		},
	})
}

func (n *Normalizer) handleOrder(evt types.WSOrderEvent) {
	recvTS := time.Now()
	exchangeTS := parseTimestamp(evt.Timestamp)
	base := types.NormalizedEvent{
		MarketID: evt.Market, TokenID: evt.AssetID, RecvTS: recvTS, ExchangeTS: exchangeTS,
		CorrelationID: evt.ClientOrderID,
	}
	switch evt.Type {
	case "PLACEMENT", "UPDATE":
		base.Kind = types.EventOrderAck
		base.Ack = &types.AckPayload{ClientOrderID: evt.ClientOrderID, VenueOrderID: evt.ID}
	case "CANCELLATION":
		base.Kind = types.EventCancel
		base.Cancel = &types.CancelPayload{ClientOrderID: evt.ClientOrderID, VenueOrderID: evt.ID}
	case "REJECTED":
		base.Kind = types.EventReject
		base.Reject = &types.RejectPayload{ClientOrderID: evt.ClientOrderID, Reason: "venue rejected"}
	default:
		n.logger.Debug("unrecognized order event type", "type", evt.Type)
		return
	}
	n.emit(context.Background(), base)
}

// ResyncOnConnect resyncs every market backing the given market-channel asset
// IDs — wired as the market feed's on-connect hook so a fresh connection
// (initial or after a reconnect) always starts from a REST snapshot rather
// than deltas that may have been missed while disconnected (§4.7).
func (n *Normalizer) ResyncOnConnect(ctx context.Context, tokenIDs []string) {
	seen := make(map[string]bool, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		mkt, ok := n.registry.MarketForToken(tokenID)
		if !ok || seen[mkt.ConditionID] {
			continue
		}
		seen[mkt.ConditionID] = true
		n.ResyncMarket(ctx, mkt.ConditionID)
	}
}

// ResyncMarket re-fetches both tokens' books over REST concurrently and
// replaces local state — the recovery path for any detected book anomaly
// (§4.2, §7).
func (n *Normalizer) ResyncMarket(ctx context.Context, conditionID string) {
	mkt, ok := n.registry.Get(conditionID)
	if !ok {
		return
	}
	var wg sync.WaitGroup
	for _, tokenID := range []string{mkt.YesTokenID, mkt.NoTokenID} {
		tokenID := tokenID
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := n.client.GetOrderBook(ctx, tokenID)
			if err != nil {
				n.logger.Error("resync fetch failed", "market", conditionID, "token", tokenID, "error", err)
				return
			}
			bids := market.LevelsFromPriceLevels(resp.Bids)
			asks := market.LevelsFromPriceLevels(resp.Asks)
			market.SortBids(bids)
			market.SortAsks(asks)
			recvTS := time.Now()
			if err := n.books.Upsert(conditionID, tokenID, bids, asks, recvTS, recvTS, resp.MarketActive, false); err != nil {
				n.logger.Error("resync produced an invalid book, marking stale", "market", conditionID, "token", tokenID, "error", err)
				n.books.MarkStale(conditionID, tokenID)
				return
			}
			state, _ := n.books.Get(conditionID, tokenID)
			n.emit(ctx, types.NormalizedEvent{
				Kind: types.EventBookUpdate, MarketID: conditionID, TokenID: tokenID,
				RecvTS: recvTS, ExchangeTS: recvTS, Book: &state,
			})
		}()
	}
	wg.Wait()
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms > 1e12 {
			return time.UnixMilli(ms)
		}
		return time.Unix(ms, 0)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}
