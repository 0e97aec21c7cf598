// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together every subsystem — market registry, book store, both
// WebSocket feeds, the order state machine, the risk/PnL engine, the
// arbitrage strategy, and the persistence writer — and runs the single
// event-loop goroutine that is the sole mutator of order, position, and book
// state (§5). Everything else (WS readers, REST calls, timers) only ever
// produces onto the normalized event channel or the bounded persistence
// queue; it never touches engine state directly.
//
// Lifecycle: New() → Start() → [runs until Stop()] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	tomb "gopkg.in/tomb.v2"

	"polymarket-mm/internal/api"
	"polymarket-mm/internal/config"
	"polymarket-mm/internal/exchange"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/orders"
	"polymarket-mm/internal/persistence"
	"polymarket-mm/internal/risk"
	"polymarket-mm/internal/strategy"
	"polymarket-mm/pkg/types"
)

// Engine orchestrates all components of the arbitrage system. See package doc.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	registry *market.Registry
	books    *market.BookStore

	auth        *exchange.Auth
	rateLimiter *exchange.RateLimiter
	client      *exchange.Client
	marketFeed  *exchange.WSFeed
	userFeed    *exchange.WSFeed
	normalizer  *exchange.Normalizer

	ordersMgr      *orders.Manager
	riskMgr        *risk.Manager
	strategyEngine *strategy.Engine
	persist        *persistence.Writer

	metrics *metrics

	dashboardEvents chan api.DashboardEvent

	shedding atomic.Bool

	t   tomb.Tomb
	ctx context.Context
}

// New wires every subsystem. If L2 API credentials aren't configured, it
// derives them via L1 (EIP-712) auth before returning.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("component", "engine")

	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: auth: %w", err)
	}

	rl := exchange.NewRateLimiter(cfg.RateLimit)
	registry := market.NewRegistry(cfg.Markets, cfg.API.GammaBaseURL, logger)
	books := market.NewBookStore()
	client := exchange.NewClient(cfg, auth, rl, registry, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials configured, deriving API key via L1 auth")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("engine: derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	persist, err := persistence.New(cfg.Persistence, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: persistence: %w", err)
	}

	if err := registry.LoadAndValidate(context.Background(), cfg.Markets.Enabled); err != nil {
		return nil, fmt.Errorf("engine: load markets: %w", err)
	}

	riskMgr := risk.NewManager(cfg.Risk, persist)
	ordersMgr := orders.NewManager(cfg.Orders, client, rl, registry, persist, logger)
	strategyEngine := strategy.NewEngine(cfg.Strategy, logger)

	marketFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	userFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)
	healthTimeout := time.Duration(cfg.Risk.WSHealthTimeoutSec) * time.Second
	normalizer := exchange.NewNormalizer(marketFeed, userFeed, client, books, registry, healthTimeout, logger)
	marketFeed.SetOnConnect(normalizer.ResyncOnConnect)

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 100)
	}

	if cfg.StartPaused {
		riskMgr.TryTransition(types.StatePaused)
	}

	return &Engine{
		cfg:    cfg,
		logger: logger,

		registry: registry,
		books:    books,

		auth:        auth,
		rateLimiter: rl,
		client:      client,
		marketFeed:  marketFeed,
		userFeed:    userFeed,
		normalizer:  normalizer,

		ordersMgr:      ordersMgr,
		riskMgr:        riskMgr,
		strategyEngine: strategyEngine,
		persist:        persist,

		metrics:         newMetrics(),
		dashboardEvents: dashEvents,
	}, nil
}

// Start launches every background loop under a tomb.Tomb, which supervises
// them cooperatively: any loop returning a non-nil error kills the tomb,
// signaling every other loop to unwind via t.Dying().
func (e *Engine) Start() error {
	e.ctx = e.t.Context(context.Background())

	var tokenIDs []string
	var conditionIDs []string
	for _, mkt := range e.registry.Enabled() {
		conditionIDs = append(conditionIDs, mkt.ConditionID)
		tokenIDs = append(tokenIDs, mkt.YesTokenID, mkt.NoTokenID)
	}

	// Track subscriptions before either feed dials: the feed subscribes from
	// this tracked set on every connect and reconnect (see sendInitialSubscription),
	// so there is no race between "connection established" and "first Subscribe call".
	e.marketFeed.TrackSubscription(tokenIDs)
	e.userFeed.TrackSubscription(conditionIDs)

	e.t.Go(func() error {
		if err := e.marketFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed stopped", "error", err)
		}
		return nil
	})
	e.t.Go(func() error {
		if err := e.userFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user feed stopped", "error", err)
		}
		return nil
	})

	e.t.Go(func() error {
		e.normalizer.Run(e.ctx)
		return nil
	})
	e.t.Go(func() error {
		e.persist.Run(e.ctx)
		return nil
	})
	e.t.Go(e.eventLoop)
	e.t.Go(e.ttlLoop)
	e.t.Go(e.healthLoop)
	e.t.Go(e.snapshotLoop)

	return nil
}

// Stop gracefully shuts down: kills every loop, cancels all live orders on
// the exchange as a safety net, flushes persistence, and waits for every
// goroutine to exit.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.t.Kill(nil)

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.client.CancelAll(cancelCtx); err != nil {
		e.logger.Error("cancel-all on shutdown failed", "error", err)
	}

	e.persist.Stop()

	if err := e.t.Wait(); err != nil {
		e.logger.Error("engine shutdown error", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// event_loop (§4.10)
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) eventLoop() error {
	events := e.normalizer.Events()
	for {
		select {
		case <-e.t.Dying():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			e.metrics.eventQueueLen.Set(float64(len(events)))
			e.dispatch(evt)
		}
	}
}

func (e *Engine) dispatch(evt types.NormalizedEvent) {
	e.metrics.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
	e.persist.PersistEvent(evt)

	switch evt.Kind {
	case types.EventWSHealth:
		e.riskMgr.OnWSHealth(evt.WSHealthyAt)

	case types.EventOrderAck:
		if evt.Ack == nil {
			return
		}
		order, had := e.ordersMgr.Get(evt.Ack.ClientOrderID)
		e.ordersMgr.OnAck(evt.Ack.ClientOrderID, evt.Ack.VenueOrderID)
		if had {
			e.riskMgr.RecordLatency("send_to_ack", msSince(order.CreatedTS, evt.RecvTS))
		}

	case types.EventReject:
		if evt.Reject == nil {
			return
		}
		e.ordersMgr.OnReject(evt.Reject.ClientOrderID, evt.Reject.Reason)
		e.riskMgr.RecordIntentOutcome(false)

	case types.EventCancel:
		if evt.Cancel == nil {
			return
		}
		e.ordersMgr.OnCancel(evt.Cancel.ClientOrderID)

	case types.EventFill:
		e.handleFill(evt)

	case types.EventBookUpdate:
		if evt.TokenID != "" {
			if book, ok := e.books.Get(evt.MarketID, evt.TokenID); ok {
				if mid, ok := book.Mid(); ok {
					e.riskMgr.UpdateMark(evt.MarketID, evt.TokenID, mid)
				}
			}
		}
		if e.shedding.Load() {
			e.logger.Debug("shedding book update under backpressure", "market", evt.MarketID)
			return
		}
		e.runDecisionCycle(evt.MarketID, evt.RecvTS)
	}
}

func (e *Engine) handleFill(evt types.NormalizedEvent) {
	if evt.Fill == nil {
		return
	}
	order, ok := e.ordersMgr.Get(evt.Fill.ClientOrderID)
	if !ok {
		e.logger.Warn("fill for unknown order", "client_order_id", evt.Fill.ClientOrderID)
		return
	}
	if !order.AckTS.IsZero() {
		e.riskMgr.RecordLatency("ack_to_fill", msSince(order.AckTS, evt.RecvTS))
	}
	e.ordersMgr.OnFill(evt.Fill.ClientOrderID, evt.Fill.Size)

	var feeRateBps int
	if mkt, ok := e.registry.Get(order.MarketID); ok {
		feeRateBps = mkt.FeeRateBps
	}
	book, _ := e.books.Get(order.MarketID, order.TokenID)
	e.riskMgr.OnFill(order.MarketID, order.TokenID, feeRateBps, *evt.Fill, book)
	e.persist.PersistFill(*evt.Fill, evt.RecvTS)
}

func msSince(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000
}

// ————————————————————————————————————————————————————————————————————————
// _run_decision_cycle (§4.10)
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) runDecisionCycle(marketID string, recvTS time.Time) {
	if e.riskMgr.State() == types.StateFlattening {
		return
	}

	mkt, ok := e.registry.Get(marketID)
	if !ok || !mkt.IsBinaryYesNo {
		e.registry.Disable(marketID, "no valid binary yes/no mapping")
		e.logger.Error("decision cycle: market has no usable binary mapping", "market", marketID)
		return
	}

	yesBook, _ := e.books.Get(marketID, mkt.YesTokenID)
	noBook, _ := e.books.Get(marketID, mkt.NoTokenID)

	start := time.Now()
	_, intents := e.strategyEngine.Evaluate(mkt, yesBook, noBook)
	e.riskMgr.RecordLatency("ws_recv_to_decision", msSince(recvTS, start))

	for _, intent := range intents {
		e.dispatchIntent(intent, false)
	}
}

// dispatchIntent runs one intent through the risk gate (Place only) and the
// order state machine, persisting the intent's outcome and any resulting
// order upsert. riskBreach marks a flatten-originated cancel or unwind.
func (e *Engine) dispatchIntent(intent types.Intent, riskBreach bool) {
	if intent.Type == types.IntentPlace {
		if ok, reason := e.riskMgr.CanPlace(intent, e.ordersMgr); !ok {
			e.logger.Warn("risk gate rejected intent", "market", intent.MarketID, "token", intent.TokenID, "reason", reason)
			e.riskMgr.RecordIntentOutcome(false)
			e.metrics.decisionsTotal.WithLabelValues("risk_rejected").Inc()
			e.persist.PersistIntent(intent, types.OrderDecision{Accepted: false, Reason: reason})
			return
		}
	}

	sendStart := time.Now()
	decision := e.ordersMgr.ProcessIntent(e.ctx, intent, riskBreach)
	e.riskMgr.RecordLatency("decision_to_send", msSince(sendStart, time.Now()))
	e.riskMgr.RecordIntentOutcome(decision.Accepted)
	e.persist.PersistIntent(intent, decision)

	if decision.Accepted {
		e.metrics.decisionsTotal.WithLabelValues("accepted").Inc()
		if intent.Type == types.IntentPlace {
			e.metrics.edgeFires.Inc()
		}
	} else {
		e.metrics.decisionsTotal.WithLabelValues("rejected").Inc()
	}

	if decision.ClientOrderID == "" {
		return
	}
	if order, ok := e.ordersMgr.Get(decision.ClientOrderID); ok {
		e.persist.PersistOrder(order)
	}
}

// ————————————————————————————————————————————————————————————————————————
// ttl_loop (§4.10, 250ms)
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) ttlLoop() error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.t.Dying():
			return nil
		case <-ticker.C:
			e.ordersMgr.ReapExpired(e.ctx)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// health_loop (§4.10, 1s)
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) healthLoop() error {
	period := e.cfg.Engine.HealthLoopPeriod
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.t.Dying():
			return nil
		case <-ticker.C:
			e.runHealthCheck()
		}
	}
}

func (e *Engine) runHealthCheck() {
	qlen := len(e.normalizer.Events())
	hw := e.cfg.Engine.EventQueueHighWatermark
	overQueue := hw > 0 && qlen > hw
	e.shedding.Store(overQueue)
	if overQueue {
		e.logger.Warn("event queue over high watermark, shedding book updates and forcing resync", "queue_len", qlen, "watermark", hw)
		e.riskMgr.TryTransition(types.StatePaused)
		for _, mkt := range e.registry.Enabled() {
			go e.normalizer.ResyncMarket(context.Background(), mkt.ConditionID)
		}
	}

	if pendHW := e.cfg.Persistence.HighWatermark; pendHW > 0 && e.persist.PendingCount() > pendHW {
		e.logger.Warn("persistence queue over high watermark, pausing trading", "pending", e.persist.PendingCount())
		e.riskMgr.TryTransition(types.StatePaused)
	}

	if tripped, reason := e.riskMgr.EvaluateCircuitBreakers(); tripped && e.riskMgr.State() == types.StateRunning {
		e.metrics.breakerTrips.WithLabelValues(reason).Inc()
		e.logger.Error("circuit breaker tripped", "reason", reason)
		if e.riskMgr.TryTransition(types.StateFlattening) {
			e.flattenAll()
			e.riskMgr.TryTransition(types.StateSafe)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// _flatten_all (§4.10)
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) flattenAll() {
	e.logger.Warn("flattening all markets")

	for _, mkt := range e.registry.Enabled() {
		for _, order := range e.ordersMgr.LiveOrdersForMarket(mkt.ConditionID) {
			e.dispatchIntent(types.Intent{
				Type:     types.IntentCancel,
				MarketID: order.MarketID,
				TokenID:  order.TokenID,
				OrderRef: order.ClientOrderID,
			}, true)
		}
	}

	if e.cfg.Strategy.FlattenMode != "cancel_and_unwind" {
		return
	}

	for _, pos := range e.riskMgr.Positions() {
		if pos.Qty == 0 {
			continue
		}
		book, ok := e.books.Get(pos.MarketID, pos.TokenID)
		if !ok {
			continue
		}
		price, size, side, ok := strategy.UnwindQuote(book, pos.Qty, e.cfg.Strategy.MaxSlippageBps)
		if !ok {
			e.logger.Warn("unwind quote unavailable, position left open", "market", pos.MarketID, "token", pos.TokenID, "qty", pos.Qty)
			continue
		}
		e.dispatchIntent(types.Intent{
			Type:     types.IntentPlace,
			MarketID: pos.MarketID,
			TokenID:  pos.TokenID,
			Side:     side,
			Price:    price,
			Size:     size,
			TTLMs:    e.cfg.Strategy.DefaultTTLMs,
		}, true)
	}
}

// ————————————————————————————————————————————————————————————————————————
// snapshot_loop (§4.10, 5s)
// ————————————————————————————————————————————————————————————————————————

// maxBookSnapshotsPerTick bounds how many markets' books get persisted each
// snapshot tick, so a large market list never turns one tick into an
// unbounded burst of writes.
const maxBookSnapshotsPerTick = 50

func (e *Engine) snapshotLoop() error {
	period := e.cfg.Engine.SnapshotLoopPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.t.Dying():
			return nil
		case <-ticker.C:
			e.runSnapshot()
		}
	}
}

func (e *Engine) runSnapshot() {
	e.riskMgr.PersistSnapshot()

	if p50, p95, p99, mean, ok := e.riskMgr.LatencyPercentiles(); ok {
		e.logger.Debug("latency snapshot", "p50_ms", p50, "p95_ms", p95, "p99_ms", p99, "mean_ms", mean)
	}

	for _, pos := range e.riskMgr.Positions() {
		e.persist.PersistPosition(pos)
	}

	enabled := e.registry.Enabled()
	if len(enabled) > maxBookSnapshotsPerTick {
		e.logger.Debug("truncating book snapshot set this tick", "markets", len(enabled), "cap", maxBookSnapshotsPerTick)
		enabled = enabled[:maxBookSnapshotsPerTick]
	}
	for _, mkt := range enabled {
		if book, ok := e.books.Get(mkt.ConditionID, mkt.YesTokenID); ok {
			e.persist.PersistBookSnapshot(book)
		}
		if book, ok := e.books.Get(mkt.ConditionID, mkt.NoTokenID); ok {
			e.persist.PersistBookSnapshot(book)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard provider (internal/api.MarketSnapshotProvider)
// ————————————————————————————————————————————————————————————————————————

// Snapshot builds the current dashboard view directly from engine state.
func (e *Engine) Snapshot() api.DashboardSnapshot {
	enabled := e.registry.Enabled()
	markets := make([]api.MarketStatus, 0, len(enabled))
	for _, mkt := range enabled {
		yesBook, _ := e.books.Get(mkt.ConditionID, mkt.YesTokenID)
		noBook, _ := e.books.Get(mkt.ConditionID, mkt.NoTokenID)
		markets = append(markets, api.MarketStatus{
			ConditionID:   mkt.ConditionID,
			Slug:          mkt.Slug,
			Question:      mkt.Question,
			IsBinaryYesNo: mkt.IsBinaryYesNo,
			InvalidReason: mkt.InvalidReason,
			YesBestBid:    yesBook.BestBid(),
			YesBestAsk:    yesBook.BestAsk(),
			NoBestBid:     noBook.BestBid(),
			NoBestAsk:     noBook.BestAsk(),
			LastUpdated:   latestOf(yesBook.RecvTS, noBook.RecvTS),
		})
	}

	positions := e.riskMgr.Positions()
	posViews := make([]api.PositionView, 0, len(positions))
	for _, p := range positions {
		posViews = append(posViews, api.PositionView{
			MarketID: p.MarketID, TokenID: p.TokenID, Qty: p.Qty, AvgPrice: p.AvgPrice, UpdatedTS: p.UpdatedTS,
		})
	}

	managed := e.ordersMgr.Snapshot()
	orderViews := make([]api.OrderView, 0, len(managed))
	for _, o := range managed {
		orderViews = append(orderViews, api.OrderView{
			ClientOrderID: o.ClientOrderID, VenueOrderID: o.VenueOrderID,
			MarketID: o.MarketID, TokenID: o.TokenID, Side: string(o.Side),
			Price: o.Price, Size: o.Size, RemainingSize: o.RemainingSize,
			Status: string(o.Status), CreatedTS: o.CreatedTS,
		})
	}

	snap := e.riskMgr.Snapshot()

	return api.DashboardSnapshot{
		Timestamp:   time.Now(),
		EngineState: string(snap.State),
		Markets:     markets,
		Positions:   posViews,
		Orders:      orderViews,
		Risk: api.RiskView{
			State: string(snap.State), Cash: snap.Cash, RealizedPnL: snap.RealizedPnL,
			UnrealizedPnL: snap.UnrealizedPnL, Equity: snap.Equity, PeakEquity: snap.PeakEquity,
			Drawdown: snap.Drawdown, TotalExposure: snap.TotalExposure,
			HourlyPnL: snap.HourlyPnL, DailyPnL: snap.DailyPnL,
		},
		Config: api.NewConfigSummary(e.cfg),
	}
}

// DashboardEvents exposes the engine's outbound event channel to the
// dashboard server, which type-asserts for it (internal/api.Server).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent { return e.dashboardEvents }

func latestOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
