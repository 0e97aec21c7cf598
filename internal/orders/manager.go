// Package orders implements the order state machine (§4.3): the single
// mutation owner for every ManagedOrder the engine has ever placed.
//
// Manager is not safe to call from more than one goroutine concurrently by
// design — the engine's single event-loop goroutine is its only caller,
// mirroring the teacher's single-writer book store. All locking inside
// Manager exists only to let read-only accessors (dashboard, tests) observe
// state without blocking the writer.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/pkg/types"
)

// Execution is the venue-facing adapter the manager drives. Implemented by
// internal/exchange.Client.
type Execution interface {
	PlaceOrder(ctx context.Context, marketID, tokenID string, side types.Side, price, size float64, clientOrderID string, ttlMs int64) (types.PlaceResult, error)
	CancelOrder(ctx context.Context, orderRef string) (types.CancelResult, error)
}

// RateLimiter is the subset of internal/exchange.RateLimiter the manager
// depends on, named locally so this package has no compile-time dependency
// on the exchange package's concrete type.
type RateLimiter interface {
	AcquirePost(ctx context.Context) error
	AcquireDelete(ctx context.Context) error
	RecordResponse(statusCode int)
}

// Persister receives a copy of every order mutation for durable storage.
// Implemented by internal/persistence.Writer. Calls must never block the
// caller — implementations enqueue onto an internal buffered channel.
type Persister interface {
	PersistOrder(order types.ManagedOrder)
}

type dedupEntry struct {
	expiresAt time.Time
}

// Manager owns every ManagedOrder's lifecycle. See package doc.
type Manager struct {
	cfg      config.OrdersConfig
	exec     Execution
	rl       RateLimiter
	registry *market.Registry
	persist  Persister
	logger   *slog.Logger

	mu sync.RWMutex

	orders       map[string]*types.ManagedOrder // by client_order_id
	venueIndex   map[string]string              // venue_order_id -> client_order_id
	fingerprints map[string]string              // fingerprint -> client_order_id (live orders only)

	dedup map[string]dedupEntry // fingerprint -> expiry, for intent-level dedup

	cancelChurn map[string][]time.Time // market_id -> recent cancel-initiation timestamps
}

// NewManager builds an order state machine. registry supplies per-market
// quantization (tick size / min order size) so Place always sends a
// venue-legal price and size.
func NewManager(cfg config.OrdersConfig, exec Execution, rl RateLimiter, registry *market.Registry, persist Persister, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		exec:         exec,
		rl:           rl,
		registry:     registry,
		persist:      persist,
		logger:       logger.With("component", "orders"),
		orders:       make(map[string]*types.ManagedOrder),
		venueIndex:   make(map[string]string),
		fingerprints: make(map[string]string),
		dedup:        make(map[string]dedupEntry),
		cancelChurn:  make(map[string][]time.Time),
	}
}

// ProcessIntent dispatches a strategy Intent to Place or Cancel. riskBreach
// marks a cancel issued as part of a flatten — it bypasses the minimum
// order lifetime floor (§8: a flatten must never be blocked by it).
func (m *Manager) ProcessIntent(ctx context.Context, intent types.Intent, riskBreach bool) types.OrderDecision {
	switch intent.Type {
	case types.IntentPlace:
		return m.place(ctx, intent)
	case types.IntentCancel:
		return m.cancel(ctx, intent.OrderRef, riskBreach)
	default:
		return types.OrderDecision{Accepted: true, Reason: intent.Reason}
	}
}

func (m *Manager) place(ctx context.Context, intent types.Intent) types.OrderDecision {
	price, priceTicks, err := m.registry.QuantizePrice(intent.MarketID, intent.Price)
	if err != nil {
		return types.OrderDecision{Reason: fmt.Sprintf("quantize price: %v", err)}
	}
	size, sizeUnits, err := m.registry.QuantizeSize(intent.MarketID, intent.Size)
	if err != nil {
		return types.OrderDecision{Reason: fmt.Sprintf("quantize size: %v", err)}
	}
	if sizeUnits <= 0 {
		return types.OrderDecision{Reason: "quantized size is zero"}
	}

	fp := types.FingerprintKey(intent.MarketID, intent.TokenID, intent.Side, priceTicks, sizeUnits)

	m.mu.Lock()
	m.evictExpiredDedupLocked()
	if entry, ok := m.dedup[fp]; ok && time.Now().Before(entry.expiresAt) {
		m.mu.Unlock()
		return types.OrderDecision{Reason: "intent_duplicate"}
	}
	if conflictingID, ok := m.fingerprints[fp]; ok {
		// I3: a live order already occupies this exact (market, token, side,
		// price, size) slot. The caller's strategy recomputes on the next
		// cycle; we don't silently merge.
		m.mu.Unlock()
		m.logger.Debug("conflicting live order at fingerprint, skipping place",
			"fingerprint", fp, "existing_client_order_id", conflictingID)
		return types.OrderDecision{Reason: "semantic_duplicate"}
	}

	// A live order on the same (market, token, side) but a different
	// (price, size) must be cancelled before the new one is sent — the
	// manager never lets two resting orders compete on the same side.
	staleID, hasStale := m.findConflictingLiveOrderLocked(intent.MarketID, intent.TokenID, intent.Side)

	if len(m.dedup) >= dedupMaxEntries(m.cfg) {
		// Overflow guard: clear rather than let the map grow unbounded.
		m.dedup = make(map[string]dedupEntry)
	}
	m.dedup[fp] = dedupEntry{expiresAt: time.Now().Add(dedupTTL(m.cfg))}
	m.mu.Unlock()

	if hasStale {
		cancelDecision := m.cancel(ctx, staleID, false)
		if !cancelDecision.Accepted {
			return types.OrderDecision{Reason: fmt.Sprintf("could not cancel conflicting order: %s", cancelDecision.Reason)}
		}
	}

	m.mu.Lock()
	clientOrderID := uuid.NewString()
	now := time.Now()
	order := &types.ManagedOrder{
		ClientOrderID: clientOrderID,
		MarketID:      intent.MarketID,
		TokenID:       intent.TokenID,
		Side:          intent.Side,
		Price:         price,
		Size:          size,
		RemainingSize: size,
		Status:        types.OrderNew,
		CreatedTS:     now,
		LastUpdateTS:  now,
		TTLMs:         intent.TTLMs,
	}
	m.orders[clientOrderID] = order
	m.fingerprints[fp] = clientOrderID
	m.mu.Unlock()

	m.persistLocked(*order)

	if err := m.rl.AcquirePost(ctx); err != nil {
		m.transition(clientOrderID, types.OrderRejected, func(o *types.ManagedOrder) {})
		return types.OrderDecision{Reason: fmt.Sprintf("rate limiter: %v", err)}
	}

	m.transition(clientOrderID, types.OrderSent, func(o *types.ManagedOrder) {})

	res, err := m.exec.PlaceOrder(ctx, intent.MarketID, intent.TokenID, intent.Side, price, size, clientOrderID, intent.TTLMs)
	if err != nil {
		m.rl.RecordResponse(599)
		m.transition(clientOrderID, types.OrderRejected, func(o *types.ManagedOrder) {})
		return types.OrderDecision{Accepted: true, ClientOrderID: clientOrderID, Reason: fmt.Sprintf("place failed: %v", err)}
	}
	m.rl.RecordResponse(res.StatusCode)

	if !res.OK {
		m.transition(clientOrderID, types.OrderRejected, func(o *types.ManagedOrder) {})
		return types.OrderDecision{Accepted: true, ClientOrderID: clientOrderID, Reason: res.Error}
	}

	m.mu.Lock()
	if o, ok := m.orders[clientOrderID]; ok && res.OrderID != "" {
		o.VenueOrderID = res.OrderID
		m.venueIndex[res.OrderID] = clientOrderID
	}
	m.mu.Unlock()

	return types.OrderDecision{Accepted: true, ClientOrderID: clientOrderID}
}

func (m *Manager) cancel(ctx context.Context, orderRef string, riskBreach bool) types.OrderDecision {
	m.mu.RLock()
	clientOrderID, order := m.resolveLocked(orderRef)
	m.mu.RUnlock()
	if order == nil {
		return types.OrderDecision{Reason: "unknown order_ref"}
	}
	if order.Status.IsTerminal() || order.Status == types.OrderCancelSent {
		return types.OrderDecision{Reason: fmt.Sprintf("order already %s", order.Status)}
	}

	if !riskBreach && m.cfg.MinOrderLifetime > 0 && time.Since(order.CreatedTS) < m.cfg.MinOrderLifetime {
		return types.OrderDecision{Reason: "below minimum order lifetime"}
	}

	if !riskBreach && m.cancelChurnExceeded(order.MarketID) {
		return types.OrderDecision{Reason: "cancel-churn cap exceeded for market"}
	}
	m.recordCancelChurn(order.MarketID)

	m.transition(clientOrderID, types.OrderCancelSent, func(o *types.ManagedOrder) {
		o.RiskBreach = riskBreach
	})

	if err := m.rl.AcquireDelete(ctx); err != nil {
		return types.OrderDecision{Accepted: true, ClientOrderID: clientOrderID, Reason: fmt.Sprintf("rate limiter: %v", err)}
	}

	ref := order.VenueOrderID
	if ref == "" {
		ref = clientOrderID
	}
	res, err := m.exec.CancelOrder(ctx, ref)
	if err != nil {
		m.rl.RecordResponse(599)
		return types.OrderDecision{Accepted: true, ClientOrderID: clientOrderID, Reason: fmt.Sprintf("cancel failed: %v", err)}
	}
	m.rl.RecordResponse(res.StatusCode)
	if !res.OK {
		return types.OrderDecision{Accepted: true, ClientOrderID: clientOrderID, Reason: res.Error}
	}
	return types.OrderDecision{Accepted: true, ClientOrderID: clientOrderID}
}

// resolveLocked looks up an order by client_order_id first, venue_order_id
// second. Caller must hold at least a read lock.
func (m *Manager) resolveLocked(orderRef string) (string, *types.ManagedOrder) {
	if o, ok := m.orders[orderRef]; ok {
		return orderRef, o
	}
	if clientID, ok := m.venueIndex[orderRef]; ok {
		return clientID, m.orders[clientID]
	}
	return "", nil
}

// findConflictingLiveOrderLocked returns a live order on the same
// (market, token, side) whose fingerprint therefore necessarily differs
// (an exact match is filtered out earlier, by m.fingerprints[fp]). Caller
// must hold m.mu.
func (m *Manager) findConflictingLiveOrderLocked(marketID, tokenID string, side types.Side) (string, bool) {
	for id, o := range m.orders {
		if o.MarketID == marketID && o.TokenID == tokenID && o.Side == side && o.Status.IsLive() {
			return id, true
		}
	}
	return "", false
}

func (m *Manager) cancelChurnExceeded(marketID string) bool {
	limit := m.cfg.MaxCancelsPerSecPerMkt
	if limit <= 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-time.Second)
	count := 0
	for _, ts := range m.cancelChurn[marketID] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count >= limit
}

func (m *Manager) recordCancelChurn(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-time.Second)
	hist := m.cancelChurn[marketID]
	pruned := hist[:0]
	for _, ts := range hist {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	m.cancelChurn[marketID] = append(pruned, time.Now())
}

// ————————————————————————————————————————————————————————————————————————
// Venue event callbacks
// ————————————————————————————————————————————————————————————————————————

// OnAck marks an order acknowledged by the venue (book-resting confirmed).
func (m *Manager) OnAck(clientOrderID, venueOrderID string) {
	m.transition(clientOrderID, types.OrderAcked, func(o *types.ManagedOrder) {
		o.AckTS = time.Now()
		if venueOrderID != "" {
			o.VenueOrderID = venueOrderID
			// transition already holds m.mu while mutate runs.
			m.venueIndex[venueOrderID] = clientOrderID
		}
	})
}

// OnFill applies a fill to the order's remaining size and transitions to
// PARTIAL or FILLED accordingly.
func (m *Manager) OnFill(clientOrderID string, fillSize float64) {
	m.mu.Lock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if o.FirstFillTS.IsZero() {
		o.FirstFillTS = time.Now()
	}
	o.RemainingSize -= fillSize
	if o.RemainingSize < 0 {
		o.RemainingSize = 0
	}
	next := types.OrderPartial
	if o.RemainingSize <= 1e-9 {
		next = types.OrderFilled
	}
	o.Status = next
	o.LastUpdateTS = time.Now()
	if next.IsTerminal() {
		m.releaseFingerprintLocked(o)
	}
	snapshot := *o
	m.mu.Unlock()

	m.persistLocked(snapshot)
}

// OnCancel confirms a cancel the manager requested (or the venue initiated).
func (m *Manager) OnCancel(clientOrderID string) {
	m.transition(clientOrderID, types.OrderCanceled, func(o *types.ManagedOrder) {})
}

// OnReject records a venue rejection for an order still in flight.
func (m *Manager) OnReject(clientOrderID, reason string) {
	m.transition(clientOrderID, types.OrderRejected, func(o *types.ManagedOrder) {})
}

// OnClose marks an order fully closed (venue-side terminal, no further fills
// possible) without a specific terminal reason.
func (m *Manager) OnClose(clientOrderID string) {
	m.transition(clientOrderID, types.OrderClosed, func(o *types.ManagedOrder) {})
}

func (m *Manager) transition(clientOrderID string, next types.OrderStatus, mutate func(*types.ManagedOrder)) {
	m.mu.Lock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if o.Status.IsTerminal() {
		// I4: terminal statuses are absorbing — a late venue callback (e.g. a
		// CANCELLATION event for an order already reaped as EXPIRED) is a no-op.
		m.mu.Unlock()
		return
	}
	mutate(o)
	o.Status = next
	o.LastUpdateTS = time.Now()
	if next.IsTerminal() {
		m.releaseFingerprintLocked(o)
	}
	snapshot := *o
	m.mu.Unlock()

	m.persistLocked(snapshot)
}

func (m *Manager) releaseFingerprintLocked(o *types.ManagedOrder) {
	for fp, id := range m.fingerprints {
		if id == o.ClientOrderID {
			delete(m.fingerprints, fp)
			break
		}
	}
}

func (m *Manager) persistLocked(order types.ManagedOrder) {
	if m.persist != nil {
		m.persist.PersistOrder(order)
	}
}

func (m *Manager) evictExpiredDedupLocked() {
	now := time.Now()
	for k, v := range m.dedup {
		if now.After(v.expiresAt) {
			delete(m.dedup, k)
		}
	}
}

func dedupTTL(cfg config.OrdersConfig) time.Duration {
	if cfg.IntentDedupTTL > 0 {
		return cfg.IntentDedupTTL
	}
	return 2 * time.Second
}

func dedupMaxEntries(cfg config.OrdersConfig) int {
	if cfg.IntentDedupMaxEntries > 0 {
		return cfg.IntentDedupMaxEntries
	}
	return 20000
}

// ————————————————————————————————————————————————————————————————————————
// TTL reaper
// ————————————————————————————————————————————————————————————————————————

// ReapExpired cancels every live order whose TTL has elapsed. Called on a
// ~250ms cadence by the engine's ttl_loop. A successful cancel is marked
// EXPIRED rather than left for the venue's generic CANCELED callback, per
// the cancel-path-with-risk_breach=false contract for TTL-driven cancels.
func (m *Manager) ReapExpired(ctx context.Context) {
	now := time.Now()
	m.mu.RLock()
	var expired []string
	for id, o := range m.orders {
		if !o.Status.IsLive() || o.TTLMs <= 0 {
			continue
		}
		if now.Sub(o.CreatedTS) >= time.Duration(o.TTLMs)*time.Millisecond {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		decision := m.cancel(ctx, id, false)
		if decision.Accepted && decision.Reason == "" {
			m.transition(id, types.OrderExpired, func(o *types.ManagedOrder) {})
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Accessors
// ————————————————————————————————————————————————————————————————————————

// Get returns a copy of the managed order for client_order_id or
// venue_order_id.
func (m *Manager) Get(orderRef string) (types.ManagedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, o := m.resolveLocked(orderRef)
	if o == nil {
		return types.ManagedOrder{}, false
	}
	return *o, true
}

// LiveOpenOrdersCount returns the number of live orders (SENT, ACKED,
// PARTIAL, CANCEL_SENT) for a market
// (the risk engine's per-market open-orders gate reads this, §4.5).
func (m *Manager) LiveOpenOrdersCount(marketID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, o := range m.orders {
		if o.MarketID == marketID && o.Status.IsLive() {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of every managed order, for the dashboard and
// periodic persistence flush.
func (m *Manager) Snapshot() []types.ManagedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ManagedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// LiveOrdersForMarket returns copies of every live order (SENT, ACKED,
// PARTIAL, CANCEL_SENT) for a market, used by the flatten path to enumerate what needs cancelling.
func (m *Manager) LiveOrdersForMarket(marketID string) []types.ManagedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ManagedOrder
	for _, o := range m.orders {
		if o.MarketID == marketID && o.Status.IsLive() {
			out = append(out, *o)
		}
	}
	return out
}
