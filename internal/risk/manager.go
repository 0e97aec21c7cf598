// Package risk implements the risk/PnL engine (§4.5): weighted-average
// position accounting, cash/realized/unrealized PnL, the engine lifecycle
// FSM, the can_place gate, and the fixed-priority circuit breaker.
//
// Manager is called from the engine's event loop, health loop (breaker
// evaluation, state transitions) and snapshot loop; every method holds mu
// for its whole body.
package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/pkg/types"
)

// Persister receives periodic PnL/latency observability records. Implemented
// by internal/persistence.Writer.
type Persister interface {
	PersistPnLSnapshot(realized, unrealized, cash, exposure float64, state types.EngineState)
	PersistLatency(operation string, latencyMs float64)
	PersistError(component, message string)
}

// LiveOrderCounter is the subset of internal/orders.Manager the can_place
// gate needs, named locally to avoid a dependency cycle on that package.
type LiveOrderCounter interface {
	LiveOpenOrdersCount(marketID string) int
}

type pnlSample struct {
	ts    time.Time
	delta float64
}

type outcomeSample struct {
	ts       time.Time
	accepted bool
}

// Manager owns positions, cash, realized/unrealized PnL, the engine FSM, and
// every circuit-breaker input.
type Manager struct {
	cfg     config.RiskConfig
	persist Persister

	mu sync.Mutex

	state types.EngineState

	positions map[string]*types.Position // key: MarketID|TokenID
	lastMid   map[string]float64         // key: MarketID|TokenID

	cash        float64
	realizedPnL float64
	peakEquity  float64

	pnl1h  []pnlSample
	pnl24h []pnlSample

	latencyRing []float64
	latencyPos  int
	latencyCap  int

	outcomes  []outcomeSample // sliding 60s window of place accept/reject
	pickedOff []time.Time     // picked-off event timestamps

	wsLastSeen time.Time
}

// NewManager builds a risk engine starting in RUNNING with zero cash/PnL.
func NewManager(cfg config.RiskConfig, persist Persister) *Manager {
	ringSize := cfg.LatencyRingSize
	if ringSize <= 0 {
		ringSize = 2000
	}
	return &Manager{
		cfg:         cfg,
		persist:     persist,
		state:       types.StateRunning,
		positions:   make(map[string]*types.Position),
		lastMid:     make(map[string]float64),
		latencyRing: make([]float64, 0, ringSize),
		latencyCap:  ringSize,
		wsLastSeen:  time.Now(),
	}
}

// State returns the current engine lifecycle state.
func (m *Manager) State() types.EngineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TryTransition moves to next if the FSM allows it (§4.5, I6). Illegal
// transitions are no-ops and return false.
func (m *Manager) TryTransition(next types.EngineState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.CanTransition(next) {
		return false
	}
	m.state = next
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Position accounting
// ————————————————————————————————————————————————————————————————————————

func positionKey(marketID, tokenID string) string { return marketID + "|" + tokenID }

// OnFill applies a fill to the (marketID, tokenID) position using the
// three-case model in §4.5 (same-direction add, reduce-without-flip,
// flip-through-zero), then runs picked-off detection against the post-fill
// book. feeRateBps is the market's taker fee. Returns the realized PnL delta
// booked by this fill (0 for an opening/adding fill).
func (m *Manager) OnFill(marketID, tokenID string, feeRateBps int, fill types.FillPayload, book types.BookState) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := positionKey(marketID, tokenID)
	pos, ok := m.positions[key]
	if !ok {
		pos = &types.Position{MarketID: marketID, TokenID: tokenID}
		m.positions[key] = pos
	}

	sign := 1.0
	if fill.Side == types.SELL {
		sign = -1.0
	}
	fee := fill.Price * fill.Size * float64(feeRateBps) / 10000.0

	oldQty := pos.Qty
	newQty := oldQty + sign*fill.Size

	var realizedDelta float64
	sameDirection := oldQty == 0 || (oldQty > 0 && sign > 0) || (oldQty < 0 && sign < 0)

	if sameDirection {
		if newQty != 0 {
			pos.AvgPrice = (pos.AvgPrice*math.Abs(oldQty) + fill.Price*fill.Size) / math.Abs(newQty)
		} else {
			pos.AvgPrice = 0
		}
		pos.Qty = newQty
	} else {
		oldSign := 1.0
		if oldQty < 0 {
			oldSign = -1.0
		}
		closedQty := math.Min(math.Abs(oldQty), fill.Size)
		realizedDelta = (fill.Price-pos.AvgPrice)*closedQty*oldSign - fee
		m.cash += realizedDelta
		m.realizedPnL += realizedDelta

		if fill.Size <= math.Abs(oldQty) {
			pos.Qty = newQty
		} else {
			remaining := fill.Size - math.Abs(oldQty)
			pos.Qty = remaining * sign
			pos.AvgPrice = fill.Price
		}
	}
	pos.UpdatedTS = time.Now()

	now := time.Now()
	if realizedDelta != 0 {
		m.pnl1h = append(m.pnl1h, pnlSample{ts: now, delta: realizedDelta})
		m.pnl24h = append(m.pnl24h, pnlSample{ts: now, delta: realizedDelta})
	}

	m.detectPickedOffLocked(fill, book, now)

	return realizedDelta
}

// detectPickedOffLocked implements §4.5's adverse-move detector. Caller must
// hold m.mu.
func (m *Manager) detectPickedOffLocked(fill types.FillPayload, book types.BookState, now time.Time) {
	threshold := m.cfg.PickedOffAdverseMoveBps
	if threshold <= 0 {
		threshold = 30
	}
	var postBest float64
	if fill.Side == types.BUY {
		postBest = book.BestBid()
	} else {
		postBest = book.BestAsk()
	}
	if postBest == 0 || fill.Price == 0 {
		return
	}
	var adverseBps float64
	if fill.Side == types.BUY {
		adverseBps = (fill.Price - postBest) / fill.Price * 10000
	} else {
		adverseBps = (postBest - fill.Price) / fill.Price * 10000
	}
	if adverseBps > threshold {
		m.pickedOff = append(m.pickedOff, now)
	}
}

// UpdateMark records the latest mid price for a (market, token), used for
// mark-to-market unrealized PnL.
func (m *Manager) UpdateMark(marketID, tokenID string, mid float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMid[positionKey(marketID, tokenID)] = mid
}

// ————————————————————————————————————————————————————————————————————————
// Equity / drawdown
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) unrealizedLocked() float64 {
	var u float64
	for key, pos := range m.positions {
		mid, ok := m.lastMid[key]
		if !ok {
			continue
		}
		u += pos.Qty * (mid - pos.AvgPrice)
	}
	return u
}

func (m *Manager) exposureLocked() float64 {
	var e float64
	for _, pos := range m.positions {
		e += math.Abs(pos.Qty * pos.AvgPrice)
	}
	return e
}

// Snapshot is a point-in-time view of aggregate risk state, used for
// persistence and the can_place/breaker evaluation paths.
type Snapshot struct {
	State         types.EngineState
	Cash          float64
	RealizedPnL   float64
	UnrealizedPnL float64
	Equity        float64
	PeakEquity    float64
	Drawdown      float64
	TotalExposure float64
	HourlyPnL     float64
	DailyPnL      float64
}

// Snapshot computes the current aggregate risk view and updates peak equity.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	unrealized := m.unrealizedLocked()
	equity := m.cash + unrealized
	if equity > m.peakEquity {
		m.peakEquity = equity
	}

	return Snapshot{
		State:         m.state,
		Cash:          m.cash,
		RealizedPnL:   m.realizedPnL,
		UnrealizedPnL: unrealized,
		Equity:        equity,
		PeakEquity:    m.peakEquity,
		Drawdown:      m.peakEquity - equity,
		TotalExposure: m.exposureLocked(),
		HourlyPnL:     sumSince(m.pnl1h, time.Hour),
		DailyPnL:      sumSince(m.pnl24h, 24*time.Hour),
	}
}

func sumSince(samples []pnlSample, window time.Duration) float64 {
	cutoff := time.Now().Add(-window)
	var total float64
	for _, s := range samples {
		if s.ts.After(cutoff) {
			total += s.delta
		}
	}
	return total
}

func (m *Manager) pruneWindowsLocked() {
	now := time.Now()
	m.pnl1h = prunePnL(m.pnl1h, now.Add(-time.Hour))
	m.pnl24h = prunePnL(m.pnl24h, now.Add(-24*time.Hour))
	m.outcomes = pruneOutcomes(m.outcomes, now.Add(-60*time.Second))

	window := m.cfg.PickedOffWindowSec
	if window <= 0 {
		window = 60
	}
	m.pickedOff = pruneTimes(m.pickedOff, now.Add(-time.Duration(window)*time.Second))
}

func prunePnL(in []pnlSample, cutoff time.Time) []pnlSample {
	out := in[:0]
	for _, s := range in {
		if s.ts.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func pruneOutcomes(in []outcomeSample, cutoff time.Time) []outcomeSample {
	out := in[:0]
	for _, s := range in {
		if s.ts.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func pruneTimes(in []time.Time, cutoff time.Time) []time.Time {
	out := in[:0]
	for _, t := range in {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Latency ring + reject rate
// ————————————————————————————————————————————————————————————————————————

// RecordLatency appends an observation to the bounded ring (≤2000 samples by
// default) and forwards it to persistence.
func (m *Manager) RecordLatency(operation string, ms float64) {
	m.mu.Lock()
	if len(m.latencyRing) < m.latencyCap {
		m.latencyRing = append(m.latencyRing, ms)
	} else {
		m.latencyRing[m.latencyPos] = ms
		m.latencyPos = (m.latencyPos + 1) % m.latencyCap
	}
	m.mu.Unlock()

	if m.persist != nil {
		m.persist.PersistLatency(operation, ms)
	}
}

// LatencyPercentiles returns p50/p95/p99/mean over the current ring.
func (m *Manager) LatencyPercentiles() (p50, p95, p99, mean float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.latencyRing)
	if n == 0 {
		return 0, 0, 0, 0, false
	}
	sorted := append([]float64(nil), m.latencyRing...)
	sort.Float64s(sorted)

	pct := func(p float64) float64 {
		idx := int(p * float64(n-1))
		return sorted[idx]
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return pct(0.5), pct(0.95), pct(0.99), sum / float64(n), true
}

func (m *Manager) p95Locked() float64 {
	n := len(m.latencyRing)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), m.latencyRing...)
	sort.Float64s(sorted)
	idx := int(0.95 * float64(n-1))
	return sorted[idx]
}

// RecordIntentOutcome feeds a place decision into the 60s reject-rate window.
func (m *Manager) RecordIntentOutcome(accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcomeSample{ts: time.Now(), accepted: accepted})
}

func (m *Manager) rejectRateLocked() float64 {
	if len(m.outcomes) == 0 {
		return 0
	}
	var rejects int
	for _, o := range m.outcomes {
		if !o.accepted {
			rejects++
		}
	}
	return float64(rejects) / float64(len(m.outcomes))
}

// OnWSHealth updates the last-seen timestamp for the WS watchdog breaker
// whenever the normalizer reports both feeds alive.
func (m *Manager) OnWSHealth(healthyAt time.Time) {
	if healthyAt.IsZero() {
		return
	}
	m.mu.Lock()
	m.wsLastSeen = healthyAt
	m.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// can_place gate (§4.5)
// ————————————————————————————————————————————————————————————————————————

// CanPlace evaluates the 10-point gate for a Place intent. ordersMgr supplies
// the live per-market open-order count.
func (m *Manager) CanPlace(intent types.Intent, ordersMgr LiveOrderCounter) (bool, string) {
	m.mu.Lock()
	m.pruneWindowsLocked()
	state := m.state

	key := positionKey(intent.MarketID, intent.TokenID)
	var curQty float64
	if pos, ok := m.positions[key]; ok {
		curQty = pos.Qty
	}
	sign := 1.0
	if intent.Side == types.SELL {
		sign = -1.0
	}
	projectedQty := curQty + sign*intent.Size
	exposure := m.exposureLocked() + math.Abs(intent.Price*intent.Size)
	hourlyPnL := sumSince(m.pnl1h, time.Hour)
	dailyPnL := sumSince(m.pnl24h, 24*time.Hour)
	rejectRate := m.rejectRateLocked()
	p95 := m.p95Locked()
	unrealized := m.unrealizedLocked()
	equity := m.cash + unrealized
	peak := m.peakEquity
	if equity > peak {
		peak = equity
	}
	drawdown := peak - equity
	pickedOffCount := len(m.pickedOff)
	wsLastSeen := m.wsLastSeen
	m.mu.Unlock()

	if state != types.StateRunning {
		return false, "engine not running"
	}
	if ordersMgr != nil && m.cfg.MaxOpenOrdersPerMarket > 0 && ordersMgr.LiveOpenOrdersCount(intent.MarketID) >= m.cfg.MaxOpenOrdersPerMarket {
		return false, "max open orders per market reached"
	}
	if m.cfg.MaxPositionPerMarket > 0 && math.Abs(projectedQty) > m.cfg.MaxPositionPerMarket {
		return false, "projected position exceeds max_position_per_market"
	}
	if m.cfg.MaxTotalExposure > 0 && exposure > m.cfg.MaxTotalExposure {
		return false, "total exposure exceeds max_total_exposure"
	}
	if m.cfg.MaxHourlyLoss > 0 && hourlyPnL < -m.cfg.MaxHourlyLoss {
		return false, "hourly loss limit exceeded"
	}
	if m.cfg.MaxDailyLoss > 0 && dailyPnL < -m.cfg.MaxDailyLoss {
		return false, "daily loss limit exceeded"
	}
	if m.cfg.RejectRateLimit > 0 && rejectRate > m.cfg.RejectRateLimit {
		return false, "reject rate limit exceeded"
	}
	if m.cfg.P95LatencyMsLimit > 0 && p95 > m.cfg.P95LatencyMsLimit {
		return false, "p95 latency limit exceeded"
	}
	if m.cfg.DrawdownLimit > 0 && drawdown > m.cfg.DrawdownLimit {
		return false, "drawdown limit exceeded"
	}
	if m.cfg.PickedOffSpikeCount > 0 && pickedOffCount >= m.cfg.PickedOffSpikeCount {
		return false, "picked-off spike detected"
	}
	timeout := m.cfg.WSHealthTimeoutSec
	if timeout <= 0 {
		timeout = 30
	}
	if time.Since(wsLastSeen) > time.Duration(timeout)*time.Second {
		return false, "ws feed unhealthy"
	}

	return true, ""
}

// ————————————————————————————————————————————————————————————————————————
// Circuit breakers (§4.5)
// ————————————————————————————————————————————————————————————————————————

// EvaluateCircuitBreakers checks every breach condition in fixed priority
// order: p95 latency, reject rate, drawdown, picked-off spike, WS health,
// hourly loss, daily loss. Returns the first tripped reason.
func (m *Manager) EvaluateCircuitBreakers() (bool, string) {
	m.mu.Lock()
	m.pruneWindowsLocked()
	p95 := m.p95Locked()
	rejectRate := m.rejectRateLocked()
	unrealized := m.unrealizedLocked()
	equity := m.cash + unrealized
	peak := m.peakEquity
	if equity > peak {
		peak = equity
	}
	drawdown := peak - equity
	pickedOffCount := len(m.pickedOff)
	wsLastSeen := m.wsLastSeen
	hourlyPnL := sumSince(m.pnl1h, time.Hour)
	dailyPnL := sumSince(m.pnl24h, 24*time.Hour)
	m.mu.Unlock()

	if m.cfg.P95LatencyMsLimit > 0 && p95 > m.cfg.P95LatencyMsLimit {
		return true, "p95_latency"
	}
	if m.cfg.RejectRateLimit > 0 && rejectRate > m.cfg.RejectRateLimit {
		return true, "reject_rate"
	}
	if m.cfg.DrawdownLimit > 0 && drawdown > m.cfg.DrawdownLimit {
		return true, "drawdown"
	}
	if m.cfg.PickedOffSpikeCount > 0 && pickedOffCount >= m.cfg.PickedOffSpikeCount {
		return true, "picked_off_spike"
	}
	timeout := m.cfg.WSHealthTimeoutSec
	if timeout <= 0 {
		timeout = 30
	}
	if time.Since(wsLastSeen) > time.Duration(timeout)*time.Second {
		return true, "ws_health"
	}
	if m.cfg.MaxHourlyLoss > 0 && hourlyPnL < -m.cfg.MaxHourlyLoss {
		return true, "hourly_loss"
	}
	if m.cfg.MaxDailyLoss > 0 && dailyPnL < -m.cfg.MaxDailyLoss {
		return true, "daily_loss"
	}
	return false, ""
}

// PersistSnapshot forwards the current aggregate state to the persistence
// writer (called by the engine's snapshot_loop).
func (m *Manager) PersistSnapshot() {
	if m.persist == nil {
		return
	}
	snap := m.Snapshot()
	m.persist.PersistPnLSnapshot(snap.RealizedPnL, snap.UnrealizedPnL, snap.Cash, snap.TotalExposure, snap.State)
}

// Positions returns a copy of every tracked position, for snapshot persistence.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}
