package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/orders"
	"polymarket-mm/internal/persistence"
	"polymarket-mm/internal/risk"
	"polymarket-mm/internal/strategy"
	"polymarket-mm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubExec satisfies orders.Execution without touching the network.
type stubExec struct{}

func (stubExec) PlaceOrder(ctx context.Context, marketID, tokenID string, side types.Side, price, size float64, clientOrderID string, ttlMs int64) (types.PlaceResult, error) {
	return types.PlaceResult{OK: true, StatusCode: 200, OrderID: "v-" + clientOrderID, ClientOrderID: clientOrderID}, nil
}

func (stubExec) CancelOrder(ctx context.Context, orderRef string) (types.CancelResult, error) {
	return types.CancelResult{OK: true, StatusCode: 200, OrderID: orderRef}, nil
}

type stubRL struct{}

func (stubRL) AcquirePost(ctx context.Context) error  { return nil }
func (stubRL) AcquireDelete(ctx context.Context) error { return nil }
func (stubRL) RecordResponse(statusCode int)           {}

// newTestRegistry spins up an httptest server serving a single binary
// yes/no market and loads it via the real Gamma-fetch path.
func newTestRegistry(t *testing.T) (*market.Registry, *types.MarketInfo) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "1", "question": "Will it happen?", "conditionId": "cond1", "slug": "it-happen",
			"active": true, "closed": false, "acceptingOrders": true,
			"outcomes": "[\"Yes\",\"No\"]", "clobTokenIds": "[\"tok-yes\",\"tok-no\"]",
			"orderPriceMinTickSize": 0.01, "orderMinSize": 5, "feeRateBps": 0
		}`))
	}))
	t.Cleanup(srv.Close)

	reg := market.NewRegistry(config.MarketsConfig{LabelPolicy: "strict"}, srv.URL, testLogger())
	if err := reg.LoadAndValidate(context.Background(), []string{"cond1"}); err != nil {
		t.Fatalf("LoadAndValidate: %v", err)
	}
	mkt, ok := reg.Get("cond1")
	if !ok || !mkt.IsBinaryYesNo {
		t.Fatalf("expected cond1 to validate as binary yes/no, got %+v", mkt)
	}
	return reg, mkt
}

func newTestWriter(t *testing.T) *persistence.Writer {
	t.Helper()
	cfg := config.PersistenceConfig{
		DBPath:        filepath.Join(t.TempDir(), "test.db"),
		QueueCapacity: 100,
		HighWatermark: 1000,
		FlushInterval: time.Hour,
		FlushTimeout:  2 * time.Second,
	}
	w, err := persistence.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("persistence.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	t.Cleanup(w.Stop)
	return w
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOpenOrdersPerMarket: 10,
		MaxPositionPerMarket:   1000,
		MaxTotalExposure:       5000,
		MaxHourlyLoss:          500,
		MaxDailyLoss:           1000,
		WSHealthTimeoutSec:     30,
		LatencyRingSize:        500,
	}
}

// newTestEngine builds an Engine directly from its fields (bypassing New,
// which requires real wallet/venue credentials) wired to in-process fakes.
func newTestEngine(t *testing.T) (*Engine, *market.Registry, *types.MarketInfo) {
	t.Helper()
	reg, mkt := newTestRegistry(t)
	persist := newTestWriter(t)

	ordersCfg := config.OrdersConfig{
		IntentDedupTTL:         time.Minute,
		IntentDedupMaxEntries:  1000,
		MinOrderLifetime:       0,
		MaxCancelsPerSecPerMkt: 100,
		TTLReaperPeriod:        time.Second,
	}
	e := &Engine{
		cfg:            config.Config{Strategy: config.StrategyConfig{FlattenMode: "cancel_only", MaxSlippageBps: 50, DefaultTTLMs: 5000}},
		logger:         testLogger(),
		registry:       reg,
		books:          market.NewBookStore(),
		ordersMgr:      orders.NewManager(ordersCfg, stubExec{}, stubRL{}, reg, persist, testLogger()),
		riskMgr:        risk.NewManager(testRiskConfig(), persist),
		strategyEngine: strategy.NewEngine(config.StrategyConfig{MinEdgeThreshold: 0.01, DefaultTTLMs: 5000}, testLogger()),
		persist:        persist,
		metrics:        newMetrics(),
	}
	e.ctx = context.Background()
	return e, reg, mkt
}

func TestDispatchWSHealthUpdatesRiskManager(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// NewManager seeds wsLastSeen at construction time, so the breaker
	// starts clear; a stale health event from outside the timeout window
	// should trip it once evaluated.
	stale := time.Now().Add(-time.Duration(testRiskConfig().WSHealthTimeoutSec+60) * time.Second)
	e.dispatch(types.NormalizedEvent{Kind: types.EventWSHealth, WSHealthyAt: stale})
	if tripped, reason := e.riskMgr.EvaluateCircuitBreakers(); !tripped || reason != "ws_health" {
		t.Fatalf("expected ws_health breaker tripped after a stale health event, got tripped=%v reason=%q", tripped, reason)
	}

	e.dispatch(types.NormalizedEvent{Kind: types.EventWSHealth, WSHealthyAt: time.Now()})
	if tripped, _ := e.riskMgr.EvaluateCircuitBreakers(); tripped {
		t.Fatal("expected ws_health breaker clear after a fresh health event")
	}
}

func TestRunDecisionCycleFiresEdgeAndPlaces(t *testing.T) {
	e, _, mkt := newTestEngine(t)
	e.dispatch(types.NormalizedEvent{Kind: types.EventWSHealth, WSHealthyAt: time.Now()})

	// YES ask 0.45 + NO ask 0.50 = 0.95, well under $1 — a clear edge.
	if err := e.books.Upsert(mkt.ConditionID, mkt.YesTokenID,
		[]types.Level{{Price: 0.44, Size: 100}}, []types.Level{{Price: 0.45, Size: 100}},
		time.Now(), time.Now(), true, true); err != nil {
		t.Fatalf("upsert yes book: %v", err)
	}
	if err := e.books.Upsert(mkt.ConditionID, mkt.NoTokenID,
		[]types.Level{{Price: 0.49, Size: 100}}, []types.Level{{Price: 0.50, Size: 100}},
		time.Now(), time.Now(), true, true); err != nil {
		t.Fatalf("upsert no book: %v", err)
	}

	e.runDecisionCycle(mkt.ConditionID, time.Now())

	orders := e.ordersMgr.Snapshot()
	if len(orders) != 2 {
		t.Fatalf("expected 2 placed orders (yes+no leg), got %d: %+v", len(orders), orders)
	}
	for _, o := range orders {
		if o.Status != types.OrderAcked && o.Status != types.OrderSent {
			t.Errorf("order %s has unexpected status %s", o.ClientOrderID, o.Status)
		}
	}
}

func TestRunDecisionCycleSkippedWhileFlattening(t *testing.T) {
	e, _, mkt := newTestEngine(t)
	e.riskMgr.TryTransition(types.StateFlattening)

	e.books.Upsert(mkt.ConditionID, mkt.YesTokenID,
		[]types.Level{{Price: 0.44, Size: 100}}, []types.Level{{Price: 0.45, Size: 100}},
		time.Now(), time.Now(), true, true)
	e.books.Upsert(mkt.ConditionID, mkt.NoTokenID,
		[]types.Level{{Price: 0.49, Size: 100}}, []types.Level{{Price: 0.50, Size: 100}},
		time.Now(), time.Now(), true, true)

	e.runDecisionCycle(mkt.ConditionID, time.Now())

	if len(e.ordersMgr.Snapshot()) != 0 {
		t.Fatal("expected no orders placed while engine is FLATTENING")
	}
}

func TestFlattenAllCancelsLiveOrders(t *testing.T) {
	e, _, mkt := newTestEngine(t)
	e.dispatch(types.NormalizedEvent{Kind: types.EventWSHealth, WSHealthyAt: time.Now()})

	e.books.Upsert(mkt.ConditionID, mkt.YesTokenID,
		[]types.Level{{Price: 0.44, Size: 100}}, []types.Level{{Price: 0.45, Size: 100}},
		time.Now(), time.Now(), true, true)
	e.books.Upsert(mkt.ConditionID, mkt.NoTokenID,
		[]types.Level{{Price: 0.49, Size: 100}}, []types.Level{{Price: 0.50, Size: 100}},
		time.Now(), time.Now(), true, true)
	e.runDecisionCycle(mkt.ConditionID, time.Now())

	before := e.ordersMgr.LiveOrdersForMarket(mkt.ConditionID)
	if len(before) == 0 {
		t.Fatal("expected at least one live order before flatten")
	}
	for _, o := range before {
		if o.Status != types.OrderSent {
			t.Fatalf("expected orders to be SENT before flatten, got %s", o.Status)
		}
	}

	e.flattenAll()

	// flattenAll issues cancels; a cancel moves an order to CANCEL_SENT
	// (still book-facing, per IsLive) pending the venue's confirmation —
	// it does not synchronously remove the order.
	after := e.ordersMgr.LiveOrdersForMarket(mkt.ConditionID)
	if len(after) != len(before) {
		t.Fatalf("expected flattenAll to leave orders pending cancel confirmation, got %d want %d", len(after), len(before))
	}
	for _, o := range after {
		if o.Status != types.OrderCancelSent {
			t.Errorf("order %s status = %s, want CANCEL_SENT after flatten", o.ClientOrderID, o.Status)
		}
	}
}

func TestMsSinceAndLatestOf(t *testing.T) {
	start := time.Now()
	end := start.Add(15 * time.Millisecond)
	if got := msSince(start, end); got < 14 || got > 16 {
		t.Fatalf("msSince = %v, want ~15", got)
	}

	earlier, later := start, end
	if got := latestOf(earlier, later); !got.Equal(later) {
		t.Fatalf("latestOf did not return the later timestamp")
	}
	if got := latestOf(later, earlier); !got.Equal(later) {
		t.Fatalf("latestOf did not return the later timestamp when args reversed")
	}
}

func TestSnapshotReflectsEngineState(t *testing.T) {
	e, _, mkt := newTestEngine(t)
	e.dispatch(types.NormalizedEvent{Kind: types.EventWSHealth, WSHealthyAt: time.Now()})

	snap := e.Snapshot()
	if len(snap.Markets) != 1 || snap.Markets[0].ConditionID != mkt.ConditionID {
		t.Fatalf("expected snapshot to include the one enabled market, got %+v", snap.Markets)
	}
	if snap.EngineState != string(types.StateRunning) {
		t.Fatalf("expected RUNNING state in snapshot, got %s", snap.EngineState)
	}
}
