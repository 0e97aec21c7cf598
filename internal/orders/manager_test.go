package orders

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/pkg/types"
)

const testMarket = "0xmarket1"
const testToken = "0xtoken-yes"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *market.Registry {
	t.Helper()
	r := market.NewRegistry(config.MarketsConfig{}, "http://unused.invalid", testLogger())
	return r
}

// loadedTestRegistry spins up an httptest Gamma server serving a single
// binary yes/no market at testMarket/testToken, so Place's quantization
// path (which needs a validated market) has something real to look up.
func loadedTestRegistry(t *testing.T) *market.Registry {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "1", "question": "Will it happen?", "conditionId": "` + testMarket + `", "slug": "it-happen",
			"active": true, "closed": false, "acceptingOrders": true,
			"outcomes": "[\"Yes\",\"No\"]", "clobTokenIds": "[\"` + testToken + `\",\"0xtoken-no\"]",
			"orderPriceMinTickSize": 0.01, "orderMinSize": 5, "feeRateBps": 0
		}`))
	}))
	t.Cleanup(srv.Close)

	r := market.NewRegistry(config.MarketsConfig{LabelPolicy: "strict"}, srv.URL, testLogger())
	if err := r.LoadAndValidate(context.Background(), []string{testMarket}); err != nil {
		t.Fatalf("LoadAndValidate: %v", err)
	}
	return r
}

// stubExec records every call and returns canned results.
type stubExec struct {
	placeResult  types.PlaceResult
	placeErr     error
	cancelResult types.CancelResult
	cancelErr    error
	placeCalls   int
	cancelCalls  int
}

func (s *stubExec) PlaceOrder(ctx context.Context, marketID, tokenID string, side types.Side, price, size float64, clientOrderID string, ttlMs int64) (types.PlaceResult, error) {
	s.placeCalls++
	if s.placeErr != nil {
		return types.PlaceResult{}, s.placeErr
	}
	res := s.placeResult
	res.ClientOrderID = clientOrderID
	return res, nil
}

func (s *stubExec) CancelOrder(ctx context.Context, orderRef string) (types.CancelResult, error) {
	s.cancelCalls++
	if s.cancelErr != nil {
		return types.CancelResult{}, s.cancelErr
	}
	return s.cancelResult, nil
}

// stubRL never blocks and never records anything interesting; tests care
// about orders.Manager's own gating, not the rate limiter's.
type stubRL struct {
	recorded []int
}

func (s *stubRL) AcquirePost(ctx context.Context) error   { return nil }
func (s *stubRL) AcquireDelete(ctx context.Context) error  { return nil }
func (s *stubRL) RecordResponse(statusCode int)            { s.recorded = append(s.recorded, statusCode) }

type noopPersist struct{ orders []types.ManagedOrder }

func (p *noopPersist) PersistOrder(o types.ManagedOrder) { p.orders = append(p.orders, o) }

// newTestManager builds a Manager over an empty registry (no markets
// loaded). QuantizePrice/Size therefore fail with "unknown market", which
// is itself an exercised failure path — see TestPlace_UnknownMarket.
func newTestManager(t *testing.T, cfg config.OrdersConfig, exec *stubExec) (*Manager, *market.Registry) {
	t.Helper()
	reg := testRegistry(t)
	return NewManager(cfg, exec, &stubRL{}, reg, &noopPersist{}, testLogger()), reg
}

func TestPlace_UnknownMarket(t *testing.T) {
	exec := &stubExec{placeResult: types.PlaceResult{OK: true, StatusCode: 200, OrderID: "v1"}}
	mgr, _ := newTestManager(t, config.OrdersConfig{}, exec)

	decision := mgr.ProcessIntent(context.Background(), types.Intent{
		Type: types.IntentPlace, MarketID: testMarket, TokenID: testToken,
		Side: types.BUY, Price: 0.45, Size: 10, TTLMs: 5000,
	}, false)

	if decision.Accepted {
		t.Fatalf("expected rejection for unknown market, got accepted decision: %+v", decision)
	}
	if exec.placeCalls != 0 {
		t.Fatalf("expected no venue call for a market that fails quantization, got %d calls", exec.placeCalls)
	}
}

func TestCancel_UnknownOrderRef(t *testing.T) {
	exec := &stubExec{}
	mgr, _ := newTestManager(t, config.OrdersConfig{}, exec)

	decision := mgr.ProcessIntent(context.Background(), types.Intent{
		Type: types.IntentCancel, OrderRef: "does-not-exist",
	}, false)

	if decision.Accepted {
		t.Fatalf("expected rejection for unknown order_ref")
	}
	if exec.cancelCalls != 0 {
		t.Fatalf("expected no venue call for an unresolvable order_ref")
	}
}

func TestCancel_BelowMinimumLifetimeIsBlockedUnlessRiskBreach(t *testing.T) {
	mgr := &Manager{
		cfg:          config.OrdersConfig{MinOrderLifetime: time.Hour},
		exec:         &stubExec{cancelResult: types.CancelResult{OK: true, StatusCode: 200}},
		rl:           &stubRL{},
		registry:     nil,
		persist:      &noopPersist{},
		logger:       testLogger(),
		orders:       make(map[string]*types.ManagedOrder),
		venueIndex:   make(map[string]string),
		fingerprints: make(map[string]string),
		dedup:        make(map[string]dedupEntry),
		cancelChurn:  make(map[string][]time.Time),
	}
	mgr.orders["c1"] = &types.ManagedOrder{
		ClientOrderID: "c1", MarketID: testMarket, Status: types.OrderAcked, CreatedTS: time.Now(),
	}

	decision := mgr.ProcessIntent(context.Background(), types.Intent{Type: types.IntentCancel, OrderRef: "c1"}, false)
	if decision.Accepted {
		t.Fatalf("expected cancel to be blocked by minimum order lifetime")
	}

	decision = mgr.ProcessIntent(context.Background(), types.Intent{Type: types.IntentCancel, OrderRef: "c1"}, true)
	if !decision.Accepted {
		t.Fatalf("expected a risk-breach cancel to bypass the minimum lifetime floor, got: %+v", decision)
	}
}

func TestCancel_ChurnCapPerMarket(t *testing.T) {
	exec := &stubExec{cancelResult: types.CancelResult{OK: true, StatusCode: 200}}
	mgr := &Manager{
		cfg:          config.OrdersConfig{MaxCancelsPerSecPerMkt: 1},
		exec:         exec,
		rl:           &stubRL{},
		persist:      &noopPersist{},
		logger:       testLogger(),
		orders:       make(map[string]*types.ManagedOrder),
		venueIndex:   make(map[string]string),
		fingerprints: make(map[string]string),
		dedup:        make(map[string]dedupEntry),
		cancelChurn:  make(map[string][]time.Time),
	}
	mgr.orders["c1"] = &types.ManagedOrder{ClientOrderID: "c1", MarketID: testMarket, Status: types.OrderAcked, CreatedTS: time.Now().Add(-time.Hour)}
	mgr.orders["c2"] = &types.ManagedOrder{ClientOrderID: "c2", MarketID: testMarket, Status: types.OrderAcked, CreatedTS: time.Now().Add(-time.Hour)}

	d1 := mgr.ProcessIntent(context.Background(), types.Intent{Type: types.IntentCancel, OrderRef: "c1"}, false)
	if !d1.Accepted {
		t.Fatalf("first cancel in the window should be accepted, got: %+v", d1)
	}
	d2 := mgr.ProcessIntent(context.Background(), types.Intent{Type: types.IntentCancel, OrderRef: "c2"}, false)
	if d2.Accepted {
		t.Fatalf("second cancel within the same 1s window should be blocked by the churn cap")
	}
}

func TestOnFill_PartialThenFullTransitionsToFilled(t *testing.T) {
	mgr := &Manager{
		persist:      &noopPersist{},
		logger:       testLogger(),
		orders:       make(map[string]*types.ManagedOrder),
		venueIndex:   make(map[string]string),
		fingerprints: make(map[string]string),
		dedup:        make(map[string]dedupEntry),
		cancelChurn:  make(map[string][]time.Time),
	}
	mgr.orders["c1"] = &types.ManagedOrder{ClientOrderID: "c1", Status: types.OrderAcked, Size: 10, RemainingSize: 10}
	mgr.fingerprints["fp1"] = "c1"

	mgr.OnFill("c1", 4)
	o, _ := mgr.Get("c1")
	if o.Status != types.OrderPartial || o.RemainingSize != 6 {
		t.Fatalf("expected PARTIAL with remaining 6, got status=%s remaining=%v", o.Status, o.RemainingSize)
	}

	mgr.OnFill("c1", 6)
	o, _ = mgr.Get("c1")
	if o.Status != types.OrderFilled {
		t.Fatalf("expected FILLED after full size is matched, got %s", o.Status)
	}
	mgr.mu.RLock()
	_, stillIndexed := mgr.fingerprints["fp1"]
	mgr.mu.RUnlock()
	if stillIndexed {
		t.Fatalf("fingerprint must be released once the order reaches a terminal state")
	}
}

func TestReapExpired_CancelsOnlyOrdersPastTTL(t *testing.T) {
	exec := &stubExec{cancelResult: types.CancelResult{OK: true, StatusCode: 200}}
	mgr := &Manager{
		exec:         exec,
		rl:           &stubRL{},
		persist:      &noopPersist{},
		logger:       testLogger(),
		orders:       make(map[string]*types.ManagedOrder),
		venueIndex:   make(map[string]string),
		fingerprints: make(map[string]string),
		dedup:        make(map[string]dedupEntry),
		cancelChurn:  make(map[string][]time.Time),
	}
	mgr.orders["expired"] = &types.ManagedOrder{
		ClientOrderID: "expired", MarketID: testMarket, Status: types.OrderAcked,
		CreatedTS: time.Now().Add(-10 * time.Second), TTLMs: 1000,
	}
	mgr.orders["fresh"] = &types.ManagedOrder{
		ClientOrderID: "fresh", MarketID: testMarket, Status: types.OrderAcked,
		CreatedTS: time.Now(), TTLMs: 60000,
	}

	mgr.ReapExpired(context.Background())

	if exec.cancelCalls != 1 {
		t.Fatalf("expected exactly 1 cancel call for the expired order, got %d", exec.cancelCalls)
	}

	expired, _ := mgr.Get("expired")
	if expired.Status != types.OrderExpired {
		t.Fatalf("expired order status = %s, want EXPIRED", expired.Status)
	}
	fresh, _ := mgr.Get("fresh")
	if fresh.Status != types.OrderAcked {
		t.Fatalf("fresh order status = %s, want unchanged ACKED", fresh.Status)
	}
}

func TestReapExpired_FailedCancelDoesNotMarkExpired(t *testing.T) {
	exec := &stubExec{cancelErr: context.DeadlineExceeded}
	mgr := &Manager{
		exec:         exec,
		rl:           &stubRL{},
		persist:      &noopPersist{},
		logger:       testLogger(),
		orders:       make(map[string]*types.ManagedOrder),
		venueIndex:   make(map[string]string),
		fingerprints: make(map[string]string),
		dedup:        make(map[string]dedupEntry),
		cancelChurn:  make(map[string][]time.Time),
	}
	mgr.orders["expired"] = &types.ManagedOrder{
		ClientOrderID: "expired", MarketID: testMarket, Status: types.OrderAcked,
		CreatedTS: time.Now().Add(-10 * time.Second), TTLMs: 1000,
	}

	mgr.ReapExpired(context.Background())

	o, _ := mgr.Get("expired")
	if o.Status == types.OrderExpired {
		t.Fatal("a failed cancel attempt must not be marked EXPIRED")
	}
	if o.Status != types.OrderCancelSent {
		t.Fatalf("expected CANCEL_SENT after a failed cancel attempt, got %s", o.Status)
	}
}

func TestLiveOpenOrdersCount(t *testing.T) {
	mgr := &Manager{
		persist:      &noopPersist{},
		logger:       testLogger(),
		orders:       make(map[string]*types.ManagedOrder),
		venueIndex:   make(map[string]string),
		fingerprints: make(map[string]string),
		dedup:        make(map[string]dedupEntry),
		cancelChurn:  make(map[string][]time.Time),
	}
	mgr.orders["a"] = &types.ManagedOrder{MarketID: testMarket, Status: types.OrderAcked}
	mgr.orders["b"] = &types.ManagedOrder{MarketID: testMarket, Status: types.OrderFilled}
	mgr.orders["c"] = &types.ManagedOrder{MarketID: "other-market", Status: types.OrderAcked}

	if got := mgr.LiveOpenOrdersCount(testMarket); got != 1 {
		t.Fatalf("expected 1 live order for %s, got %d", testMarket, got)
	}
}

func TestPlace_ConflictingLiveOrderIsCancelledFirst(t *testing.T) {
	reg := loadedTestRegistry(t)
	exec := &stubExec{
		placeResult:  types.PlaceResult{OK: true, StatusCode: 200, OrderID: "v2"},
		cancelResult: types.CancelResult{OK: true, StatusCode: 200},
	}
	mgr := NewManager(config.OrdersConfig{}, exec, &stubRL{}, reg, &noopPersist{}, testLogger())
	mgr.orders["stale"] = &types.ManagedOrder{
		ClientOrderID: "stale", MarketID: testMarket, TokenID: testToken, Side: types.BUY,
		Price: 0.40, Size: 10, RemainingSize: 10, Status: types.OrderAcked, CreatedTS: time.Now(),
	}
	mgr.fingerprints["stale-fp"] = "stale"

	decision := mgr.ProcessIntent(context.Background(), types.Intent{
		Type: types.IntentPlace, MarketID: testMarket, TokenID: testToken,
		Side: types.BUY, Price: 0.45, Size: 10, TTLMs: 5000,
	}, false)

	if !decision.Accepted {
		t.Fatalf("expected the new place to succeed once the conflicting order is cancelled, got: %+v", decision)
	}
	if exec.cancelCalls != 1 {
		t.Fatalf("expected exactly 1 cancel call for the conflicting order, got %d", exec.cancelCalls)
	}
	stale, _ := mgr.Get("stale")
	if stale.Status != types.OrderCancelSent {
		t.Fatalf("expected the stale order to move to CANCEL_SENT, got %s", stale.Status)
	}
}

func TestPlace_ConflictCancelRejectedFailsThePlace(t *testing.T) {
	reg := loadedTestRegistry(t)
	exec := &stubExec{
		placeResult:  types.PlaceResult{OK: true, StatusCode: 200, OrderID: "v2"},
		cancelResult: types.CancelResult{OK: true, StatusCode: 200},
	}
	// A MinOrderLifetime floor the stale order hasn't cleared yet means its
	// cancel is structurally rejected before any venue call, same as
	// TestCancel_BelowMinimumLifetimeIsBlockedUnlessRiskBreach.
	mgr := NewManager(config.OrdersConfig{MinOrderLifetime: time.Hour}, exec, &stubRL{}, reg, &noopPersist{}, testLogger())
	mgr.orders["stale"] = &types.ManagedOrder{
		ClientOrderID: "stale", MarketID: testMarket, TokenID: testToken, Side: types.BUY,
		Price: 0.40, Size: 10, RemainingSize: 10, Status: types.OrderAcked, CreatedTS: time.Now(),
	}
	mgr.fingerprints["stale-fp"] = "stale"

	decision := mgr.ProcessIntent(context.Background(), types.Intent{
		Type: types.IntentPlace, MarketID: testMarket, TokenID: testToken,
		Side: types.BUY, Price: 0.45, Size: 10, TTLMs: 5000,
	}, false)

	if decision.Accepted {
		t.Fatalf("expected the place to fail when the conflicting cancel is rejected, got: %+v", decision)
	}
	if exec.placeCalls != 0 {
		t.Fatalf("expected no place call once the conflicting cancel was rejected, got %d", exec.placeCalls)
	}
	stale, _ := mgr.Get("stale")
	if stale.Status != types.OrderAcked {
		t.Fatalf("expected the stale order to remain untouched (still ACKED), got %s", stale.Status)
	}
}
