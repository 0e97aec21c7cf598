package market

import (
	"testing"
	"time"

	"polymarket-mm/pkg/types"
)

const (
	testMarket = "market-abc"
	testToken  = "yes-token-123"
)

func lv(price, size float64) types.Level { return types.Level{Price: price, Size: size} }

func TestBookStoreUpsertAndGet(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	bids := []types.Level{lv(0.55, 100), lv(0.54, 200)}
	asks := []types.Level{lv(0.57, 150)}

	if err := s.Upsert(testMarket, testToken, bids, asks, time.Now(), time.Time{}, true, true); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, ok := s.Get(testMarket, testToken)
	if !ok {
		t.Fatal("Get returned ok=false after Upsert")
	}
	if got.BestBid() != 0.55 {
		t.Errorf("BestBid = %v, want 0.55", got.BestBid())
	}
	if got.BestAsk() != 0.57 {
		t.Errorf("BestAsk = %v, want 0.57", got.BestAsk())
	}
}

func TestBookStoreRejectsCrossedBook(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	bids := []types.Level{lv(0.60, 100)}
	asks := []types.Level{lv(0.50, 100)}

	if err := s.Upsert(testMarket, testToken, bids, asks, time.Now(), time.Time{}, true, true); err == nil {
		t.Fatal("expected crossed-book error, got nil")
	}

	if _, ok := s.Get(testMarket, testToken); ok {
		t.Fatal("crossed book must not be stored")
	}
}

func TestBookStoreRejectsNonMonotonicBids(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	bids := []types.Level{lv(0.50, 100), lv(0.55, 50)} // ascending, should be descending
	asks := []types.Level{lv(0.60, 100)}

	if err := s.Upsert(testMarket, testToken, bids, asks, time.Now(), time.Time{}, true, true); err == nil {
		t.Fatal("expected non-descending bids error, got nil")
	}
}

func TestBookStoreRejectsNegativeSize(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	bids := []types.Level{lv(0.50, -1)}
	if err := s.Upsert(testMarket, testToken, bids, nil, time.Now(), time.Time{}, false, false); err == nil {
		t.Fatal("expected negative size error, got nil")
	}
}

func TestBookStoreRejectsOutOfRangePrice(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	asks := []types.Level{lv(1.50, 10)}
	if err := s.Upsert(testMarket, testToken, nil, asks, time.Now(), time.Time{}, false, false); err == nil {
		t.Fatal("expected out-of-range price error for ask above 1, got nil")
	}

	bids := []types.Level{lv(0, 10)}
	if err := s.Upsert(testMarket, testToken, bids, nil, time.Now(), time.Time{}, false, false); err == nil {
		t.Fatal("expected out-of-range price error for a non-positive bid, got nil")
	}
}

func TestBookStoreRejectsEmptyActiveBook(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	if err := s.Upsert(testMarket, testToken, nil, nil, time.Now(), time.Time{}, true, true); err == nil {
		t.Fatal("expected empty-active-book error, got nil")
	}

	// Same empty book is fine when requireNonEmptyIfActive is false.
	if err := s.Upsert(testMarket, testToken, nil, nil, time.Now(), time.Time{}, true, false); err != nil {
		t.Fatalf("unexpected error for permitted empty book: %v", err)
	}
}

func TestBookStoreClosestSnapshot(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	base := time.Now()
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		bids := []types.Level{lv(0.50+float64(i)*0.01, 10)}
		asks := []types.Level{lv(0.60+float64(i)*0.01, 10)}
		if err := s.Upsert(testMarket, testToken, bids, asks, ts, time.Time{}, true, true); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	target := base.Add(2*time.Second + 200*time.Millisecond)
	snap, ok := s.ClosestSnapshot(testMarket, testToken, target, 2*time.Second)
	if !ok {
		t.Fatal("expected a closest snapshot")
	}
	if snap.BestBid() != 0.52 {
		t.Errorf("closest snapshot bid = %v, want 0.52 (index 2)", snap.BestBid())
	}
}

func TestBookStoreClosestSnapshotRespectsMaxAge(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	ts := time.Now()
	if err := s.Upsert(testMarket, testToken, []types.Level{lv(0.5, 10)}, []types.Level{lv(0.6, 10)}, ts, time.Time{}, true, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	_, ok := s.ClosestSnapshot(testMarket, testToken, ts.Add(time.Hour), time.Second)
	if ok {
		t.Fatal("expected no snapshot within max age")
	}
}

func TestLevelsFromPriceLevelsDedupesByMaxSize(t *testing.T) {
	t.Parallel()

	raw := []types.PriceLevel{
		{Price: "0.5", Size: "10"},
		{Price: "0.5", Size: "25"},
		{Price: "0.6", Size: "invalid"},
		{Price: "0.7", Size: "5"},
	}

	levels := LevelsFromPriceLevels(raw)
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	for _, l := range levels {
		if l.Price == 0.5 && l.Size != 25 {
			t.Errorf("expected dedup to keep max size 25, got %v", l.Size)
		}
	}
}

func TestMarkStale(t *testing.T) {
	t.Parallel()
	s := NewBookStore()

	if err := s.Upsert(testMarket, testToken, []types.Level{lv(0.5, 10)}, []types.Level{lv(0.6, 10)}, time.Now(), time.Time{}, true, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.MarkStale(testMarket, testToken)

	got, ok := s.Get(testMarket, testToken)
	if !ok {
		t.Fatal("expected book to still be present after MarkStale")
	}
	if got.Active {
		t.Error("expected Active=false after MarkStale")
	}
}
