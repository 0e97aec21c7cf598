// BookStore maintains the validated order book state for every
// (market, token) pair (§4.2). It enforces invariant I5 on every upsert
// (strict ordering, no crossing, no negative sizes) and keeps a bounded
// history ring per pair for closest-snapshot-at-time lookups
// (ClosestSnapshot).
package market

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"polymarket-mm/pkg/types"
)

const ringSize = 3000

type bookKey struct {
	marketID string
	tokenID  string
}

type ring struct {
	buf  [ringSize]types.BookState
	next int
	full bool
}

func (r *ring) push(s types.BookState) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % ringSize
	if r.next == 0 {
		r.full = true
	}
}

// closest scans the ring for the snapshot minimizing |recv_ts - ts| within
// maxAge, in reverse chronological order (most recent candidates first).
func (r *ring) closest(ts time.Time, maxAge time.Duration) (types.BookState, bool) {
	n := r.next
	count := n
	if r.full {
		count = ringSize
	}

	var best types.BookState
	bestDelta := time.Duration(-1)
	found := false

	for i := 0; i < count; i++ {
		idx := (n - 1 - i + ringSize) % ringSize
		s := r.buf[idx]
		if s.RecvTS.IsZero() {
			continue
		}
		delta := ts.Sub(s.RecvTS)
		if delta < 0 {
			delta = -delta
		}
		if delta > maxAge {
			continue
		}
		if !found || delta < bestDelta {
			best = s
			bestDelta = delta
			found = true
		}
	}
	return best, found
}

// BookStore is concurrency-safe: every method holds mu. The writers are the
// normalizer's goroutine and the per-token resync goroutines started by the
// normalizer and by the engine's health loop, not the engine's event loop;
// strategy, the engine and the dashboard are readers.
type BookStore struct {
	mu      sync.RWMutex
	books   map[bookKey]types.BookState
	history map[bookKey]*ring
}

// NewBookStore creates an empty book store.
func NewBookStore() *BookStore {
	return &BookStore{
		books:   make(map[bookKey]types.BookState),
		history: make(map[bookKey]*ring),
	}
}

// Get returns the current book state for (market, token).
func (s *BookStore) Get(marketID, tokenID string) (types.BookState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[bookKey{marketID, tokenID}]
	return b, ok
}

// Upsert validates and replaces the book state for (market, token). On
// invariant violation it returns an error and leaves the prior state intact
// — callers must treat this as a resync trigger (§4.2, §7), never attempt a
// silent repair.
func (s *BookStore) Upsert(marketID, tokenID string, bids, asks []types.Level, recvTS, exchangeTS time.Time, active, requireNonEmptyIfActive bool) error {
	if err := validateInvariants(bids, asks, active, requireNonEmptyIfActive); err != nil {
		return err
	}

	st := types.BookState{
		MarketID:   marketID,
		TokenID:    tokenID,
		Bids:       bids,
		Asks:       asks,
		RecvTS:     recvTS,
		ExchangeTS: exchangeTS,
		Active:     active,
	}

	key := bookKey{marketID, tokenID}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[key] = st
	r, ok := s.history[key]
	if !ok {
		r = &ring{}
		s.history[key] = r
	}
	r.push(st)
	return nil
}

// MarkStale flags a book inactive without discarding its levels (the venue
// may still be crossable once the market resumes).
func (s *BookStore) MarkStale(marketID, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bookKey{marketID, tokenID}
	if b, ok := s.books[key]; ok {
		b.Active = false
		s.books[key] = b
	}
}

// ClosestSnapshot returns the book state in the ring closest in time to ts,
// within maxAge.
func (s *BookStore) ClosestSnapshot(marketID, tokenID string, ts time.Time, maxAge time.Duration) (types.BookState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.history[bookKey{marketID, tokenID}]
	if !ok {
		return types.BookState{}, false
	}
	return r.closest(ts, maxAge)
}

func validateInvariants(bids, asks []types.Level, active, requireNonEmptyIfActive bool) error {
	for i, l := range bids {
		if l.Size < 0 {
			return fmt.Errorf("bid level %d has negative size %v", i, l.Size)
		}
		if l.Price <= 0 || l.Price > 1 {
			return fmt.Errorf("bid level %d price %v out of (0,1]", i, l.Price)
		}
		if i > 0 && bids[i-1].Price <= l.Price {
			return fmt.Errorf("bids not strictly descending at index %d", i)
		}
	}
	for i, l := range asks {
		if l.Size < 0 {
			return fmt.Errorf("ask level %d has negative size %v", i, l.Size)
		}
		if l.Price <= 0 || l.Price > 1 {
			return fmt.Errorf("ask level %d price %v out of (0,1]", i, l.Price)
		}
		if i > 0 && asks[i-1].Price >= l.Price {
			return fmt.Errorf("asks not strictly ascending at index %d", i)
		}
	}
	if len(bids) > 0 && len(asks) > 0 {
		if bids[0].Price >= asks[0].Price {
			return fmt.Errorf("crossed book: best bid %v >= best ask %v", bids[0].Price, asks[0].Price)
		}
	}
	if active && requireNonEmptyIfActive && len(bids) == 0 && len(asks) == 0 {
		return fmt.Errorf("active book has no levels on either side")
	}
	return nil
}

// LevelsFromPriceLevels parses wire PriceLevels into numeric Levels,
// deduplicating by price (keeping the maximum size) and dropping entries
// that fail to parse — malformed levels are a wire error (§7), not a
// reason to drop the entire update.
func LevelsFromPriceLevels(raw []types.PriceLevel) []types.Level {
	best := make(map[float64]float64, len(raw))
	order := make([]float64, 0, len(raw))
	for _, pl := range raw {
		price, err := strconv.ParseFloat(pl.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(pl.Size, 64)
		if err != nil || size < 0 {
			continue
		}
		if cur, ok := best[price]; !ok {
			order = append(order, price)
			best[price] = size
		} else if size > cur {
			best[price] = size
		}
	}
	out := make([]types.Level, 0, len(order))
	for _, p := range order {
		out = append(out, types.Level{Price: p, Size: best[p]})
	}
	return out
}

// SortBids orders bid levels strictly descending by price, as required by
// invariant I5.
func SortBids(levels []types.Level) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
}

// SortAsks orders ask levels strictly ascending by price, as required by
// invariant I5.
func SortAsks(levels []types.Level) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
}
