// Package market provides the market registry (binary yes/no validation and
// per-market rules) and the local order book store.
//
// Registry loads the configured set of enabled markets, validates each one
// is a genuine binary Yes/No market, and takes tick size / min order
// size / fee rate from the venue's metadata API. The engine loads markets
// once at startup; nothing refreshes them on a timer. Disabled markets are
// excluded from the active set.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/quantize"
	"polymarket-mm/pkg/types"
)

// GammaMarket is the JSON shape returned by the metadata API for a single market.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EndDate               string  `json:"endDate"`
	Outcomes              string  `json:"outcomes"`      // JSON array string, e.g. `["Yes","No"]`
	ClobTokenIds          string  `json:"clobTokenIds"`  // JSON array string
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
	FeeRateBps            int     `json:"feeRateBps"`
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

func normalizeLabel(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
}

var strictYes = map[string]bool{"yes": true}
var strictNo = map[string]bool{"no": true}
var permissiveYes = map[string]bool{"yes": true, "y": true, "true": true}
var permissiveNo = map[string]bool{"no": true, "n": true, "false": true}

// Registry is the authoritative source for per-market parameters. It is
// safe for concurrent use: readers and writers share mu.
type Registry struct {
	mu          sync.RWMutex
	markets     map[string]*types.MarketInfo // keyed by ConditionID
	tokenToMkt  map[string]string            // token ID -> ConditionID (fallback lookup)
	labelPolicy string

	httpClient *resty.Client
	logger     *slog.Logger
}

// NewRegistry creates a registry backed by the given Gamma-style metadata API.
func NewRegistry(cfg config.MarketsConfig, gammaBaseURL string, logger *slog.Logger) *Registry {
	policy := cfg.LabelPolicy
	if policy == "" {
		policy = "strict"
	}
	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(8 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Registry{
		markets:     make(map[string]*types.MarketInfo),
		tokenToMkt:  make(map[string]string),
		labelPolicy: policy,
		httpClient:  client,
		logger:      logger.With("component", "registry"),
	}
}

// LoadAndValidate fetches metadata for every configured market id/slug,
// validates the binary yes/no mapping, and populates the enabled set.
// Markets that fail validation are recorded but excluded from Enabled().
func (r *Registry) LoadAndValidate(ctx context.Context, marketIDs []string) error {
	for _, id := range marketIDs {
		gm, err := r.fetchMarket(ctx, id)
		if err != nil {
			r.logger.Error("fetch market failed", "market", id, "error", err)
			continue
		}
		info := r.validate(gm)
		r.upsert(info)
	}
	return nil
}

// RefreshOne re-fetches and re-validates a single market. The engine does
// not call it; there is no periodic refresh loop.
func (r *Registry) RefreshOne(ctx context.Context, conditionID string) error {
	gm, err := r.fetchMarket(ctx, conditionID)
	if err != nil {
		return fmt.Errorf("refresh market %s: %w", conditionID, err)
	}
	info := r.validate(gm)
	r.upsert(info)
	return nil
}

func (r *Registry) fetchMarket(ctx context.Context, id string) (GammaMarket, error) {
	var gm GammaMarket
	resp, err := r.httpClient.R().
		SetContext(ctx).
		SetResult(&gm).
		Get("/markets/" + id)
	if err != nil {
		return gm, fmt.Errorf("fetch market %s: %w", id, err)
	}
	if resp.StatusCode() != 200 {
		return gm, fmt.Errorf("fetch market %s: status %d", id, resp.StatusCode())
	}
	return gm, nil
}

// validate checks a Gamma market is a well-formed binary Yes/No market per
// the configured label policy and returns the populated MarketInfo (valid or
// not — IsBinaryYesNo/InvalidReason record the outcome).
func (r *Registry) validate(gm GammaMarket) *types.MarketInfo {
	info := &types.MarketInfo{
		ID:              gm.ID,
		ConditionID:     gm.ConditionID,
		Slug:            gm.Slug,
		Question:        gm.Question,
		NegRisk:         gm.NegRisk,
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders,
		FeeRateBps:      gm.FeeRateBps,
		MinOrderSize:    gm.OrderMinSize,
		TickSize:        tickSizeFromFloat(gm.OrderPriceMinTickSize),
	}

	var tokenIDs, outcomes []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
			info.InvalidReason = fmt.Sprintf("unparseable clobTokenIds: %v", err)
			return info
		}
	}
	if gm.Outcomes != "" {
		if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err != nil {
			info.InvalidReason = fmt.Sprintf("unparseable outcomes: %v", err)
			return info
		}
	}

	if len(tokenIDs) != 2 {
		info.InvalidReason = fmt.Sprintf("expected exactly 2 token ids, got %d", len(tokenIDs))
		return info
	}
	if len(outcomes) != 2 {
		info.InvalidReason = fmt.Sprintf("expected exactly 2 outcome labels, got %d", len(outcomes))
		return info
	}

	yesSet, noSet := strictYes, strictNo
	if r.labelPolicy == "permissive" {
		yesSet, noSet = permissiveYes, permissiveNo
	}

	l0, l1 := normalizeLabel(outcomes[0]), normalizeLabel(outcomes[1])

	var yesIdx, noIdx int
	switch {
	case yesSet[l0] && noSet[l1]:
		yesIdx, noIdx = 0, 1
	case yesSet[l1] && noSet[l0]:
		yesIdx, noIdx = 1, 0
	default:
		info.InvalidReason = fmt.Sprintf("ambiguous outcome labels %q/%q under %s policy", outcomes[0], outcomes[1], r.labelPolicy)
		return info
	}
	if l0 == l1 {
		info.InvalidReason = "outcome labels must be distinct"
		return info
	}

	info.YesTokenID = tokenIDs[yesIdx]
	info.NoTokenID = tokenIDs[noIdx]
	info.YesLabel = outcomes[yesIdx]
	info.NoLabel = outcomes[noIdx]
	info.IsBinaryYesNo = true
	return info
}

func (r *Registry) upsert(info *types.MarketInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markets[info.ConditionID] = info
	if info.IsBinaryYesNo {
		r.tokenToMkt[info.YesTokenID] = info.ConditionID
		r.tokenToMkt[info.NoTokenID] = info.ConditionID
	}
	if !info.IsBinaryYesNo {
		r.logger.Error("market failed binary yes/no validation",
			"market", info.ConditionID, "reason", info.InvalidReason)
	}
}

// Get returns the market info for a condition ID.
func (r *Registry) Get(conditionID string) (*types.MarketInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[conditionID]
	return m, ok
}

// MarketForToken resolves a token ID back to its market (token fallback
// lookup per §4.1's "market-first, token-fallback" rule).
func (r *Registry) MarketForToken(tokenID string) (*types.MarketInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conditionID, ok := r.tokenToMkt[tokenID]
	if !ok {
		return nil, false
	}
	return r.markets[conditionID], true
}

// Enabled returns every market that passed binary yes/no validation.
func (r *Registry) Enabled() []*types.MarketInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.MarketInfo, 0, len(r.markets))
	for _, m := range r.markets {
		if m.IsBinaryYesNo {
			out = append(out, m)
		}
	}
	return out
}

// Disable removes a market from the enabled set without forgetting it (kept
// for audit/errors reporting).
func (r *Registry) Disable(conditionID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.markets[conditionID]; ok {
		m.IsBinaryYesNo = false
		m.InvalidReason = reason
	}
}

// QuantizePrice rounds price to the market's tick size (§4.1 rules API).
func (r *Registry) QuantizePrice(conditionID string, price float64) (float64, int64, error) {
	m, ok := r.Get(conditionID)
	if !ok {
		return 0, 0, fmt.Errorf("unknown market %s", conditionID)
	}
	p, ticks := quantize.Price(price, m.TickSize)
	return p, ticks, nil
}

// QuantizeSize rounds size to the market's minimum order size (§4.1 rules API).
func (r *Registry) QuantizeSize(conditionID string, size float64) (float64, int64, error) {
	m, ok := r.Get(conditionID)
	if !ok {
		return 0, 0, fmt.Errorf("unknown market %s", conditionID)
	}
	s, units := quantize.Size(size, m.MinOrderSize)
	return s, units, nil
}

func tickSizeFromFloat(v float64) types.TickSize {
	switch {
	case v == 0.1:
		return types.Tick01
	case v == 0.001:
		return types.Tick0001
	case v == 0.0001:
		return types.Tick00001
	default:
		return types.Tick001
	}
}
