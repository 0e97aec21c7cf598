// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order types, market
// metadata, order book snapshots, managed-order state, and WebSocket event
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill; Client.PlaceOrder sends GTC for every order, unwinds included
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // exchange proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. The venue supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// OrderStatus is the lifecycle state of a ManagedOrder. internal/orders.Manager
// makes every transition.
type OrderStatus string

const (
	OrderNew        OrderStatus = "NEW"
	OrderSent       OrderStatus = "SENT"
	OrderAcked      OrderStatus = "ACKED"
	OrderPartial    OrderStatus = "PARTIAL"
	OrderFilled     OrderStatus = "FILLED"
	OrderClosed     OrderStatus = "CLOSED"
	OrderCancelSent OrderStatus = "CANCEL_SENT"
	OrderCanceled   OrderStatus = "CANCELED"
	OrderRejected   OrderStatus = "REJECTED"
	OrderExpired    OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is an absorbing state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderClosed, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// IsLive reports whether the order still occupies book-facing capacity.
func (s OrderStatus) IsLive() bool {
	switch s {
	case OrderSent, OrderAcked, OrderPartial, OrderCancelSent:
		return true
	default:
		return false
	}
}

// EngineState is the lifecycle FSM driving the whole engine.
type EngineState string

const (
	StateRunning    EngineState = "RUNNING"
	StatePaused     EngineState = "PAUSED"
	StateFlattening EngineState = "FLATTENING"
	StateSafe       EngineState = "SAFE"
)

// legalTransitions enumerates the allowed EngineState transitions (§4.5).
var legalTransitions = map[EngineState]map[EngineState]bool{
	StateRunning:    {StatePaused: true, StateSafe: true, StateFlattening: true},
	StatePaused:     {StateRunning: true, StateFlattening: true, StateSafe: true},
	StateFlattening: {StateSafe: true, StatePaused: true},
	StateSafe:       {StatePaused: true},
}

// CanTransition reports whether moving from s to next is a legal FSM edge.
func (s EngineState) CanTransition(next EngineState) bool {
	if s == next {
		return true
	}
	allowed, ok := legalTransitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}

// IntentType tags the variant carried by an Intent.
type IntentType string

const (
	IntentPlace  IntentType = "PLACE"
	IntentCancel IntentType = "CANCEL"
	IntentNoop   IntentType = "NOOP"
)

// EventKind tags the variant carried by a NormalizedEvent.
type EventKind string

const (
	EventBookUpdate EventKind = "BOOK_UPDATE"
	EventOrderAck   EventKind = "ORDER_ACK"
	EventFill       EventKind = "FILL"
	EventCancel     EventKind = "CANCEL"
	EventReject     EventKind = "REJECT"
	EventWSHealth   EventKind = "WS_HEALTH"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the internal representation of a binary Yes/No market.
// Populated from the metadata API during registry refresh and used by the
// rules layer, strategy, and book store. A binary market has exactly two
// tokens (YES and NO) whose fair probabilities sum to 1.
type MarketInfo struct {
	ID          string // venue market ID
	ConditionID string // CTF condition ID (used for cancels + user WS subscription)
	Slug        string // human-readable URL slug
	Question    string // the prediction question, e.g. "Will X happen by Y?"

	YesTokenID string // CLOB token ID for the YES outcome
	NoTokenID  string // CLOB token ID for the NO outcome
	YesLabel   string // raw outcome label mapped to YES, e.g. "Yes"
	NoLabel    string // raw outcome label mapped to NO, e.g. "No"

	TickSize     TickSize // price granularity (determines rounding)
	MinOrderSize float64  // minimum order size in tokens
	FeeRateBps   int      // taker fee in basis points
	NegRisk      bool     // true if this is a neg-risk market (affects CTF exchange)

	Active          bool      // market is live
	Closed          bool      // market has been resolved
	AcceptingOrders bool      // CLOB is accepting new orders
	EndDate         time.Time // when the market is scheduled to resolve

	IsBinaryYesNo bool   // set by registry validation
	InvalidReason string // why IsBinaryYesNo is false, if it is
}

// ————————————————————————————————————————————————————————————————————————
// Orders (execution wire format)
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the strategy.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      float64   // limit price (0.0 to 1.0 for binary markets)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // GTC or FOK
	TickSize   TickSize  // market's price granularity (for amount rounding)
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /orders (batch).
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`              // API key of the order owner
	OrderType OrderType   `json:"orderType"`          // GTC
	PostOnly  bool        `json:"postOnly,omitempty"` // if true, rejects if it would cross
}

// OrderResponse is the REST API response for each order in a batch POST.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// CancelResponse is returned by DELETE /orders, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}

// ManagedOrder is the single-writer record of an order's life at the engine
// level. Only internal/orders.Manager mutates this struct.
type ManagedOrder struct {
	ClientOrderID string
	VenueOrderID  string // set once acked
	MarketID      string
	TokenID       string
	Side          Side
	Price         float64
	Size          float64
	RemainingSize float64
	Status        OrderStatus
	CreatedTS     time.Time
	LastUpdateTS  time.Time
	TTLMs         int64
	AckTS         time.Time
	FirstFillTS   time.Time
	RiskBreach    bool // set when cancelled as part of a flatten
}

// Fingerprint is the semantic dedup key for a place intent:
// (market, token, side, price_ticks, size_units). Two live orders must never
// share a fingerprint (invariant I3).
func (m ManagedOrder) Fingerprint(priceTicks, sizeUnits int64) string {
	return fingerprintKey(m.MarketID, m.TokenID, m.Side, priceTicks, sizeUnits)
}

func fingerprintKey(marketID, tokenID string, side Side, priceTicks, sizeUnits int64) string {
	return marketID + "|" + tokenID + "|" + string(side) + "|" +
		itoa(priceTicks) + "|" + itoa(sizeUnits)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// FingerprintKey builds the dedup fingerprint without requiring a ManagedOrder.
func FingerprintKey(marketID, tokenID string, side Side, priceTicks, sizeUnits int64) string {
	return fingerprintKey(marketID, tokenID, side, priceTicks, sizeUnits)
}

// PlaceResult is the execution adapter's response to a place_order call
// (§6). ClientOrderID always echoes the caller's id so the result can be
// correlated even when OK is false and OrderID was never assigned.
type PlaceResult struct {
	OK            bool
	StatusCode    int
	OrderID       string
	ClientOrderID string
	SentTS        time.Time
	Error         string
}

// CancelResult is the execution adapter's response to a cancel_order call (§6).
type CancelResult struct {
	OK         bool
	StatusCode int
	OrderID    string
	SentTS     time.Time
	Error      string
}

// OrderDecision is the order state machine's verdict on an incoming Intent:
// whether it was accepted and dispatched, and if not, why.
type OrderDecision struct {
	Accepted      bool
	Reason        string
	ClientOrderID string
}

// ————————————————————————————————————————————————————————————————————————
// Position / PnL
// ————————————————————————————————————————————————————————————————————————

// Position is the engine's per (market, token) holding. Positive Qty is
// long, negative is short.
type Position struct {
	MarketID  string
	TokenID   string
	Qty       float64
	AvgPrice  float64
	UpdatedTS time.Time
}

// Key returns the map key used to index positions.
func (p Position) Key() string { return p.MarketID + "|" + p.TokenID }

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// Level is a parsed, numeric order book level used internally once a
// PriceLevel has been validated and converted.
type Level struct {
	Price float64
	Size  float64
}

// BookState is a point-in-time, validated view of one token's order book.
// Bids strictly descending, asks strictly ascending, no crossing, no
// negative sizes (invariant I5, enforced by internal/market.BookStore).
type BookState struct {
	MarketID    string
	TokenID     string
	Bids        []Level
	Asks        []Level
	RecvTS      time.Time
	ExchangeTS  time.Time
	Active      bool
}

// BestBid returns the best bid price, or 0 if the book is empty.
func (b BookState) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the best ask price, or 0 if the book is empty.
func (b BookState) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid returns (best bid + best ask) / 2, or false if either side is empty.
func (b BookState) Mid() (float64, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0, false
	}
	return (b.BestBid() + b.BestAsk()) / 2, true
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
	MarketActive bool         `json:"market_active"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalized event log + intents
// ————————————————————————————————————————————————————————————————————————

// NormalizedEvent is the canonical, tagged-union event produced by the
// normalizer from either WS stream and consumed by the engine's single
// event loop.
type NormalizedEvent struct {
	Kind          EventKind
	MarketID      string
	TokenID       string
	RecvTS        time.Time
	ExchangeTS    time.Time
	CorrelationID string // client_order_id or venue_order_id, when applicable

	Book        *BookState // set for EventBookUpdate
	Fill        *FillPayload
	Ack         *AckPayload
	Reject      *RejectPayload
	Cancel      *CancelPayload
	WSHealthyAt time.Time // set for EventWSHealth
}

// FillPayload carries a single fill notification.
type FillPayload struct {
	ClientOrderID string
	VenueOrderID  string
	Side          Side
	Price         float64
	Size          float64
	TradeID       string
}

// AckPayload carries an order acknowledgement.
type AckPayload struct {
	ClientOrderID string
	VenueOrderID  string
}

// RejectPayload carries an order rejection.
type RejectPayload struct {
	ClientOrderID string
	Reason        string
}

// CancelPayload carries a cancel confirmation.
type CancelPayload struct {
	ClientOrderID string
	VenueOrderID  string
}

// Intent is the tagged-union output of the strategy: either place an order,
// cancel one, or do nothing (with a reason, for observability).
type Intent struct {
	Type     IntentType
	MarketID string
	TokenID  string

	// Place fields
	Side     Side
	Price    float64
	Size     float64
	TTLMs    int64
	MakerTag string // e.g. "maker"; carried through to persistence, not venue-enforced here

	// Cancel fields
	OrderRef string // client_order_id or venue_order_id

	// Noop fields
	Reason string
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire events
// ————————————————————————————————————————————————————————————————————————
// These structs map close to 1:1 to the JSON messages sent over the venue's
// WebSocket. Market channel events: "book" (full snapshot), "price_change"
// (delta). User channel events: "trade" (fill), "order" (placement/cancel
// lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType    string       `json:"event_type"` // always "book"
	AssetID      string       `json:"asset_id"`
	Market       string       `json:"market"` // condition ID
	Timestamp    string       `json:"timestamp"`
	Hash         string       `json:"hash"` // book version hash
	Buys         []PriceLevel `json:"buys"` // bid levels
	Sells        []PriceLevel `json:"sells"`
	MarketActive *bool        `json:"market_active,omitempty"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"` // the price level that changed
	Size    string `json:"size"`  // new size at that level (0 = removed)
	Side    string `json:"side"`  // "BUY" or "SELL"
	Hash    string `json:"hash"`  // updated book hash
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Contains one or more level changes applied atomically.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel.
// Received when one of our orders gets matched against a taker.
type WSTradeEvent struct {
	EventType     string `json:"event_type"` // always "trade"
	ID            string `json:"id"`         // trade ID
	Market        string `json:"market"`     // condition ID
	AssetID       string `json:"asset_id"`   // token ID that was traded
	Side          string `json:"side"`       // our side: "BUY" or "SELL"
	Size          string `json:"size"`       // filled quantity
	Price         string `json:"price"`      // fill price
	Outcome       string `json:"outcome"`    // "Yes" or "No"
	Timestamp     string `json:"timestamp"`
	ClientOrderID string `json:"client_order_id"`
	OrderID       string `json:"order_id"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
// Received on order placement, update, or cancellation.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`         // order ID
	Market          string   `json:"market"`     // condition ID
	AssetID         string   `json:"asset_id"`   // token ID
	Side            string   `json:"side"`       // "BUY" or "SELL"
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"` // cumulative filled
	Outcome         string   `json:"outcome"`      // "Yes" or "No"
	Owner           string   `json:"owner"`        // API key
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION", "REJECTED"
	ClientOrderID   string   `json:"client_order_id"`
	AssociateTrades []string `json:"associate_trades"` // trade IDs from partial fills
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`       // required for user channel
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from channels
// after the initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"` // token IDs (market channel)
	Markets   []string `json:"markets,omitempty"`    // condition IDs (user channel)
	Operation string   `json:"operation"`            // "subscribe" or "unsubscribe"
}
