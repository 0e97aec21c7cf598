package api

import (
	"time"

	"polymarket-mm/internal/config"
)

// DashboardSnapshot is the complete read-only view of engine state served by
// GET /api/snapshot and sent once to each WebSocket client when it connects.
// The snapshot loop does not push it to connected clients.
type DashboardSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	EngineState string    `json:"engine_state"` // RUNNING, PAUSED, FLATTENING, SAFE

	Markets   []MarketStatus `json:"markets"`
	Positions []PositionView `json:"positions"`
	Orders    []OrderView    `json:"orders"`

	Risk   RiskView      `json:"risk"`
	Config ConfigSummary `json:"config"`
}

// MarketStatus is per-market book and validation state.
type MarketStatus struct {
	ConditionID   string `json:"condition_id"`
	Slug          string `json:"slug"`
	Question      string `json:"question"`
	IsBinaryYesNo bool   `json:"is_binary_yes_no"`
	InvalidReason string `json:"invalid_reason,omitempty"`

	YesBestBid float64 `json:"yes_best_bid"`
	YesBestAsk float64 `json:"yes_best_ask"`
	NoBestBid  float64 `json:"no_best_bid"`
	NoBestAsk  float64 `json:"no_best_ask"`

	LastUpdated time.Time `json:"last_updated"`
}

// PositionView mirrors pkg/types.Position for JSON transport.
type PositionView struct {
	MarketID  string    `json:"market_id"`
	TokenID   string    `json:"token_id"`
	Qty       float64   `json:"qty"`
	AvgPrice  float64   `json:"avg_price"`
	UpdatedTS time.Time `json:"updated_ts"`
}

// OrderView mirrors pkg/types.ManagedOrder for JSON transport.
type OrderView struct {
	ClientOrderID string    `json:"client_order_id"`
	VenueOrderID  string    `json:"venue_order_id,omitempty"`
	MarketID      string    `json:"market_id"`
	TokenID       string    `json:"token_id"`
	Side          string    `json:"side"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	RemainingSize float64   `json:"remaining_size"`
	Status        string    `json:"status"`
	CreatedTS     time.Time `json:"created_ts"`
}

// RiskView mirrors internal/risk.Snapshot for JSON transport.
type RiskView struct {
	State         string  `json:"state"`
	Cash          float64 `json:"cash"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"`
	PeakEquity    float64 `json:"peak_equity"`
	Drawdown      float64 `json:"drawdown"`
	TotalExposure float64 `json:"total_exposure"`
	HourlyPnL     float64 `json:"hourly_pnl"`
	DailyPnL      float64 `json:"daily_pnl"`
}

// ConfigSummary exposes the subset of config operators care about on the
// dashboard — strategy thresholds and risk limits, not secrets.
type ConfigSummary struct {
	DryRun bool `json:"dry_run"`

	MinEdgeThreshold float64 `json:"min_edge_threshold"`
	FailureBuffer    float64 `json:"failure_buffer"`
	MaxSlippageBps   float64 `json:"max_slippage_bps"`
	FlattenMode      string  `json:"flatten_mode"`

	MaxOpenOrdersPerMarket int     `json:"max_open_orders_per_market"`
	MaxPositionPerMarket   float64 `json:"max_position_per_market"`
	MaxTotalExposure       float64 `json:"max_total_exposure"`
	MaxHourlyLoss          float64 `json:"max_hourly_loss"`
	MaxDailyLoss           float64 `json:"max_daily_loss"`

	LabelPolicy string `json:"label_policy"`
}

// NewConfigSummary builds a ConfigSummary from the running config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		DryRun: cfg.DryRun,

		MinEdgeThreshold: cfg.Strategy.MinEdgeThreshold,
		FailureBuffer:    cfg.Strategy.FailureBuffer,
		MaxSlippageBps:   cfg.Strategy.MaxSlippageBps,
		FlattenMode:      cfg.Strategy.FlattenMode,

		MaxOpenOrdersPerMarket: cfg.Risk.MaxOpenOrdersPerMarket,
		MaxPositionPerMarket:   cfg.Risk.MaxPositionPerMarket,
		MaxTotalExposure:       cfg.Risk.MaxTotalExposure,
		MaxHourlyLoss:          cfg.Risk.MaxHourlyLoss,
		MaxDailyLoss:           cfg.Risk.MaxDailyLoss,

		LabelPolicy: cfg.Markets.LabelPolicy,
	}
}
