// Package exchange implements the Polymarket CLOB REST and WebSocket
// clients: the venue-facing execution adapter the order state machine
// drives, and the market/user WebSocket feeds the normalizer consumes.
//
// The REST client (Client) talks to the Polymarket CLOB API for order
// management:
//   - GetOrderBook:       GET  /book                 — fetch L2 book for a token
//   - PlaceOrder/CancelOrder: single-order adapter methods the order state
//     machine calls directly (§6's place_order/cancel_order contract)
//   - PostOrders:         POST /orders                — batch-place up to 15 signed orders
//   - CancelOrders:       DELETE /orders              — cancel specific orders by ID
//   - CancelAll:          DELETE /cancel-all          — emergency cancel everything
//   - CancelMarketOrders: DELETE /cancel-market-orders — cancel one market's orders
//   - DeriveAPIKey:       GET  /auth/derive-api-key   — bootstrap L2 creds from L1 wallet
//
// Every mutating request draws a token from the RateLimiter and feeds its
// response status back in so the adaptive backoff tracks real error rates.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/pkg/types"
)

// Client is the Polymarket CLOB REST API client. It wraps a resty HTTP
// client with retry and L1/L2 signing, and implements orders.Execution.
type Client struct {
	http     *resty.Client
	auth     *Auth
	rl       *RateLimiter
	registry *market.Registry
	dryRun   bool
	logger   *slog.Logger
}

// NewClient creates a REST client. registry supplies per-market tick size,
// fee rate, and neg-risk routing needed to build and sign orders.
func NewClient(cfg config.Config, auth *Auth, rl *RateLimiter, registry *market.Registry, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		auth:     auth,
		rl:       rl,
		registry: registry,
		dryRun:   cfg.DryRun,
		logger:   logger.With("component", "exchange_client"),
	}
}

// GetOrderBook fetches the order book for a single token. Reads are not
// rate-limited by the post/delete buckets (§4.4 covers mutating calls only).
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata the REST API expects, and signs it.
func (c *Client) buildOrderPayload(order types.UserOrder, negRisk bool) (types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	salt, err := NewSalt()
	if err != nil {
		return types.OrderPayload{}, err
	}

	signed := types.SignedOrder{
		Salt:          salt,
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          order.Side,
		Expiration:    fmt.Sprintf("%d", order.Expiration),
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}
	sig, err := c.auth.SignOrder(signed, negRisk)
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("sign order: %w", err)
	}
	signed.Signature = sig

	return types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}, nil
}

// PlaceOrder implements orders.Execution: sign and submit a single order,
// returning the venue's synchronous accept/reject (§6).
func (c *Client) PlaceOrder(ctx context.Context, marketID, tokenID string, side types.Side, price, size float64, clientOrderID string, ttlMs int64) (types.PlaceResult, error) {
	sentTS := time.Now()

	if c.dryRun {
		c.logger.Debug("DRY-RUN: would place order", "market", marketID, "token", tokenID, "side", side, "price", price, "size", size)
		return types.PlaceResult{OK: true, StatusCode: 200, OrderID: "dry-" + clientOrderID, ClientOrderID: clientOrderID, SentTS: sentTS}, nil
	}

	mkt, ok := c.registry.Get(marketID)
	if !ok {
		return types.PlaceResult{ClientOrderID: clientOrderID, SentTS: sentTS, Error: "unknown market"}, nil
	}

	var expiration int64
	if ttlMs > 0 {
		expiration = time.Now().Add(time.Duration(ttlMs) * time.Millisecond).Unix()
	}

	payload, err := c.buildOrderPayload(types.UserOrder{
		TokenID: tokenID, Price: price, Size: size, Side: side,
		OrderType: types.OrderTypeGTC, TickSize: mkt.TickSize,
		Expiration: expiration, FeeRateBps: mkt.FeeRateBps,
	}, mkt.NegRisk)
	if err != nil {
		return types.PlaceResult{ClientOrderID: clientOrderID, SentTS: sentTS, Error: err.Error()}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.PlaceResult{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.PlaceResult{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.PlaceResult{ClientOrderID: clientOrderID, SentTS: sentTS, Error: err.Error()}, err
	}

	res := types.PlaceResult{
		StatusCode:    resp.StatusCode(),
		ClientOrderID: clientOrderID,
		SentTS:        sentTS,
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		res.OK = false
		if result.ErrorMsg != "" {
			res.Error = result.ErrorMsg
		} else {
			res.Error = fmt.Sprintf("status %d", resp.StatusCode())
		}
		return res, nil
	}
	res.OK = true
	res.OrderID = result.OrderID
	return res, nil
}

// CancelOrder implements orders.Execution: cancel a single order by venue ID
// (or client_order_id if the venue never acked).
func (c *Client) CancelOrder(ctx context.Context, orderRef string) (types.CancelResult, error) {
	sentTS := time.Now()
	if c.dryRun {
		c.logger.Debug("DRY-RUN: would cancel order", "order_ref", orderRef)
		return types.CancelResult{OK: true, StatusCode: 200, OrderID: orderRef, SentTS: sentTS}, nil
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: []string{orderRef}}
	body, err := json.Marshal(payload)
	if err != nil {
		return types.CancelResult{}, fmt.Errorf("marshal cancel: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return types.CancelResult{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return types.CancelResult{OrderID: orderRef, SentTS: sentTS, Error: err.Error()}, err
	}

	res := types.CancelResult{StatusCode: resp.StatusCode(), OrderID: orderRef, SentTS: sentTS}
	if resp.StatusCode() != http.StatusOK {
		res.OK = false
		res.Error = fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())
		return res, nil
	}
	res.OK = true
	return res, nil
}

// PostOrders places up to 15 orders in a single batch request. The engine
// does not call it: strategy legs and flatten unwinds each go out through
// PlaceOrder.
func (c *Client) PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post orders", "count", len(orders))
		results := make([]types.OrderResponse, len(orders))
		for i := range orders {
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", i), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.AcquirePost(ctx); err != nil {
		return nil, err
	}

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		p, err := c.buildOrderPayload(order, negRisk)
		if err != nil {
			return nil, fmt.Errorf("build order %d: %w", i, err)
		}
		payloads[i] = p
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	c.rl.RecordResponse(statusOrZero(resp))
	if err != nil {
		return nil, fmt.Errorf("post orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	return results, nil
}

// CancelOrders cancels multiple orders by ID in one request.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.AcquireDelete(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	c.rl.RecordResponse(statusOrZero(resp))
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets — the shutdown
// safety net Engine.Stop calls. SAFE-state entry does not call it.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.AcquireDelete(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	c.rl.RecordResponse(statusOrZero(resp))
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market. The engine's
// flatten path does not call it; it cancels order by order through
// CancelOrder.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.AcquireDelete(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	c.rl.RecordResponse(statusOrZero(resp))
	if err != nil {
		return nil, fmt.Errorf("cancel market orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

func statusOrZero(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}
