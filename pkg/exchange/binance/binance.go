// Package binance implements the exchange.Gateway interface against the
// Binance spot REST API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"trading-engine/pkg/exchange"
	market "trading-engine/pkg/market/binance"
)

// Config holds Binance credentials and connection options.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Gateway is a Binance spot trading gateway.
type Gateway struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	weight     *exchange.WeightTracker

	mu       sync.Mutex
	timeOff  int64 // server minus local, ms
	synced   bool
	lotRules map[string]exchange.SymbolRule
}

func New(cfg Config) *Gateway {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Gateway{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// 1200 weight/min for spot
		weight:   exchange.NewWeightTracker(1200, time.Minute),
		lotRules: make(map[string]exchange.SymbolRule),
	}
}

// PlaceOrder submits an order. The client order id is passed through as
// newClientOrderId, so a resubmission with the same id cannot double-fill.
func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	const op = "binance.PlaceOrder"
	if g.cfg.APIKey == "" || g.cfg.APISecret == "" {
		return exchange.OrderResult{}, exchange.Fatal(op, "API key/secret required")
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	switch req.Type {
	case exchange.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	case exchange.OrderTypeStop:
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("price", formatFloat(req.Price))
		params.Set("stopPrice", formatFloat(req.StopPrice))
		params.Set("timeInForce", "GTC")
	default:
		params.Set("type", "MARKET")
	}

	body, err := g.doSigned(ctx, op, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, exchange.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return resp.toResult(), nil
}

// CancelOrder cancels by client order id. An unknown order maps to
// ErrOrderNotFound so callers can re-query instead of guessing.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	const op = "binance.CancelOrder"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := g.doSigned(ctx, op, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, exchange.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return resp.toResult(), nil
}

// GetOrderStatus queries an order by client order id.
func (g *Gateway) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	const op = "binance.GetOrderStatus"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := g.doSigned(ctx, op, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, exchange.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return resp.toResult(), nil
}

// GetBalances returns non-zero asset balances.
func (g *Gateway) GetBalances(ctx context.Context) ([]exchange.Balance, error) {
	const op = "binance.GetBalances"
	body, err := g.doSigned(ctx, op, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, exchange.Transient(op, fmt.Errorf("decode account: %w", err))
	}

	var out []exchange.Balance
	for _, b := range resp.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, exchange.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// SymbolRule returns lot constraints, fetched once per symbol from
// exchangeInfo and cached for the gateway's lifetime.
func (g *Gateway) SymbolRule(symbol string) exchange.SymbolRule {
	g.mu.Lock()
	if rule, ok := g.lotRules[symbol]; ok {
		g.mu.Unlock()
		return rule
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &market.Client{BaseURL: g.baseURL, HTTPClient: g.httpClient}
	lot, err := client.GetLotRule(ctx, symbol)
	if err != nil {
		// Unknown rules mean no flooring; the venue will reject a bad lot.
		return exchange.SymbolRule{Symbol: symbol}
	}

	rule := exchange.SymbolRule{Symbol: symbol, MinLot: lot.MinQty, LotStep: lot.StepSize}
	g.mu.Lock()
	g.lotRules[symbol] = rule
	g.mu.Unlock()
	return rule
}

// doSigned timestamps, signs, and performs a request, classifying
// failures as transient or fatal.
func (g *Gateway) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if g.cfg.APIKey == "" || g.cfg.APISecret == "" {
		return nil, exchange.Fatal(op, "API key/secret required")
	}

	params.Set("timestamp", strconv.FormatInt(g.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(g.cfg.RecvWindow, 10))
	sig := sign(params.Encode(), g.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := g.baseURL + path
	switch method {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		// GET/DELETE carry signed params in the query string.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	}
	if err != nil {
		return nil, exchange.Transient(op, err)
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)

	res, err := g.httpClient.Do(req)
	if err != nil {
		return nil, exchange.Transient(op, err)
	}
	defer res.Body.Close()

	g.weight.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 300 {
		return body, nil
	}
	return nil, g.classify(op, res.StatusCode, body)
}

// classify maps a Binance error response onto the engine's error kinds.
func (g *Gateway) classify(op string, status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch apiErr.Code {
	case -2011, -2013: // unknown order / order does not exist
		return exchange.ErrOrderNotFound
	case -1021: // timestamp outside recvWindow; resync and retry
		g.mu.Lock()
		g.synced = false
		g.mu.Unlock()
		return exchange.Transient(op, fmt.Errorf("clock drift: %s", apiErr.Msg))
	}

	if status == http.StatusTooManyRequests || status == 418 || status >= 500 {
		return exchange.Transient(op, fmt.Errorf("status %d: %s", status, string(body)))
	}
	return exchange.Fatal(op, "status %d code %d: %s", status, apiErr.Code, apiErr.Msg)
}

// now returns a venue-synchronized timestamp in milliseconds. The
// offset is fetched once and refreshed after a clock-drift rejection.
func (g *Gateway) now() int64 {
	g.mu.Lock()
	synced, off := g.synced, g.timeOff
	g.mu.Unlock()
	if synced {
		return time.Now().UnixMilli() + off
	}

	res, err := g.httpClient.Get(g.baseURL + "/api/v3/time")
	if err != nil {
		return time.Now().UnixMilli()
	}
	defer res.Body.Close()
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if json.NewDecoder(res.Body).Decode(&resp) != nil || resp.ServerTime == 0 {
		return time.Now().UnixMilli()
	}

	off = resp.ServerTime - time.Now().UnixMilli()
	g.mu.Lock()
	g.timeOff = off
	g.synced = true
	g.mu.Unlock()
	return time.Now().UnixMilli() + off
}

type orderResponse struct {
	Symbol          string `json:"symbol"`
	OrderID         int64  `json:"orderId"`
	ClientOrderID   string `json:"clientOrderId"`
	Status          string `json:"status"`
	ExecutedQty     string `json:"executedQty"`
	CummulativeQQty string `json:"cummulativeQuoteQty"`
	TransactTime    int64  `json:"transactTime"`
}

func (r orderResponse) toResult() exchange.OrderResult {
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(r.CummulativeQQty, 64)
	avg := 0.0
	if filled > 0 {
		avg = quote / filled
	}
	return exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Status:          mapStatus(r.Status),
		FilledQty:       filled,
		AvgFillPrice:    avg,
		Timestamp:       time.UnixMilli(r.TransactTime),
	}
}

func mapStatus(s string) exchange.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return exchange.StatusOpen
	case "PARTIALLY_FILLED":
		return exchange.StatusPartial
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED", "EXPIRED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	default:
		return exchange.StatusUnknown
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
