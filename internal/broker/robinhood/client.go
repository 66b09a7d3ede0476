// Package robinhood is a BrokerClient for the Robinhood crypto trading API.
package robinhood

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/thierrypdamiba/ticker-ai/internal/order"
	"github.com/thierrypdamiba/ticker-ai/internal/portfolio"
	"github.com/thierrypdamiba/ticker-ai/internal/retry"
)

const (
	pathQuote    = "/api/v1/crypto/marketdata/best_bid_ask/"
	pathOrders   = "/api/v1/crypto/trading/orders/"
	pathHoldings = "/api/v1/crypto/trading/holdings/"
	pathAccounts = "/api/v1/crypto/trading/accounts/"
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("robinhood status %d: %s", e.Code, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	APIKey            string
	PrivateKeyBase64  string
	Timeout           time.Duration
	QuantityPrecision int32
	// SettlePolls bounds how many status lookups follow a placement that is still open.
	SettlePolls        int
	SettlePollInterval time.Duration
}

// Client talks to the trading API with signed requests.
type Client struct {
	http      *resty.Client
	signer    *Signer
	precision int32
	polls     int
	pollEvery time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// New builds a client; it fails when credentials are missing or malformed.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	signer, err := NewSigner(cfg.APIKey, cfg.PrivateKeyBase64)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://trading.robinhood.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = 8
	}
	if cfg.SettlePollInterval <= 0 {
		cfg.SettlePollInterval = 500 * time.Millisecond
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
		signer:    signer,
		precision: cfg.QuantityPrecision,
		polls:     cfg.SettlePolls,
		pollEvery: cfg.SettlePollInterval,
		now:       time.Now,
		log:       log.With().Str("venue", "robinhood").Logger(),
	}, nil
}

// do signs and sends one request. Transport failures, 429 and 5xx come back as retryable errors,
// 401/403 as permanent ones, and any other 4xx as a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var payload string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode body: %w", err))
		}
		payload = string(raw)
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.Headers(method, path, payload, ts))
	if payload != "" {
		req.SetBody(payload)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return retry.Permanent(&StatusError{Code: code, Body: strings.TrimSpace(resp.String())})
	default:
		return &StatusError{Code: code, Body: strings.TrimSpace(resp.String())}
	}
}

func rejection(err error) (*StatusError, bool) {
	var se *StatusError
	if !errors.As(err, &se) || retry.IsPermanent(err) {
		return nil, false
	}
	if se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests && se.Code != http.StatusRequestTimeout {
		return se, true
	}
	return nil, false
}

type quoteResponse struct {
	Results []struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
		Bid    decimal.Decimal `json:"bid_inclusive_of_sell_spread"`
		Ask    decimal.Decimal `json:"ask_inclusive_of_buy_spread"`
	} `json:"results"`
}

// Quote returns the mid of best bid and ask, falling back to the reported price.
func (c *Client) Quote(ctx context.Context, symbol string) (float64, error) {
	var out quoteResponse
	if err := c.do(ctx, http.MethodGet, pathQuote, url.Values{"symbol": {symbol}}, nil, &out); err != nil {
		return 0, err
	}
	for _, q := range out.Results {
		if q.Symbol != "" && !strings.EqualFold(q.Symbol, symbol) {
			continue
		}
		if q.Bid.IsPositive() && q.Ask.IsPositive() {
			mid, _ := q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)).Float64()
			return mid, nil
		}
		if q.Price.IsPositive() {
			px, _ := q.Price.Float64()
			return px, nil
		}
	}
	return 0, fmt.Errorf("no quote for %s", symbol)
}

type marketOrderConfig struct {
	AssetQuantity string `json:"asset_quantity"`
}

type placeOrderBody struct {
	ClientOrderID     string            `json:"client_order_id"`
	Side              string            `json:"side"`
	Type              string            `json:"type"`
	Symbol            string            `json:"symbol"`
	MarketOrderConfig marketOrderConfig `json:"market_order_config"`
}

type apiOrder struct {
	ID                  string          `json:"id"`
	ClientOrderID       string          `json:"client_order_id"`
	Side                string          `json:"side"`
	Symbol              string          `json:"symbol"`
	State               string          `json:"state"`
	AveragePrice        decimal.Decimal `json:"average_price"`
	FilledAssetQuantity decimal.Decimal `json:"filled_asset_quantity"`
}

type ordersResponse struct {
	Results []apiOrder `json:"results"`
}

// Quantity formats qty for the wire, truncated so the order never exceeds what risk approved.
func (c *Client) Quantity(qty float64) decimal.Decimal {
	return decimal.NewFromFloat(qty).Truncate(c.precision)
}

// PlaceOrder submits a market order keyed by the idempotency key. A duplicate key resolves to
// the existing order instead of a second placement.
func (c *Client) PlaceOrder(ctx context.Context, req order.Request) (order.Result, error) {
	if err := req.Validate(); err != nil {
		return order.Result{Status: order.Rejected, Error: err.Error()}, nil
	}
	qty := c.Quantity(req.Quantity)
	if !qty.IsPositive() {
		return order.Result{Status: order.Rejected, Error: fmt.Sprintf("quantity %.10f rounds to zero", req.Quantity)}, nil
	}
	body := placeOrderBody{
		ClientOrderID:     req.IdempotencyKey,
		Side:              strings.ToLower(string(req.Side)),
		Type:              "market",
		Symbol:            req.Instrument,
		MarketOrderConfig: marketOrderConfig{AssetQuantity: qty.String()},
	}

	var placed apiOrder
	err := c.do(ctx, http.MethodPost, pathOrders, nil, body, &placed)
	if se, ok := rejection(err); ok {
		if se.Code == http.StatusConflict || strings.Contains(se.Body, "client_order_id") {
			c.log.Info().Str("key", req.IdempotencyKey).Msg("duplicate client order id, looking up existing order")
			return c.GetOrderStatus(ctx, req.IdempotencyKey)
		}
		return order.Result{Status: order.Rejected, Error: se.Body}, nil
	}
	if err != nil {
		return order.Result{}, err
	}

	res := toResult(placed)
	for i := 0; i < c.polls && res.Status == order.Pending; i++ {
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(c.pollEvery):
		}
		next, err := c.GetOrderStatus(ctx, req.IdempotencyKey)
		if err != nil {
			c.log.Warn().Err(err).Str("key", req.IdempotencyKey).Msg("order status poll failed")
			return res, nil
		}
		res = next
	}
	return res, nil
}

// GetOrderStatus looks an order up by its client order id.
func (c *Client) GetOrderStatus(ctx context.Context, key string) (order.Result, error) {
	var out ordersResponse
	err := c.do(ctx, http.MethodGet, pathOrders, url.Values{"client_order_id": {key}}, nil, &out)
	if se, ok := rejection(err); ok && se.Code == http.StatusNotFound {
		return order.Result{}, order.ErrUnknownOrder
	}
	if err != nil {
		return order.Result{}, err
	}
	for _, o := range out.Results {
		if o.ClientOrderID == key {
			return toResult(o), nil
		}
	}
	return order.Result{}, order.ErrUnknownOrder
}

func toResult(o apiOrder) order.Result {
	filled, _ := o.FilledAssetQuantity.Float64()
	price, _ := o.AveragePrice.Float64()
	res := order.Result{FilledQuantity: filled, FilledPrice: price, BrokerOrderID: o.ID}
	switch strings.ToLower(o.State) {
	case "filled":
		res.Status = order.Filled
	case "canceled", "cancelled":
		if filled > 0 {
			res.Status = order.Filled
		} else {
			res.Status = order.Rejected
			res.Error = "order canceled"
		}
	case "failed":
		res.Status = order.Failed
		res.Error = "order failed at broker"
	default:
		res.Status = order.Pending
	}
	return res
}

type holdingsResponse struct {
	Results []struct {
		AssetCode     string          `json:"asset_code"`
		TotalQuantity decimal.Decimal `json:"total_quantity"`
	} `json:"results"`
}

// GetPosition reports the broker-side holding. Average cost is not exposed by the API.
func (c *Client) GetPosition(ctx context.Context, instrument string) (portfolio.Position, error) {
	asset := assetCode(instrument)
	var out holdingsResponse
	if err := c.do(ctx, http.MethodGet, pathHoldings, url.Values{"asset_code": {asset}}, nil, &out); err != nil {
		return portfolio.Position{}, err
	}
	pos := portfolio.Position{Instrument: instrument, LastUpdated: c.now()}
	for _, h := range out.Results {
		if strings.EqualFold(h.AssetCode, asset) {
			pos.Quantity, _ = h.TotalQuantity.Float64()
		}
	}
	return pos, nil
}

type accountResponse struct {
	AccountNumber string          `json:"account_number"`
	Status        string          `json:"status"`
	BuyingPower   decimal.Decimal `json:"buying_power"`
}

// BuyingPower returns cash available for new buys.
func (c *Client) BuyingPower(ctx context.Context) (float64, error) {
	var out accountResponse
	if err := c.do(ctx, http.MethodGet, pathAccounts, nil, nil, &out); err != nil {
		return 0, err
	}
	bp, _ := out.BuyingPower.Float64()
	return bp, nil
}

// assetCode strips the quote currency: "BTC-USD" -> "BTC".
func assetCode(instrument string) string {
	code, _, _ := strings.Cut(strings.ToUpper(instrument), "-")
	return code
}
